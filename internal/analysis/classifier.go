package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexpr/flip-finder/internal/models"
)

type classificationResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// lowConfidenceThreshold is the deterministic tie-break: anything the
// model is not reasonably sure about resolves to "other".
const lowConfidenceThreshold = 0.5

// ClassifyListing maps a listing into the fixed category set.
func ClassifyListing(ctx context.Context, inv Invoker, listing *models.Listing) (models.Category, error) {
	prompt := fmt.Sprintf(`You are an expert at categorizing secondhand marketplace listings.

%s

Assign exactly one category from this EXACT list (do not invent new ones):
%s

Use "other" when nothing fits or the listing is ambiguous.

Return a JSON object:
{
  "category": "one of the listed values",
  "confidence": 0.0 to 1.0
}

Respond ONLY with the JSON object.`, listingContext(listing), categoryList())

	var resp classificationResponse
	if err := inv.Invoke(ctx, prompt, &resp); err != nil {
		return "", err
	}

	category := models.Category(strings.ToLower(strings.TrimSpace(resp.Category)))
	if !models.ValidCategory(category) || resp.Confidence < lowConfidenceThreshold {
		return models.CategoryOther, nil
	}
	return category, nil
}
