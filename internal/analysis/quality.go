package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexpr/flip-finder/internal/models"
)

type qualityResponse struct {
	TitleScore         int      `json:"title_score"`
	DescriptionScore   int      `json:"description_score"`
	PriceScore         int      `json:"price_score"`
	TitleQuality       string   `json:"title_quality"`
	DescriptionQuality string   `json:"description_quality"`
	PricingFeedback    string   `json:"pricing_feedback"`
	Suggestions        []string `json:"suggestions"`
}

// ScoreAdQuality rates how well the ad is presented. The model scores
// the text sub-signals; photo presence is a scraped fact, and the final
// number is combined locally with the policy weights so the documented
// formula is ours, not the model's.
func ScoreAdQuality(ctx context.Context, inv Invoker, policy Policy, listing *models.Listing) (int, *models.AdQualityDetail, error) {
	prompt := fmt.Sprintf(`You are reviewing how well a secondhand marketplace ad is written.

%s

Score each sub-signal from 0 to 100:
- title_score: is the title clear and specific (brand, model, key attribute)?
- description_score: does the description mention make/model/brand and condition, and give enough detail to buy confidently?
- price_score: is the asking price realistic for the category, neither suspicious nor greedy? Use 50 if no price is listed.

Return a JSON object:
{
  "title_score": 0-100,
  "description_score": 0-100,
  "price_score": 0-100,
  "title_quality": "one-sentence assessment",
  "description_quality": "one-sentence assessment",
  "pricing_feedback": "one-sentence assessment",
  "suggestions": ["concrete improvement", ...] or [] when the ad is already good
}

Respond ONLY with the JSON object.`, listingContext(listing))

	var resp qualityResponse
	if err := inv.Invoke(ctx, prompt, &resp); err != nil {
		return 0, nil, err
	}

	photoScore := 0
	if listing.HasPhoto {
		photoScore = 100
	}

	score := CombineQualityScore(policy.Quality, resp.TitleScore, resp.DescriptionScore, photoScore, resp.PriceScore)

	detail := &models.AdQualityDetail{
		TitleQuality:       strings.TrimSpace(resp.TitleQuality),
		DescriptionQuality: strings.TrimSpace(resp.DescriptionQuality),
		HasPhoto:           listing.HasPhoto,
		PricingFeedback:    strings.TrimSpace(resp.PricingFeedback),
		Suggestions:        resp.Suggestions,
	}
	// The suggestions sequence is always present, possibly empty.
	if detail.Suggestions == nil {
		detail.Suggestions = []string{}
	}
	if !listing.HasPhoto {
		detail.Suggestions = appendUnique(detail.Suggestions, "Add at least one photo of the item")
	}

	return score, detail, nil
}

// CombineQualityScore computes the weighted 0-100 combination of the
// four sub-signals.
func CombineQualityScore(w QualityWeights, title, description, photo, price int) int {
	total := w.total()
	if total <= 0 {
		return 0
	}

	weighted := clampSubScore(title)*w.Title +
		clampSubScore(description)*w.Description +
		clampSubScore(photo)*w.Photo +
		clampSubScore(price)*w.Price

	score := weighted / total
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clampSubScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if strings.EqualFold(existing, item) {
			return items
		}
	}
	return append(items, item)
}
