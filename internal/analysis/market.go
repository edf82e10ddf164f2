package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexpr/flip-finder/internal/models"
)

type marketResponse struct {
	CompetitionLevel        string   `json:"competition_level"`
	AverageMarketPrice      float64  `json:"average_market_price"`
	PriceCompetitiveness    string   `json:"price_competitiveness"`
	DemandLevel             string   `json:"demand_level"`
	BestSellingSeason       string   `json:"best_selling_season"`
	TopProfitableCategories []string `json:"top_profitable_categories"`
}

// ResearchMarket produces the market research record for a listing.
// Out-of-vocabulary competition/demand values are a stage failure, not
// something to silently coerce.
func ResearchMarket(ctx context.Context, inv Invoker, listing *models.Listing) (*models.MarketResearch, error) {
	category := string(listing.Category)
	if category == "" {
		category = "unknown"
	}

	prompt := fmt.Sprintf(`You are a resale market analyst for secondhand marketplaces.

%s
Category: %s

Assess the local resale market for this item. Return a JSON object:
{
  "competition_level": "high" | "medium" | "low",
  "average_market_price": typical secondhand sale price in dollars as a number, or 0 if you cannot estimate,
  "price_competitiveness": "one short sentence comparing the asking price to the market",
  "demand_level": "high" | "medium" | "low",
  "best_selling_season": "short phrase, e.g. 'spring', 'year-round', 'back to school'",
  "top_profitable_categories": up to 3 values from [%s], most profitable first
}

Respond ONLY with the JSON object.`, listingContext(listing), category, categoryList())

	var resp marketResponse
	if err := inv.Invoke(ctx, prompt, &resp); err != nil {
		return nil, err
	}

	competition := models.DemandLevel(strings.ToLower(strings.TrimSpace(resp.CompetitionLevel)))
	demand := models.DemandLevel(strings.ToLower(strings.TrimSpace(resp.DemandLevel)))
	if !models.ValidDemandLevel(competition) {
		return nil, fmt.Errorf("market research returned invalid competition_level %q", resp.CompetitionLevel)
	}
	if !models.ValidDemandLevel(demand) {
		return nil, fmt.Errorf("market research returned invalid demand_level %q", resp.DemandLevel)
	}

	research := &models.MarketResearch{
		CompetitionLevel:     competition,
		DemandLevel:          demand,
		PriceCompetitiveness: strings.TrimSpace(resp.PriceCompetitiveness),
		BestSellingSeason:    strings.TrimSpace(resp.BestSellingSeason),
	}

	// A non-positive average is "no estimate", never a zero default.
	if resp.AverageMarketPrice > 0 {
		avg := resp.AverageMarketPrice
		research.AverageMarketPrice = &avg
	}

	for _, raw := range resp.TopProfitableCategories {
		c := models.Category(strings.ToLower(strings.TrimSpace(raw)))
		if models.ValidCategory(c) {
			research.TopProfitableCategories = append(research.TopProfitableCategories, c)
		}
		if len(research.TopProfitableCategories) == 3 {
			break
		}
	}

	return research, nil
}
