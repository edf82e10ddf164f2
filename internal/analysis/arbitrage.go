package analysis

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/alexpr/flip-finder/internal/models"
)

// ArbitrageResult is the verdict of the final analysis stage.
type ArbitrageResult struct {
	IsOpportunity     bool
	ProfitPotential   *float64
	RecommendedPrice  *float64
	Reasoning         string
	SuggestedPlatform string
}

type arbitrageResponse struct {
	EstimatedResaleValue float64 `json:"estimated_resale_value"`
	Reasoning            string  `json:"reasoning"`
	SuggestedPlatform    string  `json:"suggested_platform"`
}

// EvaluateArbitrage decides whether a listing is worth flipping. The
// model estimates the resale value and explains itself; the profit and
// recommended-price arithmetic is done here so the numbers follow the
// policy rather than the model's mood.
//
// research, qualityScore, and qualityDetail may be nil when their
// stages failed; the stage then runs with whatever context remains,
// down to the listing alone.
func EvaluateArbitrage(ctx context.Context, inv Invoker, policy Policy, listing *models.Listing, research *models.MarketResearch, qualityScore *int, qualityDetail *models.AdQualityDetail) (*ArbitrageResult, error) {
	var marketBlock string
	if research != nil {
		avg := "unknown"
		if research.AverageMarketPrice != nil {
			avg = fmt.Sprintf("$%.2f", *research.AverageMarketPrice)
		}
		marketBlock = fmt.Sprintf("Market research:\n- competition: %s\n- demand: %s\n- typical market price: %s\n- notes: %s\n",
			research.CompetitionLevel, research.DemandLevel, avg, research.PriceCompetitiveness)
	} else {
		marketBlock = "Market research: not available, estimate from the listing alone.\n"
	}

	var qualityBlock string
	if qualityScore != nil {
		qualityBlock = fmt.Sprintf("Ad quality score: %d/100\n", *qualityScore)
		if qualityDetail != nil {
			qualityBlock += fmt.Sprintf("- title: %s\n- description: %s\n- pricing: %s\n",
				qualityDetail.TitleQuality, qualityDetail.DescriptionQuality, qualityDetail.PricingFeedback)
		}
	} else {
		qualityBlock = "Ad quality: not assessed.\n"
	}

	category := string(listing.Category)
	if category == "" {
		category = "unknown"
	}

	priceNote := ""
	if listing.IsFreeItem {
		priceNote = "\nThe item is FREE: the entire resale value is profit."
	}

	prompt := fmt.Sprintf(`You are a resale arbitrage expert evaluating a secondhand listing.

%s
Category: %s
%s%s%s

Estimate what this item would realistically sell for secondhand, and where.

Return a JSON object:
{
  "estimated_resale_value": realistic resale price in dollars as a number, 0 if the item has no resale value,
  "reasoning": "2-3 sentences on why this is or is not worth flipping",
  "suggested_platform": "best place to resell it, e.g. 'Facebook Marketplace', 'eBay', 'OfferUp'"
}

Respond ONLY with the JSON object.`, listingContext(listing), category, marketBlock, qualityBlock, priceNote)

	var resp arbitrageResponse
	if err := inv.Invoke(ctx, prompt, &resp); err != nil {
		return nil, err
	}

	result := &ArbitrageResult{
		Reasoning:         strings.TrimSpace(resp.Reasoning),
		SuggestedPlatform: strings.TrimSpace(resp.SuggestedPlatform),
	}

	resale := resp.EstimatedResaleValue
	if resale <= 0 {
		zero := 0.0
		result.ProfitPotential = &zero
		return result, nil
	}

	if listing.IsFreeItem {
		// Free item: the pricing formula is skipped. The resale estimate
		// is both the recommended listing price and the profit.
		profit := round2(resale)
		result.ProfitPotential = &profit
		result.RecommendedPrice = &profit
		result.IsOpportunity = profit >= policy.MinProfit
		return result, nil
	}

	asking := listing.PriceOrZero()
	base := asking * policy.PriceMultiplier
	if research != nil && research.AverageMarketPrice != nil && *research.AverageMarketPrice > 0 {
		base = *research.AverageMarketPrice
	}
	recommended := round2(base * (1 + policy.NegotiationMargin))
	if recommended > 0 {
		result.RecommendedPrice = &recommended
	}

	profit := round2(resale - asking)
	if profit < 0 {
		profit = 0
	}
	result.ProfitPotential = &profit
	result.IsOpportunity = profit >= policy.MinProfit && asking > 0

	return result, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
