package models

import (
	"time"

	"github.com/google/uuid"
)

// Category is the fixed set of resale categories a listing can belong to.
type Category string

const (
	CategoryCar           Category = "car"
	CategoryAppliance     Category = "appliance"
	CategoryFurniture     Category = "furniture"
	CategoryElectronics   Category = "electronics"
	CategoryBikeMotorbike Category = "bike_motorbike"
	CategoryPowerTool     Category = "power_tool"
	CategoryMobilePhone   Category = "mobile_phone"
	CategoryOther         Category = "other"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{
	CategoryCar,
	CategoryAppliance,
	CategoryFurniture,
	CategoryElectronics,
	CategoryBikeMotorbike,
	CategoryPowerTool,
	CategoryMobilePhone,
	CategoryOther,
}

// ValidCategory reports whether c is one of the fixed categories.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DemandLevel constrains competition/demand fields to high/medium/low.
type DemandLevel string

const (
	DemandHigh   DemandLevel = "high"
	DemandMedium DemandLevel = "medium"
	DemandLow    DemandLevel = "low"
)

// ValidDemandLevel reports whether d is high, medium, or low.
func ValidDemandLevel(d DemandLevel) bool {
	switch d {
	case DemandHigh, DemandMedium, DemandLow:
		return true
	}
	return false
}

// MarketResearch is the per-listing market snapshot produced by the
// market research stage. AverageMarketPrice is nil when the model could
// not assert a positive number.
type MarketResearch struct {
	CompetitionLevel        DemandLevel `json:"competition_level"`
	AverageMarketPrice      *float64    `json:"average_market_price,omitempty"`
	PriceCompetitiveness    string      `json:"price_competitiveness"`
	DemandLevel             DemandLevel `json:"demand_level"`
	BestSellingSeason       string      `json:"best_selling_season"`
	TopProfitableCategories []Category  `json:"top_profitable_categories"`
}

// AdQualityDetail breaks the 0-100 ad quality score into its sub-signals.
type AdQualityDetail struct {
	TitleQuality       string   `json:"title_quality"`
	DescriptionQuality string   `json:"description_quality"`
	HasPhoto           bool     `json:"has_photo"`
	PricingFeedback    string   `json:"pricing_feedback"`
	Suggestions        []string `json:"suggestions"`
}

// Listing is a scraped classifieds ad plus the analysis layered on top
// of it. URL uniquely identifies a listing; every field beyond the
// minimal scrape set is optional until its producing stage succeeds.
type Listing struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Price       *float64  `json:"price"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	IsFreeItem  bool      `json:"is_free_item"`
	HasPhoto    bool      `json:"has_photo"`

	Category     Category        `json:"category,omitempty"`
	MarketDemand DemandLevel     `json:"market_demand,omitempty"`
	Research     *MarketResearch `json:"market_research,omitempty"`

	AdQualityScore  *int             `json:"ad_quality_score,omitempty"`
	AdQualityDetail *AdQualityDetail `json:"ad_quality_detail,omitempty"`

	IsArbitrageOpportunity bool     `json:"is_arbitrage_opportunity"`
	ProfitPotential        *float64 `json:"profit_potential,omitempty"`
	RecommendedPrice       *float64 `json:"recommended_price,omitempty"`
	AnalysisReasoning      string   `json:"analysis_reasoning,omitempty"`
	SuggestedPlatform      string   `json:"suggested_platform,omitempty"`

	Embedding []float32 `json:"-"`

	DateScraped  time.Time  `json:"date_scraped"`
	LastAnalyzed *time.Time `json:"last_analyzed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PriceOrZero returns the listed price, treating absent as zero.
func (l *Listing) PriceOrZero() float64 {
	if l.Price == nil {
		return 0
	}
	return *l.Price
}
