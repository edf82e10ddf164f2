package analysis

import (
	"context"
	"log"
	"time"

	"github.com/alexpr/flip-finder/internal/models"
)

// StageStatus records how a single analysis stage ended.
type StageStatus struct {
	Name string
	Err  error
}

// Result carries everything the stages produced for one listing. Any
// field may be missing when its stage failed; Stages says which ones.
type Result struct {
	Category        models.Category
	Research        *models.MarketResearch
	AdQualityScore  *int
	AdQualityDetail *models.AdQualityDetail
	Arbitrage       *ArbitrageResult
	AnalyzedAt      time.Time
	Stages          []StageStatus
}

// Failed reports whether every stage failed.
func (r *Result) Failed() bool {
	for _, s := range r.Stages {
		if s.Err == nil {
			return false
		}
	}
	return len(r.Stages) > 0
}

// Orchestrator runs the analysis stages over a listing in a fixed
// order: classify, market research, ad quality, arbitrage.
type Orchestrator struct {
	Gateway Invoker
	Policy  Policy
}

func NewOrchestrator(gw Invoker, policy Policy) *Orchestrator {
	return &Orchestrator{Gateway: gw, Policy: policy}
}

// Analyze never returns an error: a stage failure is recorded and the
// remaining stages still run, with later stages consuming whatever the
// earlier ones managed to produce.
func (o *Orchestrator) Analyze(ctx context.Context, listing *models.Listing) *Result {
	result := &Result{AnalyzedAt: time.Now().UTC()}

	category, err := ClassifyListing(ctx, o.Gateway, listing)
	if err != nil {
		log.Printf("analysis: classification failed for %s: %v", listing.URL, err)
	} else {
		result.Category = category
		listing.Category = category
	}
	result.Stages = append(result.Stages, StageStatus{Name: "classification", Err: err})

	research, err := ResearchMarket(ctx, o.Gateway, listing)
	if err != nil {
		log.Printf("analysis: market research failed for %s: %v", listing.URL, err)
	} else {
		result.Research = research
	}
	result.Stages = append(result.Stages, StageStatus{Name: "market_research", Err: err})

	score, detail, err := ScoreAdQuality(ctx, o.Gateway, o.Policy, listing)
	if err != nil {
		log.Printf("analysis: ad quality scoring failed for %s: %v", listing.URL, err)
	} else {
		result.AdQualityScore = &score
		result.AdQualityDetail = detail
	}
	result.Stages = append(result.Stages, StageStatus{Name: "ad_quality", Err: err})

	arbitrage, err := EvaluateArbitrage(ctx, o.Gateway, o.Policy, listing, result.Research, result.AdQualityScore, result.AdQualityDetail)
	if err != nil {
		log.Printf("analysis: arbitrage evaluation failed for %s: %v", listing.URL, err)
	} else {
		result.Arbitrage = arbitrage
	}
	result.Stages = append(result.Stages, StageStatus{Name: "arbitrage", Err: err})

	return result
}
