package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexpr/flip-finder/internal/analysis"
	"github.com/alexpr/flip-finder/internal/db"
	"github.com/alexpr/flip-finder/internal/models"
	"github.com/alexpr/flip-finder/internal/scrape"
)

// ListingStore is the slice of the database layer the pipeline needs.
type ListingStore interface {
	FindByURL(ctx context.Context, url string) (*models.Listing, error)
	Create(ctx context.Context, l *models.Listing) error
	UpsertPartial(ctx context.Context, url string, fields db.Fields) error
}

// Analyzer runs the analysis stages for one listing. A nil Analyzer
// (no provider credential) skips analysis entirely: listings are still
// fetched, enriched, and persisted, just left unanalyzed.
type Analyzer interface {
	Analyze(ctx context.Context, l *models.Listing) *analysis.Result
}

// Embedder produces the embedding stored for semantic search. A nil
// Embedder (no configured provider) just skips the column.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pipeline runs a scrape job end to end: index fetch, extraction, then
// per-listing dedup / persist / enrich / analyze with bounded
// concurrency.
type Pipeline struct {
	Store    ListingStore
	Fetcher  scrape.Fetcher
	Enricher *scrape.Enricher
	Analyzer Analyzer
	Embedder Embedder

	// Concurrency bounds the per-listing workers. Zero means the
	// default of 3, matching the polite rate the fetchers keep.
	Concurrency int
}

func NewPipeline(store ListingStore, fetcher scrape.Fetcher, analyzer Analyzer, embedder Embedder) *Pipeline {
	if fetcher == nil {
		fetcher = scrape.NewDefaultFetcher()
	}
	return &Pipeline{
		Store:    store,
		Fetcher:  fetcher,
		Enricher: scrape.NewEnricher(fetcher),
		Analyzer: analyzer,
		Embedder: embedder,
	}
}

func (p *Pipeline) concurrency() int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return 3
}

// Run executes one job. Job-level failures (index fetch, extraction)
// fail the job; per-listing failures are counted and the rest of the
// batch continues.
func (p *Pipeline) Run(ctx context.Context, job *Job) {
	log.Printf("[job %s] starting ingestion for: %s", job.ID, job.URL)

	job.setState(StateFetchingIndex)
	page, err := p.Fetcher.Fetch(ctx, job.URL)
	if err != nil {
		log.Printf("[job %s] index fetch failed: %v", job.ID, err)
		job.fail(fmt.Errorf("fetch error: %w", err))
		return
	}

	job.setState(StateExtracting)
	summaries, err := scrape.ExtractListings(page, job.URL)
	if err != nil {
		log.Printf("[job %s] extraction failed: %v", job.ID, err)
		job.fail(fmt.Errorf("extract error: %w", err))
		return
	}
	if len(summaries) == 0 {
		log.Printf("[job %s] no listings recognized on index page", job.ID)
		job.completeEmpty()
		return
	}
	if job.Limit > 0 && len(summaries) > job.Limit {
		summaries = summaries[:job.Limit]
	}
	job.setFound(len(summaries))
	log.Printf("[job %s] extracted %d listings", job.ID, len(summaries))

	job.setState(StateProcessing)
	sem := make(chan struct{}, p.concurrency())
	var wg sync.WaitGroup
	for _, summary := range summaries {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(s scrape.Summary) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processListing(ctx, job, s)
		}(summary)
	}
	wg.Wait()

	job.finish()
	snap := job.Snapshot()
	log.Printf("[job %s] %s: found=%d analyzed=%d skipped=%d failed=%d",
		job.ID, snap.State, snap.Counts.Found, snap.Counts.Analyzed, snap.Counts.Skipped, snap.Counts.Failed)
}

// processListing runs the per-listing stages in order. Any failure here
// affects only this listing.
func (p *Pipeline) processListing(ctx context.Context, job *Job, summary scrape.Summary) {
	url := summary.URL

	existing, err := p.Store.FindByURL(ctx, url)
	if err != nil {
		log.Printf("[job %s] dedup check failed for %s: %v", job.ID, url, err)
		job.markFailed(fmt.Sprintf("%s: dedup check: %v", url, err))
		return
	}
	if existing != nil && existing.LastAnalyzed != nil {
		// Already fully analyzed; re-running the same search must not
		// burn provider calls on it.
		job.markSkipped()
		return
	}

	listing := summary.ToListing()
	if err := p.Store.Create(ctx, listing); err != nil {
		log.Printf("[job %s] persist failed for %s: %v", job.ID, url, err)
		job.markFailed(fmt.Sprintf("%s: persist: %v", url, err))
		return
	}

	// Enrichment failure is not fatal: analysis still runs on the
	// index-page fields.
	detail, err := p.Enricher.Enrich(ctx, url)
	if err != nil {
		log.Printf("[job %s] enrich failed for %s: %v", job.ID, url, err)
	} else {
		p.applyDetail(ctx, job, listing, detail)
	}

	if p.Analyzer == nil {
		// No provider credential. The scrape data is persisted above;
		// last_analyzed stays unset so a later configured run picks the
		// listing back up.
		return
	}

	result := p.Analyzer.Analyze(ctx, listing)
	if result.Failed() {
		log.Printf("[job %s] analysis failed for %s", job.ID, url)
		job.markFailed(fmt.Sprintf("%s: every analysis stage failed", url))
		return
	}

	if err := p.persistAnalysis(ctx, listing, result); err != nil {
		log.Printf("[job %s] persist analysis failed for %s: %v", job.ID, url, err)
		job.markFailed(fmt.Sprintf("%s: persist analysis: %v", url, err))
		return
	}

	job.markAnalyzed()
}

// applyDetail merges detail-page data into the in-memory listing and
// the stored row.
func (p *Pipeline) applyDetail(ctx context.Context, job *Job, listing *models.Listing, detail *scrape.Detail) {
	fields := db.Fields{
		"has_photo": detail.HasPhoto,
	}
	listing.HasPhoto = detail.HasPhoto

	if detail.Description != "" {
		listing.Description = detail.Description
		fields["description"] = detail.Description
	}
	if detail.Location != "" && listing.Location == "" {
		listing.Location = detail.Location
		fields["location"] = detail.Location
	}
	if detail.Price != nil && listing.Price == nil && !listing.IsFreeItem {
		listing.Price = detail.Price
		fields["price"] = *detail.Price
	}

	if err := p.Store.UpsertPartial(ctx, listing.URL, fields); err != nil {
		log.Printf("[job %s] persist detail failed for %s: %v", job.ID, listing.URL, err)
	}
}

// persistAnalysis writes each completed stage's columns. Stages that
// failed contribute nothing, so whatever an earlier run stored stays.
func (p *Pipeline) persistAnalysis(ctx context.Context, listing *models.Listing, result *analysis.Result) error {
	fields := db.Fields{
		"last_analyzed": result.AnalyzedAt,
	}

	if result.Category != "" {
		fields["category"] = string(result.Category)
	}
	if result.Research != nil {
		fields["market_research"] = result.Research
		fields["market_demand"] = string(result.Research.DemandLevel)
	}
	if result.AdQualityScore != nil {
		fields["ad_quality_score"] = *result.AdQualityScore
		fields["ad_quality_detail"] = result.AdQualityDetail
	}
	if arb := result.Arbitrage; arb != nil {
		fields["is_arbitrage_opportunity"] = arb.IsOpportunity
		if arb.ProfitPotential != nil {
			fields["profit_potential"] = *arb.ProfitPotential
		}
		if arb.RecommendedPrice != nil {
			fields["recommended_price"] = *arb.RecommendedPrice
		}
		if arb.Reasoning != "" {
			fields["analysis_reasoning"] = arb.Reasoning
		}
		if arb.SuggestedPlatform != "" {
			fields["suggested_platform"] = arb.SuggestedPlatform
		}
	}

	if embedding := p.embedListing(ctx, listing); len(embedding) > 0 {
		fields["embedding"] = embedding
	}

	return p.Store.UpsertPartial(ctx, listing.URL, fields)
}

// embedListing computes the search embedding, best effort.
func (p *Pipeline) embedListing(ctx context.Context, listing *models.Listing) []float32 {
	if p.Embedder == nil {
		return nil
	}

	text := listing.Title
	if listing.Description != "" {
		text = text + "\n" + truncateOnRune(listing.Description, 1000)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	embedding, err := p.Embedder.Embed(embedCtx, text)
	if err != nil {
		log.Printf("embedding failed for %s: %v", listing.URL, err)
		return nil
	}
	return embedding
}

// truncateOnRune caps s at max bytes without splitting a UTF-8 rune.
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
