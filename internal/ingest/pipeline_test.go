package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alexpr/flip-finder/internal/analysis"
	"github.com/alexpr/flip-finder/internal/db"
	"github.com/alexpr/flip-finder/internal/models"
	"github.com/alexpr/flip-finder/internal/scrape"
)

// fakeFetcher serves canned HTML per URL.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fails map[string]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*scrape.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[url] {
		return nil, &scrape.FetchError{URL: url, Err: errors.New("scripted fetch failure")}
	}
	html, ok := f.pages[url]
	if !ok {
		return nil, &scrape.FetchError{URL: url, Err: errors.New("no canned page")}
	}
	return &scrape.Page{URL: url, HTML: html, FetchedAt: time.Now()}, nil
}

// memStore is an in-memory ListingStore recording every partial update.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Listing
	updates map[string][]db.Fields
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[string]*models.Listing),
		updates: make(map[string][]db.Fields),
	}
}

func (m *memStore) FindByURL(_ context.Context, url string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[url]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.rows[l.URL] = &cp
	return nil
}

func (m *memStore) UpsertPartial(_ context.Context, url string, fields db.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[url]; !ok {
		return fmt.Errorf("no listing for url %s", url)
	}
	m.updates[url] = append(m.updates[url], fields)
	return nil
}

// lastFields flattens all partial updates for a url into one view.
func (m *memStore) lastFields(url string) db.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := db.Fields{}
	for _, fields := range m.updates[url] {
		for k, v := range fields {
			merged[k] = v
		}
	}
	return merged
}

// fakeAnalyzer returns a fixed successful result except for the URLs it
// is told to fail outright or to fail only the ad quality stage for.
type fakeAnalyzer struct {
	mu         sync.Mutex
	failFor    map[string]bool
	partialFor map[string]bool
	analyzed   []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, l *models.Listing) *analysis.Result {
	a.mu.Lock()
	a.analyzed = append(a.analyzed, l.URL)
	fail := a.failFor[l.URL]
	partial := a.partialFor[l.URL]
	a.mu.Unlock()

	if partial {
		return &analysis.Result{
			Category: models.CategoryElectronics,
			Research: &models.MarketResearch{
				CompetitionLevel: models.DemandMedium,
				DemandLevel:      models.DemandHigh,
			},
			AnalyzedAt: time.Now(),
			Stages: []analysis.StageStatus{
				{Name: "classification"}, {Name: "market_research"},
				{Name: "ad_quality", Err: errors.New("scripted stage failure")},
				{Name: "arbitrage", Err: errors.New("scripted stage failure")},
			},
		}
	}
	if fail {
		err := errors.New("scripted stage failure")
		return &analysis.Result{
			AnalyzedAt: time.Now(),
			Stages: []analysis.StageStatus{
				{Name: "classification", Err: err},
				{Name: "market_research", Err: err},
				{Name: "ad_quality", Err: err},
				{Name: "arbitrage", Err: err},
			},
		}
	}

	score := 80
	profit := 75.0
	recommended := 115.0
	if l.IsFreeItem {
		return &analysis.Result{
			Category:       models.CategoryPowerTool,
			AdQualityScore: &score,
			Arbitrage: &analysis.ArbitrageResult{
				IsOpportunity:    true,
				ProfitPotential:  &profit,
				RecommendedPrice: &profit,
				Reasoning:        "free item, pure profit",
			},
			AnalyzedAt: time.Now(),
			Stages: []analysis.StageStatus{
				{Name: "classification"}, {Name: "market_research"},
				{Name: "ad_quality"}, {Name: "arbitrage"},
			},
		}
	}
	return &analysis.Result{
		Category: models.CategoryElectronics,
		Research: &models.MarketResearch{
			CompetitionLevel: models.DemandMedium,
			DemandLevel:      models.DemandHigh,
		},
		AdQualityScore: &score,
		AdQualityDetail: &models.AdQualityDetail{
			HasPhoto:    l.HasPhoto,
			Suggestions: []string{},
		},
		Arbitrage: &analysis.ArbitrageResult{
			IsOpportunity:     true,
			ProfitPotential:   &profit,
			RecommendedPrice:  &recommended,
			Reasoning:         "solid flip",
			SuggestedPlatform: "eBay",
		},
		AnalyzedAt: time.Now(),
		Stages: []analysis.StageStatus{
			{Name: "classification"}, {Name: "market_research"},
			{Name: "ad_quality"}, {Name: "arbitrage"},
		},
	}
}

const indexURL = "https://sfbay.craigslist.org/search/sss?query=drill"
const freeIndexURL = "https://sfbay.craigslist.org/search/zip"

func indexHTML(items ...string) string {
	return `<html><body><ol>` + strings.Join(items, "") + `</ol></body></html>`
}

func itemHTML(href, title, price string) string {
	priceSpan := ""
	if price != "" {
		priceSpan = `<span class="price">` + price + `</span>`
	}
	return `<li class="cl-search-result" data-pid="1"><a href="` + href + `">` + title + `</a>` + priceSpan + `</li>`
}

func detailHTML(body string, withPhoto bool) string {
	gallery := ""
	if withPhoto {
		gallery = `<div class="gallery"><img src="photo.jpg"></div>`
	}
	return `<html><body>` + gallery + `<section id="postingbody">` + body + `</section></body></html>`
}

func newTestPipeline(store ListingStore, fetcher scrape.Fetcher, analyzer Analyzer) *Pipeline {
	return &Pipeline{
		Store:       store,
		Fetcher:     fetcher,
		Enricher:    scrape.NewEnricher(fetcher),
		Analyzer:    analyzer,
		Concurrency: 2,
	}
}

func TestPipelineRun(t *testing.T) {
	drillURL := "https://sfbay.craigslist.org/sby/tls/d/drill/1.html"
	tvURL := "https://sfbay.craigslist.org/sby/ele/d/tv/2.html"

	fetcher := &fakeFetcher{pages: map[string]string{
		indexURL: indexHTML(
			itemHTML(drillURL, "DeWalt drill", "$40"),
			itemHTML(tvURL, "55 inch TV", "$120"),
		),
		drillURL: detailHTML("Barely used, comes with two batteries.", true),
		tvURL:    detailHTML("Works fine, small scratch.", false),
	}}
	store := newMemStore()
	analyzer := &fakeAnalyzer{}

	p := newTestPipeline(store, fetcher, analyzer)
	tracker := NewTracker()
	job := tracker.Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("job state = %s, want %s (errors: %v)", snap.State, StateCompleted, snap.Errors)
	}
	if snap.Counts.Found != 2 || snap.Counts.Analyzed != 2 || snap.Counts.Failed != 0 {
		t.Fatalf("counts = %+v, want found=2 analyzed=2 failed=0", snap.Counts)
	}

	fields := store.lastFields(drillURL)
	if fields["description"] != "Barely used, comes with two batteries." {
		t.Fatalf("description = %v", fields["description"])
	}
	if fields["has_photo"] != true {
		t.Fatalf("has_photo = %v, want true", fields["has_photo"])
	}
	if fields["category"] != "electronics" {
		t.Fatalf("category = %v", fields["category"])
	}
	if fields["is_arbitrage_opportunity"] != true {
		t.Fatalf("is_arbitrage_opportunity = %v", fields["is_arbitrage_opportunity"])
	}
	if _, ok := fields["last_analyzed"]; !ok {
		t.Fatal("last_analyzed not persisted")
	}
}

func TestPipelineRun_IndexFetchFailureFailsJob(t *testing.T) {
	fetcher := &fakeFetcher{fails: map[string]bool{indexURL: true}}
	p := newTestPipeline(newMemStore(), fetcher, &fakeAnalyzer{})
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("job state = %s, want %s", snap.State, StateFailed)
	}
	if snap.Error == "" {
		t.Fatal("job error message empty")
	}
}

func TestPipelineRun_PerListingFailureIsolation(t *testing.T) {
	goodURL := "https://sfbay.craigslist.org/sby/tls/d/good/1.html"
	badURL := "https://sfbay.craigslist.org/sby/tls/d/bad/2.html"

	fetcher := &fakeFetcher{
		pages: map[string]string{
			indexURL: indexHTML(
				itemHTML(goodURL, "Good item", "$40"),
				itemHTML(badURL, "Bad item", "$40"),
			),
			goodURL: detailHTML("fine", true),
			badURL:  detailHTML("fine", true),
		},
	}
	store := newMemStore()
	analyzer := &fakeAnalyzer{failFor: map[string]bool{badURL: true}}

	p := newTestPipeline(store, fetcher, analyzer)
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompletedWithErrors {
		t.Fatalf("job state = %s, want %s", snap.State, StateCompletedWithErrors)
	}
	if snap.Counts.Analyzed != 1 || snap.Counts.Failed != 1 {
		t.Fatalf("counts = %+v, want analyzed=1 failed=1", snap.Counts)
	}
	// The failed listing keeps its minimal row.
	if _, ok := store.rows[badURL]; !ok {
		t.Fatal("failed listing's minimal row was not persisted")
	}
	if fields := store.lastFields(badURL); fields["category"] != nil {
		t.Fatalf("failed listing has analysis fields: %v", fields)
	}
}

func TestPipelineRun_PartialAnalysisPersistsCompletedStages(t *testing.T) {
	itemURL := "https://sfbay.craigslist.org/sby/tls/d/item/1.html"
	fetcher := &fakeFetcher{pages: map[string]string{
		indexURL: indexHTML(itemHTML(itemURL, "Drill", "$40")),
		itemURL:  detailHTML("fine", true),
	}}
	store := newMemStore()
	analyzer := &fakeAnalyzer{partialFor: map[string]bool{itemURL: true}}

	p := newTestPipeline(store, fetcher, analyzer)
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("job state = %s, want %s (errors: %v)", snap.State, StateCompleted, snap.Errors)
	}
	if snap.Counts.Analyzed != 1 || snap.Counts.Failed != 0 {
		t.Fatalf("counts = %+v, want analyzed=1 failed=0", snap.Counts)
	}

	// The stages that completed are persisted; the failed ones must not
	// write their columns.
	fields := store.lastFields(itemURL)
	if fields["category"] != "electronics" {
		t.Fatalf("category = %v, want electronics", fields["category"])
	}
	if fields["market_research"] == nil {
		t.Fatal("market_research not persisted")
	}
	if fields["market_demand"] != "high" {
		t.Fatalf("market_demand = %v, want high", fields["market_demand"])
	}
	if _, ok := fields["last_analyzed"]; !ok {
		t.Fatal("last_analyzed not persisted")
	}
	if _, ok := fields["ad_quality_score"]; ok {
		t.Fatalf("ad_quality_score persisted despite stage failure: %v", fields["ad_quality_score"])
	}
	if _, ok := fields["ad_quality_detail"]; ok {
		t.Fatal("ad_quality_detail persisted despite stage failure")
	}
	if _, ok := fields["is_arbitrage_opportunity"]; ok {
		t.Fatal("arbitrage fields persisted despite stage failure")
	}
}

func TestPipelineRun_EnrichFailureStillAnalyzes(t *testing.T) {
	itemURL := "https://sfbay.craigslist.org/sby/tls/d/item/1.html"
	fetcher := &fakeFetcher{
		pages: map[string]string{
			indexURL: indexHTML(itemHTML(itemURL, "Mystery box", "$40")),
		},
		fails: map[string]bool{itemURL: true},
	}
	store := newMemStore()
	analyzer := &fakeAnalyzer{}

	p := newTestPipeline(store, fetcher, analyzer)
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("job state = %s, want %s (errors: %v)", snap.State, StateCompleted, snap.Errors)
	}
	if len(analyzer.analyzed) != 1 {
		t.Fatalf("analyzed %d listings, want 1", len(analyzer.analyzed))
	}
}

func TestPipelineRun_SkipsAlreadyAnalyzed(t *testing.T) {
	itemURL := "https://sfbay.craigslist.org/sby/tls/d/item/1.html"
	fetcher := &fakeFetcher{pages: map[string]string{
		indexURL: indexHTML(itemHTML(itemURL, "Drill", "$40")),
		itemURL:  detailHTML("fine", true),
	}}
	store := newMemStore()
	analyzedAt := time.Now().Add(-time.Hour)
	store.rows[itemURL] = &models.Listing{URL: itemURL, Title: "Drill", LastAnalyzed: &analyzedAt}
	analyzer := &fakeAnalyzer{}

	p := newTestPipeline(store, fetcher, analyzer)
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.Counts.Skipped != 1 || snap.Counts.Analyzed != 0 {
		t.Fatalf("counts = %+v, want skipped=1 analyzed=0", snap.Counts)
	}
	if len(analyzer.analyzed) != 0 {
		t.Fatalf("analyzer called for a deduplicated listing: %v", analyzer.analyzed)
	}
}

func TestPipelineRun_FreeSection(t *testing.T) {
	itemURL := "https://sfbay.craigslist.org/sby/zip/d/couch/1.html"
	fetcher := &fakeFetcher{pages: map[string]string{
		freeIndexURL: indexHTML(itemHTML(itemURL, "Free couch", "")),
		itemURL:      detailHTML("Good condition, pickup only.", true),
	}}
	store := newMemStore()
	analyzer := &fakeAnalyzer{}

	p := newTestPipeline(store, fetcher, analyzer)
	job := NewTracker().Start(freeIndexURL, 0)
	p.Run(context.Background(), job)

	row := store.rows[itemURL]
	if row == nil {
		t.Fatal("free listing not persisted")
	}
	if !row.IsFreeItem {
		t.Fatal("IsFreeItem = false for free-section listing without price")
	}
	fields := store.lastFields(itemURL)
	if fields["profit_potential"] != 75.0 {
		t.Fatalf("profit_potential = %v, want 75", fields["profit_potential"])
	}
	// Resale estimate doubles as the recommended listing price.
	if fields["recommended_price"] != 75.0 {
		t.Fatalf("recommended_price = %v, want 75", fields["recommended_price"])
	}
}

func TestPipelineRun_NoAnalyzerStillPersists(t *testing.T) {
	itemURL := "https://sfbay.craigslist.org/sby/tls/d/item/1.html"
	fetcher := &fakeFetcher{pages: map[string]string{
		indexURL: indexHTML(itemHTML(itemURL, "Drill", "$40")),
		itemURL:  detailHTML("Works great.", true),
	}}
	store := newMemStore()

	p := newTestPipeline(store, fetcher, nil)
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("job state = %s, want %s", snap.State, StateCompleted)
	}
	if snap.Counts.Analyzed != 0 || snap.Counts.Failed != 0 {
		t.Fatalf("counts = %+v, want analyzed=0 failed=0", snap.Counts)
	}
	if _, ok := store.rows[itemURL]; !ok {
		t.Fatal("listing not persisted without an analyzer")
	}
	fields := store.lastFields(itemURL)
	if fields["description"] != "Works great." {
		t.Fatalf("enriched description not persisted: %v", fields["description"])
	}
	if _, ok := fields["last_analyzed"]; ok {
		t.Fatal("last_analyzed set without analysis")
	}
}

func TestPipelineRun_EmptyIndexCompletesWithErrors(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		indexURL: "<html><body><p>no results</p></body></html>",
	}}
	p := newTestPipeline(newMemStore(), fetcher, &fakeAnalyzer{})
	job := NewTracker().Start(indexURL, 0)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.State != StateCompletedWithErrors {
		t.Fatalf("job state = %s, want %s", snap.State, StateCompletedWithErrors)
	}
	if snap.Counts.Found != 0 {
		t.Fatalf("found = %d, want 0", snap.Counts.Found)
	}
}

func TestPipelineRun_LimitCapsListings(t *testing.T) {
	urls := []string{
		"https://sfbay.craigslist.org/sby/tls/d/a/1.html",
		"https://sfbay.craigslist.org/sby/tls/d/b/2.html",
		"https://sfbay.craigslist.org/sby/tls/d/c/3.html",
	}
	items := make([]string, 0, len(urls))
	pages := map[string]string{}
	for i, u := range urls {
		items = append(items, itemHTML(u, fmt.Sprintf("Item %d", i), "$40"))
		pages[u] = detailHTML("fine", false)
	}
	pages[indexURL] = indexHTML(items...)

	store := newMemStore()
	analyzer := &fakeAnalyzer{}
	p := newTestPipeline(store, &fakeFetcher{pages: pages}, analyzer)
	job := NewTracker().Start(indexURL, 2)
	p.Run(context.Background(), job)

	snap := job.Snapshot()
	if snap.Counts.Found != 2 {
		t.Fatalf("found = %d, want limit-capped 2", snap.Counts.Found)
	}
	if len(analyzer.analyzed) != 2 {
		t.Fatalf("analyzed %d listings, want 2", len(analyzer.analyzed))
	}
}

func TestTrackerEvictsOldJobs(t *testing.T) {
	tracker := NewTracker()
	var first *Job
	for i := 0; i < maxTrackedJobs+5; i++ {
		job := tracker.Start(indexURL, 0)
		if i == 0 {
			first = job
		}
	}
	if _, ok := tracker.Get(first.ID); ok {
		t.Fatal("oldest job still tracked past the cap")
	}
	if len(tracker.jobs) != maxTrackedJobs {
		t.Fatalf("tracked jobs = %d, want %d", len(tracker.jobs), maxTrackedJobs)
	}
}

func TestTrackerEvictionPrefersFinishedJobs(t *testing.T) {
	tracker := NewTracker()
	running := tracker.Start(indexURL, 0) // oldest, still pending
	finished := tracker.Start(indexURL, 0)
	finished.finish()
	for i := 0; i < maxTrackedJobs-1; i++ {
		tracker.Start(indexURL, 0)
	}

	if _, ok := tracker.Get(finished.ID); ok {
		t.Fatal("finished job kept while over the cap")
	}
	if _, ok := tracker.Get(running.ID); !ok {
		t.Fatal("running job lost its poll handle to eviction")
	}
}

// fakeEmbedder records the text it was asked to embed.
type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return []float32{0.1, 0.2}, nil
}

func TestEmbedListingTruncatesOnRuneBoundary(t *testing.T) {
	embedder := &fakeEmbedder{}
	p := &Pipeline{Embedder: embedder}
	listing := &models.Listing{
		URL:         "https://sfbay.craigslist.org/sby/tls/d/item/1.html",
		Title:       "Café table",
		Description: strings.Repeat("héritage café décor ", 100),
	}

	embedding := p.embedListing(context.Background(), listing)
	if len(embedding) == 0 {
		t.Fatal("no embedding returned")
	}
	if len(embedder.texts) != 1 {
		t.Fatalf("embed calls = %d, want 1", len(embedder.texts))
	}
	text := embedder.texts[0]
	if !utf8.ValidString(text) {
		t.Fatal("embedded text is not valid UTF-8")
	}
	if len(text) > len(listing.Title)+1+1000 {
		t.Fatalf("embedded text length = %d, description not truncated", len(text))
	}
}

func TestTruncateOnRune(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short string untouched", "drill", 10, "drill"},
		{"ascii cut at limit", "drill", 3, "dri"},
		{"backs off mid-rune", "café", 4, "caf"},
		{"keeps whole rune at boundary", "café", 5, "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateOnRune(tt.in, tt.max)
			if got != tt.want {
				t.Fatalf("truncateOnRune(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}
