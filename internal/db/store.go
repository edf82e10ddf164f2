package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/alexpr/flip-finder/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Fields is a partial listing update: column name -> new value. Each
// analysis stage writes only the columns it computed, so a failed stage
// never clobbers another stage's result.
type Fields map[string]interface{}

// updatableColumns is the whitelist for partial updates. Anything not
// listed here (id, url, created_at) cannot be touched after creation.
var updatableColumns = map[string]bool{
	"title":                    true,
	"price":                    true,
	"location":                 true,
	"description":              true,
	"is_free_item":             true,
	"has_photo":                true,
	"category":                 true,
	"market_demand":            true,
	"market_research":          true,
	"ad_quality_score":         true,
	"ad_quality_detail":        true,
	"is_arbitrage_opportunity": true,
	"profit_potential":         true,
	"recommended_price":        true,
	"analysis_reasoning":       true,
	"suggested_platform":       true,
	"embedding":                true,
	"last_analyzed":            true,
}

// jsonColumns are stored as JSONB and marshaled before binding.
var jsonColumns = map[string]bool{
	"market_research":   true,
	"ad_quality_detail": true,
}

const selectCols = `id, url, title, price, location, description, source, is_free_item, has_photo,
	category, market_demand, market_research,
	ad_quality_score, ad_quality_detail,
	is_arbitrage_opportunity, profit_potential, recommended_price, analysis_reasoning, suggested_platform,
	date_scraped, last_analyzed, created_at, updated_at`

func scanListing(scan func(dest ...interface{}) error) (models.Listing, error) {
	var l models.Listing
	var location, description, category, marketDemand, reasoning, platform *string
	var researchRaw, qualityRaw []byte

	err := scan(
		&l.ID, &l.URL, &l.Title, &l.Price, &location, &description, &l.Source, &l.IsFreeItem, &l.HasPhoto,
		&category, &marketDemand, &researchRaw,
		&l.AdQualityScore, &qualityRaw,
		&l.IsArbitrageOpportunity, &l.ProfitPotential, &l.RecommendedPrice, &reasoning, &platform,
		&l.DateScraped, &l.LastAnalyzed, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return l, err
	}

	if location != nil {
		l.Location = *location
	}
	if description != nil {
		l.Description = *description
	}
	if category != nil {
		l.Category = models.Category(*category)
	}
	if marketDemand != nil {
		l.MarketDemand = models.DemandLevel(*marketDemand)
	}
	if reasoning != nil {
		l.AnalysisReasoning = *reasoning
	}
	if platform != nil {
		l.SuggestedPlatform = *platform
	}
	if len(researchRaw) > 0 {
		var research models.MarketResearch
		if err := json.Unmarshal(researchRaw, &research); err == nil {
			l.Research = &research
		}
	}
	if len(qualityRaw) > 0 {
		var detail models.AdQualityDetail
		if err := json.Unmarshal(qualityRaw, &detail); err == nil {
			l.AdQualityDetail = &detail
		}
	}

	return l, nil
}

// FindByURL returns the stored listing for url, or nil when absent.
func (s *Store) FindByURL(ctx context.Context, url string) (*models.Listing, error) {
	sql := fmt.Sprintf("SELECT %s FROM listings WHERE url = $1", selectCols)
	row := s.pool.QueryRow(ctx, sql, url)

	l, err := scanListing(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by url failed: %w", err)
	}
	return &l, nil
}

// Create inserts a minimal listing the moment index extraction succeeds.
// Re-scraping the same url is an update in place: scrape-level fields
// refresh, but the COALESCE guards keep a thin pass from nulling out
// data a richer earlier pass already stored.
func (s *Store) Create(ctx context.Context, l *models.Listing) error {
	if strings.TrimSpace(l.URL) == "" {
		return fmt.Errorf("missing url for listing %q", l.Title)
	}
	if l.Source == "" {
		l.Source = "craigslist"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO listings (url, title, price, location, source, is_free_item, date_scraped)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (url) DO UPDATE SET
			updated_at = NOW(),
			date_scraped = NOW(),
			title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE listings.title END,
			price = COALESCE(EXCLUDED.price, listings.price),
			location = COALESCE(NULLIF(EXCLUDED.location, ''), listings.location),
			is_free_item = EXCLUDED.is_free_item
	`, l.URL, l.Title, l.Price, nilIfEmpty(l.Location), l.Source, l.IsFreeItem)
	if err != nil {
		return fmt.Errorf("create listing failed: %w", err)
	}
	return nil
}

// UpsertPartial applies a stage's computed fields to the listing at url.
// Only whitelisted columns are accepted; unknown columns are an error so
// shape mistakes surface in tests rather than silently writing nothing.
func (s *Store) UpsertPartial(ctx context.Context, url string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}

	sql, args, err := buildPartialUpdate(url, fields)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("partial update failed for %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("partial update matched no listing for url %s", url)
	}
	return nil
}

// buildPartialUpdate assembles the UPDATE statement for UpsertPartial.
// Columns are emitted in sorted order so the statement is deterministic.
func buildPartialUpdate(url string, fields Fields) (string, []interface{}, error) {
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !updatableColumns[col] {
			return "", nil, fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sets []string
	var args []interface{}
	argIdx := 1

	for _, col := range cols {
		value := fields[col]
		if jsonColumns[col] && value != nil {
			payload, err := json.Marshal(value)
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal %s: %w", col, err)
			}
			value = string(payload)
		}
		if col == "embedding" {
			if vec, ok := value.([]float32); ok {
				if len(vec) == 0 {
					continue
				}
				value = pgvector.NewVector(vec)
			}
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, value)
		argIdx++
	}

	if len(sets) == 0 {
		return "", nil, fmt.Errorf("no updatable fields provided")
	}

	sets = append(sets, "updated_at = NOW()")
	sql := fmt.Sprintf("UPDATE listings SET %s WHERE url = $%d", strings.Join(sets, ", "), argIdx)
	args = append(args, url)

	return sql, args, nil
}

type ListParams struct {
	Query             string
	QueryEmbedding    []float32
	Category          string
	FreeOnly          bool
	OpportunitiesOnly bool
	MinProfit         float64
	Limit             int
	Offset            int
}

type ListResult struct {
	Listings []models.Listing `json:"listings"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Store) ListListings(ctx context.Context, params ListParams) (*ListResult, error) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if params.Query != "" {
		where += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", argIdx, argIdx)
		args = append(args, params.Query)
		argIdx++
	}
	if params.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, params.Category)
		argIdx++
	}
	if params.FreeOnly {
		where += " AND is_free_item = true"
	}
	if params.OpportunitiesOnly {
		where += " AND is_arbitrage_opportunity = true"
	}
	if params.MinProfit > 0 {
		where += fmt.Sprintf(" AND profit_potential >= $%d", argIdx)
		args = append(args, params.MinProfit)
		argIdx++
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM listings " + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM listings %s", selectCols, where)

	if len(params.QueryEmbedding) > 0 {
		selectSQL += fmt.Sprintf(`
			ORDER BY
				CASE WHEN embedding IS NULL THEN 1 ELSE 0 END ASC,
				COALESCE(1 - (embedding <=> $%d), -1) DESC,
				date_scraped DESC
		`, argIdx)
		args = append(args, pgvector.NewVector(params.QueryEmbedding))
		argIdx++
	} else {
		selectSQL += " ORDER BY date_scraped DESC, created_at DESC"
	}

	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	if listings == nil {
		listings = []models.Listing{}
	}

	return &ListResult{
		Listings: listings,
		Total:    total,
		Limit:    params.Limit,
		Offset:   params.Offset,
	}, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	sql := fmt.Sprintf("SELECT %s FROM listings WHERE id = $1", selectCols)
	row := s.pool.QueryRow(ctx, sql, id)

	l, err := scanListing(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("not found: %w", err)
	}
	return &l, nil
}

func (s *Store) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, opportunities, freeItems, analyzed int
	var totalProfit float64

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_arbitrage_opportunity),
		       COUNT(*) FILTER (WHERE is_free_item),
		       COUNT(*) FILTER (WHERE last_analyzed IS NOT NULL),
		       COALESCE(SUM(profit_potential), 0)
		FROM listings
	`).Scan(&total, &opportunities, &freeItems, &analyzed, &totalProfit)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}

	stats["total_listings"] = total
	stats["opportunities"] = opportunities
	stats["free_items"] = freeItems
	stats["analyzed"] = analyzed
	stats["total_profit_potential"] = totalProfit

	categoryCounts := map[string]int{}
	rows, err := s.pool.Query(ctx, "SELECT category, COUNT(*) FROM listings WHERE category IS NOT NULL GROUP BY category")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var category string
			var count int
			if scanErr := rows.Scan(&category, &count); scanErr == nil {
				categoryCounts[category] = count
			}
		}
	}
	stats["category_counts"] = categoryCounts

	return stats, nil
}

// nilIfEmpty returns nil for empty strings so NULL is stored in DB.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
