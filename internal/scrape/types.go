package scrape

import (
	"context"
	"fmt"
	"time"
)

// Page is the fully rendered document for a URL. HTML holds the DOM
// after client-side rendering, not the raw transfer body.
type Page struct {
	URL       string
	HTML      string
	FetchedAt time.Time
}

// Fetcher renders a URL (index or detail page) into its final HTML.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// FetchError marks a page as unavailable after retries were exhausted.
// Callers treat it as "skip this page", not as a fatal job error.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// EnrichError marks a single listing's detail scrape as failed without
// blocking the rest of the batch.
type EnrichError struct {
	URL string
	Err error
}

func (e *EnrichError) Error() string {
	return fmt.Sprintf("enrich failed for %s: %v", e.URL, e.Err)
}

func (e *EnrichError) Unwrap() error { return e.Err }
