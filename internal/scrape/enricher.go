package scrape

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Detail is the per-listing data scraped from a detail page.
type Detail struct {
	Description string
	Location    string
	Price       *float64
	HasPhoto    bool
}

// Enricher fetches one listing's detail page and parses out the fields
// the index page does not carry. Failures stay isolated to the listing.
type Enricher struct {
	Fetcher   Fetcher
	sanitizer *bluemonday.Policy
}

func NewEnricher(fetcher Fetcher) *Enricher {
	return &Enricher{
		Fetcher:   fetcher,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Enrich fetches and parses the detail page for listingURL.
func (e *Enricher) Enrich(ctx context.Context, listingURL string) (*Detail, error) {
	page, err := e.Fetcher.Fetch(ctx, listingURL)
	if err != nil {
		return nil, &EnrichError{URL: listingURL, Err: err}
	}

	detail, err := e.ParseDetail(page)
	if err != nil {
		return nil, &EnrichError{URL: listingURL, Err: err}
	}
	return detail, nil
}

// ParseDetail extracts description, location, price, and photo presence
// from a rendered detail page. Missing sections leave fields zero-valued
// rather than failing the parse.
func (e *Enricher) ParseDetail(page *Page) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, err
	}

	detail := &Detail{}

	body := doc.Find("#postingbody").First()
	if body.Length() > 0 {
		// The posting body carries a "QR Code Link to This Post" helper
		// node on the source site; drop it before reading text.
		body.Find(".print-information, .print-qrcode-container").Remove()
		html, _ := body.Html()
		detail.Description = strings.TrimSpace(e.sanitizer.Sanitize(html))
	}
	if detail.Description == "" {
		detail.Description = strings.TrimSpace(doc.Find(`section[id*="body"], [class*="postingbody"]`).First().Text())
	}

	location := doc.Find(".postingtitletext small").First().Text()
	if strings.TrimSpace(location) == "" {
		location = doc.Find(`[class*="location"]`).First().Text()
	}
	detail.Location = cleanLocation(location)

	detail.Price = ParsePrice(doc.Find(".price").First().Text())
	if detail.Price == nil {
		detail.Price = ParsePrice(doc.Find(`[class*="price"]`).First().Text())
	}

	detail.HasPhoto = doc.Find(".gallery img, .swipe img, figure img").Length() > 0

	return detail, nil
}
