package scrape

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyFetcher retrieves pages over plain HTTP. It cannot execute
// client-side rendering, so it only sees server-rendered markup; it is
// the fallback when no Chrome binary is available (CI, containers).
type CollyFetcher struct {
	UserAgent      string
	MaxRetries     int
	RequestTimeout time.Duration
	DomainDelay    time.Duration
	MaxBodySize    int
}

// NewCollyFetcher creates a CollyFetcher with sensible defaults.
func NewCollyFetcher() *CollyFetcher {
	return &CollyFetcher{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		DomainDelay:    1 * time.Second,
		MaxBodySize:    10 * 1024 * 1024,
	}
}

func (f *CollyFetcher) buildCollector(allowedDomains []string) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(f.UserAgent),
		colly.MaxBodySize(f.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.AllowedDomains(allowedDomains...),
		colly.DetectCharset(),
	)

	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 2,
		Delay:       f.DomainDelay,
		RandomDelay: f.DomainDelay / 2,
	})

	c.SetRequestTimeout(f.RequestTimeout)

	return c
}

// Fetch implements the Fetcher interface.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("invalid URL: %w", err)}
	}

	c := f.buildCollector([]string{parsedURL.Host})

	var page *Page
	var fetchErr error
	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	finish := func() { once.Do(wg.Done) }

	c.OnResponse(func(r *colly.Response) {
		defer finish()
		page = &Page{
			URL:       r.Request.URL.String(),
			HTML:      string(r.Body),
			FetchedAt: time.Now(),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		retries := 0
		if r.Request.Ctx.GetAny("retries") != nil {
			retries = r.Request.Ctx.GetAny("retries").(int)
		}
		if retries < f.MaxRetries {
			r.Request.Ctx.Put("retries", retries+1)
			log.Printf("[colly] retry %d/%d for %s: %v", retries+1, f.MaxRetries, r.Request.URL, err)
			time.Sleep(time.Duration(retries+1) * time.Second)
			r.Request.Retry()
			return
		}
		fetchErr = fmt.Errorf("fetch failed after %d retries: %w", f.MaxRetries, err)
		finish()
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			fetchErr = ctx.Err()
			finish()
		case <-done:
		}
	}()

	if err := c.Visit(targetURL); err != nil {
		close(done)
		return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("visit failed: %w", err)}
	}

	wg.Wait()
	close(done)

	if fetchErr != nil {
		return nil, &FetchError{URL: targetURL, Err: fetchErr}
	}
	if page == nil {
		return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("no response received")}
	}

	return page, nil
}

// NewDefaultFetcher prefers headless Chrome and falls back to Colly when
// no browser binary is installed.
func NewDefaultFetcher() Fetcher {
	if findChromeBinary() != "" {
		return NewChromeFetcher()
	}
	log.Printf("[scrape] no Chrome binary found, falling back to plain HTTP fetcher")
	return NewCollyFetcher()
}
