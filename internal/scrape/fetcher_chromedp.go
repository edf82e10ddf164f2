package scrape

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeFetcher renders pages in headless Chrome. The source site serves
// JS-rendered search results, so a plain HTTP GET sees an empty shell.
type ChromeFetcher struct {
	MaxRetries  int
	NavTimeout  time.Duration
	SettleDelay time.Duration

	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewChromeFetcher starts a shared exec allocator reused across fetches.
// Close must be called when the fetcher is no longer needed.
func NewChromeFetcher() *ChromeFetcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if bin := findChromeBinary(); bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	// Suppress chromedp log noise
	silentCtx, cancelSilent := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	return &ChromeFetcher{
		MaxRetries:  3,
		NavTimeout:  60 * time.Second,
		SettleDelay: 2 * time.Second,
		allocCtx:    silentCtx,
		cancelAlloc: func() {
			cancelSilent()
			cancelAlloc()
		},
	}
}

func (f *ChromeFetcher) Close() {
	if f.cancelAlloc != nil {
		f.cancelAlloc()
	}
}

// Fetch navigates to url in a fresh tab and returns the rendered DOM.
// Transient failures get a bounded retry with exponential backoff.
func (f *ChromeFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	var lastErr error

	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, &FetchError{URL: url, Err: ctx.Err()}
			case <-time.After(backoff + jitter):
			}
		}

		html, err := f.render(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}

		return &Page{URL: url, HTML: html, FetchedAt: time.Now()}, nil
	}

	return nil, &FetchError{URL: url, Err: fmt.Errorf("max retries exceeded: %w", lastErr)}
}

func (f *ChromeFetcher) render(ctx context.Context, url string) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(f.allocCtx)
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, f.NavTimeout)
	defer cancelTimeout()

	// Propagate caller cancellation into the tab.
	go func() {
		select {
		case <-ctx.Done():
			cancelTab()
		case <-tabCtx.Done():
		}
	}()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(f.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("chromedp run failed: %w", err)
	}
	return html, nil
}

// findChromeBinary locates a usable browser binary, preferring CHROME_BIN.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}
	candidates := []string{
		"google-chrome-stable",
		"google-chrome",
		"chromium-browser",
		"chromium",
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
