package scrape

import (
	"testing"
	"time"
)

const modernIndexHTML = `
<html><body><ol>
<li class="cl-search-result" data-pid="101">
  <a href="/d/dewalt-drill/7700000001.html" title="DeWalt 20V Drill">DeWalt 20V Drill</a>
  <span class="priceinfo price">$85</span>
  <div class="location">brooklyn</div>
</li>
<li class="cl-search-result" data-pid="102">
  <a href="https://newyork.craigslist.org/d/couch/7700000002.html">Leather Couch</a>
  <span class="price">contact for price</span>
</li>
<li class="cl-search-result" data-pid="103">
  <a href="/d/dewalt-drill/7700000001.html">DeWalt 20V Drill (duplicate)</a>
  <span class="price">$85</span>
</li>
</ol></body></html>`

const legacyIndexHTML = `
<html><body>
<p class="result-row">
  <a class="result-title hdrlnk" href="/d/road-bike/7700000009.html">Trek Road Bike</a>
  <span class="result-price">$1,250</span>
  <span class="result-hood">(queens)</span>
</p>
</body></html>`

func page(html string) *Page {
	return &Page{URL: "https://newyork.craigslist.org/search/sss", HTML: html, FetchedAt: time.Now()}
}

func TestExtractListings_ModernLayout(t *testing.T) {
	rows, err := ExtractListings(page(modernIndexHTML), "https://newyork.craigslist.org/search/sss")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Third row duplicates the first url and must be dropped.
	if len(rows) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(rows))
	}

	first := rows[0]
	if first.Title != "DeWalt 20V Drill" {
		t.Fatalf("unexpected title: %q", first.Title)
	}
	if first.URL != "https://newyork.craigslist.org/d/dewalt-drill/7700000001.html" {
		t.Fatalf("relative url not resolved: %q", first.URL)
	}
	if first.Price == nil || *first.Price != 85 {
		t.Fatalf("expected price 85, got %v", first.Price)
	}
	if first.Location != "brooklyn" {
		t.Fatalf("unexpected location: %q", first.Location)
	}

	// Unparsable price keeps the listing with price absent.
	if rows[1].Price != nil {
		t.Fatalf("expected absent price, got %v", *rows[1].Price)
	}
	if rows[1].IsFreeItem {
		t.Fatal("non-free section must not flag free items")
	}
}

func TestExtractListings_LegacyLayout(t *testing.T) {
	rows, err := ExtractListings(page(legacyIndexHTML), "https://newyork.craigslist.org/search/sss")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(rows))
	}
	if rows[0].Price == nil || *rows[0].Price != 1250 {
		t.Fatalf("expected price 1250, got %v", rows[0].Price)
	}
	if rows[0].Location != "queens" {
		t.Fatalf("parenthesized hood not cleaned: %q", rows[0].Location)
	}
}

func TestExtractListings_EmptyPageIsNotAnError(t *testing.T) {
	rows, err := ExtractListings(page("<html><body><p>nothing here</p></body></html>"), "https://newyork.craigslist.org/search/sss")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 listings, got %d", len(rows))
	}
}

func TestExtractListings_FreeSection(t *testing.T) {
	html := `
	<html><body>
	<li class="cl-search-result" data-pid="55">
	  <a href="/d/free-dresser/7700000055.html">Free dresser, curb pickup</a>
	</li>
	<li class="cl-search-result" data-pid="56">
	  <a href="/d/mislabeled/7700000056.html">Actually $20</a>
	  <span class="price">$20</span>
	</li>
	</body></html>`

	rows, err := ExtractListings(page(html), "https://newyork.craigslist.org/search/zip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(rows))
	}
	if !rows[0].IsFreeItem {
		t.Fatal("priceless listing in free section must be a free item")
	}
	if rows[1].IsFreeItem {
		t.Fatal("priced listing must not be a free item even in the free section")
	}
}

func TestIsFreeSectionURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://newyork.craigslist.org/search/zip", true},
		{"https://newyork.craigslist.org/search/zip#search=1", true},
		{"https://boards.example.org/free/furniture", true},
		{"https://newyork.craigslist.org/search/sss", false},
		{"https://newyork.craigslist.org/search/cta", false},
	}

	for _, tt := range tests {
		if got := IsFreeSectionURL(tt.url); got != tt.want {
			t.Fatalf("IsFreeSectionURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"$85", f(85)},
		{"$1,250", f(1250)},
		{"1250.50", f(1250.50)},
		{"free!", nil},
		{"", nil},
	}

	for _, tt := range tests {
		got := ParsePrice(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Fatalf("ParsePrice(%q) = %v, want nil", tt.in, *got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Fatalf("ParsePrice(%q) = %v, want %v", tt.in, got, *tt.want)
		}
	}
}

func f(v float64) *float64 { return &v }
