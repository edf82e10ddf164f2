package scrape

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/alexpr/flip-finder/internal/models"
)

// Summary is the minimal listing data visible on an index page.
type Summary struct {
	Title      string
	URL        string
	Price      *float64
	Location   string
	IsFreeItem bool
}

// ExtractListings parses a rendered index page into listing summaries.
// The site has shipped several list layouts over the years, so selector
// strategies are tried in order until one yields rows. Zero recognizable
// listings is a legitimate result, not an error.
func ExtractListings(page *Page, sourceURL string) ([]Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, err
	}

	freeSection := IsFreeSectionURL(sourceURL)

	rows := extractModern(doc)
	if len(rows) == 0 {
		rows = extractLegacy(doc)
	}
	if len(rows) == 0 {
		rows = extractGenericLinks(doc)
	}

	seen := make(map[string]bool)
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		absURL := resolveURL(base, row.URL)
		if absURL == "" || seen[absURL] {
			continue
		}
		seen[absURL] = true

		row.URL = absURL
		if row.Title == "" {
			row.Title = "Untitled"
		}
		// Free only when the section is the free section AND no price was
		// observed; a priced ad in the free section is a miscategorized ad.
		row.IsFreeItem = freeSection && (row.Price == nil || *row.Price == 0)
		out = append(out, row)
	}

	return out, nil
}

func extractModern(doc *goquery.Document) []Summary {
	var rows []Summary
	doc.Find("li.cl-search-result, li[data-pid]").Each(func(_ int, item *goquery.Selection) {
		link := item.Find(`a[href*="/d/"], a[href$=".html"]`).First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}

		title := strings.TrimSpace(link.Text())
		if title == "" {
			title, _ = link.Attr("title")
			title = strings.TrimSpace(title)
		}

		rows = append(rows, Summary{
			Title:    title,
			URL:      href,
			Price:    ParsePrice(item.Find(`.price, [class*="price"]`).First().Text()),
			Location: cleanLocation(item.Find(".location, .meta .separator ~ *").First().Text()),
		})
	})
	return rows
}

func extractLegacy(doc *goquery.Document) []Summary {
	var rows []Summary
	doc.Find(".result-row").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.result-title, .result-title.hdrlnk").First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}

		rows = append(rows, Summary{
			Title:    strings.TrimSpace(link.Text()),
			URL:      href,
			Price:    ParsePrice(row.Find(".result-price").First().Text()),
			Location: cleanLocation(row.Find(".result-hood").First().Text()),
		})
	})
	return rows
}

func extractGenericLinks(doc *goquery.Document) []Summary {
	var rows []Summary
	doc.Find(`a[href*="/d/"], a[href$=".html"]`).Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		if !strings.Contains(href, "/d/") && !strings.HasSuffix(href, ".html") {
			return
		}

		parent := link.Closest("li, .result-row, [data-pid]")
		if parent.Length() == 0 {
			return
		}

		title := strings.TrimSpace(link.Text())
		if title == "" {
			title, _ = link.Attr("title")
			title = strings.TrimSpace(title)
		}

		rows = append(rows, Summary{
			Title: title,
			URL:   href,
			Price: ParsePrice(parent.Find(`.price, [class*="price"]`).First().Text()),
		})
	})
	return rows
}

// IsFreeSectionURL reports whether the index URL points at the
// marketplace's free-giveaway section (the "zip" search on the source
// site, or any explicit /free path segment).
func IsFreeSectionURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	if strings.Contains(path, "/search/zip") || strings.HasSuffix(path, "/zip") {
		return true
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "free" {
			return true
		}
	}
	return false
}

var priceDigits = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)

// ParsePrice extracts a nonnegative price from text like "$1,250".
// Unparsable text yields nil rather than an error: a listing with a
// garbled price is kept with price absent, never dropped.
func ParsePrice(text string) *float64 {
	match := priceDigits.FindString(text)
	if match == "" {
		return nil
	}

	clean := strings.ReplaceAll(match, ",", "")
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil || value < 0 {
		return nil
	}
	return &value
}

func cleanLocation(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "(")
	text = strings.TrimSuffix(text, ")")
	return strings.TrimSpace(text)
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// ToListing converts an index summary into a minimal model for persistence.
func (s Summary) ToListing() *models.Listing {
	return &models.Listing{
		Title:      s.Title,
		URL:        s.URL,
		Price:      s.Price,
		Location:   s.Location,
		IsFreeItem: s.IsFreeItem,
		Source:     "craigslist",
	}
}
