package analysis

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alexpr/flip-finder/internal/models"
)

// Invoker is the slice of the AI gateway the analysis stages need.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, out interface{}) error
}

const maxDescriptionChars = 4000

// listingContext renders the listing fields every stage prompt shares.
func listingContext(l *models.Listing) string {
	price := "not listed"
	if l.Price != nil {
		price = fmt.Sprintf("$%.2f", *l.Price)
	}
	if l.IsFreeItem {
		price = "FREE (free-giveaway section)"
	}

	description := strings.TrimSpace(l.Description)
	if description == "" {
		description = "(no description scraped)"
	}
	description = truncateOnRune(description, maxDescriptionChars)

	location := l.Location
	if location == "" {
		location = "unknown"
	}

	photo := "no"
	if l.HasPhoto {
		photo = "yes"
	}

	return fmt.Sprintf("Title: %s\nPrice: %s\nLocation: %s\nHas photo: %s\nDescription:\n%s",
		l.Title, price, location, photo, description)
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

func categoryList() string {
	names := make([]string, 0, len(models.Categories))
	for _, c := range models.Categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
