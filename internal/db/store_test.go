package db

import (
	"strings"
	"testing"

	"github.com/alexpr/flip-finder/internal/models"
)

func TestBuildPartialUpdate_SortedAndWhitelisted(t *testing.T) {
	score := 80
	sql, args, err := buildPartialUpdate("https://x.org/d/1.html", Fields{
		"category":         string(models.CategoryElectronics),
		"ad_quality_score": &score,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Columns must appear in sorted order for a deterministic statement.
	if !strings.HasPrefix(sql, "UPDATE listings SET ad_quality_score = $1, category = $2") {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if !strings.Contains(sql, "updated_at = NOW()") {
		t.Fatalf("update must bump updated_at: %s", sql)
	}
	if !strings.HasSuffix(sql, "WHERE url = $3") {
		t.Fatalf("url must be the last bind: %s", sql)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if args[2] != "https://x.org/d/1.html" {
		t.Fatalf("expected url as final arg, got %v", args[2])
	}
}

func TestBuildPartialUpdate_RejectsUnknownColumn(t *testing.T) {
	_, _, err := buildPartialUpdate("https://x.org/d/1.html", Fields{"url": "https://evil.example"})
	if err == nil {
		t.Fatal("expected error for non-updatable column")
	}

	_, _, err = buildPartialUpdate("https://x.org/d/1.html", Fields{"id; DROP TABLE listings": 1})
	if err == nil {
		t.Fatal("expected error for injected column name")
	}
}

func TestBuildPartialUpdate_MarshalsJSONColumns(t *testing.T) {
	research := models.MarketResearch{
		CompetitionLevel: models.DemandLow,
		DemandLevel:      models.DemandHigh,
	}
	sql, args, err := buildPartialUpdate("https://x.org/d/2.html", Fields{"market_research": &research})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(sql, "market_research = $1") {
		t.Fatalf("unexpected sql: %s", sql)
	}

	payload, ok := args[0].(string)
	if !ok {
		t.Fatalf("expected JSON string arg, got %T", args[0])
	}
	if !strings.Contains(payload, `"demand_level":"high"`) {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestBuildPartialUpdate_SkipsEmptyEmbedding(t *testing.T) {
	_, _, err := buildPartialUpdate("https://x.org/d/3.html", Fields{"embedding": []float32{}})
	if err == nil {
		t.Fatal("expected error once the only field is skipped")
	}
}
