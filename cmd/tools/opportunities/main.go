package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"github.com/alexpr/flip-finder/internal/db"
)

// Prints the stored arbitrage opportunities.
func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	result, err := store.ListListings(ctx, db.ListParams{
		OpportunitiesOnly: true,
		Limit:             50,
	})
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Title", "Price", "Profit", "Category", "Platform", "URL"})

	for _, l := range result.Listings {
		price := "FREE"
		if l.Price != nil {
			price = fmt.Sprintf("$%.2f", *l.Price)
		}
		profit := ""
		if l.ProfitPotential != nil {
			profit = fmt.Sprintf("$%.2f", *l.ProfitPotential)
		}
		t.AppendRow(table.Row{truncate(l.Title, 40), price, profit, l.Category, l.SuggestedPlatform, l.URL})
	}
	t.Render()
	log.Printf("%d of %d opportunities shown", len(result.Listings), result.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
