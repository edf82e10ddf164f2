package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

// Triggers a scrape job on a running server and prints the job id to
// poll.
func main() {
	searchURL := flag.String("url", "", "index page URL to scrape (required)")
	limit := flag.Int("limit", 0, "max listings to process (0 = no cap)")
	host := flag.String("host", "http://localhost:8080", "server base URL")
	flag.Parse()

	if *searchURL == "" {
		fmt.Println("Usage: scrape -url <search-page-url> [-limit N]")
		os.Exit(1)
	}

	endpoint := *host + "/api/v1/scrape?url=" + url.QueryEscape(*searchURL)
	if *limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(*limit)
	}

	resp, err := http.Post(endpoint, "application/json", nil)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Response Status: %s\n%s\n", resp.Status, body)
	if resp.StatusCode != http.StatusAccepted {
		os.Exit(1)
	}
}
