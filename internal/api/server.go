package api

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/alexpr/flip-finder/internal/ai"
	"github.com/alexpr/flip-finder/internal/analysis"
	"github.com/alexpr/flip-finder/internal/db"
	"github.com/alexpr/flip-finder/internal/ingest"
	"github.com/alexpr/flip-finder/internal/scrape"
)

// maxJobDuration caps a background scrape job so an abandoned Chrome
// session cannot hold resources forever.
const maxJobDuration = 30 * time.Minute

type Server struct {
	Echo    *echo.Echo
	DB      *pgxpool.Pool
	Store   *db.Store
	Gateway *ai.Gateway
	Fetcher scrape.Fetcher
	Policy  analysis.Policy
	Jobs    *ingest.Tracker
}

func NewServer(pool *pgxpool.Pool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := []string{"http://localhost:3000"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	policy, err := analysis.LoadPolicy()
	if err != nil {
		log.Printf("[Warn] %v, using defaults", err)
		policy = analysis.DefaultPolicy()
	}

	gateway, err := ai.NewGatewayFromEnv()
	if err != nil {
		// Scrape jobs still run without a provider; listings are just
		// persisted unanalyzed and semantic search degrades to keyword.
		log.Printf("[Warn] AI provider not configured: %v", err)
	} else {
		log.Printf("AI provider: %s", gateway.ProviderName())
	}

	s := &Server{
		Echo:    e,
		DB:      pool,
		Store:   db.NewStore(pool),
		Gateway: gateway,
		Fetcher: scrape.NewDefaultFetcher(),
		Policy:  policy,
		Jobs:    ingest.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.POST("/scrape", s.handleScrape)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.GET("/listings", s.handleListListings)
	api.GET("/listings/opportunities", s.handleListOpportunities)
	api.GET("/listings/:id", s.handleGetListing)
	api.GET("/stats", s.handleGetStats)
}

func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.DB.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "database unreachable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleScrape validates the target URL and starts a background scrape
// job. Returns 202 immediately; progress is polled via /jobs/:id. With
// no AI provider configured the job still runs, it just persists
// unanalyzed listings.
func (s *Server) handleScrape(c echo.Context) error {
	rawURL := strings.TrimSpace(c.QueryParam("url"))
	if rawURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url query parameter is required"})
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url must be an absolute http(s) URL"})
	}

	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 200"})
		}
		limit = parsed
	}

	job := s.Jobs.Start(rawURL, limit)

	// context.WithoutCancel detaches from the HTTP lifecycle; the job
	// gets its own timeout.
	jobCtx, cancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), maxJobDuration,
	)

	var analyzer ingest.Analyzer
	var embedder ingest.Embedder
	if s.Gateway != nil {
		analyzer = analysis.NewOrchestrator(s.Gateway, s.Policy)
		embedder = s.Gateway
	} else {
		log.Printf("[job %s] no AI provider configured, scraping without analysis", job.ID)
	}

	go func() {
		defer cancel()
		pipeline := ingest.NewPipeline(s.Store, s.Fetcher, analyzer, embedder)
		pipeline.Run(jobCtx, job)
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Scrape job started",
		"job_id":  job.ID,
		"poll":    "/api/v1/jobs/" + job.ID,
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job, ok := s.Jobs.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, job.Snapshot())
}

func (s *Server) handleListListings(c echo.Context) error {
	params, err := s.listParamsFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := s.Store.ListListings(c.Request().Context(), params)
	if err != nil {
		log.Printf("list listings failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params, err := s.listParamsFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	params.OpportunitiesOnly = true
	if params.MinProfit == 0 {
		params.MinProfit = s.Policy.MinProfit
	}

	result, err := s.Store.ListListings(c.Request().Context(), params)
	if err != nil {
		log.Printf("list opportunities failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetListing(c echo.Context) error {
	listing, err := s.Store.GetListing(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "listing not found"})
	}
	return c.JSON(http.StatusOK, listing)
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.Store.GetStats(c.Request().Context())
	if err != nil {
		log.Printf("stats query failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, stats)
}

// listParamsFromQuery maps the shared listing filters. A q= term is
// embedded for semantic search when a provider is configured, otherwise
// it degrades to keyword matching.
func (s *Server) listParamsFromQuery(c echo.Context) (db.ListParams, error) {
	params := db.ListParams{
		Query:    strings.TrimSpace(c.QueryParam("q")),
		Category: strings.TrimSpace(c.QueryParam("category")),
		FreeOnly: c.QueryParam("free_only") == "true",
		Limit:    50,
	}
	params.OpportunitiesOnly = c.QueryParam("opportunities_only") == "true"

	if raw := strings.TrimSpace(c.QueryParam("min_profit")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return params, echo.NewHTTPError(http.StatusBadRequest, "min_profit must be a nonnegative number")
		}
		params.MinProfit = v
	}
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			return params, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 100")
		}
		params.Limit = v
	}
	if raw := strings.TrimSpace(c.QueryParam("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return params, echo.NewHTTPError(http.StatusBadRequest, "offset must be nonnegative")
		}
		params.Offset = v
	}

	if params.Query != "" && s.Gateway != nil {
		embedCtx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
		defer cancel()
		if embedding, err := s.Gateway.Embed(embedCtx, params.Query); err == nil {
			params.QueryEmbedding = embedding
		} else {
			log.Printf("[Warn] query embedding failed, falling back to keyword search: %v", err)
		}
	}

	return params, nil
}
