package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider is one generative-AI backend. Implementations must be
// interchangeable: the rest of the system only ever talks to a Gateway
// wrapping one of them.
type Provider interface {
	Name() string
	// Complete runs a single prompt. jsonMode asks the backend for a
	// JSON-constrained response where supported.
	Complete(ctx context.Context, prompt string, jsonMode bool) (string, error)
	// Embed returns a vector for text, used for semantic listing search.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// The three normalized error kinds callers see. Provider-specific
// failures never leak past the gateway.
var (
	// ErrNotConfigured means no provider credential is present. Checked
	// once per job; analysis short-circuits to "unanalyzed".
	ErrNotConfigured = errors.New("no AI provider configured")

	// ErrUnavailable means transport or rate-limit retries were exhausted.
	ErrUnavailable = errors.New("AI provider unavailable")
)

// ParseError means the provider kept returning responses that do not
// match the expected JSON shape, even after the strict-format retry.
type ParseError struct {
	Provider string
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("%s returned malformed analysis: %v (response: %s)", e.Provider, e.Err, raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// apiError is the internal transport error used to decide retries.
type apiError struct {
	provider string
	status   int
	body     string
	err      error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s request failed: %v", e.provider, e.err)
	}
	body := strings.TrimSpace(e.body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.provider, e.status, body)
}

func (e *apiError) Unwrap() error { return e.err }

// transient reports whether a retry could plausibly succeed.
func (e *apiError) transient() bool {
	if e.status == 0 {
		// Network-level failure.
		return true
	}
	switch e.status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func isTransient(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.transient()
	}
	return false
}
