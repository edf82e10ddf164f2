package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"
)

const strictFormatSuffix = "\n\nYour previous response was not valid JSON for the requested schema. " +
	"Respond again with ONLY a single JSON object matching the schema exactly. " +
	"No markdown fences, no commentary, no trailing text."

// Gateway wraps the selected provider with the structured-output
// contract: transport retries with backoff, a single strict-format
// retry on malformed JSON, and normalized errors. One gateway is built
// per job so the credential check happens once, not per listing.
type Gateway struct {
	provider            Provider
	MaxTransportRetries int
}

func NewGateway(provider Provider) *Gateway {
	return &Gateway{provider: provider, MaxTransportRetries: 2}
}

// NewGatewayFromEnv selects a provider by credential priority: OpenAI
// first, then Gemini. Returns ErrNotConfigured when neither key is set.
func NewGatewayFromEnv() (*Gateway, error) {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" && !strings.HasPrefix(key, "sk-dummy") {
		log.Printf("[ai] using OpenAI for analysis")
		return NewGateway(NewOpenAIClient(key, os.Getenv("OPENAI_MODEL"))), nil
	}

	key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	if key != "" && !strings.HasPrefix(key, "dummy") {
		log.Printf("[ai] using Gemini for analysis")
		return NewGateway(NewGeminiClient(key, os.Getenv("GEMINI_MODEL"))), nil
	}

	return nil, ErrNotConfigured
}

// ProviderName identifies the active backend, for logs and job summaries.
func (g *Gateway) ProviderName() string {
	return g.provider.Name()
}

// Invoke runs prompt and unmarshals the JSON response into out.
// Malformed output gets exactly one same-provider retry with a stricter
// formatting instruction before surfacing a ParseError.
func (g *Gateway) Invoke(ctx context.Context, prompt string, out interface{}) error {
	resp, err := g.complete(ctx, prompt)
	if err != nil {
		return err
	}

	if parseErr := decodeJSONResponse(resp, out); parseErr != nil {
		log.Printf("[ai] %s returned malformed JSON, retrying with strict format: %v", g.provider.Name(), parseErr)

		resp, err = g.complete(ctx, prompt+strictFormatSuffix)
		if err != nil {
			return err
		}
		if parseErr = decodeJSONResponse(resp, out); parseErr != nil {
			return &ParseError{Provider: g.provider.Name(), Raw: resp, Err: parseErr}
		}
	}

	return nil
}

// Embed produces a vector for text via the active provider.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.provider.Embed(ctx, text)
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return vec, nil
}

// complete calls the provider with bounded retry on transient failures.
func (g *Gateway) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= g.MaxTransportRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}

		resp, err := g.provider.Complete(ctx, prompt, true)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return "", fmt.Errorf("%w: retries exhausted: %v", ErrUnavailable, lastErr)
}

// decodeJSONResponse tolerates the markdown fences and stray prose some
// models wrap around an otherwise valid JSON object.
func decodeJSONResponse(resp string, out interface{}) error {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if jsonStr, ok := extractFirstJSONObject(cleaned); ok {
		cleaned = jsonStr
	}

	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// extractFirstJSONObject returns the first balanced {...} block in s.
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
