package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GeminiClient talks to the Google Generative Language API.
type GeminiClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	HTTPClient *http.Client
}

func NewGeminiClient(apiKey, model string) *GeminiClient {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiClient{
		BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		APIKey:     apiKey,
		Model:      model,
		EmbedModel: "text-embedding-004",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	reqBody := geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenConfig{Temperature: 0},
	}
	if jsonMode {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	path := fmt.Sprintf("/models/%s:generateContent", c.Model)
	var parsed geminiResponse
	if err := c.post(ctx, path, reqBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", &apiError{provider: c.Name(), status: http.StatusOK, body: "empty candidates"}
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	path := fmt.Sprintf("/models/%s:embedContent", c.EmbedModel)
	var parsed geminiEmbedResponse
	req := geminiEmbedRequest{Content: geminiContent{Parts: []geminiPart{{Text: text}}}}
	if err := c.post(ctx, path, req, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Embedding.Values) == 0 {
		return nil, &apiError{provider: c.Name(), status: http.StatusOK, body: "empty embedding"}
	}
	return parsed.Embedding.Values, nil
}

func (c *GeminiClient) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.BaseURL + path + "?key=" + c.APIKey
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &apiError{provider: c.Name(), err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{provider: c.Name(), status: resp.StatusCode, body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
