// Package assistant talks to the Gemini generateContent REST API and
// turns replies into structured conversation turns.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type GeminiRequest struct {
	Contents          []GeminiContent        `json:"contents"`
	SystemInstruction *GeminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

// GeminiInlineData carries base64 audio alongside its content type.
type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type GeminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Client is a thin Gemini REST client. The zero value is not usable;
// build one with NewClient.
type Client struct {
	baseURL         string
	model           string
	apiKey          string
	maxOutputTokens int
	httpClient      *http.Client
	logger          *zap.Logger
}

func NewClient(baseURL, model, apiKey string, maxOutputTokens int, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           model,
		apiKey:          apiKey,
		maxOutputTokens: maxOutputTokens,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// Generate posts the request and returns the concatenated text of the
// first candidate. Rate-limited calls are retried with exponential
// backoff; ctx cancellation aborts the in-flight request.
func (c *Client) Generate(ctx context.Context, reqBody GeminiRequest) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("assistant api key not configured")
	}
	if reqBody.GenerationConfig.MaxOutputTokens == 0 {
		reqBody.GenerationConfig.MaxOutputTokens = c.maxOutputTokens
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	maxRetries := 3
	var lastErr error
	start := time.Now()

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			c.logger.Warn("assistant rate limited", zap.Int("attempt", i+1))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
		}

		var geminiResp GeminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			return "", fmt.Errorf("parse response: %w", err)
		}
		if geminiResp.Error != nil {
			return "", fmt.Errorf("upstream error: %s", geminiResp.Error.Message)
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		var result strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			result.WriteString(part.Text)
		}
		text := strings.TrimSpace(result.String())
		c.logger.Debug("assistant reply",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("response_len", len(text)))
		return text, nil
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
