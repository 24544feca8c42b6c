// Package analysis wraps the external vision-language model that extracts
// structured fields from receipt images.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
)

// DefaultTimeout bounds a single model round-trip.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept for logging.
const maxErrorBody = 4096

// Config holds the model endpoint settings. It is passed explicitly to
// NewClient rather than read from the environment.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// StatusError is the internal cause of an ErrUpstream returned for a
// non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client calls the generateContent endpoint of a Gemini-style model. It holds
// no per-call state and is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient validates cfg and returns a Client. A nil httpClient gets one
// with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("analysis: API key is not configured, set GEMINI_API_KEY")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("analysis: base URL is not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("analysis: model is not configured")
	}
	if cfg.Timeout <= 0 || cfg.Timeout > DefaultTimeout {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Analyze sends image to the model and returns the coerced extraction.
//
// A non-success status, a transport failure, or a response without candidate
// text returns ErrUpstream. A reply that is not valid JSON is not an error:
// the fallback result is returned with Fallback set.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType string) (*Result, error) {
	if len(image) == 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "image is empty")
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: receiptPrompt},
				{InlineData: &inlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			TopK:            topK,
			TopP:            topP,
			MaxOutputTokens: maxOutputTokens,
		},
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		logger.Get().Errorw("analysis request failed",
			"status", resp.StatusCode,
			"body", statusErr.Body,
		)
		return nil, apperrors.Wrap(apperrors.ErrUpstream, statusErr)
	}

	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUpstream, fmt.Errorf("decode response envelope: %w", err))
	}
	if len(payload.Candidates) == 0 || len(payload.Candidates[0].Content.Parts) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrUpstream, errors.New("response contains no candidate text"))
	}

	return c.parse(payload.Candidates[0].Content.Parts[0].Text), nil
}
