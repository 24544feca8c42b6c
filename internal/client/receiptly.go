// Package client provides an HTTP client for the receiptly API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt statuses reported by the API.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Category is the category attached to a processed receipt.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Color string `json:"color"`
}

// Receipt is the upload response.
type Receipt struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	ImageURL string  `json:"image_url"`
	Notes    *string `json:"notes"`
}

// Status is the polling payload of a receipt.
type Status struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	VendorName      *string          `json:"vendor_name"`
	Amount          *decimal.Decimal `json:"amount"`
	ReceiptDate     *time.Time       `json:"receipt_date"`
	Category        *Category        `json:"category"`
	ConfidenceScore *decimal.Decimal `json:"confidence_score"`
	ProcessedAt     *time.Time       `json:"processed_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// IsTerminal reports whether analysis has finished, successfully or not.
func (s *Status) IsTerminal() bool {
	return s.Status == StatusProcessed || s.Status == StatusFailed
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ReceiptlyClient communicates with the receiptly API as one user.
type ReceiptlyClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewReceiptlyClient creates a new API client. token may be empty until Login.
func NewReceiptlyClient(baseURL, token string, httpClient *http.Client) *ReceiptlyClient {
	return &ReceiptlyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Login exchanges credentials for a token, which is used for later calls.
func (c *ReceiptlyClient) Login(ctx context.Context, email, password string) (string, error) {
	jsonBody, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", fmt.Errorf("marshaling credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(req, http.StatusOK, &result); err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	c.token = result.Token
	return result.Token, nil
}

// Upload sends a receipt image with optional notes.
func (c *ReceiptlyClient) Upload(ctx context.Context, filename string, image io.Reader, notes string) (*Receipt, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if notes != "" {
		if err := w.WriteField("notes", notes); err != nil {
			return nil, fmt.Errorf("writing notes: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/receipts", &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result struct {
		Receipt Receipt `json:"receipt"`
	}
	if err := c.do(req, http.StatusCreated, &result); err != nil {
		return nil, fmt.Errorf("uploading receipt: %w", err)
	}
	return &result.Receipt, nil
}

// GetStatus fetches the current status of a receipt, bypassing any cache.
func (c *ReceiptlyClient) GetStatus(ctx context.Context, receiptID string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/receipts/"+receiptID+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	var status Status
	if err := c.do(req, http.StatusOK, &status); err != nil {
		return nil, fmt.Errorf("fetching receipt status: %w", err)
	}
	return &status, nil
}

func (c *ReceiptlyClient) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
