// Package license redeems purchase license keys against the Payhip licensing API.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the Payhip v2 API root.
const DefaultBaseURL = "https://payhip.com/api/v2"

// DefaultTimeout bounds a single verification call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrInvalidLicense covers unknown keys and every failure to reach or understand the authority.
	ErrInvalidLicense = errors.New("invalid or expired license")
	// ErrProductMismatch is returned when a valid key belongs to another product.
	ErrProductMismatch = errors.New("license is for a different product")
	// ErrNotConfigured is returned by NewClient when no API key is set.
	ErrNotConfigured = errors.New("license client not configured")
)

// License is what the authority returns for a redeemed key. It is never persisted.
type License struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Email       string `json:"email"`
	LicenseKey  string `json:"license_key"`
	SaleDate    string `json:"sale_date"`
}

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string        // defaults to DefaultBaseURL
	Timeout    time.Duration // defaults to DefaultTimeout; ignored when HTTPClient is set
	HTTPClient *http.Client
}

// Client talks to the licensing authority.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type verifyResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Data    *License `json:"data"`
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrNotConfigured)
	}

	baseURL := DefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// Validate redeems key. When expectedProductID is non-empty the license must belong to it.
// There is no retry; any failure is reported as ErrInvalidLicense.
func (c *Client) Validate(ctx context.Context, key, expectedProductID string) (*License, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty license key", ErrInvalidLicense)
	}

	q := url.Values{}
	q.Set("license_key", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/license/verify?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrInvalidLicense, err)
	}
	req.Header.Set("payhip-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrInvalidLicense, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: licensing API returned %d", ErrInvalidLicense, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrInvalidLicense, err)
	}

	if body.Status != "success" || body.Data == nil || strings.TrimSpace(body.Data.Email) == "" {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidLicense, body.Status)
	}

	lic := body.Data
	if lic.LicenseKey == "" {
		lic.LicenseKey = key
	}

	if expectedProductID != "" && lic.ProductID != expectedProductID {
		slog.Warn("License redeemed for wrong product",
			"expected_product_id", expectedProductID,
			"product_id", lic.ProductID)
		return nil, ErrProductMismatch
	}

	return lic, nil
}
