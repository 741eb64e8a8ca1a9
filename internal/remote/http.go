package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the remote backend over HTTP. It implements TableClient
// and BlobClient.
type Client struct {
	baseURL    string
	storageURL string
	auth       AuthProvider
	httpClient *http.Client
	logger     *log.Logger
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	// BaseURL is the root of the incidents table API.
	BaseURL string

	// StorageURL is the root of the blob store. Uploaded objects are
	// publicly addressable as StorageURL/{name}.
	StorageURL string

	// Auth supplies the session token. Required.
	Auth AuthProvider

	// Timeout bounds individual requests (default: 30s).
	Timeout time.Duration

	// Logger for request failures. If nil, a stderr logger is used.
	Logger *log.Logger
}

// NewClient creates an HTTP client for the remote backend.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if cfg.StorageURL == "" {
		cfg.StorageURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/storage"
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		storageURL: strings.TrimSuffix(cfg.StorageURL, "/"),
		auth:       cfg.Auth,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}, nil
}

// InsertIncident implements TableClient. A 409 response is the well-known
// duplicate condition and is surfaced as ErrDuplicate.
func (c *Client) InsertIncident(ctx context.Context, row Row) error {
	auth := c.auth.Auth()
	if !auth.Usable() {
		return ErrUnauthenticated
	}

	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/incidents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("insert request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("insert of %s: %w", row.LocalID, ErrDuplicate)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("insert failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

// ListIncidents implements TableClient.
func (c *Client) ListIncidents(ctx context.Context) ([]Row, error) {
	auth := c.auth.Auth()
	if !auth.Usable() {
		return nil, ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/incidents?order=occurred_at.desc", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list failed with status %d", resp.StatusCode)
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode incidents: %w", err)
	}
	return rows, nil
}

// Upload implements BlobClient. The object becomes publicly addressable as
// StorageURL/{name}.
func (c *Client) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	auth := c.auth.Auth()
	if !auth.Usable() {
		return "", ErrUnauthenticated
	}
	if name == "" {
		return "", fmt.Errorf("object name cannot be empty")
	}

	target := c.storageURL + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	return target, nil
}
