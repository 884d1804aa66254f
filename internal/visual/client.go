// internal/visual/client.go
package visual

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pathHealthcheck = "/percy/healthcheck"
	pathSnapshot    = "/percy/snapshot"
	pathComparison  = "/percy/comparison"
)

// Snapshot is a DOM capture sent to the diff server.
type Snapshot struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	DOMSnapshot string `json:"domSnapshot"`
	ClientInfo  string `json:"clientInfo,omitempty"`
}

// Tile is one encoded image of a comparison.
type Tile struct {
	Content string `json:"content"`
}

// Comparison is a screenshot capture sent to the diff server.
type Comparison struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	Tiles     []Tile `json:"tiles"`
}

// Client talks to the local visual-diff server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Healthcheck reports whether the server is up.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathHealthcheck, nil)
	if err != nil {
		return fmt.Errorf("failed to create healthcheck request: %w", err)
	}
	return c.do(req)
}

// PostSnapshot uploads a DOM snapshot.
func (c *Client) PostSnapshot(ctx context.Context, s Snapshot) error {
	return c.post(ctx, pathSnapshot, s)
}

// PostComparison uploads a screenshot comparison.
func (c *Client) PostComparison(ctx context.Context, cmp Comparison) error {
	return c.post(ctx, pathComparison, cmp)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("visual server request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("visual server %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
