// internal/controlplane/client.go
package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoSession is returned when a request is made without a session id.
var ErrNoSession = errors.New("no session id")

const (
	contentType     = "application/json; charset=utf-8"
	maxErrorBodyLen = 512
)

// Status values accepted by the API.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// UpdateBody is the JSON body of a session update. Empty fields are left out
// so a name-only update does not touch the status.
type UpdateBody struct {
	Status string `json:"status,omitempty"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// StatusError reports a non-2xx answer from the API.
type StatusError struct {
	Verb string
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Verb, e.URL, e.Code, e.Body)
}

// Record describes one update request for a Recorder.
type Record struct {
	SessionID string
	Verb      string
	URL       string
	Body      UpdateBody
	Err       error
	At        time.Time
}

// Recorder keeps a log of the updates sent to the API.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is still
// wrapped with response decoding.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder attaches a recorder notified after every update.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// Client talks to the remote session API.
type Client struct {
	logger   *zap.Logger
	cfg      config.ControlPlaneConfig
	http     *http.Client
	limiter  *rate.Limiter
	recorder Recorder
}

// NewClient creates a Client from the control plane configuration.
func NewClient(logger *zap.Logger, cfg config.ControlPlaneConfig, opts ...Option) *Client {
	c := &Client{
		logger: logger.Named("controlplane"),
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Transport = newCompressionTransport(hc.Transport)
	c.http = &hc

	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// TurboScale reports whether updates use the turbo scale resource.
func (c *Client) TurboScale() bool { return c.cfg.TurboScale }

// BaseURL selects the session resource family for a session. Turbo scale
// wins over app automate, which is chosen for app sessions.
func (c *Client) BaseURL(caps capabilities.Bag) string {
	switch {
	case c.cfg.TurboScale:
		return strings.TrimSuffix(c.cfg.TurboScaleURL, "/")
	case c.cfg.AppAutomate || capabilities.IsAppSession(caps):
		return strings.TrimSuffix(c.cfg.AppAutomateURL, "/")
	default:
		return strings.TrimSuffix(c.cfg.AutomateURL, "/")
	}
}

// SessionResource is the URL of one session.
func (c *Client) SessionResource(caps capabilities.Bag, sessionID string) string {
	return c.BaseURL(caps) + "/" + sessionID + ".json"
}

// UpdateVerb is PATCH in turbo scale mode and PUT otherwise.
func (c *Client) UpdateVerb() string {
	if c.cfg.TurboScale {
		return http.MethodPatch
	}
	return http.MethodPut
}

// Update pushes body to the session resource.
func (c *Client) Update(ctx context.Context, sessionID string, caps capabilities.Bag, body UpdateBody) (err error) {
	verb := c.UpdateVerb()
	url := c.SessionResource(caps, sessionID)
	defer func() {
		observability.RecordControlPlaneRequest(verb, err)
		c.record(ctx, Record{SessionID: sessionID, Verb: verb, URL: url, Body: body, Err: err, At: time.Now()})
	}()

	if sessionID == "" {
		return ErrNoSession
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode session update: %w", err)
	}

	resp, err := c.do(ctx, verb, url, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("Session updated.",
		zap.String("session_id", sessionID),
		zap.String("verb", verb),
		zap.String("status", body.Status),
		zap.String("name", body.Name))
	return nil
}

// sessionInfo covers both response shapes of the session resource.
type sessionInfo struct {
	URL               string `json:"url"`
	AutomationSession struct {
		BrowserURL string `json:"browser_url"`
		PublicURL  string `json:"public_url"`
	} `json:"automation_session"`
}

// SessionURL fetches the dashboard URL of a session.
func (c *Client) SessionURL(ctx context.Context, sessionID string, caps capabilities.Bag) (url string, err error) {
	defer func() { observability.RecordControlPlaneRequest(http.MethodGet, err) }()
	if sessionID == "" {
		return "", ErrNoSession
	}

	resp, err := c.do(ctx, http.MethodGet, c.SessionResource(caps, sessionID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info sessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if c.cfg.TurboScale {
		return info.URL, nil
	}
	return info.AutomationSession.BrowserURL, nil
}

func (c *Client) do(ctx context.Context, verb, url string, payload []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, verb, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", verb, err)
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", verb, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, &StatusError{Verb: verb, URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

func (c *Client) record(ctx context.Context, rec Record) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("Failed to record session update.", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}
