// internal/visual/handler.go
package visual

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
)

// Mode selects when snapshots are taken.
type Mode string

const (
	// ModeAuto captures after navigation, clicks and at test end.
	ModeAuto       Mode = "auto"
	ModeClick      Mode = "click"
	ModeScreenshot Mode = "screenshot"
	ModeTestCase   Mode = "testcase"
	// ModeManual never captures on its own; callers use Capture.
	ModeManual Mode = "manual"
)

// domScript serializes the page. The executor marker keeps it out of
// command interception.
const domScript = `/* browserstack_executor: dom_snapshot */
return { url: window.location.href, dom: document.documentElement.outerHTML };`

const captureTimeout = 10 * time.Second

// Handler captures visual snapshots as the run progresses.
type Handler struct {
	logger *zap.Logger
	client *Client
	mode   Mode

	disabled atomic.Bool

	mu       sync.Mutex
	current  map[string]string // session id -> current test name
	counters map[string]int    // snapshot name -> captures so far
}

// NewHandler creates a visual capture handler.
func NewHandler(logger *zap.Logger, client *Client, mode Mode) *Handler {
	if mode == "" {
		mode = ModeAuto
	}
	return &Handler{
		logger:   logger.Named("visual"),
		client:   client,
		mode:     mode,
		current:  make(map[string]string),
		counters: make(map[string]int),
	}
}

// NewHandlerFromConfig builds a handler from the visual configuration.
func NewHandlerFromConfig(logger *zap.Logger, cfg config.VisualConfig) *Handler {
	return NewHandler(logger, NewClient(cfg.ServerURL, nil), Mode(cfg.CaptureMode))
}

// Name implements orchestrator.Handler.
func (h *Handler) Name() string { return "visual" }

// HandleLifecycle tracks the current test and captures at test end.
func (h *Handler) HandleLifecycle(ctx context.Context, b driver.Browser, lc orchestrator.Lifecycle) error {
	switch lc.Kind {
	case orchestrator.RunStarted, orchestrator.SessionReloaded:
		if err := h.client.Healthcheck(ctx); err != nil {
			h.disabled.Store(true)
			h.logger.Warn("Visual server is not reachable; snapshots disabled.", zap.Error(err))
			return nil
		}
		h.disabled.Store(false)
	case orchestrator.TestStarted, orchestrator.ScenarioStarted:
		h.mu.Lock()
		h.current[lc.SessionID] = lc.Name
		h.mu.Unlock()
	case orchestrator.TestFinished, orchestrator.ScenarioFinished:
		h.mu.Lock()
		name := h.current[lc.SessionID]
		delete(h.current, lc.SessionID)
		h.mu.Unlock()
		if h.mode == ModeAuto || h.mode == ModeTestCase {
			if name == "" {
				name = lc.Name
			}
			return h.Capture(ctx, b, name)
		}
	}
	return nil
}

// HandleEvent captures after the commands the mode selects.
func (h *Handler) HandleEvent(ctx context.Context, b driver.Browser, ev driver.Event) error {
	if ev.Kind != driver.EventResult || ev.Err != nil || h.disabled.Load() {
		return nil
	}
	switch h.mode {
	case ModeAuto:
		if ev.Command != driver.CmdURL && ev.Command != driver.CmdNavigateTo && ev.Command != driver.CmdClick {
			return nil
		}
	case ModeClick:
		if ev.Command != driver.CmdClick {
			return nil
		}
	case ModeScreenshot:
		if ev.Command != driver.CmdTakeScreenshot {
			return nil
		}
		encoded, ok := ev.Result.(string)
		if !ok || encoded == "" {
			return nil
		}
		return h.client.PostComparison(ctx, Comparison{
			Name:      h.nextName(h.testName(ev.SessionID), ev.Command),
			SessionID: ev.SessionID,
			Tiles:     []Tile{{Content: encoded}},
		})
	default:
		return nil
	}
	return h.Capture(ctx, b, h.nextName(h.testName(ev.SessionID), ev.Command))
}

// Capture takes a DOM snapshot of b and uploads it under name.
func (h *Handler) Capture(ctx context.Context, b driver.Browser, name string) error {
	if h.disabled.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	raw, err := b.ExecuteScript(ctx, domScript)
	if err != nil {
		return fmt.Errorf("failed to serialize DOM for %q: %w", name, err)
	}
	snap := Snapshot{Name: name, ClientInfo: "remotesuite"}
	switch v := raw.(type) {
	case map[string]any:
		snap.URL, _ = v["url"].(string)
		snap.DOMSnapshot, _ = v["dom"].(string)
	case string:
		snap.DOMSnapshot = v
	}
	if snap.DOMSnapshot == "" {
		return fmt.Errorf("empty DOM snapshot for %q", name)
	}
	if err := h.client.PostSnapshot(ctx, snap); err != nil {
		return err
	}
	h.logger.Debug("Snapshot uploaded.", zap.String("name", name), zap.String("session_id", b.SessionID()))
	return nil
}

func (h *Handler) testName(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if name := h.current[sessionID]; name != "" {
		return name
	}
	return sessionID
}

// nextName numbers repeated captures so snapshot names stay unique.
func (h *Handler) nextName(base, command string) string {
	key := strings.TrimSpace(base + " " + command)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[key]++
	return fmt.Sprintf("%s-%d", key, h.counters[key])
}

var _ orchestrator.Handler = (*Handler)(nil)
