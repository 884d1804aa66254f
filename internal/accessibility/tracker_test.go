// internal/accessibility/tracker_test.go
package accessibility_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/remotesuite/internal/accessibility"
	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/framework"
	"github.com/xkilldash9x/remotesuite/internal/interception"
	"github.com/xkilldash9x/remotesuite/internal/scanstate"
)

// page answers the scan engine scripts the way the in-page scanner would.
type page struct {
	mu       sync.Mutex
	scans    int
	saves    []any
	scanErr  error
	summary  map[string]any
	results  []any
	unmarked int
}

func (p *page) handle(script string, args []any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case strings.Contains(script, `"A11Y_SCAN"`):
		p.scans++
		return nil, p.scanErr
	case strings.Contains(script, `"A11Y_SAVE_RESULTS"`):
		var payload any
		if len(args) > 0 {
			payload = args[0]
		}
		p.saves = append(p.saves, payload)
		return nil, nil
	case strings.Contains(script, `"A11Y_RESULTS_SUMMARY"`):
		return p.summary, nil
	case strings.Contains(script, `"A11Y_TAP_GET_RESULTS"`):
		return p.results, nil
	default:
		p.unmarked++
		return nil, nil
	}
}

func (p *page) counts() (scans, saves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scans, len(p.saves)
}

type harness struct {
	browser  *driver.Memory
	page     *page
	registry *scanstate.Registry
	tracker  *accessibility.Tracker
	logs     *observer.ObservedLogs

	mu      sync.Mutex
	signals []accessibility.Signal
}

func chromeCaps() capabilities.Bag {
	return capabilities.Bag{"browserName": "chrome", "browserVersion": "120.0"}
}

func newHarness(t *testing.T, caps capabilities.Bag, opts accessibility.Options) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	h := &harness{
		page:     &page{summary: map[string]any{"issueCount": 3}, results: []any{"issue-1"}},
		registry: scanstate.NewRegistry(),
		logs:     logs,
	}
	h.browser = driver.NewMemory(logger, caps, "localhost", driver.WithSessionID("s1"), driver.WithScriptHandler(h.page.handle))
	t.Cleanup(h.browser.Close)

	if opts.Commands == nil {
		opts.Commands = interception.DefaultCommands
	}
	opts.OnSignal = func(s accessibility.Signal) {
		h.mu.Lock()
		h.signals = append(h.signals, s)
		h.mu.Unlock()
	}
	engine := accessibility.NewScriptEngine(logger, accessibility.DefaultScripts())
	h.tracker = accessibility.NewTracker(logger, h.browser, nil, h.registry, engine, opts)
	return h
}

func (h *harness) signalKinds() []accessibility.SignalKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]accessibility.SignalKind, 0, len(h.signals))
	for _, s := range h.signals {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func TestTracker_ScanWindowLifecycle(t *testing.T) {
	ctx := context.Background()
	build := "build-7"
	h := newHarness(t, chromeCaps(), accessibility.Options{
		Framework:   framework.Mocha,
		Enabled:     true,
		Correlation: accessibility.Correlation{BuildUUID: &build},
	})
	require.True(t, h.tracker.Before(ctx))

	test := framework.Test{File: "cart.js", Parent: "Cart", Title: "adds item"}
	h.tracker.BeforeTest(ctx, "Cart", test)

	assert.True(t, h.registry.ShouldScan("s1"))
	entry, ok := h.tracker.Store().Get("cart.js::Cart::adds item")
	require.True(t, ok)
	assert.Equal(t, scanstate.Decided, entry.State)
	assert.True(t, entry.ScanRequested)
	assert.True(t, entry.ScanStarted)

	// A page-changing command is preceded by exactly one scan.
	_, err := h.browser.Invoke(ctx, driver.CmdURL, "https://shop.test/cart")
	require.NoError(t, err)
	scans, saves := h.page.counts()
	assert.Equal(t, 1, scans)
	assert.Equal(t, 0, saves)

	h.tracker.AfterTest(ctx, test)
	scans, saves = h.page.counts()
	assert.Equal(t, 2, scans, "test end runs a final scan")
	assert.Equal(t, 1, saves)
	assert.Equal(t, map[string]any{"thBuildUuid": "build-7"}, h.page.saves[0])

	entry, _ = h.tracker.Store().Get("cart.js::Cart::adds item")
	assert.Equal(t, scanstate.Closed, entry.State)
	assert.Equal(t, []accessibility.SignalKind{accessibility.SignalWindowOpened, accessibility.SignalWindowClosed}, h.signalKinds())

	// A second end for the same test is a no-op.
	h.tracker.AfterTest(ctx, test)
	scans, saves = h.page.counts()
	assert.Equal(t, 2, scans)
	assert.Equal(t, 1, saves)
}

func TestTracker_ExcludedTest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{
		Framework: framework.Mocha,
		Enabled:   true,
		Scope:     accessibility.Scope{Exclude: []string{"@no-a11y"}},
	})
	require.True(t, h.tracker.Before(ctx))

	test := framework.Test{File: "a.js", Parent: "Suite", Title: "skips @no-a11y"}
	h.tracker.BeforeTest(ctx, "Suite", test)

	scan, known := h.registry.Lookup("s1")
	assert.True(t, known)
	assert.False(t, scan)

	_, err := h.browser.Invoke(ctx, driver.CmdURL, "https://example.test")
	require.NoError(t, err)
	h.tracker.AfterTest(ctx, test)

	scans, saves := h.page.counts()
	assert.Zero(t, scans)
	assert.Zero(t, saves)
	assert.Empty(t, h.signalKinds())
}

func TestTracker_EndWithoutStartIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{Framework: framework.Mocha, Enabled: true})
	require.True(t, h.tracker.Before(ctx))

	h.tracker.AfterTest(ctx, framework.Test{File: "a.js", Title: "never started"})
	scans, saves := h.page.counts()
	assert.Zero(t, scans)
	assert.Zero(t, saves)
}

func TestTracker_Disabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{Framework: framework.Mocha})
	assert.False(t, h.tracker.Before(ctx))
	assert.False(t, h.tracker.Enabled())

	h.tracker.BeforeTest(ctx, "Suite", framework.Test{File: "a.js", Title: "t"})
	assert.False(t, h.registry.ShouldScan("s1"))

	summary, err := accessibility.ResultsSummary(ctx, h.browser)
	require.NoError(t, err)
	assert.Empty(t, summary)
	results, err := accessibility.Results(ctx, h.browser)
	require.NoError(t, err)
	assert.Empty(t, results)
	require.NoError(t, accessibility.PerformScan(ctx, h.browser))

	scans, _ := h.page.counts()
	assert.Zero(t, scans)
}

func TestTracker_EnabledByCapability(t *testing.T) {
	ctx := context.Background()
	caps := chromeCaps()
	caps[capabilities.NamespacedOptions] = map[string]any{"accessibility": true}
	h := newHarness(t, caps, accessibility.Options{Framework: framework.Mocha})
	assert.True(t, h.tracker.Before(ctx))

	summary, err := accessibility.ResultsSummary(ctx, h.browser)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"issueCount": 3}, summary)
	results, err := accessibility.Results(ctx, h.browser)
	require.NoError(t, err)
	assert.Equal(t, []any{"issue-1"}, results)

	require.NoError(t, accessibility.PerformScan(ctx, h.browser))
	scans, _ := h.page.counts()
	assert.Equal(t, 1, scans)
}

func TestTracker_UnsupportedBrowserDisables(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, capabilities.Bag{"browserName": "firefox"}, accessibility.Options{Framework: framework.Mocha, Enabled: true})
	assert.False(t, h.tracker.Before(ctx))
	assert.Equal(t, 1, h.logs.FilterMessage("Accessibility automation disabled for session.").Len())

	// Without interceptors nothing is scanned even if the flag were set.
	h.registry.Set("s1", true)
	_, err := h.browser.Invoke(ctx, driver.CmdURL, "https://example.test")
	require.NoError(t, err)
	scans, _ := h.page.counts()
	assert.Zero(t, scans)
}

func TestTracker_UnknownIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{Framework: framework.Mocha, Enabled: true})
	require.True(t, h.tracker.Before(ctx))
	h.registry.Set("s1", true)

	h.tracker.BeforeTest(ctx, "Suite", framework.Test{File: "a.js"})
	assert.False(t, h.registry.ShouldScan("s1"))
	assert.Equal(t, 1, h.logs.FilterMessage("Unable to identify test; accessibility scanning disabled for it.").Len())
	assert.Zero(t, h.tracker.Store().Len())
}

func TestTracker_ScanFailureStillClosesWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{Framework: framework.Mocha, Enabled: true})
	require.True(t, h.tracker.Before(ctx))
	h.page.scanErr = errors.New("scanner crashed")

	test := framework.Test{File: "a.js", Parent: "S", Title: "t"}
	h.tracker.BeforeTest(ctx, "S", test)
	h.tracker.AfterTest(ctx, test)

	assert.Equal(t, 1, h.logs.FilterMessage("Accessibility scan at test end failed.").Len())
	_, saves := h.page.counts()
	assert.Equal(t, 1, saves)
	assert.Equal(t, []accessibility.SignalKind{accessibility.SignalWindowOpened, accessibility.SignalWindowClosed}, h.signalKinds())
}

func TestTracker_Scenarios(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{
		Framework: framework.Cucumber,
		Enabled:   true,
		Scope:     accessibility.Scope{Include: []string{"@a11y"}},
	})
	require.True(t, h.tracker.Before(ctx))

	tagged := framework.World{Pickle: framework.Pickle{URI: "cart.feature", AstNodeIDs: []string{"1"}, Tags: []framework.Tag{{Name: "@a11y"}}}}
	untagged := framework.World{Pickle: framework.Pickle{URI: "cart.feature", AstNodeIDs: []string{"2"}}}

	h.tracker.BeforeScenario(ctx, untagged)
	assert.False(t, h.registry.ShouldScan("s1"))
	h.tracker.AfterScenario(ctx, untagged)

	h.tracker.BeforeScenario(ctx, tagged)
	assert.True(t, h.registry.ShouldScan("s1"))
	h.tracker.AfterScenario(ctx, tagged)

	scans, saves := h.page.counts()
	assert.Equal(t, 1, scans)
	assert.Equal(t, 1, saves)

	// Plain test hooks are ignored for scenario runners.
	h.tracker.BeforeTest(ctx, "S", framework.Test{File: "x", Title: "step"})
	assert.Equal(t, 2, h.tracker.Store().Len())
}

func TestTracker_AppSessionSkipsSave(t *testing.T) {
	ctx := context.Background()
	caps := capabilities.Bag{"platformName": "android", "appium:app": "bs://app-id"}
	h := newHarness(t, caps, accessibility.Options{Framework: framework.Mocha, Enabled: true})
	require.True(t, h.tracker.Before(ctx))

	test := framework.Test{File: "a.js", Parent: "S", Title: "t"}
	h.tracker.BeforeTest(ctx, "S", test)
	h.tracker.AfterTest(ctx, test)

	scans, saves := h.page.counts()
	assert.Equal(t, 1, scans)
	assert.Zero(t, saves)
}

func TestTracker_BeforeTwiceWrapsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chromeCaps(), accessibility.Options{Framework: framework.Mocha, Enabled: true})
	require.True(t, h.tracker.Before(ctx))
	require.True(t, h.tracker.Before(ctx))

	h.tracker.BeforeTest(ctx, "S", framework.Test{File: "a.js", Parent: "S", Title: "t"})
	_, err := h.browser.Invoke(ctx, driver.CmdClick, "#buy")
	require.NoError(t, err)

	scans, _ := h.page.counts()
	assert.Equal(t, 1, scans)
}
