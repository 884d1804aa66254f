// internal/accessibility/tracker.go
package accessibility

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/framework"
	"github.com/xkilldash9x/remotesuite/internal/interception"
	"github.com/xkilldash9x/remotesuite/internal/scanstate"
)

// SignalKind names a scan window transition.
type SignalKind string

const (
	SignalWindowOpened SignalKind = "scan_window_opened"
	SignalWindowClosed SignalKind = "scan_window_closed"
)

// Signal reports that the scan window of a test opened or closed.
type Signal struct {
	Kind      SignalKind
	SessionID string
	TestID    string
	Time      time.Time
}

// Options configures a Tracker.
type Options struct {
	Framework framework.Framework
	// Enabled is the run-wide flag; capabilities may still enable scanning
	// for a session when it is false.
	Enabled     bool
	TurboScale  bool
	Scope       Scope
	Commands    []interception.CommandSpec
	Correlation Correlation
	// OnSignal receives scan window transitions. It must not block.
	OnSignal func(Signal)
}

// OptionsFromConfig derives tracker options from the run configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Framework:   framework.Parse(cfg.Runner.Framework),
		Enabled:     cfg.Accessibility.Enabled,
		TurboScale:  cfg.ControlPlane.TurboScale,
		Scope:       Scope{Include: cfg.Accessibility.IncludeTags, Exclude: cfg.Accessibility.ExcludeTags},
		Commands:    interception.TableFromNames(cfg.Accessibility.CommandsToWrap),
		Correlation: CorrelationFromEnv(nil),
	}
}

// Tracker is the scan decision state machine of one bound browser. It
// decides at every test boundary whether the test is scanned, publishes the
// decision to the shared registry and closes the scan window at test end.
// Errors never leave its hook methods.
type Tracker struct {
	logger   *zap.Logger
	browser  driver.Browser
	caps     capabilities.Bag
	opts     Options
	registry *scanstate.Registry
	store    *scanstate.Store
	engine   *ScriptEngine
	enabled  atomic.Bool
	wrapped  atomic.Bool
	app      bool
}

// NewTracker binds a tracker to b. caps are the capabilities the run
// requested for the session, which may differ from what the driver reports.
func NewTracker(logger *zap.Logger, b driver.Browser, caps capabilities.Bag, registry *scanstate.Registry, engine *ScriptEngine, opts Options) *Tracker {
	if caps == nil {
		caps = b.Capabilities()
	}
	return &Tracker{
		logger:   logger.Named("accessibility"),
		browser:  b,
		caps:     caps,
		opts:     opts,
		registry: registry,
		store:    scanstate.NewStore(),
		engine:   engine,
		app:      capabilities.IsAppSession(caps, b.Capabilities()),
	}
}

// Enabled reports whether scanning is active for the session.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Store exposes the per-test decisions recorded so far.
func (t *Tracker) Store() *scanstate.Store { return t.store }

// Before decides whether the session can be scanned, attaches the helper
// commands and, when scanning is on, installs the command interceptors. It is
// called again after a session reload; interceptors are installed only once
// per browser.
func (t *Tracker) Before(ctx context.Context) bool {
	enabled := t.eligible()
	t.enabled.Store(enabled)
	t.registerHelpers()
	if !enabled {
		return false
	}
	if !t.wrapped.CompareAndSwap(false, true) {
		return true
	}

	interceptor := interception.New(t.logger, t.registry, func(ctx context.Context, b driver.Browser, command string) error {
		return t.engine.Scan(ctx, b, command)
	})
	interceptor.Install(t.browser, t.opts.Commands)
	t.checkToken()
	t.logger.Info("Accessibility automation enabled for session.", zap.String("session_id", t.browser.SessionID()))
	return true
}

func (t *Tracker) eligible() bool {
	requested := t.opts.Enabled
	if v, ok := capabilities.Resolve(t.caps, capabilities.AttrAccessibility); ok && capabilities.IsTrue(v) {
		requested = true
	}
	if !requested {
		return false
	}

	meta := capabilities.MetaFor(t.browser.Capabilities(), t.caps)
	if t.opts.TurboScale || !capabilities.IsProviderHost(t.browser.Hostname()) {
		if err := capabilities.ValidateNonProvider(meta); err == nil {
			return true
		}
	}

	var err error
	if t.app {
		err = capabilities.ValidateApp(meta)
	} else {
		err = capabilities.ValidateDesktop(t.caps, meta)
	}
	if err != nil {
		t.logger.Warn("Accessibility automation disabled for session.", zap.Error(err))
		return false
	}
	return true
}

func (t *Tracker) checkToken() {
	exp, ok, err := t.opts.Correlation.TokenExpiry()
	switch {
	case err != nil:
		t.logger.Debug("Could not inspect correlation token.", zap.Error(err))
	case ok && exp.Before(time.Now()):
		t.logger.Warn("Correlation token has expired; results may not be linked to the build.", zap.Time("expired_at", exp))
	}
}

// BeforeTest opens the scan decision of a plain test.
func (t *Tracker) BeforeTest(ctx context.Context, suiteTitle string, test framework.Test) {
	if t.opts.Framework == framework.Cucumber {
		return
	}
	t.begin(test, func() bool { return t.opts.Scope.ShouldScanTest(suiteTitle, test.Title) })
}

// AfterTest closes the scan window of a plain test.
func (t *Tracker) AfterTest(ctx context.Context, test framework.Test) {
	if t.opts.Framework == framework.Cucumber {
		return
	}
	t.end(ctx, test)
}

// BeforeScenario opens the scan decision of a scenario.
func (t *Tracker) BeforeScenario(ctx context.Context, world framework.World) {
	t.begin(world, func() bool { return t.opts.Scope.ShouldScanScenario(world) })
}

// AfterScenario closes the scan window of a scenario.
func (t *Tracker) AfterScenario(ctx context.Context, world framework.World) {
	t.end(ctx, world)
}

// begin records the decision and publishes it to the registry before any
// command of the test can run.
func (t *Tracker) begin(subject any, inScope func() bool) {
	sessionID := t.browser.SessionID()
	testID, err := IdentifierFor(t.opts.Framework, subject)
	if err != nil {
		t.registry.Set(sessionID, false)
		t.logIdentityError(err)
		return
	}

	requested := t.Enabled() && inScope()
	t.store.Open(testID, requested)
	t.registry.Set(sessionID, requested)
	if !requested {
		t.logger.Debug("Accessibility scan not requested for test.", zap.String("test_id", testID))
		return
	}
	t.logger.Info("Setup for accessibility testing has started. Automate test case execution has begun.", zap.String("test_id", testID))
	t.emit(SignalWindowOpened, sessionID, testID)
}

// end runs a final scan, flushes results and closes the window. Failures are
// logged and the window counts as closed regardless.
func (t *Tracker) end(ctx context.Context, subject any) {
	testID, err := IdentifierFor(t.opts.Framework, subject)
	if err != nil {
		t.logIdentityError(err)
		return
	}
	entry, ok := t.store.Close(testID)
	if !ok || !entry.ScanStarted {
		return
	}

	sessionID := t.browser.SessionID()
	defer t.emit(SignalWindowClosed, sessionID, testID)

	if err := t.engine.Scan(ctx, t.browser, TriggerTestEnd); err != nil {
		t.logger.Error("Accessibility scan at test end failed.", zap.String("test_id", testID), zap.Error(err))
	}
	if t.app {
		return
	}
	if err := t.engine.Save(ctx, t.browser, t.opts.Correlation); err != nil {
		t.logger.Error("Accessibility results could not be processed.", zap.String("test_id", testID), zap.Error(err))
		return
	}
	t.logger.Info("Accessibility testing for this test case has ended.", zap.String("test_id", testID))
}

func (t *Tracker) logIdentityError(err error) {
	if errors.Is(err, ErrUnknownIdentity) {
		t.logger.Warn("Unable to identify test; accessibility scanning disabled for it.", zap.Error(err))
		return
	}
	t.logger.Error("Failed to derive test identifier.", zap.Error(err))
}

func (t *Tracker) emit(kind SignalKind, sessionID, testID string) {
	if t.opts.OnSignal == nil {
		return
	}
	t.opts.OnSignal(Signal{Kind: kind, SessionID: sessionID, TestID: testID, Time: time.Now()})
}
