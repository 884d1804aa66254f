// internal/orchestrator/service.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/accessibility"
	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/dispatch"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/framework"
	"github.com/xkilldash9x/remotesuite/internal/observability"
	"github.com/xkilldash9x/remotesuite/internal/scanstate"
)

// SessionUpdater is the part of the control plane the orchestrator needs.
type SessionUpdater interface {
	Update(ctx context.Context, sessionID string, caps capabilities.Bag, body controlplane.UpdateBody) error
	SessionURL(ctx context.Context, sessionID string, caps capabilities.Bag) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHandlers attaches handlers, called in the given order.
func WithHandlers(handlers ...Handler) Option {
	return func(s *Service) { s.handlers = append(s.handlers, handlers...) }
}

// WithNameFormatter sets a user supplied session naming function.
func WithNameFormatter(f NameFormatter) Option {
	return func(s *Service) { s.formatName = f }
}

// WithScripts replaces the scan engine scripts.
func WithScripts(scripts accessibility.Scripts) Option {
	return func(s *Service) { s.scripts = scripts }
}

// WithRegistry shares a scan registry instead of creating a private one.
func WithRegistry(r *scanstate.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithDispatchOptions passes options to the fan-out dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Service) { s.dispatchOpts = append(s.dispatchOpts, opts...) }
}

// Service is the lifecycle orchestrator. The host runner calls its hooks in
// order; no hook returns an error or panics into the runner.
type Service struct {
	cfg          *config.Config
	logger       *zap.Logger
	updater      SessionUpdater
	handlers     []Handler
	formatName   NameFormatter
	scripts      accessibility.Scripts
	registry     *scanstate.Registry
	dispatchOpts []dispatch.Option

	mu    sync.Mutex
	state RunState

	target     driver.RunTarget
	dispatcher *dispatch.Dispatcher
	trackers   map[string]*accessibility.Tracker
	pumps      []*pump

	suiteTitle       string
	fullTitle        string
	failReasons      []string
	scenariosThatRan []string
	specsRan         bool
}

// New creates a Service.
func New(cfg *config.Config, logger *zap.Logger, updater SessionUpdater, opts ...Option) (*Service, error) {
	if cfg == nil || logger == nil || updater == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		updater:  updater,
		scripts:  accessibility.DefaultScripts(),
		trackers: make(map[string]*accessibility.Tracker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = scanstate.NewRegistry()
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Service) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry exposes the scan decisions published per session.
func (s *Service) Registry() *scanstate.Registry { return s.registry }

// Tracker returns the scan state machine bound to an instance, "" for a
// single-session run.
func (s *Service) Tracker(instance string) *accessibility.Tracker {
	return s.trackers[instance]
}

// FailReasons returns the failure reasons accumulated so far.
func (s *Service) FailReasons() []string {
	return append([]string(nil), s.failReasons...)
}

// FullTitle returns the last session name pushed.
func (s *Service) FullTitle() string { return s.fullTitle }

func (s *Service) setState(st RunState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("Run state changed.", zap.Stringer("from", prev), zap.Stringer("to", st))
}

// running reports whether session hooks may act. Hooks arriving outside a
// running session are logged and ignored.
func (s *Service) running(hook string) bool {
	if st := s.State(); st != StateRunning {
		s.logger.Warn("Hook called outside a running session; ignoring.", zap.String("hook", hook), zap.Stringer("state", st))
		return false
	}
	return true
}

func (s *Service) measure(ctx context.Context, hook string, fn func(ctx context.Context) error) {
	_ = observability.Measure(ctx, s.logger, hook, fn)
}

// Before binds the run to its sessions: it builds the dispatcher, binds one
// scan state machine per browser, installs interceptors where scanning is
// enabled and starts forwarding driver events to the handlers.
func (s *Service) Before(ctx context.Context, target driver.RunTarget) {
	s.measure(ctx, "before", func(ctx context.Context) error {
		if st := s.State(); st != StateCreated {
			return fmt.Errorf("before called in state %s", st)
		}
		browsers := driver.Browsers(target)
		if len(browsers) == 0 {
			return errors.New("run has no live browser")
		}

		s.setState(StateSessionEstablishing)
		s.target = target
		s.dispatcher = dispatch.New(s.logger, target, s.dispatchOpts...)

		engine := accessibility.NewScriptEngine(s.logger, s.scripts)
		for _, nb := range browsers {
			b, name := nb.Browser, nb.Name
			s.pumps = append(s.pumps, startPump(ctx, s.logger, b, s.handlers))

			opts := accessibility.OptionsFromConfig(s.cfg)
			opts.OnSignal = func(sig accessibility.Signal) { s.forwardSignal(ctx, name, b, sig) }
			tracker := accessibility.NewTracker(s.logger, b, s.capsFor(name), s.registry, engine, opts)
			tracker.Before(ctx)
			s.trackers[name] = tracker

			s.notify(ctx, name, b, Lifecycle{Kind: RunStarted})
		}
		s.setState(StateRunning)
		s.printSessionURLs(ctx)
		return nil
	})
}

// BeforeSuite names the session after the suite. Jasmine's synthetic
// top-level suite is skipped.
func (s *Service) BeforeSuite(ctx context.Context, suite framework.Suite) {
	s.measure(ctx, "beforeSuite", func(ctx context.Context) error {
		if !s.running("beforeSuite") {
			return nil
		}
		s.suiteTitle = suite.Title
		if suite.Title != "" && suite.Title != framework.JasmineTopLevelSuite {
			s.setSessionName(ctx, suite.Title, nil)
		}
		return nil
	})
}

// BeforeTest names the session after the test, annotates it and opens the
// scan decision of every bound browser.
func (s *Service) BeforeTest(ctx context.Context, test framework.Test) {
	s.measure(ctx, "beforeTest", func(ctx context.Context) error {
		if !s.running("beforeTest") {
			return nil
		}
		suiteTitle := testSuiteTitle(s.suiteTitle, test)
		s.setSessionName(ctx, suiteTitle, &test)
		s.annotate(ctx, "Test: "+test.DisplayName())

		s.eachBrowser(func(name string, b driver.Browser) {
			if t := s.trackers[name]; t != nil {
				t.BeforeTest(ctx, suiteTitle, test)
			}
			s.notify(ctx, name, b, Lifecycle{Kind: TestStarted, Name: test.DisplayName()})
		})
		return nil
	})
}

// AfterTest records the outcome and closes the scan windows.
func (s *Service) AfterTest(ctx context.Context, test framework.Test, result framework.TestResult) {
	s.measure(ctx, "afterTest", func(ctx context.Context) error {
		if !s.running("afterTest") {
			return nil
		}
		s.specsRan = true
		if !result.Passed {
			reason := result.Error
			if reason == "" {
				reason = unknownError
			}
			s.failReasons = append(s.failReasons, reason)
		}

		s.eachBrowser(func(name string, b driver.Browser) {
			if t := s.trackers[name]; t != nil {
				t.AfterTest(ctx, test)
			}
			s.notify(ctx, name, b, Lifecycle{Kind: TestFinished, Name: test.DisplayName(), Passed: result.Passed, Error: result.Error})
		})
		return nil
	})
}

// BeforeFeature names the session after the feature and annotates it.
func (s *Service) BeforeFeature(ctx context.Context, uri string, feature framework.Feature) {
	s.measure(ctx, "beforeFeature", func(ctx context.Context) error {
		if !s.running("beforeFeature") {
			return nil
		}
		s.suiteTitle = feature.Name
		s.setSessionName(ctx, feature.Name, nil)
		s.annotate(ctx, "Feature: "+feature.Name)
		s.logger.Debug("Feature started.", zap.String("uri", uri))
		return nil
	})
}

// BeforeScenario annotates the scenario and opens its scan decisions.
func (s *Service) BeforeScenario(ctx context.Context, world framework.World) {
	s.measure(ctx, "beforeScenario", func(ctx context.Context) error {
		if !s.running("beforeScenario") {
			return nil
		}
		name := world.Pickle.Name
		if name == "" {
			name = "unknown scenario"
		}
		s.annotate(ctx, "Scenario: "+name)

		s.eachBrowser(func(instance string, b driver.Browser) {
			if t := s.trackers[instance]; t != nil {
				t.BeforeScenario(ctx, world)
			}
			s.notify(ctx, instance, b, Lifecycle{Kind: ScenarioStarted, Name: name})
		})
		return nil
	})
}

// AfterScenario records the scenario outcome and closes its scan windows.
func (s *Service) AfterScenario(ctx context.Context, world framework.World) {
	s.measure(ctx, "afterScenario", func(ctx context.Context) error {
		if !s.running("afterScenario") {
			return nil
		}
		status := ""
		if world.Result != nil {
			status = world.Result.Status
		}
		s.specsRan = true
		if !strings.EqualFold(status, "skipped") {
			name := world.Pickle.Name
			if name == "" {
				name = "unknown pickle name"
			}
			s.scenariosThatRan = append(s.scenariosThatRan, name)
		}
		reason, failed := scenarioFailure(world, s.cfg.Runner.Strict)
		if failed {
			s.failReasons = append(s.failReasons, reason)
		}

		s.eachBrowser(func(instance string, b driver.Browser) {
			if t := s.trackers[instance]; t != nil {
				t.AfterScenario(ctx, world)
			}
			s.notify(ctx, instance, b, Lifecycle{Kind: ScenarioFinished, Name: world.Pickle.Name, Passed: !failed, Error: reason})
		})
		return nil
	})
}

// BeforeStep annotates the step.
func (s *Service) BeforeStep(ctx context.Context, step framework.Step, world framework.World) {
	s.measure(ctx, "beforeStep", func(ctx context.Context) error {
		if !s.running("beforeStep") {
			return nil
		}
		s.annotate(ctx, "Step: "+step.Keyword+step.Text)
		s.eachBrowser(func(instance string, b driver.Browser) {
			s.notify(ctx, instance, b, Lifecycle{Kind: StepStarted, Name: step.Keyword + step.Text})
		})
		return nil
	})
}

// AfterStep forwards the step outcome to the handlers.
func (s *Service) AfterStep(ctx context.Context, step framework.Step, world framework.World, result framework.StepResult) {
	s.measure(ctx, "afterStep", func(ctx context.Context) error {
		if !s.running("afterStep") {
			return nil
		}
		s.eachBrowser(func(instance string, b driver.Browser) {
			s.notify(ctx, instance, b, Lifecycle{Kind: StepFinished, Name: step.Keyword + step.Text, Passed: result.Passed, Error: result.Error})
		})
		return nil
	})
}

// After pushes the final status of the run. exitCode is the runner's result,
// zero on success.
func (s *Service) After(ctx context.Context, exitCode int) {
	s.measure(ctx, "after", func(ctx context.Context) error {
		if !s.running("after") {
			return nil
		}
		s.setState(StateFinalizing)

		if s.cfg.Session.PreferScenarioName && s.cfg.Session.Name == "" && len(s.scenariosThatRan) == 1 {
			s.fullTitle = s.scenariosThatRan[0]
		}
		if s.cfg.Session.SetSessionStatus {
			s.pushUpdate(ctx, s.finalStatus(exitCode))
		}
		s.eachBrowser(func(instance string, b driver.Browser) {
			s.notify(ctx, instance, b, Lifecycle{Kind: RunFinished, Passed: exitCode == 0 && s.specsRan})
		})
		return nil
	})
}

// OnReload flushes the status of the replaced session and starts over for
// the new one without tearing the orchestrator down.
func (s *Service) OnReload(ctx context.Context, oldSessionID, newSessionID string) {
	s.measure(ctx, "onReload", func(ctx context.Context) error {
		if !s.running("onReload") {
			return nil
		}
		body := s.reloadStatus()
		instance, b := s.browserBySession(newSessionID)
		if b == nil {
			return fmt.Errorf("no browser holds reloaded session %s", newSessionID)
		}

		if instance == "" {
			s.logger.Info("Update (reloaded) job.", zap.String("session_id", oldSessionID), zap.String("status", body.Status))
		} else {
			s.logger.Info("Update (reloaded) multiremote job.",
				zap.String("instance", instance),
				zap.String("session_id", oldSessionID),
				zap.String("status", body.Status))
		}
		if s.cfg.Session.SetSessionStatus && capabilities.IsProviderHost(b.Hostname()) {
			if err := s.updater.Update(ctx, oldSessionID, s.capsFor(instance), body); err != nil {
				s.logger.Error("Failed to update reloaded session.", zap.String("session_id", oldSessionID), zap.Error(err))
			}
		}

		s.scenariosThatRan = nil
		s.fullTitle = ""
		s.failReasons = nil

		s.setState(StateSessionEstablishing)
		if t := s.trackers[instance]; t != nil {
			t.Before(ctx)
		}
		s.notify(ctx, instance, b, Lifecycle{Kind: SessionReloaded})
		s.setState(StateRunning)
		s.printSessionURLs(ctx)
		return nil
	})
}

// Close stops event forwarding. Buffered events are delivered first.
func (s *Service) Close() {
	for _, p := range s.pumps {
		p.stop()
	}
	s.pumps = nil
	s.setState(StateClosed)
}

func (s *Service) forwardSignal(ctx context.Context, instance string, b driver.Browser, sig accessibility.Signal) {
	kind := ScanWindowOpened
	if sig.Kind == accessibility.SignalWindowClosed {
		kind = ScanWindowClosed
	}
	s.notify(ctx, instance, b, Lifecycle{Kind: kind, TestID: sig.TestID, Time: sig.Time})
}

// notify hands a milestone to every handler in order.
func (s *Service) notify(ctx context.Context, instance string, b driver.Browser, lc Lifecycle) {
	if len(s.handlers) == 0 {
		return
	}
	lc.Instance = instance
	lc.SessionID = b.SessionID()
	if lc.Time.IsZero() {
		lc.Time = time.Now()
	}
	for _, h := range s.handlers {
		callHandler(s.logger, h, string(lc.Kind), func() error { return h.HandleLifecycle(ctx, b, lc) })
	}
}

func (s *Service) eachBrowser(fn func(instance string, b driver.Browser)) {
	for _, nb := range driver.Browsers(s.target) {
		fn(nb.Name, nb.Browser)
	}
}
