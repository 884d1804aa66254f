// internal/orchestrator/service_test.go
package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/framework"
	"github.com/xkilldash9x/remotesuite/internal/mocks"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
)

const providerHost = "hub-cloud.browserstack.com"

type update struct {
	SessionID string
	Body      controlplane.UpdateBody
}

// recordingUpdater stands in for the control plane and keeps every call.
type recordingUpdater struct {
	mu       sync.Mutex
	updates  []update
	urlCalls []string
	err      error
}

func (r *recordingUpdater) Update(_ context.Context, sessionID string, _ capabilities.Bag, body controlplane.UpdateBody) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{SessionID: sessionID, Body: body})
	return r.err
}

func (r *recordingUpdater) SessionURL(_ context.Context, sessionID string, _ capabilities.Bag) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urlCalls = append(r.urlCalls, sessionID)
	return "https://dash.test/sessions/" + sessionID, nil
}

func (r *recordingUpdater) all() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.updates...)
}

func (r *recordingUpdater) last(t *testing.T) update {
	t.Helper()
	all := r.all()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func chromeCaps() capabilities.Bag {
	return capabilities.Bag{"browserName": "chrome", "browserVersion": "120.0"}
}

func newBrowser(t *testing.T, id, host string, caps capabilities.Bag) *driver.Memory {
	t.Helper()
	b := driver.NewMemory(zaptest.NewLogger(t), caps, host, driver.WithSessionID(id))
	t.Cleanup(b.Close)
	return b
}

func newService(t *testing.T, mutate func(*config.Config), updater orchestrator.SessionUpdater, opts ...orchestrator.Option) *orchestrator.Service {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := orchestrator.New(cfg, zaptest.NewLogger(t), updater, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func annotations(b *driver.Memory) []string {
	var out []string
	for _, script := range b.Scripts() {
		if strings.HasPrefix(script, "browserstack_executor: ") {
			out = append(out, script)
		}
	}
	return out
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := orchestrator.New(nil, zaptest.NewLogger(t), &recordingUpdater{})
	assert.Error(t, err)
	_, err = orchestrator.New(config.NewDefaultConfig(), zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestService_MochaRun(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, nil, updater)

	s.Before(ctx, driver.SingleSession{Browser: b})
	assert.Equal(t, orchestrator.StateRunning, s.State())
	assert.Equal(t, []string{"s1"}, updater.urlCalls)

	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	assert.Equal(t, update{SessionID: "s1", Body: controlplane.UpdateBody{Name: "Shop"}}, updater.last(t))

	test := framework.Test{File: "cart.js", Parent: "Cart", Title: "adds item"}
	s.BeforeTest(ctx, test)
	assert.Equal(t, controlplane.UpdateBody{Name: "Cart - adds item"}, updater.last(t).Body)
	require.Len(t, annotations(b), 1)
	assert.Equal(t,
		`browserstack_executor: {"action":"annotate","arguments":{"data":"Test: adds item","level":"info"}}`,
		annotations(b)[0])

	// The same name is not pushed twice.
	pushed := len(updater.all())
	s.BeforeTest(ctx, test)
	assert.Len(t, updater.all(), pushed)

	s.AfterTest(ctx, test, framework.TestResult{Passed: false, Error: "expected 1 to equal 2"})
	assert.Equal(t, []string{"expected 1 to equal 2"}, s.FailReasons())

	s.After(ctx, 1)
	assert.Equal(t, orchestrator.StateFinalizing, s.State())
	assert.Equal(t, controlplane.UpdateBody{
		Status: controlplane.StatusFailed,
		Name:   "Cart - adds item",
		Reason: "expected 1 to equal 2",
	}, updater.last(t).Body)

	s.Close()
	assert.Equal(t, orchestrator.StateClosed, s.State())
}

func TestService_FinalStatus(t *testing.T) {
	tests := []struct {
		name     string
		run      func(ctx context.Context, s *orchestrator.Service)
		exitCode int
		want     controlplane.UpdateBody
	}{
		{
			name: "passing run",
			run: func(ctx context.Context, s *orchestrator.Service) {
				s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Passed: true})
			},
			want: controlplane.UpdateBody{Status: controlplane.StatusPassed},
		},
		{
			name: "nothing ran",
			want: controlplane.UpdateBody{Status: controlplane.StatusFailed},
		},
		{
			name: "failure without message",
			run: func(ctx context.Context, s *orchestrator.Service) {
				s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{})
			},
			exitCode: 1,
			want:     controlplane.UpdateBody{Status: controlplane.StatusFailed, Reason: "Unknown Error"},
		},
		{
			name: "non zero exit with passing tests",
			run: func(ctx context.Context, s *orchestrator.Service) {
				s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Passed: true})
			},
			exitCode: 1,
			want:     controlplane.UpdateBody{Status: controlplane.StatusFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			updater := &recordingUpdater{}
			b := newBrowser(t, "s1", providerHost, chromeCaps())
			s := newService(t, func(c *config.Config) { c.Session.SetSessionName = false }, updater)

			s.Before(ctx, driver.SingleSession{Browser: b})
			if tt.run != nil {
				tt.run(ctx, s)
			}
			s.After(ctx, tt.exitCode)
			assert.Equal(t, tt.want, updater.last(t).Body)
		})
	}
}

func TestService_StatusPushDisabled(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) {
		c.Session.SetSessionStatus = false
		c.Session.SetSessionName = false
	}, updater)

	s.Before(ctx, driver.SingleSession{Browser: b})
	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.After(ctx, 0)
	assert.Empty(t, updater.all())
}

func TestService_JasmineNaming(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) { c.Runner.Framework = "jasmine" }, updater)
	s.Before(ctx, driver.SingleSession{Browser: b})

	s.BeforeSuite(ctx, framework.Suite{Title: framework.JasmineTopLevelSuite})
	assert.Empty(t, updater.all(), "the synthetic top level suite never names the session")

	s.BeforeTest(ctx, framework.Test{Title: "submits", FullName: "Login form submits", Description: "submits"})
	assert.Equal(t, "Login form", updater.last(t).Body.Name)
	assert.Contains(t, annotations(b)[0], `"data":"Test: Login form submits"`)
}

func TestService_CucumberRun(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) {
		c.Runner.Framework = "cucumber"
		c.Runner.Strict = true
		c.Session.PreferScenarioName = true
	}, updater)
	s.Before(ctx, driver.SingleSession{Browser: b})

	s.BeforeFeature(ctx, "features/pay.feature", framework.Feature{Name: "Payments"})
	assert.Equal(t, "Payments", updater.last(t).Body.Name)

	pay := framework.World{Pickle: framework.Pickle{Name: "Pay by card", URI: "features/pay.feature", AstNodeIDs: []string{"3"}}}
	s.BeforeScenario(ctx, pay)
	s.BeforeStep(ctx, framework.Step{Keyword: "Given ", Text: "a cart"}, pay)
	s.AfterStep(ctx, framework.Step{Keyword: "Given ", Text: "a cart"}, pay, framework.StepResult{Passed: true})
	pay.Result = &framework.ScenarioResult{Status: "PENDING"}
	s.AfterScenario(ctx, pay)

	skipped := framework.World{
		Pickle: framework.Pickle{Name: "Refund", URI: "features/pay.feature", AstNodeIDs: []string{"9"}},
		Result: &framework.ScenarioResult{Status: "SKIPPED"},
	}
	s.BeforeScenario(ctx, skipped)
	s.AfterScenario(ctx, skipped)

	got := annotations(b)
	require.Len(t, got, 4)
	assert.Contains(t, got[0], `"data":"Feature: Payments"`)
	assert.Contains(t, got[1], `"data":"Scenario: Pay by card"`)
	assert.Contains(t, got[2], `"data":"Step: Given a cart"`)
	assert.Contains(t, got[3], `"data":"Scenario: Refund"`)

	s.After(ctx, 1)
	assert.Equal(t, controlplane.UpdateBody{
		Status: controlplane.StatusFailed,
		Name:   "Pay by card",
		Reason: `Some steps/hooks are pending for scenario "Pay by card"`,
	}, updater.last(t).Body)
}

func TestService_AllScenariosSkippedStillPasses(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) { c.Runner.Framework = "cucumber" }, updater)
	s.Before(ctx, driver.SingleSession{Browser: b})

	skipped := framework.World{
		Pickle: framework.Pickle{Name: "Refund", URI: "features/pay.feature", AstNodeIDs: []string{"9"}},
		Result: &framework.ScenarioResult{Status: "SKIPPED"},
	}
	s.BeforeScenario(ctx, skipped)
	s.AfterScenario(ctx, skipped)
	s.After(ctx, 0)

	last := updater.last(t).Body
	assert.Equal(t, controlplane.StatusPassed, last.Status)
	assert.Empty(t, last.Reason)
}

func TestService_ExplicitNameIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) {
		c.Runner.Framework = "cucumber"
		c.Session.Name = "Nightly"
		c.Session.PreferScenarioName = true
	}, updater)
	s.Before(ctx, driver.SingleSession{Browser: b})

	s.BeforeFeature(ctx, "a.feature", framework.Feature{Name: "Payments"})
	world := framework.World{
		Pickle: framework.Pickle{Name: "Only one", URI: "a.feature", AstNodeIDs: []string{"1"}},
		Result: &framework.ScenarioResult{Status: "PASSED"},
	}
	s.BeforeScenario(ctx, world)
	s.AfterScenario(ctx, world)
	s.After(ctx, 0)

	names := 0
	for _, u := range updater.all() {
		if u.Body.Status == "" {
			names++
			assert.Equal(t, "Nightly", u.Body.Name)
		}
	}
	assert.Equal(t, 1, names)
	assert.Equal(t, controlplane.UpdateBody{Status: controlplane.StatusPassed, Name: "Nightly"}, updater.last(t).Body)
}

func TestService_MultiRemoteOnlyProviderOwnedInstances(t *testing.T) {
	ctx := context.Background()
	owned := capabilities.Bag{"browserName": "chrome", "bstack:options": map[string]any{"os": "Windows"}}
	a := newBrowser(t, "sa", providerHost, owned)
	bb := newBrowser(t, "sb", providerHost, chromeCaps())
	target := driver.NewMultiRemoteSession().Add("a", a, nil).Add("b", bb, nil)

	updater := &mocks.MockSessionUpdater{}
	updater.On("SessionURL", mock.Anything, "sa", mock.Anything).Return("https://dash.test/sa", nil)
	updater.On("Update", mock.Anything, "sa", mock.Anything, mock.Anything).Return(nil)

	s := newService(t, nil, updater)
	s.Before(ctx, target)
	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Passed: true})
	s.After(ctx, 0)

	updater.AssertCalled(t, "Update", mock.Anything, "sa", mock.Anything, controlplane.UpdateBody{Name: "Shop"})
	updater.AssertCalled(t, "Update", mock.Anything, "sa", mock.Anything, controlplane.UpdateBody{Status: controlplane.StatusPassed, Name: "Shop"})
	updater.AssertNotCalled(t, "Update", mock.Anything, "sb", mock.Anything, mock.Anything)
	updater.AssertNotCalled(t, "SessionURL", mock.Anything, "sb", mock.Anything)
	assert.Empty(t, annotations(bb))
}

func TestService_LocalSessionIsNeverPushed(t *testing.T) {
	ctx := context.Background()
	updater := &mocks.MockSessionUpdater{}
	b := newBrowser(t, "local", "localhost", chromeCaps())
	s := newService(t, nil, updater)

	s.Before(ctx, driver.SingleSession{Browser: b})
	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.BeforeTest(ctx, framework.Test{Title: "t", Parent: "Shop"})
	s.After(ctx, 0)

	updater.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	updater.AssertNotCalled(t, "SessionURL", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, annotations(b))
}

func TestService_ControlPlaneFailureDoesNotStopRun(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{err: errors.New("503 from API")}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, nil, updater)

	s.Before(ctx, driver.SingleSession{Browser: b})
	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Passed: true})
	s.After(ctx, 0)

	assert.Len(t, updater.all(), 2)
	assert.Equal(t, orchestrator.StateFinalizing, s.State())
}

func TestService_OnReload(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, nil, updater)
	s.Before(ctx, driver.SingleSession{Browser: b})

	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Error: "broken"})

	oldID, newID := b.Reload()
	s.OnReload(ctx, oldID, newID)

	assert.Equal(t, update{SessionID: oldID, Body: controlplane.UpdateBody{
		Status: controlplane.StatusFailed,
		Name:   "Shop",
		Reason: "broken",
	}}, updater.last(t))
	assert.Empty(t, s.FailReasons())
	assert.Empty(t, s.FullTitle())
	assert.Equal(t, orchestrator.StateRunning, s.State())
	assert.Equal(t, []string{"s1", newID}, updater.urlCalls)

	// The suite name is pushed again to the new session.
	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	assert.Equal(t, update{SessionID: newID, Body: controlplane.UpdateBody{Name: "Shop"}}, updater.last(t))
}

func TestService_HooksOutsideRunAreIgnored(t *testing.T) {
	ctx := context.Background()
	updater := &recordingUpdater{}
	s := newService(t, nil, updater)

	s.BeforeSuite(ctx, framework.Suite{Title: "Shop"})
	s.AfterTest(ctx, framework.Test{Title: "t"}, framework.TestResult{Error: "x"})
	s.After(ctx, 0)
	assert.Empty(t, updater.all())
	assert.Empty(t, s.FailReasons())

	s.Before(ctx, driver.SingleSession{})
	assert.Equal(t, orchestrator.StateCreated, s.State(), "a run without a browser never starts")
}

func TestService_AccessibilityScope(t *testing.T) {
	ctx := context.Background()
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	s := newService(t, func(c *config.Config) {
		c.Accessibility.Enabled = true
		c.Accessibility.ExcludeTags = []string{"@visual-only"}
	}, &recordingUpdater{})
	s.Before(ctx, driver.SingleSession{Browser: b})
	require.True(t, s.Tracker("").Enabled())

	excluded := framework.Test{File: "a.js", Parent: "Shop", Title: "renders @visual-only"}
	s.BeforeTest(ctx, excluded)
	scan, known := s.Registry().Lookup("s1")
	assert.True(t, known)
	assert.False(t, scan)

	_, err := b.Invoke(ctx, driver.CmdURL, "https://shop.test")
	require.NoError(t, err)
	s.AfterTest(ctx, excluded, framework.TestResult{Passed: true})

	included := framework.Test{File: "a.js", Parent: "Shop", Title: "checks out"}
	s.BeforeTest(ctx, included)
	assert.True(t, s.Registry().ShouldScan("s1"))
	_, err = b.Invoke(ctx, driver.CmdURL, "https://shop.test/checkout")
	require.NoError(t, err)
	s.AfterTest(ctx, included, framework.TestResult{Passed: true})

	scans := 0
	for _, script := range b.Scripts() {
		if strings.Contains(script, `"A11Y_SCAN"`) {
			scans++
		}
	}
	assert.Equal(t, 2, scans, "one scan before the navigation and one at test end, none for the excluded test")
}

// recordingHandler keeps what the orchestrator forwarded to it.
type recordingHandler struct {
	name string

	mu       sync.Mutex
	kinds    []orchestrator.LifecycleKind
	commands []string
	panicOn  orchestrator.LifecycleKind
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) HandleEvent(_ context.Context, _ driver.Browser, ev driver.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Kind == driver.EventCommand {
		h.commands = append(h.commands, ev.Command)
	}
	return nil
}

func (h *recordingHandler) HandleLifecycle(_ context.Context, _ driver.Browser, lc orchestrator.Lifecycle) error {
	if lc.Kind == h.panicOn {
		panic("handler exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kinds = append(h.kinds, lc.Kind)
	return nil
}

func TestService_HandlersAreSequencedAndIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	b := driver.NewMemory(logger, chromeCaps(), providerHost, driver.WithSessionID("s1"))
	defer b.Close()

	faulty := &recordingHandler{name: "faulty", panicOn: orchestrator.TestStarted}
	healthy := &recordingHandler{name: "healthy"}

	cfg := config.NewDefaultConfig()
	cfg.Accessibility.Enabled = true
	s, err := orchestrator.New(cfg, logger, &recordingUpdater{}, orchestrator.WithHandlers(faulty, healthy))
	require.NoError(t, err)

	s.Before(ctx, driver.SingleSession{Browser: b})
	test := framework.Test{File: "a.js", Parent: "Shop", Title: "buys"}
	s.BeforeTest(ctx, test)
	_, err = b.Invoke(ctx, driver.CmdClick, "#buy")
	require.NoError(t, err)
	s.AfterTest(ctx, test, framework.TestResult{Passed: true})
	s.After(ctx, 0)
	s.Close()

	assert.Equal(t, []orchestrator.LifecycleKind{
		orchestrator.RunStarted,
		orchestrator.ScanWindowOpened,
		orchestrator.TestStarted,
		orchestrator.ScanWindowClosed,
		orchestrator.TestFinished,
		orchestrator.RunFinished,
	}, healthy.kinds)
	assert.NotContains(t, faulty.kinds, orchestrator.TestStarted)
	assert.Contains(t, faulty.kinds, orchestrator.TestFinished)
	assert.Contains(t, healthy.commands, driver.CmdClick)
	assert.Equal(t, healthy.commands, faulty.commands)
}

// capturingHandler issues a script from the event pump after every click,
// the way visual capture does.
type capturingHandler struct {
	mu       sync.Mutex
	captures int
	seen     []string
}

func (h *capturingHandler) Name() string { return "capturing" }

func (h *capturingHandler) HandleEvent(ctx context.Context, b driver.Browser, ev driver.Event) error {
	h.mu.Lock()
	h.seen = append(h.seen, ev.Command)
	h.mu.Unlock()
	if ev.Kind != driver.EventResult || ev.Command != driver.CmdClick {
		return nil
	}
	time.Sleep(time.Millisecond)
	if _, err := b.ExecuteScript(ctx, "return document.documentElement.outerHTML"); err != nil {
		return err
	}
	h.mu.Lock()
	h.captures++
	h.mu.Unlock()
	return nil
}

func (h *capturingHandler) HandleLifecycle(context.Context, driver.Browser, orchestrator.Lifecycle) error {
	return nil
}

func TestService_HandlerCommandsNeverStallTheRun(t *testing.T) {
	ctx := context.Background()
	b := newBrowser(t, "s1", providerHost, chromeCaps())
	h := &capturingHandler{}
	s := newService(t, nil, &recordingUpdater{}, orchestrator.WithHandlers(h))
	s.Before(ctx, driver.SingleSession{Browser: b})

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 2000; i++ {
			if _, err := b.Invoke(ctx, driver.CmdClick, "#add"); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("click commands blocked behind the handler event pump")
	}
	s.After(ctx, 0)
	s.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Positive(t, h.captures)
	assert.NotContains(t, h.seen, driver.CmdExecuteScript, "commands issued by handlers publish no events")
}
