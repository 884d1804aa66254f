// internal/orchestrator/handler.go
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/driver"
)

// LifecycleKind names a run milestone forwarded to handlers.
type LifecycleKind string

const (
	RunStarted       LifecycleKind = "run_started"
	TestStarted      LifecycleKind = "test_started"
	TestFinished     LifecycleKind = "test_finished"
	ScenarioStarted  LifecycleKind = "scenario_started"
	ScenarioFinished LifecycleKind = "scenario_finished"
	StepStarted      LifecycleKind = "step_started"
	StepFinished     LifecycleKind = "step_finished"
	ScanWindowOpened LifecycleKind = "scan_window_opened"
	ScanWindowClosed LifecycleKind = "scan_window_closed"
	SessionReloaded  LifecycleKind = "session_reloaded"
	RunFinished      LifecycleKind = "run_finished"
)

// Lifecycle is one milestone as seen by one session.
type Lifecycle struct {
	Kind      LifecycleKind
	Instance  string
	SessionID string
	// Name is the test, scenario or step the milestone belongs to.
	Name   string
	TestID string
	Passed bool
	Error  string
	Time   time.Time
}

// Handler is an optional collaborator sequenced by the orchestrator, such as
// telemetry or visual capture. Errors and panics are logged and never reach
// other handlers or the runner.
type Handler interface {
	Name() string
	// HandleEvent observes a driver command event. It runs off the command
	// path and must not assume the command is still in flight. Commands it
	// issues through b publish no events of their own.
	HandleEvent(ctx context.Context, b driver.Browser, ev driver.Event) error
	HandleLifecycle(ctx context.Context, b driver.Browser, lc Lifecycle) error
}

// callHandler runs fn with panic recovery.
func callHandler(logger *zap.Logger, h Handler, what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in handler.",
				zap.String("handler", h.Name()),
				zap.String("phase", what),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("Handler failed.",
			zap.String("handler", h.Name()),
			zap.String("phase", what),
			zap.Error(err))
	}
}

// pump forwards the command events of one browser to the handlers. The
// subscription is made before any command of the run is issued.
type pump struct {
	logger      *zap.Logger
	browser     driver.Browser
	handlers    []Handler
	events      <-chan driver.Event
	unsubscribe func()
	cancel      context.CancelFunc
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

func startPump(ctx context.Context, logger *zap.Logger, b driver.Browser, handlers []Handler) *pump {
	bus := b.Events()
	if bus == nil || len(handlers) == 0 {
		return nil
	}
	events, unsubscribe := bus.Subscribe()
	ctx, cancel := context.WithCancel(driver.WithoutEvents(context.WithoutCancel(ctx)))
	p := &pump{
		logger:      logger,
		browser:     b,
		handlers:    handlers,
		events:      events,
		unsubscribe: unsubscribe,
		cancel:      cancel,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *pump) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			p.drain(ctx)
			return
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.deliver(ctx, ev)
		}
	}
}

// drain delivers what is still buffered once the subscription is gone.
func (p *pump) drain(ctx context.Context) {
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *pump) deliver(ctx context.Context, ev driver.Event) {
	defer p.browser.Events().Acknowledge(ev)
	for _, h := range p.handlers {
		callHandler(p.logger, h, "event", func() error { return h.HandleEvent(ctx, p.browser, ev) })
	}
}

// stop ends the subscription and waits until buffered events are delivered.
func (p *pump) stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		p.unsubscribe()
		close(p.quit)
		<-p.done
		p.cancel()
	})
}
