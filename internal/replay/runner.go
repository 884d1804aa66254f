// internal/replay/runner.go
package replay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/driver/cdp"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
)

// BrowserFactory opens the browser for one recorded session. The returned
// function releases it.
type BrowserFactory func(ctx context.Context, spec SessionSpec) (driver.Browser, func(), error)

// Reloader is implemented by browsers that can swap their session.
type Reloader interface {
	Reload() (oldID, newID string)
}

// MemoryFactory replays against in-memory browsers that keep the recorded
// session ids and hostnames.
func MemoryFactory(logger *zap.Logger) BrowserFactory {
	return func(_ context.Context, spec SessionSpec) (driver.Browser, func(), error) {
		var opts []driver.MemoryOption
		if spec.SessionID != "" {
			opts = append(opts, driver.WithSessionID(spec.SessionID))
		}
		b := driver.NewMemory(logger, capabilities.Bag(spec.Capabilities), spec.Hostname, opts...)
		return b, b.Close, nil
	}
}

// ChromeFactory replays against locally launched Chrome.
func ChromeFactory(logger *zap.Logger, cfg config.BrowserConfig) BrowserFactory {
	return func(ctx context.Context, spec SessionSpec) (driver.Browser, func(), error) {
		b, err := cdp.New(ctx, logger, cfg, capabilities.Bag(spec.Capabilities))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to launch browser for %q: %w", spec.Name, err)
		}
		return b, b.Close, nil
	}
}

// Report summarizes a replay.
type Report struct {
	Steps         int
	Commands      int
	CommandErrors []error
	ExitCode      int
	FailReasons   []string
	FinalState    orchestrator.RunState
}

// Runner drives an orchestrator through a trace.
type Runner struct {
	logger  *zap.Logger
	factory BrowserFactory
}

// NewRunner creates a Runner opening browsers with factory.
func NewRunner(logger *zap.Logger, factory BrowserFactory) *Runner {
	return &Runner{logger: logger.Named("replay"), factory: factory}
}

// Run replays t through svc: Before, every step in order, then After and
// Close. Command failures are reported, not fatal, the way a test's own
// failing command would be.
func (r *Runner) Run(ctx context.Context, svc *orchestrator.Service, t *Trace) (*Report, error) {
	target, instances, release, err := r.open(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	svc.Before(ctx, target)
	defer svc.Close()

	rep := &Report{}
	for i, step := range t.Steps {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("replay interrupted at step %d: %w", i, err)
		}
		rep.Steps++
		if err := r.apply(ctx, svc, instances, step, rep); err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", i, step.Hook, err)
		}
	}

	rep.ExitCode = t.DerivedExitCode()
	rep.FailReasons = svc.FailReasons()
	svc.After(ctx, rep.ExitCode)
	rep.FinalState = svc.State()
	r.logger.Info("Replay finished.",
		zap.Int("steps", rep.Steps),
		zap.Int("commands", rep.Commands),
		zap.Int("command_errors", len(rep.CommandErrors)),
		zap.Int("exit_code", rep.ExitCode))
	return rep, nil
}

func (r *Runner) open(ctx context.Context, t *Trace) (driver.RunTarget, map[string]driver.Browser, func(), error) {
	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	instances := make(map[string]driver.Browser, len(t.Sessions))
	var multi *driver.MultiRemoteSession
	if t.MultiRemote() {
		multi = driver.NewMultiRemoteSession()
	}
	for _, spec := range t.Sessions {
		b, closeFn, err := r.factory(ctx, spec)
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		releases = append(releases, closeFn)
		instances[spec.Name] = b
		if multi != nil {
			requested := spec.Requested
			if requested == nil {
				requested = spec.Capabilities
			}
			multi.Add(spec.Name, b, capabilities.Bag(requested))
		}
	}

	if multi == nil {
		return driver.SingleSession{Browser: instances[""]}, instances, release, nil
	}
	// An empty instance in a step means the first session.
	instances[""] = instances[t.Sessions[0].Name]
	return multi, instances, release, nil
}

func (r *Runner) apply(ctx context.Context, svc *orchestrator.Service, instances map[string]driver.Browser, step Step, rep *Report) error {
	switch step.Hook {
	case HookBeforeSuite:
		svc.BeforeSuite(ctx, *step.Suite)
	case HookBeforeTest:
		svc.BeforeTest(ctx, *step.Test)
	case HookAfterTest:
		svc.AfterTest(ctx, *step.Test, *step.Result)
	case HookBeforeFeature:
		svc.BeforeFeature(ctx, step.URI, *step.Feature)
	case HookBeforeScenario:
		svc.BeforeScenario(ctx, *step.World)
	case HookAfterScenario:
		svc.AfterScenario(ctx, *step.World)
	case HookBeforeStep:
		svc.BeforeStep(ctx, *step.Step, *step.World)
	case HookAfterStep:
		svc.AfterStep(ctx, *step.Step, *step.World, *step.StepResult)
	case HookCommand:
		rep.Commands++
		b := instances[step.Instance]
		if _, err := b.Invoke(ctx, step.Command, step.Args...); err != nil {
			r.logger.Debug("Replayed command failed.", zap.String("command", step.Command), zap.Error(err))
			rep.CommandErrors = append(rep.CommandErrors, fmt.Errorf("%s: %w", step.Command, err))
		}
	case HookReload:
		rl, ok := instances[step.Instance].(Reloader)
		if !ok {
			return errors.New("browser does not support reload")
		}
		oldID, newID := rl.Reload()
		svc.OnReload(ctx, oldID, newID)
	default:
		return fmt.Errorf("unknown hook %q", step.Hook)
	}
	return nil
}
