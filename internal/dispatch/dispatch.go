// internal/dispatch/dispatch.go
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/observability"
)

// Policy decides what happens to sibling actions when one instance fails.
type Policy int

const (
	// BestEffort awaits every instance and joins their errors.
	BestEffort Policy = iota
	// FailFast cancels the context handed to siblings on the first error.
	FailFast
)

// Predicate decides whether a named multi-remote instance takes part.
type Predicate func(name string, caps capabilities.Bag) bool

// ProviderOwned is the default predicate: only sessions owned by the remote
// provider are included.
func ProviderOwned(_ string, caps capabilities.Bag) bool {
	return capabilities.IsProviderOwned(caps)
}

// Action is run once per included session. name is "" for single-session runs.
type Action[T any] func(ctx context.Context, sessionID, name string) (T, error)

// Dispatcher runs session actions against the sessions of one run.
type Dispatcher struct {
	logger  *zap.Logger
	target  driver.RunTarget
	include Predicate
	policy  Policy
	limit   int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPredicate replaces the inclusion predicate.
func WithPredicate(p Predicate) Option {
	return func(d *Dispatcher) { d.include = p }
}

// WithPolicy sets the failure policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithConcurrency bounds how many instance actions run at once. Zero or a
// negative value means unbounded.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.limit = n }
}

// New creates a Dispatcher for target.
func New(logger *zap.Logger, target driver.RunTarget, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.Named("dispatch"),
		target:  target,
		include: ProviderOwned,
		policy:  BestEffort,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Target returns the run target the dispatcher fans out over.
func (d *Dispatcher) Target() driver.RunTarget { return d.target }

// Slot is the outcome of one instance action.
type Slot[T any] struct {
	Name      string
	SessionID string
	Value     T
	Err       error
}

// Result is either a single value for single-session runs, or one slot per
// included instance in enumeration order for multi-remote runs. A run with
// no live session yields a result that is neither.
type Result[T any] struct {
	single bool
	value  T
	slots  []Slot[T]
}

// IsSingle reports whether the action ran once against a single session.
func (r Result[T]) IsSingle() bool { return r.single }

// Value returns the single-session value.
func (r Result[T]) Value() T { return r.value }

// Slots returns the per-instance outcomes.
func (r Result[T]) Slots() []Slot[T] { return r.slots }

// Absent reports whether nothing ran because the run has no live session.
func (r Result[T]) Absent() bool { return !r.single && r.slots == nil }

// Dispatch runs action for the run's session, or concurrently for every
// multi-remote instance accepted by the predicate. An absent session is not
// an error: nothing runs and an Absent result comes back.
func Dispatch[T any](ctx context.Context, d *Dispatcher, action Action[T]) (Result[T], error) {
	switch t := d.target.(type) {
	case driver.SingleSession:
		if t.Browser == nil {
			return Result[T]{}, nil
		}
		v, err := action(ctx, t.Browser.SessionID(), "")
		observability.FanOutInstances.Observe(1)
		return Result[T]{single: true, value: v}, err

	case *driver.MultiRemoteSession:
		if t == nil {
			return Result[T]{}, nil
		}
		return dispatchMulti(ctx, d, t, action)

	default:
		return Result[T]{}, nil
	}
}

func dispatchMulti[T any](ctx context.Context, d *Dispatcher, mr *driver.MultiRemoteSession, action Action[T]) (Result[T], error) {
	type job struct {
		name      string
		sessionID string
	}
	var jobs []job
	for _, name := range mr.Names() {
		b := mr.Instance(name)
		if b == nil {
			continue
		}
		if d.include != nil && !d.include(name, mr.Capabilities(name)) {
			d.logger.Debug("Instance excluded from dispatch.", zap.String("instance", name))
			continue
		}
		jobs = append(jobs, job{name: name, sessionID: b.SessionID()})
	}

	slots := make([]Slot[T], len(jobs))
	observability.FanOutInstances.Observe(float64(len(jobs)))

	g, runCtx := &errgroup.Group{}, ctx
	if d.policy == FailFast {
		g, runCtx = errgroup.WithContext(ctx)
	}
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			v, err := action(runCtx, j.sessionID, j.name)
			if err != nil {
				err = fmt.Errorf("instance %q (session %s): %w", j.name, j.sessionID, err)
			}
			slots[i] = Slot[T]{Name: j.name, SessionID: j.sessionID, Value: v, Err: err}
			if d.policy == FailFast {
				return err
			}
			return nil
		})
	}

	firstErr := g.Wait()
	result := Result[T]{slots: slots}
	if d.policy == FailFast {
		return result, firstErr
	}

	var errs []error
	for _, s := range slots {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return result, errors.Join(errs...)
}
