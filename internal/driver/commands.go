// internal/driver/commands.go
package driver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type registeredCommand struct {
	elementScoped bool
	fn            Command
}

// CommandSet is the command registry behind a Browser. Every invocation is
// bracketed by a command event and a result event on the bus.
type CommandSet struct {
	logger    *zap.Logger
	bus       *EventBus
	sessionID func() string

	mu       sync.RWMutex
	commands map[string]registeredCommand
}

// NewCommandSet creates an empty registry publishing to bus. sessionID is
// read on every invocation so events follow a reloaded session.
func NewCommandSet(logger *zap.Logger, bus *EventBus, sessionID func() string) *CommandSet {
	return &CommandSet{
		logger:    logger.Named("commands"),
		bus:       bus,
		sessionID: sessionID,
		commands:  make(map[string]registeredCommand),
	}
}

// Add registers fn under name, replacing any previous registration.
func (cs *CommandSet) Add(name string, elementScoped bool, fn Command) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: command needs a name and an implementation", ErrInvalidArgument)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.commands[name] = registeredCommand{elementScoped: elementScoped, fn: fn}
	return nil
}

// Overwrite wraps the command registered under name. The scope must match
// the scope the command was registered with.
func (cs *CommandSet) Overwrite(name string, elementScoped bool, override Override) error {
	if override == nil {
		return fmt.Errorf("%w: nil override for %q", ErrInvalidArgument, name)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	existing, ok := cs.commands[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	if existing.elementScoped != elementScoped {
		return fmt.Errorf("%w: %q is registered with element scope %t", ErrOverrideRejected, name, existing.elementScoped)
	}

	original := existing.fn
	cs.commands[name] = registeredCommand{
		elementScoped: elementScoped,
		fn: func(ctx context.Context, args ...any) (any, error) {
			return override(ctx, original, args...)
		},
	}
	return nil
}

// Has reports whether name is registered.
func (cs *CommandSet) Has(name string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.commands[name]
	return ok
}

// Invoke runs the command registered under name.
func (cs *CommandSet) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	cs.mu.RLock()
	cmd, ok := cs.commands[name]
	cs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}

	sessionID := cs.sessionID()
	cs.publish(ctx, Event{Kind: EventCommand, SessionID: sessionID, Command: name, Args: args})
	result, err := cmd.fn(ctx, args...)
	cs.publish(ctx, Event{Kind: EventResult, SessionID: sessionID, Command: name, Args: args, Result: result, Err: err})
	return result, err
}

type quietKey struct{}

// WithoutEvents marks ctx so commands invoked with it publish no events.
// Event handlers use it for the commands they issue themselves.
func WithoutEvents(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey{}, true)
}

func eventsSuppressed(ctx context.Context) bool {
	quiet, _ := ctx.Value(quietKey{}).(bool)
	return quiet
}

// publish never blocks or fails the command; a dropped event is only logged.
func (cs *CommandSet) publish(ctx context.Context, ev Event) {
	if cs.bus == nil || eventsSuppressed(ctx) {
		return
	}
	if err := cs.bus.TryPost(ev); err != nil {
		cs.logger.Warn("Dropped command event.",
			zap.String("command", ev.Command),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
