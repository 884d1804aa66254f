// internal/driver/driver.go
package driver

import (
	"context"
	"errors"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
)

var (
	// ErrCommandNotFound is returned when a command name is not registered.
	ErrCommandNotFound = errors.New("command not found")
	// ErrOverrideRejected is returned when a command cannot be overwritten.
	ErrOverrideRejected = errors.New("command override rejected")
	// ErrInvalidArgument is returned for malformed command arguments.
	ErrInvalidArgument = errors.New("invalid command argument")
)

// Command is one driver operation. Element-scoped commands receive the
// element reference as their first argument.
type Command func(ctx context.Context, args ...any) (any, error)

// Override replaces a command. It receives the original so it can forward.
type Override func(ctx context.Context, original Command, args ...any) (any, error)

// Browser is a live automation session as seen by the orchestrator.
type Browser interface {
	// SessionID returns the remote session identifier. It changes on reload.
	SessionID() string
	// Capabilities returns the capabilities negotiated for the session.
	Capabilities() capabilities.Bag
	// Hostname returns the host of the remote end the session runs on.
	Hostname() string

	// Invoke runs a named command through any installed overrides.
	Invoke(ctx context.Context, name string, args ...any) (any, error)
	// ExecuteScript runs script in the page through the "executeScript" command.
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)

	// AddCommand registers a new command on the session handle.
	AddCommand(name string, elementScoped bool, fn Command) error
	// OverwriteCommand wraps an existing command.
	OverwriteCommand(name string, elementScoped bool, fn Override) error

	// Events returns the bus carrying command and result events for the session.
	Events() *EventBus
}

// Element is the reference passed as the first argument of element-scoped commands.
type Element struct {
	Selector string
	ID       string
}
