// internal/driver/base.go
package driver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
)

// Command names shared by the built-in browsers.
const (
	CmdURL                = "url"
	CmdNavigateTo         = "navigateTo"
	CmdGetURL             = "getUrl"
	CmdRefresh            = "refresh"
	CmdBack               = "back"
	CmdForward            = "forward"
	CmdExecute            = "execute"
	CmdExecuteAsync       = "executeAsync"
	CmdExecuteScript      = "executeScript"
	CmdExecuteAsyncScript = "executeAsyncScript"
	CmdSwitchWindow       = "switchWindow"
	CmdNewWindow          = "newWindow"
	CmdTakeScreenshot     = "takeScreenshot"

	CmdClick               = "click"
	CmdDoubleClick         = "doubleClick"
	CmdSetValue            = "setValue"
	CmdAddValue            = "addValue"
	CmdClearValue          = "clearValue"
	CmdSelectByIndex       = "selectByIndex"
	CmdSelectByVisibleText = "selectByVisibleText"
	CmdDragAndDrop         = "dragAndDrop"
)

const defaultEventBuffer = 256

// Base carries the state shared by Browser implementations: identity,
// capabilities, the command registry and its event bus.
type Base struct {
	logger   *zap.Logger
	bus      *EventBus
	commands *CommandSet
	caps     capabilities.Bag
	hostname string

	mu        sync.RWMutex
	sessionID string
}

// NewBase wires a command registry and event bus for one session.
func NewBase(logger *zap.Logger, sessionID string, caps capabilities.Bag, hostname string) *Base {
	b := &Base{
		logger:    logger,
		caps:      caps,
		hostname:  hostname,
		sessionID: sessionID,
	}
	b.bus = NewEventBus(logger, defaultEventBuffer)
	b.commands = NewCommandSet(logger, b.bus, b.SessionID)
	return b
}

// SessionID implements Browser.
func (b *Base) SessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionID
}

// SetSessionID replaces the session identifier after a reload.
func (b *Base) SetSessionID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = id
}

// Capabilities implements Browser.
func (b *Base) Capabilities() capabilities.Bag { return b.caps }

// Hostname implements Browser.
func (b *Base) Hostname() string { return b.hostname }

// Invoke implements Browser.
func (b *Base) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	return b.commands.Invoke(ctx, name, args...)
}

// ExecuteScript implements Browser.
func (b *Base) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	return b.commands.Invoke(ctx, CmdExecuteScript, append([]any{script}, args...)...)
}

// AddCommand implements Browser.
func (b *Base) AddCommand(name string, elementScoped bool, fn Command) error {
	return b.commands.Add(name, elementScoped, fn)
}

// OverwriteCommand implements Browser.
func (b *Base) OverwriteCommand(name string, elementScoped bool, fn Override) error {
	return b.commands.Overwrite(name, elementScoped, fn)
}

// Events implements Browser.
func (b *Base) Events() *EventBus { return b.bus }

// Close shuts the event bus down.
func (b *Base) Close() {
	b.bus.Shutdown()
}
