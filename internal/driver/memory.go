// internal/driver/memory.go
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
)

// ScriptHandler answers scripts executed against a Memory browser.
type ScriptHandler func(script string, args []any) (any, error)

// MemoryOption configures a Memory browser.
type MemoryOption func(*Memory)

// WithScriptHandler sets the function answering executed scripts.
func WithScriptHandler(h ScriptHandler) MemoryOption {
	return func(m *Memory) { m.handler = h }
}

// WithSessionID fixes the session identifier instead of generating one.
func WithSessionID(id string) MemoryOption {
	return func(m *Memory) { m.SetSessionID(id) }
}

// placeholderPNG is the PNG signature, returned base64 encoded as a screenshot.
const placeholderPNG = "iVBORw0KGgo="

// Memory is an in-process Browser. It keeps navigation, element values and
// executed scripts in memory and is used for replays and tests.
type Memory struct {
	*Base

	mu       sync.Mutex
	history  []string
	pos      int
	windows  []string
	window   string
	values   map[string]string
	selected map[string]string
	actions  []string
	scripts  []string
	handler  ScriptHandler
}

// NewMemory creates a Memory browser with a generated session id.
func NewMemory(logger *zap.Logger, caps capabilities.Bag, hostname string, opts ...MemoryOption) *Memory {
	m := &Memory{
		Base:     NewBase(logger.Named("memory_browser"), uuid.New().String(), caps, hostname),
		pos:      -1,
		windows:  []string{"window-0"},
		window:   "window-0",
		values:   make(map[string]string),
		selected: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registerCommands()
	return m
}

// Reload swaps the session for a fresh one and returns both identifiers.
func (m *Memory) Reload() (oldID, newID string) {
	oldID = m.SessionID()
	newID = uuid.New().String()
	m.SetSessionID(newID)
	m.mu.Lock()
	m.history, m.pos = nil, -1
	m.mu.Unlock()
	return oldID, newID
}

// CurrentURL returns the URL of the current history entry.
func (m *Memory) CurrentURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL()
}

// Scripts returns every script executed so far, in order.
func (m *Memory) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.scripts))
	copy(out, m.scripts)
	return out
}

// Actions returns the element interactions performed, as "command selector".
func (m *Memory) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.actions))
	copy(out, m.actions)
	return out
}

// Value returns the current value of the element matched by selector.
func (m *Memory) Value(selector string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[selector]
}

func (m *Memory) currentURL() string {
	if m.pos < 0 {
		return "about:blank"
	}
	return m.history[m.pos]
}

func (m *Memory) navigate(url string) {
	m.history = append(m.history[:m.pos+1], url)
	m.pos = len(m.history) - 1
}

func (m *Memory) registerCommands() {
	session := map[string]Command{
		CmdURL:                m.cmdNavigate,
		CmdNavigateTo:         m.cmdNavigate,
		CmdGetURL:             m.cmdGetURL,
		CmdRefresh:            m.cmdNoop,
		CmdBack:               m.cmdHistory(-1),
		CmdForward:            m.cmdHistory(1),
		CmdExecute:            m.cmdExecute,
		CmdExecuteAsync:       m.cmdExecute,
		CmdExecuteScript:      m.cmdExecute,
		CmdExecuteAsyncScript: m.cmdExecute,
		CmdSwitchWindow:       m.cmdSwitchWindow,
		CmdNewWindow:          m.cmdNewWindow,
		CmdTakeScreenshot:     m.cmdScreenshot,
	}
	for name, fn := range session {
		_ = m.AddCommand(name, false, fn)
	}

	element := map[string]Command{
		CmdClick:               m.cmdAction(CmdClick),
		CmdDoubleClick:         m.cmdAction(CmdDoubleClick),
		CmdSetValue:            m.cmdSetValue(false),
		CmdAddValue:            m.cmdSetValue(true),
		CmdClearValue:          m.cmdClearValue,
		CmdSelectByIndex:       m.cmdSelect,
		CmdSelectByVisibleText: m.cmdSelect,
		CmdDragAndDrop:         m.cmdAction(CmdDragAndDrop),
	}
	for name, fn := range element {
		_ = m.AddCommand(name, true, fn)
	}
}

func (m *Memory) cmdNavigate(_ context.Context, args ...any) (any, error) {
	url, err := StringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.navigate(url)
	m.mu.Unlock()
	return nil, nil
}

func (m *Memory) cmdGetURL(context.Context, ...any) (any, error) {
	return m.CurrentURL(), nil
}

func (m *Memory) cmdNoop(context.Context, ...any) (any, error) { return nil, nil }

func (m *Memory) cmdHistory(step int) Command {
	return func(context.Context, ...any) (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		next := m.pos + step
		if next >= 0 && next < len(m.history) {
			m.pos = next
		}
		return nil, nil
	}
}

func (m *Memory) cmdExecute(_ context.Context, args ...any) (any, error) {
	script, err := StringArg(args, 0, "script")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.scripts = append(m.scripts, script)
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	return handler(script, args[1:])
}

func (m *Memory) cmdSwitchWindow(_ context.Context, args ...any) (any, error) {
	handle, err := StringArg(args, 0, "window handle")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w == handle {
			m.window = w
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: no window %q", ErrInvalidArgument, handle)
}

func (m *Memory) cmdNewWindow(_ context.Context, args ...any) (any, error) {
	url, err := StringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := fmt.Sprintf("window-%d", len(m.windows))
	m.windows = append(m.windows, handle)
	m.window = handle
	m.navigate(url)
	return handle, nil
}

func (m *Memory) cmdScreenshot(context.Context, ...any) (any, error) {
	return placeholderPNG, nil
}

func (m *Memory) cmdAction(name string) Command {
	return func(_ context.Context, args ...any) (any, error) {
		el, err := ElementArg(args)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.actions = append(m.actions, name+" "+el.Selector)
		m.mu.Unlock()
		return nil, nil
	}
}

func (m *Memory) cmdSetValue(appendValue bool) Command {
	return func(_ context.Context, args ...any) (any, error) {
		el, err := ElementArg(args)
		if err != nil {
			return nil, err
		}
		value, err := ValueArg(args, 1)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if appendValue {
			m.values[el.Selector] += value
		} else {
			m.values[el.Selector] = value
		}
		return nil, nil
	}
}

func (m *Memory) cmdClearValue(_ context.Context, args ...any) (any, error) {
	el, err := ElementArg(args)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.values, el.Selector)
	m.mu.Unlock()
	return nil, nil
}

func (m *Memory) cmdSelect(_ context.Context, args ...any) (any, error) {
	el, err := ElementArg(args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: missing option", ErrInvalidArgument)
	}
	m.mu.Lock()
	m.selected[el.Selector] = fmt.Sprint(args[1])
	m.mu.Unlock()
	return nil, nil
}
