// internal/interception/interception.go
package interception

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/scanstate"
)

// Marker tokens carried by every script this module injects itself. A script
// execution whose payload contains one of them never triggers a scan.
const (
	MarkerExecutor      = "browserstack_executor"
	MarkerAccessibility = "browserstack_accessibility_automation_script"
)

// elementPrefix marks element-scoped entries in a configured command list.
const elementPrefix = "element:"

// CommandSpec names one command to intercept and how it is attached.
type CommandSpec struct {
	Name          string
	ElementScoped bool
}

// DefaultCommands are the commands after which page state may have changed.
var DefaultCommands = []CommandSpec{
	{Name: driver.CmdURL},
	{Name: driver.CmdNavigateTo},
	{Name: driver.CmdRefresh},
	{Name: driver.CmdBack},
	{Name: driver.CmdForward},
	{Name: driver.CmdExecute},
	{Name: driver.CmdExecuteAsync},
	{Name: driver.CmdExecuteScript},
	{Name: driver.CmdExecuteAsyncScript},
	{Name: driver.CmdSwitchWindow},
	{Name: driver.CmdNewWindow},
	{Name: driver.CmdClick, ElementScoped: true},
	{Name: driver.CmdDoubleClick, ElementScoped: true},
	{Name: driver.CmdSetValue, ElementScoped: true},
	{Name: driver.CmdAddValue, ElementScoped: true},
	{Name: driver.CmdClearValue, ElementScoped: true},
	{Name: driver.CmdSelectByIndex, ElementScoped: true},
	{Name: driver.CmdSelectByVisibleText, ElementScoped: true},
	{Name: driver.CmdDragAndDrop, ElementScoped: true},
}

// TableFromNames builds a command table from configuration. Entries prefixed
// with "element:" are element-scoped. An empty list yields DefaultCommands.
func TableFromNames(names []string) []CommandSpec {
	if len(names) == 0 {
		return DefaultCommands
	}
	table := make([]CommandSpec, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if strings.HasPrefix(n, elementPrefix) {
			table = append(table, CommandSpec{Name: strings.TrimPrefix(n, elementPrefix), ElementScoped: true})
			continue
		}
		table = append(table, CommandSpec{Name: n})
	}
	return table
}

// ScanFunc triggers a scan on b in response to command.
type ScanFunc func(ctx context.Context, b driver.Browser, command string) error

// Engine wraps driver commands so they consult the scan registry first.
type Engine struct {
	logger   *zap.Logger
	registry *scanstate.Registry
	scan     ScanFunc
}

// New creates an Engine reading decisions from registry.
func New(logger *zap.Logger, registry *scanstate.Registry, scan ScanFunc) *Engine {
	return &Engine{
		logger:   logger.Named("interception"),
		registry: registry,
		scan:     scan,
	}
}

// Install wraps every command of table on b and returns the names that were
// wrapped. A command the driver refuses is logged and skipped.
func (e *Engine) Install(b driver.Browser, table []CommandSpec) []string {
	installed := make([]string, 0, len(table))
	for _, spec := range table {
		if spec.Name == "" {
			continue
		}
		if err := b.OverwriteCommand(spec.Name, spec.ElementScoped, e.Wrap(b, spec)); err != nil {
			e.logger.Warn("Exception in overwrite command.",
				zap.String("command", spec.Name),
				zap.Bool("element_scoped", spec.ElementScoped),
				zap.Error(err))
			continue
		}
		installed = append(installed, spec.Name)
	}
	e.logger.Debug("Installed command interceptors.",
		zap.String("session_id", b.SessionID()),
		zap.Strings("commands", installed))
	return installed
}

// Wrap returns the override for one command. It scans first when the session
// is flagged, then always forwards to the original and returns its result
// and error untouched.
func (e *Engine) Wrap(b driver.Browser, spec CommandSpec) driver.Override {
	return func(ctx context.Context, original driver.Command, args ...any) (any, error) {
		if e.shouldScan(b.SessionID(), spec.Name, args) {
			e.logger.Debug("Performing scan before command.",
				zap.String("command", spec.Name),
				zap.Bool("element_scoped", spec.ElementScoped))
			if err := e.scan(ctx, b, spec.Name); err != nil {
				e.logger.Error("Scan before command failed.",
					zap.String("command", spec.Name),
					zap.String("session_id", b.SessionID()),
					zap.Error(err))
			}
		}
		return original(ctx, args...)
	}
}

func (e *Engine) shouldScan(sessionID, command string, args []any) bool {
	if sessionID == "" || e.scan == nil || !e.registry.ShouldScan(sessionID) {
		return false
	}
	if !strings.Contains(command, "execute") {
		return true
	}
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	return !IsInternalPayload(payload)
}

// IsInternalPayload reports whether a script payload must not trigger a scan:
// it is missing, not a string, or carries one of the marker tokens.
func IsInternalPayload(payload any) bool {
	script, ok := payload.(string)
	if !ok || script == "" {
		return true
	}
	lower := strings.ToLower(script)
	return strings.Contains(lower, MarkerExecutor) || strings.Contains(lower, MarkerAccessibility)
}
