// internal/accessibility/engine.go
package accessibility

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/observability"
)

// Scan triggers recorded in metrics.
const (
	TriggerCommand = "command"
	TriggerTestEnd = "test_end"
	TriggerManual  = "manual"
)

// ScriptEngine runs the scan engine scripts on a browser.
type ScriptEngine struct {
	logger  *zap.Logger
	scripts Scripts
}

// NewScriptEngine creates a ScriptEngine for the given scripts.
func NewScriptEngine(logger *zap.Logger, scripts Scripts) *ScriptEngine {
	return &ScriptEngine{
		logger:  logger.Named("scan_engine"),
		scripts: scripts,
	}
}

// Scan runs the perform-scan script. trigger labels the scan in metrics and
// logs; the command name is passed when the scan precedes a command.
func (e *ScriptEngine) Scan(ctx context.Context, b driver.Browser, trigger string) error {
	ctx, span := observability.StartSpan(ctx, "accessibility.scan")
	defer span.End()

	_, err := b.ExecuteScript(ctx, e.scripts.PerformScan, map[string]any{"method": trigger})
	observability.RecordScan(scanLabel(trigger), err)
	if err != nil {
		return fmt.Errorf("perform scan script failed: %w", err)
	}
	e.logger.Debug("Accessibility scan completed.",
		zap.String("session_id", b.SessionID()),
		zap.String("trigger", trigger))
	return nil
}

// Save flushes the collected results, tagging them with corr.
func (e *ScriptEngine) Save(ctx context.Context, b driver.Browser, corr Correlation) error {
	if _, err := b.ExecuteScript(ctx, e.scripts.SaveResults, corr.Payload()); err != nil {
		return fmt.Errorf("save results script failed: %w", err)
	}
	return nil
}

// Summary fetches the results summary from the page.
func (e *ScriptEngine) Summary(ctx context.Context, b driver.Browser) (map[string]any, error) {
	raw, err := b.ExecuteScript(ctx, e.scripts.ResultsSummary)
	if err != nil {
		return map[string]any{}, fmt.Errorf("results summary script failed: %w", err)
	}
	summary, _ := raw.(map[string]any)
	if summary == nil {
		summary = map[string]any{}
	}
	return summary, nil
}

// Results fetches the detailed results from the page.
func (e *ScriptEngine) Results(ctx context.Context, b driver.Browser) ([]any, error) {
	raw, err := b.ExecuteScript(ctx, e.scripts.Results)
	if err != nil {
		return []any{}, fmt.Errorf("results script failed: %w", err)
	}
	results, _ := raw.([]any)
	if results == nil {
		results = []any{}
	}
	return results, nil
}

// scanLabel keeps the metric cardinality bounded: command names collapse
// into a single label.
func scanLabel(trigger string) string {
	switch trigger {
	case TriggerTestEnd, TriggerManual:
		return trigger
	default:
		return TriggerCommand
	}
}
