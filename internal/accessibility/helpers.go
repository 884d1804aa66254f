// internal/accessibility/helpers.go
package accessibility

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/driver"
)

// Helper command names attached to every bound browser.
const (
	CmdResultsSummary = "getAccessibilityResultsSummary"
	CmdResults        = "getAccessibilityResults"
	CmdPerformScan    = "performScan"
)

// ResultsSummary calls the summary helper on b. It returns an empty summary
// when scanning is off for the session.
func ResultsSummary(ctx context.Context, b driver.Browser) (map[string]any, error) {
	raw, err := b.Invoke(ctx, CmdResultsSummary)
	if err != nil {
		return map[string]any{}, err
	}
	summary, _ := raw.(map[string]any)
	if summary == nil {
		summary = map[string]any{}
	}
	return summary, nil
}

// Results calls the results helper on b.
func Results(ctx context.Context, b driver.Browser) ([]any, error) {
	raw, err := b.Invoke(ctx, CmdResults)
	if err != nil {
		return []any{}, err
	}
	results, _ := raw.([]any)
	if results == nil {
		results = []any{}
	}
	return results, nil
}

// PerformScan triggers a scan right now through the helper on b.
func PerformScan(ctx context.Context, b driver.Browser) error {
	_, err := b.Invoke(ctx, CmdPerformScan)
	return err
}

func (t *Tracker) registerHelpers() {
	helpers := map[string]driver.Command{
		CmdResultsSummary: func(ctx context.Context, _ ...any) (any, error) {
			if !t.Enabled() {
				return map[string]any{}, nil
			}
			return t.engine.Summary(ctx, t.browser)
		},
		CmdResults: func(ctx context.Context, _ ...any) (any, error) {
			if !t.Enabled() {
				return []any{}, nil
			}
			return t.engine.Results(ctx, t.browser)
		},
		CmdPerformScan: func(ctx context.Context, _ ...any) (any, error) {
			if !t.Enabled() {
				return nil, nil
			}
			return nil, t.engine.Scan(ctx, t.browser, TriggerManual)
		},
	}
	for name, fn := range helpers {
		if err := t.browser.AddCommand(name, false, fn); err != nil {
			t.logger.Debug("Failed to add accessibility helper command.", zap.String("command", name), zap.Error(err))
		}
	}
}
