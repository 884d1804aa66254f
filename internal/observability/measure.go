// File: internal/observability/measure.go
package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Measure runs fn as the body of the named hook. It opens a span, records the
// duration histogram and converts a panic into an error. Errors are logged
// here and returned so callers may inspect them, but a hook boundary is
// expected to drop them.
func Measure(ctx context.Context, logger *zap.Logger, hook string, fn func(ctx context.Context) error) (err error) {
	ctx, span := StartSpan(ctx, hook)
	span.SetAttributes(AttrHook.String(hook))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", hook, r)
			HookFailures.WithLabelValues(hook, "panic").Inc()
			logger.Error("Recovered from panic in hook.",
				zap.String("hook", hook),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())),
			)
		} else if err != nil {
			HookFailures.WithLabelValues(hook, "error").Inc()
			logger.Error("Hook failed.", zap.String("hook", hook), zap.Error(err))
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
		span.End()
	}()

	return fn(ctx)
}
