// File: internal/observability/measure_test.go
package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMeasure(t *testing.T) {
	t.Run("returns nil and records duration on success", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		logger := zap.New(core)

		before := testutil.CollectAndCount(HookDuration)
		called := false
		err := Measure(context.Background(), logger, "measure_ok", func(ctx context.Context) error {
			called = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, called)
		assert.Equal(t, 0, logs.Len())
		assert.GreaterOrEqual(t, testutil.CollectAndCount(HookDuration), before)
	})

	t.Run("logs and counts returned errors", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		logger := zap.New(core)
		boom := errors.New("boom")

		err := Measure(context.Background(), logger, "measure_err", func(ctx context.Context) error {
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1.0, testutil.ToFloat64(HookFailures.WithLabelValues("measure_err", "error")))
		entries := logs.FilterMessage("Hook failed.").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	})

	t.Run("recovers panics", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		logger := zap.New(core)

		var err error
		assert.NotPanics(t, func() {
			err = Measure(context.Background(), logger, "measure_panic", func(ctx context.Context) error {
				panic("driver went away")
			})
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "driver went away")
		assert.Equal(t, 1.0, testutil.ToFloat64(HookFailures.WithLabelValues("measure_panic", "panic")))
		assert.Equal(t, 1, logs.FilterMessage("Recovered from panic in hook.").Len())
	})
}

func TestTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("remotesuite-test", "test", &buf)
	require.NoError(t, err)

	err = Measure(context.Background(), zap.NewNop(), "traced_hook", func(ctx context.Context) error {
		SetAttributes(ctx, AttrSessionID.String("s-1"))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "traced_hook")
	assert.Contains(t, buf.String(), "s-1")
}

func TestRecordHelpers(t *testing.T) {
	RecordControlPlaneRequest("PATCH", nil)
	RecordControlPlaneRequest("PATCH", errors.New("500"))
	RecordScan("manual", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("PATCH", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("PATCH", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ScansTriggered.WithLabelValues("manual", "ok")))
}
