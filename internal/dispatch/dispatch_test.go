// internal/dispatch/dispatch_test.go
package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/dispatch"
	"github.com/xkilldash9x/remotesuite/internal/driver"
)

var providerCaps = capabilities.Bag{"bstack:options": map[string]any{"os": "Windows"}}

func memory(t *testing.T, id string, caps capabilities.Bag) *driver.Memory {
	t.Helper()
	m := driver.NewMemory(zaptest.NewLogger(t), caps, "hub.browserstack.com", driver.WithSessionID(id))
	t.Cleanup(m.Close)
	return m
}

func TestDispatch_SingleSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := memory(t, "single-1", capabilities.Bag{})
	d := dispatch.New(zaptest.NewLogger(t), driver.SingleSession{Browser: b})

	var calls int
	res, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (string, error) {
		calls++
		assert.Equal(t, "single-1", sessionID)
		assert.Empty(t, name)
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, res.IsSingle())
	assert.Equal(t, "ok", res.Value())
	assert.Nil(t, res.Slots())
}

func TestDispatch_SingleSessionPredicateIgnored(t *testing.T) {
	b := memory(t, "single-2", capabilities.Bag{})
	d := dispatch.New(zaptest.NewLogger(t), driver.SingleSession{Browser: b},
		dispatch.WithPredicate(func(string, capabilities.Bag) bool { return false }))

	var calls int
	_, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (struct{}, error) {
		calls++
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDispatch_AbsentSession(t *testing.T) {
	d := dispatch.New(zaptest.NewLogger(t), driver.SingleSession{})
	res, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (int, error) {
		t.Fatal("action must not run without a session")
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Absent())

	d = dispatch.New(zaptest.NewLogger(t), nil)
	res, err = dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (int, error) {
		t.Fatal("action must not run without a target")
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Absent())
}

func TestDispatch_MultiRemoteFiltersAndKeepsOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr := driver.NewMultiRemoteSession().
		Add("a", memory(t, "sa", providerCaps), nil).
		Add("b", memory(t, "sb", capabilities.Bag{"browserName": "firefox"}), nil).
		Add("c", memory(t, "sc", capabilities.Bag{}), providerCaps)

	d := dispatch.New(zaptest.NewLogger(t), mr)

	var mu sync.Mutex
	var invoked []string
	res, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (string, error) {
		// Later instances finish first so completion order differs from enumeration order.
		if name == "a" {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		invoked = append(invoked, name)
		mu.Unlock()
		return name + ":" + sessionID, nil
	})

	require.NoError(t, err)
	assert.False(t, res.IsSingle())
	assert.ElementsMatch(t, []string{"a", "c"}, invoked)

	slots := res.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, "a", slots[0].Name)
	assert.Equal(t, "a:sa", slots[0].Value)
	assert.Equal(t, "c", slots[1].Name)
	assert.Equal(t, "c:sc", slots[1].Value)
}

func TestDispatch_BestEffortKeepsSiblings(t *testing.T) {
	mr := driver.NewMultiRemoteSession().
		Add("a", memory(t, "sa", providerCaps), nil).
		Add("b", memory(t, "sb", providerCaps), nil).
		Add("c", memory(t, "sc", providerCaps), nil)
	d := dispatch.New(zaptest.NewLogger(t), mr)

	boom := errors.New("remote said no")
	var completed atomic.Int32
	res, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (int, error) {
		if name == "b" {
			return 0, boom
		}
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() == nil {
			completed.Add(1)
		}
		return 1, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), completed.Load())

	slots := res.Slots()
	require.Len(t, slots, 3)
	assert.NoError(t, slots[0].Err)
	assert.ErrorIs(t, slots[1].Err, boom)
	assert.Contains(t, slots[1].Err.Error(), `instance "b"`)
	assert.NoError(t, slots[2].Err)
}

func TestDispatch_FailFastCancelsSiblings(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr := driver.NewMultiRemoteSession().
		Add("a", memory(t, "sa", providerCaps), nil).
		Add("b", memory(t, "sb", providerCaps), nil)
	d := dispatch.New(zaptest.NewLogger(t), mr, dispatch.WithPolicy(dispatch.FailFast))

	boom := errors.New("boom")
	res, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (int, error) {
		if name == "a" {
			return 0, boom
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
			return 1, nil
		}
	})

	assert.ErrorIs(t, err, boom)
	require.Len(t, res.Slots(), 2)
	assert.ErrorIs(t, res.Slots()[1].Err, context.Canceled)
}

func TestDispatch_ConcurrencyLimit(t *testing.T) {
	mr := driver.NewMultiRemoteSession()
	for _, name := range []string{"a", "b", "c", "d"} {
		mr.Add(name, memory(t, "s"+name, providerCaps), nil)
	}
	d := dispatch.New(zaptest.NewLogger(t), mr, dispatch.WithConcurrency(1))

	var inFlight, maxInFlight atomic.Int32
	_, err := dispatch.Dispatch(context.Background(), d, func(ctx context.Context, sessionID, name string) (int, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), maxInFlight.Load())
}
