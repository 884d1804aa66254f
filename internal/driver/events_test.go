// internal/driver/events_test.go
package driver_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/remotesuite/internal/driver"
)

func newTestBus(t *testing.T, bufferSize int) *driver.EventBus {
	return driver.NewEventBus(zaptest.NewLogger(t), bufferSize)
}

func TestEventBus_PostStampsAndDelivers(t *testing.T) {
	eb := newTestBus(t, 4)
	defer eb.Shutdown()

	events, unsubscribe := eb.Subscribe(driver.EventResult)
	defer unsubscribe()

	require.NoError(t, eb.Post(context.Background(), driver.Event{Kind: driver.EventCommand, Command: "url"}))
	require.NoError(t, eb.Post(context.Background(), driver.Event{Kind: driver.EventResult, Command: "url", SessionID: "s-1"}))

	select {
	case ev := <-events:
		assert.Equal(t, driver.EventResult, ev.Kind)
		assert.Equal(t, "s-1", ev.SessionID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		eb.Acknowledge(ev)
	case <-time.After(time.Second):
		t.Fatal("result event was not delivered")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event delivered: %+v", ev)
	default:
	}
}

func TestEventBus_PostCancellation(t *testing.T) {
	eb := newTestBus(t, 0)
	defer eb.Shutdown()

	events, unsubscribe := eb.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error)
	go func() {
		postDone <- eb.Post(ctx, driver.Event{Kind: driver.EventCommand})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return promptly after cancellation")
	}

	select {
	case <-events:
		t.Error("event should not be delivered after cancellation")
	default:
	}
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	eb := newTestBus(t, 1)
	defer eb.Shutdown()

	events, unsubscribe := eb.Subscribe(driver.EventCommand)
	unsubscribe()

	require.NoError(t, eb.Post(context.Background(), driver.Event{Kind: driver.EventCommand}))
	select {
	case <-events:
		t.Error("unsubscribed channel received an event")
	default:
	}
}

func TestEventBus_ShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	eb := newTestBus(t, 5)

	var subscriberWg sync.WaitGroup
	for i := 0; i < 5; i++ {
		subscriberWg.Add(1)
		events, _ := eb.Subscribe()
		go func() {
			defer subscriberWg.Done()
			for ev := range events {
				time.Sleep(time.Millisecond)
				eb.Acknowledge(ev)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var producerWg sync.WaitGroup
	for i := 0; i < 5; i++ {
		producerWg.Add(1)
		go func(id int) {
			defer producerWg.Done()
			for j := 0; j < 50; j++ {
				_ = eb.Post(ctx, driver.Event{Kind: driver.EventCommand, Command: fmt.Sprintf("cmd-%d-%d", id, j)})
				if ctx.Err() != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown timed out")
	}

	cancel()
	producerWg.Wait()
	subscriberWg.Wait()

	err := eb.Post(context.Background(), driver.Event{Kind: driver.EventCommand})
	assert.Error(t, err)

	closed, _ := eb.Subscribe(driver.EventCommand)
	_, open := <-closed
	assert.False(t, open, "subscribing after shutdown returns a closed channel")
}

func TestEventBus_TryPostDropsWhenFull(t *testing.T) {
	eb := newTestBus(t, 1)
	defer eb.Shutdown()

	events, unsubscribe := eb.Subscribe(driver.EventCommand)
	defer unsubscribe()

	require.NoError(t, eb.TryPost(driver.Event{Kind: driver.EventCommand, Command: "first"}))
	err := eb.TryPost(driver.Event{Kind: driver.EventCommand, Command: "second"})
	assert.ErrorIs(t, err, driver.ErrSubscriberFull)

	ev := <-events
	eb.Acknowledge(ev)
	assert.Equal(t, "first", ev.Command)
	assert.NoError(t, eb.TryPost(driver.Event{Kind: driver.EventResult}), "no subscriber for results")
}
