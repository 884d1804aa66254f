// internal/driver/events.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubscriberFull is returned by TryPost when a subscriber had no room.
var ErrSubscriberFull = errors.New("event subscriber buffer is full")

// EventKind distinguishes the two command lifecycle events.
type EventKind string

const (
	// EventCommand fires before a command runs.
	EventCommand EventKind = "command"
	// EventResult fires after a command returned.
	EventResult EventKind = "result"
)

// Event describes one command observation for a session.
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      EventKind
	SessionID string
	Command   string
	Args      []any
	Result    any
	Err       error
}

// EventBus fans command events out to subscribers. Subscribers must call
// Acknowledge for every event they receive.
type EventBus struct {
	logger *zap.Logger

	subscribers map[EventKind][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	processingWg  sync.WaitGroup
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewEventBus initializes an EventBus. Posts block only once a subscriber's
// buffer is full.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &EventBus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[EventKind][]chan Event),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post stamps ev and delivers it to every subscriber of its kind.
func (eb *EventBus) Post(ctx context.Context, ev Event) error {
	eb.shutdownMu.Lock()
	if eb.isShutdown {
		eb.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: bus is shut down")
	}
	eb.activePostsWg.Add(1)
	eb.shutdownMu.Unlock()
	defer eb.activePostsWg.Done()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	eb.mu.RLock()
	subscribers := eb.subscribers[ev.Kind]
	if len(subscribers) == 0 {
		eb.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan Event, len(subscribers))
	copy(subsCopy, subscribers)
	eb.mu.RUnlock()

	for _, ch := range subsCopy {
		eb.processingWg.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			eb.processingWg.Done()
			return ctx.Err()
		case <-eb.shutdownChan:
			eb.processingWg.Done()
			return fmt.Errorf("failed to post event: bus is shutting down")
		}
	}
	return nil
}

// TryPost is Post without waiting: a subscriber whose buffer is full misses
// the event and ErrSubscriberFull is returned after the others received it.
func (eb *EventBus) TryPost(ev Event) error {
	eb.shutdownMu.Lock()
	if eb.isShutdown {
		eb.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: bus is shut down")
	}
	eb.activePostsWg.Add(1)
	eb.shutdownMu.Unlock()
	defer eb.activePostsWg.Done()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	eb.mu.RLock()
	subs := append([]chan Event(nil), eb.subscribers[ev.Kind]...)
	eb.mu.RUnlock()

	var missed int
	for _, ch := range subs {
		eb.processingWg.Add(1)
		select {
		case ch <- ev:
		default:
			eb.processingWg.Done()
			missed++
		}
	}
	if missed > 0 {
		return fmt.Errorf("%w: %d of %d subscribers missed %s %q", ErrSubscriberFull, missed, len(subs), ev.Kind, ev.Command)
	}
	return nil
}

// Subscribe returns a channel receiving events of the given kinds and a
// function removing the subscription. Subscribing with no kinds subscribes
// to all of them.
func (eb *EventBus) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.isShutdown {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}

	if len(kinds) == 0 {
		kinds = []EventKind{EventCommand, EventResult}
	}

	ch := make(chan Event, eb.bufferSize)
	subscribed := make([]EventKind, len(kinds))
	copy(subscribed, kinds)
	for _, kind := range subscribed {
		eb.subscribers[kind] = append(eb.subscribers[kind], ch)
	}

	unsubscribe := func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for _, kind := range subscribed {
			subs := eb.subscribers[kind]
			for i, sub := range subs {
				if sub == ch {
					copy(subs[i:], subs[i+1:])
					eb.subscribers[kind] = subs[:len(subs)-1]
					if len(eb.subscribers[kind]) == 0 {
						delete(eb.subscribers, kind)
					}
					break
				}
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks a delivered event as processed.
func (eb *EventBus) Acknowledge(Event) {
	eb.processingWg.Done()
}

// Shutdown stops accepting posts, closes subscriber channels, drains what
// is still buffered and waits for in-flight processing.
func (eb *EventBus) Shutdown() {
	eb.shutdownOnce.Do(func() {
		eb.shutdownMu.Lock()
		eb.isShutdown = true
		eb.shutdownMu.Unlock()

		close(eb.shutdownChan)
		eb.activePostsWg.Wait()

		eb.mu.Lock()
		unique := make(map[chan Event]struct{})
		for _, subs := range eb.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				eb.processingWg.Done()
			}
		}
		eb.subscribers = make(map[EventKind][]chan Event)
		eb.mu.Unlock()

		if drained > 0 {
			eb.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}
		eb.processingWg.Wait()
	})
}
