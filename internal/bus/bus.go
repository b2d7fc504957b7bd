// Package bus is the in-process publish/subscribe channel the control loop
// uses to announce its progress (state changes, observations, decisions,
// guardrail violations) to interested consumers such as the verbose CLI view.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names the kind of event carried by a Message.
type EventType string

const (
	TypeRunStarted   EventType = "LOOP_RUN_STARTED"
	TypeStateChanged EventType = "LOOP_STATE_CHANGED"
	TypePlan         EventType = "LOOP_PLAN"
	TypeObservation  EventType = "LOOP_OBSERVATION"
	TypeDecision     EventType = "LOOP_DECISION"
	TypeViolation    EventType = "LOOP_VIOLATION"
	TypeRunFinished  EventType = "LOOP_RUN_FINISHED"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	TypeRunStarted, TypeStateChanged, TypePlan, TypeObservation,
	TypeDecision, TypeViolation, TypeRunFinished,
}

// ErrShutdown is returned when posting to a bus that has been shut down.
var ErrShutdown = errors.New("event bus is shut down")

// Message is the envelope for data transmitted over the bus.
type Message struct {
	ID        string
	RunID     string
	Timestamp time.Time
	Type      EventType
	Payload   any
}

// EventBus fans messages out to typed subscribers.
type EventBus struct {
	logger *zap.Logger

	// Map of event type to a list of channels (subscribers).
	subscribers map[EventType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// WaitGroup to track messages currently being processed by consumers.
	processingWg sync.WaitGroup
	// WaitGroup to track active Post operations.
	activePostsWg sync.WaitGroup

	dropped atomic.Int64

	// Shutdown mechanism
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New initializes an EventBus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[EventType][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

func (eb *EventBus) begin(runID string, t EventType, payload any) (Message, []chan Message, error) {
	eb.shutdownMu.Lock()
	if eb.isShutdown {
		eb.shutdownMu.Unlock()
		return Message{}, nil, ErrShutdown
	}
	eb.activePostsWg.Add(1)
	eb.shutdownMu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
	}

	eb.mu.RLock()
	subs := append([]chan Message(nil), eb.subscribers[t]...)
	eb.mu.RUnlock()
	return msg, subs, nil
}

// Post delivers a message to every subscriber of its type. It blocks while a
// subscriber buffer is full, until ctx is done or the bus shuts down.
func (eb *EventBus) Post(ctx context.Context, runID string, t EventType, payload any) error {
	msg, subs, err := eb.begin(runID, t, payload)
	if err != nil {
		return err
	}
	defer eb.activePostsWg.Done()

	for _, ch := range subs {
		eb.processingWg.Add(1)
		select {
		case ch <- msg:
			// Delivered. The consumer must call Acknowledge.
		case <-ctx.Done():
			eb.processingWg.Done()
			return ctx.Err()
		case <-eb.shutdownChan:
			eb.processingWg.Done()
			return ErrShutdown
		}
	}
	return nil
}

// Publish is the non-blocking variant of Post: subscribers whose buffer is
// full miss the message. It reports how many subscribers received it.
func (eb *EventBus) Publish(runID string, t EventType, payload any) int {
	msg, subs, err := eb.begin(runID, t, payload)
	if err != nil {
		return 0
	}
	defer eb.activePostsWg.Done()

	delivered := 0
	for _, ch := range subs {
		eb.processingWg.Add(1)
		select {
		case ch <- msg:
			delivered++
		default:
			eb.processingWg.Done()
			if n := eb.dropped.Add(1); n == 1 || n%100 == 0 {
				eb.logger.Warn("Subscriber is not keeping up, dropping events.", zap.String("type", string(t)), zap.Int64("dropped_total", n))
			}
		}
	}
	return delivered
}

// Dropped is the number of deliveries Publish skipped.
func (eb *EventBus) Dropped() int64 { return eb.dropped.Load() }

// Subscribe returns a channel to listen for specific event types, and a
// function that removes the subscription.
func (eb *EventBus) Subscribe(types ...EventType) (<-chan Message, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.isShutdown {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(types) == 0 {
		panic("must subscribe to at least one event type")
	}

	ch := make(chan Message, eb.bufferSize)
	subscribed := append([]EventType(nil), types...)
	for _, t := range subscribed {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}

	unsubscribe := func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for _, t := range subscribed {
			subs := eb.subscribers[t]
			for i, c := range subs {
				if c == ch {
					eb.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(eb.subscribers[t]) == 0 {
				delete(eb.subscribers, t)
			}
		}
		// The channel is closed by Shutdown, not here.
	}
	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed by a consumer.
func (eb *EventBus) Acknowledge(Message) {
	eb.processingWg.Done()
}

// Shutdown stops accepting posts, closes every subscriber channel, drains
// unread messages and waits for consumers to acknowledge what they received.
func (eb *EventBus) Shutdown() {
	eb.shutdownOnce.Do(func() {
		eb.logger.Debug("Shutting down event bus.")

		eb.shutdownMu.Lock()
		eb.isShutdown = true
		eb.shutdownMu.Unlock()

		close(eb.shutdownChan)
		eb.activePostsWg.Wait()

		eb.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range eb.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		// No Post is running any more, so closing cannot race a send.
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
		eb.subscribers = make(map[EventType][]chan Message)
		eb.mu.Unlock()

		if drained > 0 {
			eb.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}
		eb.processingWg.Wait()
	})
}
