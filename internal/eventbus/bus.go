// Package eventbus fans lamp events out to subscribers on a bounded worker
// pool. Publishing never blocks the publisher: when the queue is full the
// event is dropped and logged.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType names an event.
type EventType string

// Engine events.
const (
	EventLoaded              EventType = "loaded"
	EventSettingsChanged     EventType = "settings_changed"
	EventStatusChanged       EventType = "status_changed"
	EventSaved               EventType = "saved"
	EventSaveFailed          EventType = "save_failed"
	EventConnectionExhausted EventType = "connection_exhausted"
)

// Simulator events.
const (
	EventLiveCommand    EventType = "live_command"
	EventSettingsStored EventType = "settings_stored"
	EventSessionOpened  EventType = "session_opened"
	EventSessionClosed  EventType = "session_closed"
)

// Any subscribes to every event type.
const Any EventType = "*"

const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event is a single published event.
type Event struct {
	Type EventType
	Time time.Time
	Data map[string]any
}

// String returns a string field from Data, or "" when absent.
func (e Event) String(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// Handler handles one event. Handlers run on pool workers and must not
// assume any ordering across event types.
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus routes events to handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	// closing is closed before workQueue so publishers stop sending first.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with the default pool size.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with workerCount workers and a queue of
// queueSize pending deliveries.
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers handler for eventType, or for every event with Any.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish queues event for every matching handler. A nil bus is a no-op so
// components can run without one.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// The read lock is held while queueing so Close cannot close the queue
	// underneath a send. Sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.closing:
		log.Debug().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
		return
	default:
	}

	for _, handlers := range [][]Handler{b.handlers[event.Type], b.handlers[Any]} {
		for _, handler := range handlers {
			select {
			case b.workQueue <- work{event: event, handler: handler}:
			default:
				log.Warn().Str("event_type", string(event.Type)).Msg("Event bus queue full, dropping event")
			}
		}
	}
}

// Emit publishes an event built from type and data.
func (b *Bus) Emit(eventType EventType, data map[string]any) {
	b.Publish(Event{Type: eventType, Data: data})
}

// Close stops accepting events and waits for queued handlers until ctx
// expires. Safe to call more than once.
func (b *Bus) Close(ctx context.Context) {
	if b == nil {
		return
	}

	first := false
	b.closeOnce.Do(func() {
		first = true
		b.mu.Lock()
		close(b.closing)
		close(b.workQueue)
		b.mu.Unlock()
	})
	if !first {
		return
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
