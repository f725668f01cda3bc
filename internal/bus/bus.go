// SPDX-License-Identifier: MIT

// Package bus is the in-process publish/subscribe backbone. Delivery is
// asynchronous with respect to the publisher and FIFO per topic per
// subscriber: one dispatcher goroutine per topic walks the subscriber
// snapshot in registration order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/metrics"
)

const (
	queueDepth   = 64
	eventLogCap  = 256
	dropLogEvery = 100
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// Event is an immutable published fact. The payload is copied on publish
// so later caller mutation cannot leak into subscribers.
type Event struct {
	Topic     Topic
	Payload   map[string]any
	EmittedAt time.Time
}

// Handler consumes one event. A returned error is logged at the dispatch
// boundary and never reaches the publisher or sibling handlers.
type Handler func(ctx context.Context, ev Event) error

// Bus fans events out to topic subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	clk    clock.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[Topic]*topicQueue
	closed bool

	closedCh chan struct{}
	wg       sync.WaitGroup

	recentMu sync.Mutex
	recent   []Event

	dropCount atomic.Uint64
}

type topicQueue struct {
	ch chan Event

	mu   sync.Mutex
	subs []*Subscription
}

// Subscription is the handle returned by Subscribe. Cancel is its one
// matching unsubscribe path.
type Subscription struct {
	ID    string
	Topic Topic

	handler   Handler
	queue     *topicQueue
	once      sync.Once
	cancelled atomic.Bool
}

// Cancel removes the subscription. Idempotent, and safe to call from
// inside the handler or concurrently with an in-flight publish; a
// delivery round already in progress may still reach the handler once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.queue.mu.Lock()
		defer s.queue.mu.Unlock()
		for i, sub := range s.queue.subs {
			if sub == s {
				s.queue.subs = append(s.queue.subs[:i], s.queue.subs[i+1:]...)
				break
			}
		}
	})
}

// New constructs a Bus using the given clock for event timestamps.
func New(clk clock.Clock) *Bus {
	return &Bus{
		clk:      clk,
		logger:   log.WithComponent("bus"),
		topics:   make(map[Topic]*topicQueue),
		closedCh: make(chan struct{}),
	}
}

// Subscribe registers handler for a topic and returns its handle.
func (b *Bus) Subscribe(topic Topic, handler Handler) (*Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("bus: unknown topic %q", topic)
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}

	q, err := b.queueFor(topic)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		handler: handler,
		queue:   q,
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	return sub, nil
}

// Publish hands the event to the topic dispatcher and returns without
// waiting for handlers. A full queue blocks until space frees up or ctx
// is done, in which case the event is dropped and counted.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload map[string]any) error {
	if ctx == nil {
		return errors.New("bus: publish context is nil")
	}
	if !topic.Valid() {
		return fmt.Errorf("bus: unknown topic %q", topic)
	}

	q, err := b.queueFor(topic)
	if err != nil {
		return err
	}

	ev := Event{
		Topic:     topic,
		Payload:   copyPayload(payload),
		EmittedAt: b.clk.Now(),
	}

	select {
	case q.ch <- ev:
		// An enqueue racing Close can slot the event after the
		// dispatcher's final drain pass; once closedCh is closed,
		// delivery cannot be assumed and success must not be reported.
		select {
		case <-b.closedCh:
			return ErrClosed
		default:
		}
	case <-b.closedCh:
		return ErrClosed
	case <-ctx.Done():
		reason := dropReason(ctx.Err())
		metrics.IncBusDropReason(string(topic), reason)
		count := b.dropCount.Add(1)
		if count%dropLogEvery == 1 {
			b.logger.Warn().
				Str(log.FieldTopic, string(topic)).
				Str("reason", reason).
				Uint64("dropped", count).
				Msg("bus failed to enqueue event")
		}
		return fmt.Errorf("bus: publish %q: %w", topic, ctx.Err())
	}

	metrics.BusPublishedTotal.WithLabelValues(string(topic)).Inc()
	b.remember(ev)
	return nil
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// Close stops all dispatchers after draining queued events. Publishing
// afterwards returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closedCh)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) queueFor(topic Topic) (*topicQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.topics[topic]
	if !ok {
		q = &topicQueue{ch: make(chan Event, queueDepth)}
		b.topics[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	return q, nil
}

func (b *Bus) dispatch(topic Topic, q *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-q.ch:
			b.deliver(topic, q, ev)
		case <-b.closedCh:
			// Drain what was accepted before close, then exit.
			for {
				select {
				case ev := <-q.ch:
					b.deliver(topic, q, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(topic Topic, q *topicQueue, ev Event) {
	q.mu.Lock()
	snapshot := append([]*Subscription(nil), q.subs...)
	q.mu.Unlock()

	for _, sub := range snapshot {
		if sub.cancelled.Load() {
			continue
		}
		b.invoke(topic, sub, ev)
	}
}

// invoke runs one handler, containing its errors and panics so sibling
// subscribers still receive the event.
func (b *Bus) invoke(topic Topic, sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerFailuresTotal.WithLabelValues(string(topic)).Inc()
			b.logger.Error().
				Str(log.FieldTopic, string(topic)).
				Str(log.FieldSubscription, sub.ID).
				Interface("payload", ev.Payload).
				Interface("panic", r).
				Msg("subscriber handler panicked")
		}
	}()

	if err := sub.handler(context.Background(), ev); err != nil {
		metrics.BusHandlerFailuresTotal.WithLabelValues(string(topic)).Inc()
		b.logger.Error().
			Err(err).
			Str(log.FieldTopic, string(topic)).
			Str(log.FieldSubscription, sub.ID).
			Interface("payload", ev.Payload).
			Msg("subscriber handler failed")
	}
}

func (b *Bus) remember(ev Event) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > eventLogCap {
		b.recent = b.recent[len(b.recent)-eventLogCap:]
	}
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}
