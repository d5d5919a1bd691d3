// Package memory provides an in-process queue with visibility timeouts.
// It is used for local development and as the consumer in tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

const (
	// DefaultVisibilityTimeout is how long a polled message stays invisible
	DefaultVisibilityTimeout = 120 * time.Second

	dedupWindow = 5 * time.Minute
)

type entry struct {
	msg          queue.Message
	visibleAt    time.Time
	receipt      string
	receiveCount int
}

// DeadLetter is a parked message
type DeadLetter struct {
	Message queue.Message
	Reason  string
}

// Queue is an in-memory queue implementing queue.Consumer, queue.DeadLetterer
// and queue.Publisher
type Queue struct {
	name       string
	visibility time.Duration
	now        func() time.Time
	counters   *queue.Counters

	mu          sync.Mutex
	entries     []*entry
	deadLetters []DeadLetter
	dedup       map[string]time.Time
	closed      bool

	healthy atomic.Bool
}

// New creates an empty queue
func New(name string, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q := &Queue{
		name:       name,
		visibility: visibility,
		now:        time.Now,
		counters:   queue.NewCounters(name),
		dedup:      make(map[string]time.Time),
	}
	q.healthy.Store(true)
	return q
}

// WithClock replaces the time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// SetHealthy overrides the reported health
func (q *Queue) SetHealthy(healthy bool) {
	q.healthy.Store(healthy)
}

func (q *Queue) Identifier() string {
	return q.name
}

// Publish enqueues a message. A repeated deduplication ID within five minutes is dropped.
func (q *Queue) Publish(ctx context.Context, msg *queue.OutboundMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.ErrClosed
	}

	now := q.now()
	if msg.DeduplicationID != "" {
		if seen, ok := q.dedup[msg.DeduplicationID]; ok && now.Sub(seen) < dedupWindow {
			return "", nil
		}
		q.dedup[msg.DeduplicationID] = now
	}

	id := uuid.NewString()
	attrs := make(map[string]string, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	q.entries = append(q.entries, &entry{
		msg: queue.Message{
			ID:              id,
			MessageGroup:    msg.MessageGroup,
			DeduplicationID: msg.DeduplicationID,
			Body:            append([]byte(nil), msg.Body...),
			QueueIdentifier: q.name,
			Attributes:      attrs,
		},
		visibleAt: now.Add(msg.Delay),
	})
	return id, nil
}

// PublishBatch enqueues messages in order
func (q *Queue) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, err := q.Publish(ctx, m)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Poll returns up to max visible messages in publish order
func (q *Queue) Poll(ctx context.Context, max int) ([]*queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	now := q.now()
	var out []*queue.Message
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if now.Before(e.visibleAt) {
			continue
		}
		e.receiveCount++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(q.visibility)

		m := e.msg
		m.ReceiptHandle = e.receipt
		m.ReceiveCount = e.receiveCount
		out = append(out, &m)
	}
	q.counters.Polled(len(out))
	return out, nil
}

// findLocked returns the entry for msg if its receipt handle is current
func (q *Queue) findLocked(msg *queue.Message) (int, *entry, error) {
	for i, e := range q.entries {
		if e.msg.ID != msg.ID {
			continue
		}
		if e.receipt == "" || e.receipt != msg.ReceiptHandle {
			return -1, nil, queue.ErrReceiptHandleExpired
		}
		return i, e, nil
	}
	return -1, nil, queue.ErrReceiptHandleExpired
}

func (q *Queue) Ack(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, _, err := q.findLocked(msg)
	if err != nil {
		q.counters.Error("ack")
		return err
	}
	q.removeLocked(i)
	q.counters.Acked()
	return nil
}

func (q *Queue) Nack(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := q.requeue(msg, delay); err != nil {
		q.counters.Error("nack")
		return err
	}
	q.counters.Nacked()
	return nil
}

func (q *Queue) Defer(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := q.requeue(msg, delay); err != nil {
		q.counters.Error("defer")
		return err
	}
	q.counters.Deferred()
	return nil
}

func (q *Queue) requeue(msg *queue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, e, err := q.findLocked(msg)
	if err != nil {
		return err
	}
	e.receipt = ""
	e.visibleAt = q.now().Add(time.Duration(queue.ClampDelaySeconds(delay)) * time.Second)
	return nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, msg *queue.Message, seconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, e, err := q.findLocked(msg)
	if err != nil {
		return err
	}
	e.visibleAt = q.now().Add(time.Duration(seconds) * time.Second)
	q.counters.Extended()
	return nil
}

// DeadLetter removes the message and parks it with reason
func (q *Queue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, e, err := q.findLocked(msg)
	if err != nil {
		return err
	}
	q.deadLetters = append(q.deadLetters, DeadLetter{Message: e.msg, Reason: reason})
	q.removeLocked(i)
	q.counters.DeadLettered()
	return nil
}

// DeadLetters returns parked messages
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

func (q *Queue) removeLocked(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

func (q *Queue) IsHealthy() bool {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	return !closed && q.healthy.Load()
}

func (q *Queue) Metrics(ctx context.Context) (*queue.Metrics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	m := &queue.Metrics{}
	for _, e := range q.entries {
		if e.receipt != "" && now.Before(e.visibleAt) {
			m.InFlight++
		} else {
			m.Pending++
		}
	}
	q.counters.Fill(m)
	return m, nil
}

// Len returns the number of messages not yet acked or dead-lettered
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
