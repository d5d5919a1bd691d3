// Package queue defines the consumer and publisher contracts shared by the
// queue backends (sqs, nats, redisq, memory).
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
)

// Backend types
const (
	TypeSQS    = "sqs"
	TypeNATS   = "nats"
	TypeRedis  = "redis"
	TypeMemory = "memory"
)

var (
	// ErrReceiptHandleExpired is returned when an operation uses a stale receipt handle
	ErrReceiptHandleExpired = errors.New("receipt handle expired")

	// ErrDeadLetterUnsupported is returned by backends with no dead-letter destination configured
	ErrDeadLetterUnsupported = errors.New("dead letter not supported")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue closed")
)

// Message is one delivery of a queue message
type Message struct {
	// ID is the broker message ID, stable across redeliveries
	ID string

	MessageGroup    string
	DeduplicationID string
	Body            []byte

	// ReceiptHandle identifies this delivery. It changes on every redelivery.
	ReceiptHandle string

	// ReceiveCount is how many times the broker has delivered the message, 1 on first delivery
	ReceiveCount int

	QueueIdentifier string
	Attributes      map[string]string
}

// Metrics is a point-in-time view of a queue
type Metrics struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"inFlight"`
	Deferred     int64 `json:"deferred"`
	Acked        int64 `json:"acked"`
	Nacked       int64 `json:"nacked"`
	DeadLettered int64 `json:"deadLettered"`
}

// Consumer pulls messages from one queue
type Consumer interface {
	// Identifier names the queue for logs and metrics
	Identifier() string

	// Poll returns up to max messages. It may block up to the backend's wait time.
	Poll(ctx context.Context, max int) ([]*Message, error)

	// Ack removes the message from the queue
	Ack(ctx context.Context, msg *Message) error

	// Nack returns the message to the queue after delay. This is a delivery failure.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error

	// Defer returns the message to the queue after delay without counting a failure
	Defer(ctx context.Context, msg *Message, delay time.Duration) error

	// ExtendVisibility keeps the message invisible for another seconds
	ExtendVisibility(ctx context.Context, msg *Message, seconds int) error

	IsHealthy() bool
	Metrics(ctx context.Context) (*Metrics, error)
	Close() error
}

// DeadLetterer is implemented by consumers that can park terminal failures
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg *Message, reason string) error
}

// OutboundMessage is a message to publish
type OutboundMessage struct {
	Body            []byte
	MessageGroup    string
	DeduplicationID string
	Attributes      map[string]string

	// Delay postpones first visibility where the backend supports it
	Delay time.Duration
}

// Publisher sends messages to one queue
type Publisher interface {
	Publish(ctx context.Context, msg *OutboundMessage) (string, error)
	PublishBatch(ctx context.Context, msgs []*OutboundMessage) ([]string, error)
	Close() error
}

// Counters tracks consumer operations for Metrics and the Prometheus queue metrics
type Counters struct {
	queue        string
	acked        atomic.Int64
	nacked       atomic.Int64
	deferred     atomic.Int64
	deadLettered atomic.Int64
}

// NewCounters creates counters labelled with queue
func NewCounters(queue string) *Counters {
	return &Counters{queue: queue}
}

func (c *Counters) Acked() {
	c.acked.Add(1)
	metrics.QueueOperations.WithLabelValues(c.queue, "ack").Inc()
}

func (c *Counters) Nacked() {
	c.nacked.Add(1)
	metrics.QueueOperations.WithLabelValues(c.queue, "nack").Inc()
}

func (c *Counters) Deferred() {
	c.deferred.Add(1)
	metrics.QueueOperations.WithLabelValues(c.queue, "defer").Inc()
}

func (c *Counters) DeadLettered() {
	c.deadLettered.Add(1)
	metrics.QueueOperations.WithLabelValues(c.queue, "dead_letter").Inc()
}

func (c *Counters) Extended() {
	metrics.QueueOperations.WithLabelValues(c.queue, "extend").Inc()
}

// Polled records a completed poll
func (c *Counters) Polled(n int) {
	metrics.QueueOperations.WithLabelValues(c.queue, "poll").Inc()
	if n > 0 {
		metrics.QueueOperations.WithLabelValues(c.queue, "received").Add(float64(n))
	}
}

// Error records a failed operation
func (c *Counters) Error(operation string) {
	metrics.QueueErrors.WithLabelValues(c.queue, operation).Inc()
}

// Fill copies the counters into m
func (c *Counters) Fill(m *Metrics) {
	m.Acked = c.acked.Load()
	m.Nacked = c.nacked.Load()
	m.Deferred = c.deferred.Load()
	m.DeadLettered = c.deadLettered.Load()
}

// ClampDelaySeconds converts delay to whole seconds within [0, 43200]
func ClampDelaySeconds(delay time.Duration) int32 {
	seconds := int64(delay / time.Second)
	if seconds < 0 {
		return 0
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return int32(seconds)
}

// MaxDelaySeconds is the longest visibility delay accepted by any backend (12 hours)
const MaxDelaySeconds = 43200
