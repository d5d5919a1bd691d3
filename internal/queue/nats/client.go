// Package nats provides the NATS JetStream queue backend
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

const (
	headerMsgID    = "Nats-Msg-Id"
	headerMsgGroup = "Nats-Msg-Group"
	headerMetaPref = "X-Meta-"
)

// Config holds JetStream settings
type Config struct {
	URL          string        `toml:"url" env:"URL"`
	StreamName   string        `toml:"stream_name" env:"STREAM_NAME"`
	Subjects     []string      `toml:"subjects" env:"SUBJECTS"`
	Subject      string        `toml:"subject" env:"SUBJECT"`
	ConsumerName string        `toml:"consumer_name" env:"CONSUMER_NAME"`
	MaxAge       time.Duration `toml:"max_age" env:"MAX_AGE"`

	AckWait       time.Duration `toml:"ack_wait" env:"ACK_WAIT"`
	MaxDeliver    int           `toml:"max_deliver" env:"MAX_DELIVER"`
	MaxAckPending int           `toml:"max_ack_pending" env:"MAX_ACK_PENDING"`
	FetchMaxWait  time.Duration `toml:"fetch_max_wait" env:"FETCH_MAX_WAIT"`
}

// DefaultConfig returns the default stream and consumer layout
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "DISPATCH",
		Subjects:      []string{"dispatch.>"},
		Subject:       "dispatch.jobs",
		ConsumerName:  "flowcatalyst-router",
		MaxAge:        24 * time.Hour,
		AckWait:       2 * time.Minute,
		MaxDeliver:    5,
		MaxAckPending: 1000,
		FetchMaxWait:  5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.StreamName == "" {
		c.StreamName = d.StreamName
	}
	if len(c.Subjects) == 0 {
		c.Subjects = d.Subjects
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.ConsumerName == "" {
		c.ConsumerName = d.ConsumerName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = d.MaxAckPending
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = d.FetchMaxWait
	}
}

// Client wraps a NATS connection and its JetStream context
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
}

// Connect dials cfg.URL and ensures the stream exists
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Client{conn: conn, js: js, cfg: cfg}
	if err := c.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.StreamName,
		Subjects:  c.cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    c.cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.cfg.StreamName, err)
	}

	log.Info().
		Str("stream", c.cfg.StreamName).
		Strs("subjects", c.cfg.Subjects).
		Msg("JetStream stream configured")
	return nil
}

// NewConsumer creates or updates the durable pull consumer
func (c *Client) NewConsumer(ctx context.Context) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.StreamName, jetstream.ConsumerConfig{
		Name:          c.cfg.ConsumerName,
		Durable:       c.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: c.cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	identifier := c.cfg.StreamName + "/" + c.cfg.ConsumerName
	log.Info().
		Str("consumer", identifier).
		Dur("ackWait", c.cfg.AckWait).
		Int("maxDeliver", c.cfg.MaxDeliver).
		Msg("NATS consumer created")

	return &Consumer{
		consumer:   cons,
		conn:       c.conn,
		identifier: identifier,
		fetchWait:  c.cfg.FetchMaxWait,
		counters:   queue.NewCounters(identifier),
		receipts:   make(map[string]jetstream.Msg),
		latest:     make(map[string]string),
	}, nil
}

// Publisher returns a publisher for the configured subject
func (c *Client) Publisher() *Publisher {
	return &Publisher{js: c.js, subject: c.cfg.Subject}
}

// Close drains the connection
func (c *Client) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Drain()
}

// Consumer is a JetStream pull consumer
type Consumer struct {
	consumer   jetstream.Consumer
	conn       *nats.Conn
	identifier string
	fetchWait  time.Duration
	counters   *queue.Counters

	mu       sync.Mutex
	receipts map[string]jetstream.Msg // receipt handle -> delivery
	latest   map[string]string        // message ID -> current receipt handle

	closed atomic.Bool
}

func (c *Consumer) Identifier() string {
	return c.identifier
}

// Poll fetches up to max messages, waiting at most the configured fetch wait
func (c *Consumer) Poll(ctx context.Context, max int) ([]*queue.Message, error) {
	if c.closed.Load() {
		return nil, queue.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(c.fetchWait))
	if err != nil {
		c.counters.Error("poll")
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var out []*queue.Message
	for m := range batch.Messages() {
		out = append(out, c.track(m))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		c.counters.Error("poll")
		if len(out) == 0 {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		log.Warn().Err(err).Str("consumer", c.identifier).Msg("Fetch ended with error")
	}

	c.counters.Polled(len(out))
	return out, nil
}

func (c *Consumer) track(m jetstream.Msg) *queue.Message {
	msg := &queue.Message{
		ID:              messageID(m),
		Body:            m.Data(),
		ReceiptHandle:   uuid.NewString(),
		ReceiveCount:    1,
		QueueIdentifier: c.identifier,
		Attributes:      make(map[string]string),
	}
	headers := m.Headers()
	msg.MessageGroup = headers.Get(headerMsgGroup)
	msg.DeduplicationID = headers.Get(headerMsgID)
	for k, v := range headers {
		if strings.HasPrefix(k, headerMetaPref) && len(v) > 0 {
			msg.Attributes[strings.TrimPrefix(k, headerMetaPref)] = v[0]
		}
	}
	if meta, err := m.Metadata(); err == nil {
		msg.ReceiveCount = int(meta.NumDelivered)
	}

	c.mu.Lock()
	if old, ok := c.latest[msg.ID]; ok {
		delete(c.receipts, old)
	}
	c.receipts[msg.ReceiptHandle] = m
	c.latest[msg.ID] = msg.ReceiptHandle
	c.mu.Unlock()

	return msg
}

// messageID prefers the publisher's Nats-Msg-Id and falls back to stream:sequence
func messageID(m jetstream.Msg) string {
	if id := m.Headers().Get(headerMsgID); id != "" {
		return id
	}
	if meta, err := m.Metadata(); err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return uuid.NewString()
}

// lookup returns the delivery for msg. release drops the receipt.
func (c *Consumer) lookup(msg *queue.Message, release bool) (jetstream.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.receipts[msg.ReceiptHandle]
	if !ok {
		return nil, queue.ErrReceiptHandleExpired
	}
	if release {
		delete(c.receipts, msg.ReceiptHandle)
		if c.latest[msg.ID] == msg.ReceiptHandle {
			delete(c.latest, msg.ID)
		}
	}
	return m, nil
}

func (c *Consumer) Ack(ctx context.Context, msg *queue.Message) error {
	m, err := c.lookup(msg, true)
	if err != nil {
		return err
	}
	if err := m.Ack(); err != nil {
		c.counters.Error("ack")
		return fmt.Errorf("failed to ack message: %w", err)
	}
	c.counters.Acked()
	return nil
}

func (c *Consumer) Nack(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := c.nak(msg, delay); err != nil {
		c.counters.Error("nack")
		return err
	}
	c.counters.Nacked()
	return nil
}

func (c *Consumer) Defer(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := c.nak(msg, delay); err != nil {
		c.counters.Error("defer")
		return err
	}
	c.counters.Deferred()
	return nil
}

func (c *Consumer) nak(msg *queue.Message, delay time.Duration) error {
	m, err := c.lookup(msg, true)
	if err != nil {
		return err
	}
	delay = time.Duration(queue.ClampDelaySeconds(delay)) * time.Second
	if err := m.NakWithDelay(delay); err != nil {
		return fmt.Errorf("failed to nak message: %w", err)
	}
	return nil
}

// ExtendVisibility resets the ack wait timer. JetStream extends by the
// consumer's AckWait, so seconds is not used.
func (c *Consumer) ExtendVisibility(ctx context.Context, msg *queue.Message, seconds int) error {
	m, err := c.lookup(msg, false)
	if err != nil {
		return err
	}
	if err := m.InProgress(); err != nil {
		c.counters.Error("extend")
		return fmt.Errorf("failed to extend message: %w", err)
	}
	c.counters.Extended()
	return nil
}

// DeadLetter terminates the message so it is never redelivered
func (c *Consumer) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	m, err := c.lookup(msg, true)
	if err != nil {
		return err
	}
	if err := m.Term(); err != nil {
		c.counters.Error("dead_letter")
		return fmt.Errorf("failed to terminate message: %w", err)
	}
	log.Warn().
		Str("messageId", msg.ID).
		Str("reason", reason).
		Msg("Message terminated")
	c.counters.DeadLettered()
	return nil
}

func (c *Consumer) IsHealthy() bool {
	return !c.closed.Load() && c.conn.IsConnected()
}

func (c *Consumer) Metrics(ctx context.Context) (*queue.Metrics, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer info: %w", err)
	}
	m := &queue.Metrics{
		Pending:  int64(info.NumPending),
		InFlight: int64(info.NumAckPending),
	}
	c.counters.Fill(m)
	return m, nil
}

func (c *Consumer) Close() error {
	c.closed.Store(true)
	log.Info().Str("consumer", c.identifier).Msg("NATS consumer closed")
	return nil
}

// Publisher publishes to one JetStream subject
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// NewPublisher creates a publisher for subject
func NewPublisher(js jetstream.JetStream, subject string) *Publisher {
	return &Publisher{js: js, subject: subject}
}

// Publish sends one message. Delay is not supported by JetStream and is ignored.
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) (string, error) {
	out := &nats.Msg{
		Subject: p.subject,
		Data:    msg.Body,
		Header:  make(nats.Header),
	}
	if msg.MessageGroup != "" {
		out.Header.Set(headerMsgGroup, msg.MessageGroup)
	}
	if msg.DeduplicationID != "" {
		out.Header.Set(headerMsgID, msg.DeduplicationID)
	}
	for k, v := range msg.Attributes {
		out.Header.Set(headerMetaPref+k, v)
	}

	ack, err := p.js.PublishMsg(ctx, out)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(p.subject).Inc()
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.MessagesPublished.WithLabelValues(p.subject).Inc()

	if msg.DeduplicationID != "" {
		return msg.DeduplicationID, nil
	}
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// PublishBatch publishes messages in order
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, err := p.Publish(ctx, m)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Publisher) Close() error {
	return nil
}
