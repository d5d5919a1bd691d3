// Package redisq provides a Redis-backed queue with visibility timeouts.
//
// Each queue uses a ready list, a delayed sorted set and an in-flight sorted
// set keyed by message ID. Message bodies live in a hash. State transitions
// run as Lua scripts so concurrent consumers never observe a half-moved message.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

// ErrConnection is returned when the initial ping fails
var ErrConnection = errors.New("redis connection failed")

const (
	dedupWindow    = 5 * time.Minute
	unhealthyAfter = 3
)

// Config holds Redis queue settings
type Config struct {
	URL               string        `toml:"url" env:"URL"`
	Name              string        `toml:"name" env:"NAME"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	PollInterval      time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	PoolSize          int           `toml:"pool_size" env:"POOL_SIZE"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "dispatch"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
}

type keys struct {
	ready, delayed, inflight, msgs, receipts, counts, dlq string
}

func newKeys(name string) keys {
	p := "flowcatalyst:queue:{" + name + "}:"
	return keys{
		ready:    p + "ready",
		delayed:  p + "delayed",
		inflight: p + "inflight",
		msgs:     p + "msgs",
		receipts: p + "receipts",
		counts:   p + "counts",
		dlq:      p + "dlq",
	}
}

func (k keys) dedup(id string) string {
	return k.msgs + ":dedup:" + id
}

// envelope is the stored form of a message
type envelope struct {
	ID              string            `json:"id"`
	Body            []byte            `json:"body"`
	MessageGroup    string            `json:"group,omitempty"`
	DeduplicationID string            `json:"dedupId,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// deadLetter is the stored form of a dead-lettered message
type deadLetter struct {
	Envelope envelope  `json:"message"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// KEYS: ready, delayed, inflight, msgs, receipts, counts
// ARGV: nowMs, visibilityMs, max
var pollScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[5], id)
  redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local body = redis.call('HGET', KEYS[4], id)
  if body then
    local n = redis.call('HINCRBY', KEYS[6], id, 1)
    local receipt = id .. ':' .. n
    redis.call('HSET', KEYS[5], id, receipt)
    redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
    table.insert(out, body)
    table.insert(out, receipt)
    table.insert(out, tostring(n))
  end
end
return out
`)

// KEYS: msgs, inflight, receipts, counts
// ARGV: id, receipt
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// KEYS: inflight, receipts, delayed
// ARGV: id, receipt, visibleAtMs
var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// KEYS: inflight, receipts
// ARGV: id, receipt, deadlineMs
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZADD', KEYS[1], 'XX', tonumber(ARGV[3]), ARGV[1])
return 1
`)

// KEYS: msgs, inflight, receipts, counts, dlq
// ARGV: id, receipt, record
var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('RPUSH', KEYS[5], ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// Queue implements queue.Consumer, queue.DeadLetterer and queue.Publisher on Redis
type Queue struct {
	client   redis.UniversalClient
	cfg      Config
	keys     keys
	counters *queue.Counters
	now      func() time.Time

	pollFailures atomic.Int32
	closed       atomic.Bool
}

// Dial parses cfg.URL, pings the server and returns a queue
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return New(client, cfg), nil
}

// New creates a queue over an existing client
func New(client redis.UniversalClient, cfg Config) *Queue {
	cfg.applyDefaults()

	log.Info().
		Str("queue", cfg.Name).
		Dur("visibilityTimeout", cfg.VisibilityTimeout).
		Msg("Redis queue initialized")

	return &Queue{
		client:   client,
		cfg:      cfg,
		keys:     newKeys(cfg.Name),
		counters: queue.NewCounters(cfg.Name),
		now:      time.Now,
	}
}

func (q *Queue) Identifier() string {
	return q.cfg.Name
}

// Publish stores the message. A repeated deduplication ID within five minutes is dropped.
func (q *Queue) Publish(ctx context.Context, msg *queue.OutboundMessage) (string, error) {
	if q.closed.Load() {
		return "", queue.ErrClosed
	}

	if msg.DeduplicationID != "" {
		fresh, err := q.client.SetNX(ctx, q.keys.dedup(msg.DeduplicationID), 1, dedupWindow).Result()
		if err != nil {
			metrics.PublishErrors.WithLabelValues(q.cfg.Name).Inc()
			return "", fmt.Errorf("failed to check deduplication: %w", err)
		}
		if !fresh {
			log.Debug().Str("dedupId", msg.DeduplicationID).Msg("Duplicate publish dropped")
			return "", nil
		}
	}

	env := envelope{
		ID:              uuid.NewString(),
		Body:            msg.Body,
		MessageGroup:    msg.MessageGroup,
		DeduplicationID: msg.DeduplicationID,
		Attributes:      msg.Attributes,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.msgs, env.ID, data)
		if msg.Delay > 0 {
			pipe.ZAdd(ctx, q.keys.delayed, redis.Z{
				Score:  float64(q.now().Add(msg.Delay).UnixMilli()),
				Member: env.ID,
			})
		} else {
			pipe.RPush(ctx, q.keys.ready, env.ID)
		}
		return nil
	})
	if err != nil {
		metrics.PublishErrors.WithLabelValues(q.cfg.Name).Inc()
		return "", fmt.Errorf("failed to push message to Redis: %w", err)
	}

	metrics.MessagesPublished.WithLabelValues(q.cfg.Name).Inc()
	return env.ID, nil
}

// PublishBatch publishes messages in order
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

// Poll claims up to max visible messages. With none available it waits one poll interval.
func (q *Queue) Poll(ctx context.Context, max int) ([]*queue.Message, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}
	if max <= 0 {
		max = 1
	}

	out, err := q.claim(ctx, max)
	if err != nil {
		if ctx.Err() == nil {
			q.pollFailures.Add(1)
			q.counters.Error("poll")
		}
		return nil, err
	}
	q.pollFailures.Store(0)

	if len(out) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(q.cfg.PollInterval):
		}
	}
	q.counters.Polled(len(out))
	return out, nil
}

func (q *Queue) claim(ctx context.Context, max int) ([]*queue.Message, error) {
	res, err := pollScript.Run(ctx, q.client,
		[]string{q.keys.ready, q.keys.delayed, q.keys.inflight, q.keys.msgs, q.keys.receipts, q.keys.counts},
		q.now().UnixMilli(), q.cfg.VisibilityTimeout.Milliseconds(), max,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to poll Redis queue: %w", err)
	}

	out := make([]*queue.Message, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		var env envelope
		if err := json.Unmarshal([]byte(res[i]), &env); err != nil {
			log.Error().Err(err).Str("queue", q.cfg.Name).Msg("Skipping undecodable stored message")
			continue
		}
		count, _ := strconv.Atoi(res[i+2])
		out = append(out, &queue.Message{
			ID:              env.ID,
			MessageGroup:    env.MessageGroup,
			DeduplicationID: env.DeduplicationID,
			Body:            env.Body,
			ReceiptHandle:   res[i+1],
			ReceiveCount:    count,
			QueueIdentifier: q.cfg.Name,
			Attributes:      env.Attributes,
		})
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, msg *queue.Message) error {
	err := q.runReceipt(ctx, ackScript,
		[]string{q.keys.msgs, q.keys.inflight, q.keys.receipts, q.keys.counts},
		msg.ID, msg.ReceiptHandle)
	if err != nil {
		q.counters.Error("ack")
		return err
	}
	q.counters.Acked()
	return nil
}

func (q *Queue) Nack(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := q.requeue(ctx, msg, delay); err != nil {
		q.counters.Error("nack")
		return err
	}
	q.counters.Nacked()
	return nil
}

func (q *Queue) Defer(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := q.requeue(ctx, msg, delay); err != nil {
		q.counters.Error("defer")
		return err
	}
	q.counters.Deferred()
	return nil
}

func (q *Queue) requeue(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	visibleAt := q.now().Add(time.Duration(queue.ClampDelaySeconds(delay)) * time.Second)
	return q.runReceipt(ctx, requeueScript,
		[]string{q.keys.inflight, q.keys.receipts, q.keys.delayed},
		msg.ID, msg.ReceiptHandle, visibleAt.UnixMilli())
}

func (q *Queue) ExtendVisibility(ctx context.Context, msg *queue.Message, seconds int) error {
	deadline := q.now().Add(time.Duration(seconds) * time.Second)
	if err := q.runReceipt(ctx, extendScript,
		[]string{q.keys.inflight, q.keys.receipts},
		msg.ID, msg.ReceiptHandle, deadline.UnixMilli()); err != nil {
		q.counters.Error("extend")
		return err
	}
	q.counters.Extended()
	return nil
}

// DeadLetter moves the message to the dead-letter list with reason
func (q *Queue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	record, err := json.Marshal(deadLetter{
		Envelope: envelope{
			ID:              msg.ID,
			Body:            msg.Body,
			MessageGroup:    msg.MessageGroup,
			DeduplicationID: msg.DeduplicationID,
			Attributes:      msg.Attributes,
		},
		Reason: reason,
		At:     q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := q.runReceipt(ctx, deadLetterScript,
		[]string{q.keys.msgs, q.keys.inflight, q.keys.receipts, q.keys.counts, q.keys.dlq},
		msg.ID, msg.ReceiptHandle, record); err != nil {
		q.counters.Error("dead_letter")
		return err
	}
	q.counters.DeadLettered()
	return nil
}

// DeadLetterCount returns the length of the dead-letter list
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.keys.dlq).Result()
}

func (q *Queue) runReceipt(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	ok, err := script.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis queue script failed: %w", err)
	}
	if ok == 0 {
		return queue.ErrReceiptHandleExpired
	}
	return nil
}

func (q *Queue) IsHealthy() bool {
	return !q.closed.Load() && q.pollFailures.Load() < unhealthyAfter
}

func (q *Queue) Metrics(ctx context.Context) (*queue.Metrics, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.keys.ready)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	inflight := pipe.ZCard(ctx, q.keys.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}

	m := &queue.Metrics{
		Pending:  ready.Val() + delayed.Val(),
		InFlight: inflight.Val(),
	}
	q.counters.Fill(m)
	return m, nil
}

// Close marks the queue closed and closes the client
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Str("queue", q.cfg.Name).Msg("Redis queue closed")
	return q.client.Close()
}
