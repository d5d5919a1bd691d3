// Package manager provides the queue manager for the message router.
//
// The manager polls consumers while this instance may process, decodes each
// message into a dispatch pointer, deduplicates it against the in-flight set,
// submits it to its dispatch pool and finally acks, nacks, defers or
// dead-letters it according to the pool's verdict.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/pool"
)

// Config holds queue manager settings
type Config struct {
	// MaxMessagesPerPoll bounds one Poll call
	MaxMessagesPerPoll int

	// PollInterval is the idle wait while standing by, after an empty poll or after a poll error
	PollInterval time.Duration

	// DeferDelay is the visibility delay for backpressured messages
	DeferDelay time.Duration

	// VisibilityTimeout is the deadline assumed after a poll and the amount each extension adds
	VisibilityTimeout time.Duration

	// ExtendThreshold selects in-flight entries whose deadline is this close
	ExtendThreshold time.Duration

	// DefaultPool is the template for pools created on first use
	DefaultPool model.PoolConfig

	MaxGroupQueue   int
	Retry           pool.RetryPolicy
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the manager defaults
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerPoll: 10,
		PollInterval:       time.Second,
		DeferDelay:         10 * time.Second,
		VisibilityTimeout:  120 * time.Second,
		ExtendThreshold:    50 * time.Second,
		DefaultPool: model.PoolConfig{
			Code:        model.DefaultPoolCode,
			Concurrency: model.IntPtr(20),
			Status:      model.PoolStatusActive,
		},
		MaxGroupQueue:   pool.DefaultMaxGroupQueue,
		Retry:           pool.DefaultRetryPolicy(),
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxMessagesPerPoll <= 0 {
		c.MaxMessagesPerPoll = d.MaxMessagesPerPoll
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = d.DeferDelay
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.ExtendThreshold <= 0 {
		c.ExtendThreshold = d.ExtendThreshold
	}
	if c.MaxGroupQueue <= 0 {
		c.MaxGroupQueue = d.MaxGroupQueue
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry = d.Retry
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// inFlight is the manager's record of one message between poll and completion
type inFlight struct {
	info     model.InFlightMessageInfo
	msg      *queue.Message
	consumer queue.Consumer
	jobKeys  []string
}

// Manager routes queue messages to dispatch pools
type Manager struct {
	cfg       Config
	deliverer pool.Deliverer
	gate      pool.LeadershipGate
	now       func() time.Time

	poolsMu sync.RWMutex
	pools   map[string]*pool.Pool
	configs map[string]model.PoolConfig

	// in-flight records keyed by queue and broker message ID; jobIndex maps
	// job and deduplication IDs back to that key
	mu       sync.Mutex
	inFlight map[string]*inFlight
	jobIndex map[string]string
}

// New creates a manager. gate decides whether this instance may process.
func New(cfg Config, deliverer pool.Deliverer, gate pool.LeadershipGate) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		deliverer: deliverer,
		gate:      gate,
		now:       time.Now,
		pools:     make(map[string]*pool.Pool),
		configs:   make(map[string]model.PoolConfig),
		inFlight:  make(map[string]*inFlight),
		jobIndex:  make(map[string]string),
	}
}

// WithClock replaces the time source used for visibility deadlines
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) shouldProcess() bool {
	return m.gate == nil || m.gate.ShouldProcess()
}

// Run polls consumer until ctx is done. It only polls while this instance may process.
func (m *Manager) Run(ctx context.Context, consumer queue.Consumer) error {
	name := consumer.Identifier()
	log.Info().Str("queue", name).Int("maxMessages", m.cfg.MaxMessagesPerPoll).Msg("Starting queue consumer")

	for {
		if ctx.Err() != nil {
			log.Info().Str("queue", name).Msg("Queue consumer stopped")
			return nil
		}

		if !m.shouldProcess() {
			sleep(ctx, m.cfg.PollInterval)
			continue
		}

		messages, err := consumer.Poll(ctx, m.cfg.MaxMessagesPerPoll)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, queue.ErrClosed) {
				log.Warn().Str("queue", name).Msg("Queue closed, consumer exiting")
				return nil
			}
			log.Error().Err(err).Str("queue", name).Msg("Failed to poll queue")
			sleep(ctx, m.cfg.PollInterval)
			continue
		}

		for _, msg := range messages {
			m.Handle(ctx, consumer, msg)
		}

		if len(messages) == 0 {
			sleep(ctx, m.cfg.PollInterval)
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// recordKey identifies a delivery across redeliveries
func recordKey(msg *queue.Message) string {
	return msg.QueueIdentifier + "/" + msg.ID
}

// Handle routes one polled message
func (m *Manager) Handle(ctx context.Context, consumer queue.Consumer, msg *queue.Message) {
	if msg.QueueIdentifier == "" {
		msg.QueueIdentifier = consumer.Identifier()
	}

	// the visibility timeout returns the message to the queue
	if !m.shouldProcess() {
		log.Debug().Str("brokerMessageId", msg.ID).Msg("Not processing, leaving message for the leader")
		return
	}

	pointer, err := model.DecodePointer(msg.Body)
	if err != nil {
		m.handleMalformed(ctx, consumer, msg, err)
		return
	}

	key := recordKey(msg)
	jobKeys := []string{pointer.JobID}
	if msg.DeduplicationID != "" && msg.DeduplicationID != pointer.JobID {
		jobKeys = append(jobKeys, msg.DeduplicationID)
	}

	switch m.track(key, jobKeys, consumer, msg, pointer) {
	case trackRedelivery:
		metrics.ManagerDuplicates.WithLabelValues("redelivery").Inc()
		log.Debug().
			Str("messageId", pointer.JobID).
			Str("brokerMessageId", msg.ID).
			Msg("Redelivery of in-flight message, refreshed receipt handle")
		return

	case trackDuplicate:
		metrics.ManagerDuplicates.WithLabelValues("duplicate").Inc()
		log.Info().
			Str("messageId", pointer.JobID).
			Str("brokerMessageId", msg.ID).
			Msg("Duplicate of in-flight job under a different broker message, acking")
		m.ack(ctx, consumer, msg)
		return
	}

	p := m.poolFor(pointer.EffectivePoolCode())
	attempt := msg.ReceiveCount
	if attempt < 1 {
		attempt = 1
	}

	switch p.Submit(&pool.Job{Pointer: pointer, Key: key, Attempt: attempt}) {
	case model.Accepted:
		return

	case model.Deferred:
		if rec := m.take(key); rec != nil {
			m.deferMessage(ctx, rec.consumer, rec.msg)
		}

	case model.Rejected:
		if rec := m.take(key); rec != nil {
			log.Warn().
				Str("messageId", pointer.JobID).
				Str("poolCode", p.Code()).
				Dur("delay", m.cfg.VisibilityTimeout).
				Msg("Pool rejected message, returning it to the queue")
			// held back a full visibility timeout so a draining pool does not spin the poll loop
			if err := rec.consumer.Nack(ctx, rec.msg, m.cfg.VisibilityTimeout); err != nil {
				logQueueError(err, "nack", rec.msg)
			}
		}
	}
}

func (m *Manager) handleMalformed(ctx context.Context, consumer queue.Consumer, msg *queue.Message, cause error) {
	metrics.ManagerMalformed.Inc()
	log.Error().
		Err(cause).
		Str("brokerMessageId", msg.ID).
		Str("queue", msg.QueueIdentifier).
		Msg("Malformed dispatch pointer")

	if dl, ok := consumer.(queue.DeadLetterer); ok {
		err := dl.DeadLetter(ctx, msg, "malformed dispatch pointer: "+cause.Error())
		if err == nil {
			return
		}
		if !errors.Is(err, queue.ErrDeadLetterUnsupported) {
			logQueueError(err, "dead_letter", msg)
			return
		}
	}
	m.ack(ctx, consumer, msg)
}

type trackResult int

const (
	trackNew trackResult = iota
	trackRedelivery
	trackDuplicate
)

func (m *Manager) track(key string, jobKeys []string, consumer queue.Consumer, msg *queue.Message, pointer *model.DispatchPointer) trackResult {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.inFlight[key]; ok {
		rec.msg = msg
		rec.info.ReceiptHandle = msg.ReceiptHandle
		rec.info.AttemptCount = msg.ReceiveCount
		rec.info.VisibilityDeadline = now.Add(m.cfg.VisibilityTimeout)
		return trackRedelivery
	}

	for _, jk := range jobKeys {
		if existing, ok := m.jobIndex[jk]; ok && existing != key {
			return trackDuplicate
		}
	}

	m.inFlight[key] = &inFlight{
		info: model.InFlightMessageInfo{
			MessageID:          pointer.JobID,
			BrokerMessageID:    msg.ID,
			PoolCode:           pointer.EffectivePoolCode(),
			MessageGroup:       pointer.MessageGroup,
			QueueIdentifier:    msg.QueueIdentifier,
			ReceiptHandle:      msg.ReceiptHandle,
			AttemptCount:       msg.ReceiveCount,
			ClaimedAt:          now,
			VisibilityDeadline: now.Add(m.cfg.VisibilityTimeout),
		},
		msg:      msg,
		consumer: consumer,
		jobKeys:  jobKeys,
	}
	for _, jk := range jobKeys {
		m.jobIndex[jk] = key
	}
	metrics.ManagerInFlight.Set(float64(len(m.inFlight)))
	return trackNew
}

// take removes and returns the record for key
func (m *Manager) take(key string) *inFlight {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.inFlight[key]
	if !ok {
		return nil
	}
	m.removeLocked(key, rec)
	return rec
}

func (m *Manager) removeLocked(key string, rec *inFlight) {
	delete(m.inFlight, key)
	for _, jk := range rec.jobKeys {
		if m.jobIndex[jk] == key {
			delete(m.jobIndex, jk)
		}
	}
	metrics.ManagerInFlight.Set(float64(len(m.inFlight)))
}

// completionContext bounds ack/nack calls made after delivery. Completions
// still resolve after the poll context is cancelled.
func completionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// OnDelivered resolves a delivery attempt against the queue
func (m *Manager) OnDelivered(job *pool.Job, result *model.DeliveryResult, retryDelay time.Duration) {
	rec := m.take(job.Key)
	if rec == nil {
		log.Warn().
			Str("messageId", job.Pointer.JobID).
			Str("outcome", string(result.Outcome)).
			Msg("Delivery completed for a message no longer tracked")
		return
	}

	ctx, cancel := completionContext()
	defer cancel()

	switch result.Outcome {
	case model.OutcomeSuccess:
		m.ack(ctx, rec.consumer, rec.msg)

	case model.OutcomeRetryableFailure, model.OutcomeCircuitOpen:
		if err := rec.consumer.Nack(ctx, rec.msg, retryDelay); err != nil {
			logQueueError(err, "nack", rec.msg)
		}

	case model.OutcomePermanentFailure:
		m.deadLetter(ctx, rec, result)
	}
}

// OnReleased returns an undelivered job to the queue without counting a failure
func (m *Manager) OnReleased(job *pool.Job, reason pool.ReleaseReason) {
	rec := m.take(job.Key)
	if rec == nil {
		return
	}

	log.Debug().
		Str("messageId", job.Pointer.JobID).
		Str("reason", string(reason)).
		Msg("Pool released message, deferring")

	ctx, cancel := completionContext()
	defer cancel()
	m.deferMessage(ctx, rec.consumer, rec.msg)
}

func (m *Manager) deadLetter(ctx context.Context, rec *inFlight, result *model.DeliveryResult) {
	reason := fmt.Sprintf("permanent delivery failure (status %d)", result.StatusCode)
	if result.Err != nil {
		reason = fmt.Sprintf("%s: %v", reason, result.Err)
	}

	if dl, ok := rec.consumer.(queue.DeadLetterer); ok {
		err := dl.DeadLetter(ctx, rec.msg, reason)
		if err == nil {
			log.Warn().
				Str("messageId", rec.info.MessageID).
				Str("reason", reason).
				Msg("Dead-lettered message after permanent failure")
			return
		}
		if !errors.Is(err, queue.ErrDeadLetterUnsupported) {
			logQueueError(err, "dead_letter", rec.msg)
			return
		}
	}

	if err := rec.consumer.Nack(ctx, rec.msg, m.cfg.VisibilityTimeout); err != nil {
		logQueueError(err, "nack", rec.msg)
	}
}

func (m *Manager) ack(ctx context.Context, consumer queue.Consumer, msg *queue.Message) {
	if err := consumer.Ack(ctx, msg); err != nil {
		logQueueError(err, "ack", msg)
	}
}

func (m *Manager) deferMessage(ctx context.Context, consumer queue.Consumer, msg *queue.Message) {
	if err := consumer.Defer(ctx, msg, m.cfg.DeferDelay); err != nil {
		logQueueError(err, "defer", msg)
	}
}

func logQueueError(err error, operation string, msg *queue.Message) {
	event := log.Error()
	if errors.Is(err, queue.ErrReceiptHandleExpired) {
		event = log.Warn()
	}
	event.
		Err(err).
		Str("operation", operation).
		Str("brokerMessageId", msg.ID).
		Str("queue", msg.QueueIdentifier).
		Msg("Queue operation failed")
}

// poolFor returns the pool for code, creating it from known config or defaults
func (m *Manager) poolFor(code string) *pool.Pool {
	m.poolsMu.RLock()
	p, ok := m.pools[code]
	m.poolsMu.RUnlock()
	if ok {
		return p
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, ok := m.pools[code]; ok {
		return p
	}

	cfg, known := m.configs[code]
	if !known {
		cfg = m.cfg.DefaultPool
		cfg.Code = code
	}
	p = m.newPool(cfg)
	m.pools[code] = p
	return p
}

func (m *Manager) newPool(cfg model.PoolConfig) *pool.Pool {
	p := pool.New(cfg, m.deliverer, m, pool.Options{
		Gate:          m.gate,
		Retry:         m.cfg.Retry,
		MaxGroupQueue: m.cfg.MaxGroupQueue,
	})
	if cfg.IsArchived() {
		p.Archive()
	}
	return p
}

// ApplyPoolConfigs reconciles pools with configs. Existing pools are updated in
// place, new ones created, and pools absent from configs archived so they drain.
func (m *Manager) ApplyPoolConfigs(configs []model.PoolConfig) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	seen := make(map[string]model.PoolConfig, len(configs))
	created, updated, archived := 0, 0, 0

	for _, cfg := range configs {
		if cfg.Code == "" {
			continue
		}
		if cfg.Status == "" {
			cfg.Status = model.PoolStatusActive
		}
		seen[cfg.Code] = cfg

		if p, ok := m.pools[cfg.Code]; ok {
			p.UpdateConfig(model.UpdateFromConfig(cfg))
			updated++
			continue
		}
		if cfg.IsArchived() {
			continue
		}
		m.pools[cfg.Code] = m.newPool(cfg)
		created++
	}

	for code, p := range m.pools {
		if _, ok := seen[code]; ok || code == model.DefaultPoolCode || p.IsArchived() {
			continue
		}
		p.Archive()
		archived++
	}

	m.configs = seen

	log.Info().
		Int("configs", len(configs)).
		Int("created", created).
		Int("updated", updated).
		Int("archived", archived).
		Msg("Applied pool configuration")
}

// ExtendVisibility extends every in-flight message whose deadline falls within
// the threshold. It returns the number extended.
func (m *Manager) ExtendVisibility(ctx context.Context) (int, error) {
	now := m.now()
	horizon := now.Add(m.cfg.ExtendThreshold)

	type candidate struct {
		key      string
		msg      *queue.Message
		consumer queue.Consumer
	}

	m.mu.Lock()
	var due []candidate
	for key, rec := range m.inFlight {
		if !rec.info.VisibilityDeadline.After(horizon) {
			due = append(due, candidate{key: key, msg: rec.msg, consumer: rec.consumer})
		}
	}
	m.mu.Unlock()

	seconds := int(m.cfg.VisibilityTimeout / time.Second)
	extended := 0
	var errs error

	for _, c := range due {
		if err := c.consumer.ExtendVisibility(ctx, c.msg, seconds); err != nil {
			if errors.Is(err, queue.ErrReceiptHandleExpired) {
				logQueueError(err, "extend", c.msg)
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("extend %s: %w", c.key, err))
			continue
		}

		m.mu.Lock()
		if rec, ok := m.inFlight[c.key]; ok && rec.msg == c.msg {
			rec.info.VisibilityDeadline = m.now().Add(m.cfg.VisibilityTimeout)
		}
		m.mu.Unlock()
		extended++
	}

	if extended > 0 {
		log.Debug().Int("count", extended).Msg("Extended visibility of in-flight messages")
	}
	return extended, errs
}

// ReapStale drops in-flight records whose visibility deadline passed and
// removes archived pools that have drained. It returns the records dropped.
func (m *Manager) ReapStale(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	reaped := 0
	for key, rec := range m.inFlight {
		if now.After(rec.info.VisibilityDeadline) {
			log.Warn().
				Str("messageId", rec.info.MessageID).
				Str("poolCode", rec.info.PoolCode).
				Time("deadline", rec.info.VisibilityDeadline).
				Msg("Dropping stale in-flight record")
			m.removeLocked(key, rec)
			reaped++
		}
	}
	m.mu.Unlock()

	if reaped > 0 {
		metrics.ManagerReaped.Add(float64(reaped))
	}

	m.poolsMu.Lock()
	var drained []*pool.Pool
	for code, p := range m.pools {
		if p.IsArchived() && p.IsFullyDrained() {
			delete(m.pools, code)
			drained = append(drained, p)
		}
	}
	m.poolsMu.Unlock()

	for _, p := range drained {
		if err := p.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("poolCode", p.Code()).Msg("Archived pool shutdown incomplete")
		}
		log.Info().Str("poolCode", p.Code()).Msg("Removed drained archived pool")
	}
	return reaped
}

// Snapshot is a point-in-time view of the manager
type Snapshot struct {
	Pools    []model.PoolStats `json:"pools"`
	InFlight int               `json:"inFlight"`
}

// Snapshot returns pool stats ordered by code and the in-flight count
func (m *Manager) Snapshot() *Snapshot {
	m.poolsMu.RLock()
	stats := make([]model.PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	m.poolsMu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].PoolCode < stats[j].PoolCode })

	m.mu.Lock()
	count := len(m.inFlight)
	m.mu.Unlock()

	return &Snapshot{Pools: stats, InFlight: count}
}

// PoolStats returns stats for one pool
func (m *Manager) PoolStats(code string) (model.PoolStats, bool) {
	m.poolsMu.RLock()
	p, ok := m.pools[code]
	m.poolsMu.RUnlock()
	if !ok {
		return model.PoolStats{}, false
	}
	return p.Stats(), true
}

// InFlight lists in-flight messages, oldest first. A non-empty messageID
// filters on job or broker ID; limit <= 0 means no limit.
func (m *Manager) InFlight(limit int, messageID string) []model.InFlightMessageInfo {
	m.mu.Lock()
	out := make([]model.InFlightMessageInfo, 0, len(m.inFlight))
	for _, rec := range m.inFlight {
		if messageID != "" && rec.info.MessageID != messageID && rec.info.BrokerMessageID != messageID {
			continue
		}
		out = append(out, rec.info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// InFlightCount returns the number of tracked messages
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Shutdown stops every pool, waiting for in-flight deliveries up to the
// configured timeout per pool
func (m *Manager) Shutdown(ctx context.Context) error {
	m.poolsMu.RLock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
			defer cancel()
			if err := p.Shutdown(pctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	log.Info().Int("pools", len(pools)).Msg("Queue manager stopped")
	return errs
}
