// Package pool provides the dispatch pool: bounded, rate-limited delivery with
// per-message-group FIFO ordering.
//
// A pool never blocks the caller. Submit answers immediately with Accepted,
// Deferred or Rejected. Accepted jobs either start a delivery goroutine right
// away or wait behind the in-flight job of their message group; a queued job
// inherits its predecessor's concurrency slot, so a group never holds more
// than one slot and order within the group is preserved.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

const (
	// DefaultGroup keys batch tracking for messages without a message group
	DefaultGroup = "__DEFAULT__"

	// DefaultMaxGroupQueue bounds how many jobs may wait behind one group
	DefaultMaxGroupQueue = 1000
)

// Job is one message submitted to a pool
type Job struct {
	Pointer *model.DispatchPointer

	// Key identifies the job to the ResultHandler, usually the broker message ID
	Key string

	// Attempt is the 1-based delivery attempt, taken from the broker receive count
	Attempt int
}

func (j *Job) group() string {
	return j.Pointer.MessageGroup
}

func (j *Job) batchGroupKey() string {
	if j.Pointer.BatchID == "" {
		return ""
	}
	group := j.Pointer.MessageGroup
	if group == "" {
		group = DefaultGroup
	}
	return j.Pointer.BatchID + "|" + group
}

// ReleaseReason explains why an accepted job was handed back undelivered
type ReleaseReason string

const (
	// ReleaseNotLeader means leadership was lost before the queued job dispatched
	ReleaseNotLeader ReleaseReason = "NOT_LEADER"

	// ReleaseBatchBarrier means an earlier member of the same batch and group failed
	ReleaseBatchBarrier ReleaseReason = "BATCH_BARRIER"

	// ReleaseShutdown means the pool stopped before the job dispatched
	ReleaseShutdown ReleaseReason = "SHUTDOWN"
)

// Deliverer performs one delivery attempt
type Deliverer interface {
	Deliver(ctx context.Context, p *model.DispatchPointer) *model.DeliveryResult
}

// LeadershipGate reports whether this instance may dispatch
type LeadershipGate interface {
	ShouldProcess() bool
}

// ResultHandler receives the fate of every accepted job exactly once
type ResultHandler interface {
	// OnDelivered is called after a delivery attempt. retryDelay is set for failures.
	OnDelivered(job *Job, result *model.DeliveryResult, retryDelay time.Duration)

	// OnReleased is called for accepted jobs that will not be delivered by this pool
	OnReleased(job *Job, reason ReleaseReason)
}

// Options configures a pool beyond its PoolConfig
type Options struct {
	Gate          LeadershipGate
	Retry         RetryPolicy
	MaxGroupQueue int
}

type groupQueue struct {
	jobs []*Job
}

// Pool dispatches jobs for one dispatch pool code
type Pool struct {
	code      string
	deliverer Deliverer
	handler   ResultHandler
	gate      LeadershipGate
	retry     RetryPolicy
	maxQueue  int

	mu          sync.Mutex
	status      model.PoolStatus
	draining    bool
	concurrency *int
	rateLimit   *int
	limiter     *rate.Limiter
	inFlight    int
	queued      int

	// a group is busy while present in the map
	groups map[string]*groupQueue

	failedBatchGroups map[string]struct{}
	batchGroupCounts  map[string]int

	submitted    int64
	accepted     int64
	deferred     int64
	rejected     int64
	delivered    int64
	failed       int64
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool from cfg
func New(cfg model.PoolConfig, deliverer Deliverer, handler ResultHandler, opts Options) *Pool {
	if opts.MaxGroupQueue <= 0 {
		opts.MaxGroupQueue = DefaultMaxGroupQueue
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	status := cfg.Status
	if status == "" {
		status = model.PoolStatusActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		code:              cfg.Code,
		deliverer:         deliverer,
		handler:           handler,
		gate:              opts.Gate,
		retry:             opts.Retry,
		maxQueue:          opts.MaxGroupQueue,
		status:            status,
		concurrency:       copyInt(cfg.Concurrency),
		groups:            make(map[string]*groupQueue),
		failedBatchGroups: make(map[string]struct{}),
		batchGroupCounts:  make(map[string]int),
		ctx:               ctx,
		cancel:            cancel,
	}
	p.setRateLimitLocked(cfg.RateLimitPerMinute)
	p.publishGaugesLocked()

	log.Info().
		Str("poolCode", p.code).
		Interface("concurrency", cfg.Concurrency).
		Interface("rateLimitPerMinute", cfg.RateLimitPerMinute).
		Msg("Created dispatch pool")

	return p
}

// Code returns the pool code
func (p *Pool) Code() string {
	return p.code
}

// Submit offers a job to the pool. It never blocks.
func (p *Pool) Submit(job *Job) model.AdmissionResult {
	p.mu.Lock()
	p.submitted++
	p.lastActivity = time.Now()
	metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultSubmitted).Inc()

	if p.status == model.PoolStatusArchived || p.draining || p.ctx.Err() != nil {
		p.rejected++
		p.mu.Unlock()
		metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultRejected).Inc()
		return model.Rejected
	}

	if key := job.batchGroupKey(); key != "" {
		if _, failed := p.failedBatchGroups[key]; failed {
			return p.deferLocked(job, "batch+group has a failed member")
		}
	}

	group := job.group()
	if group != "" {
		if q, busy := p.groups[group]; busy {
			if len(q.jobs) >= p.maxQueue {
				return p.deferLocked(job, "message group queue full")
			}
			q.jobs = append(q.jobs, job)
			p.queued++
			p.acceptLocked(job)
			p.mu.Unlock()

			log.Debug().
				Str("poolCode", p.code).
				Str("messageId", job.Pointer.JobID).
				Str("messageGroup", group).
				Msg("Queued behind in-flight message of the same group")
			return model.Accepted
		}
	}

	if p.concurrency != nil && p.inFlight >= *p.concurrency {
		return p.deferLocked(job, "pool at concurrency limit")
	}

	if p.limiter != nil && !p.limiter.Allow() {
		metrics.PoolRateLimitDeferrals.WithLabelValues(p.code).Inc()
		return p.deferLocked(job, "pool rate limited")
	}

	p.inFlight++
	if group != "" {
		p.groups[group] = &groupQueue{}
	}
	p.acceptLocked(job)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.worker(job)
	return model.Accepted
}

func (p *Pool) acceptLocked(job *Job) {
	p.accepted++
	if key := job.batchGroupKey(); key != "" {
		p.batchGroupCounts[key]++
	}
	metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultAccepted).Inc()
	p.publishGaugesLocked()
}

// deferLocked records a deferral and unlocks
func (p *Pool) deferLocked(job *Job, reason string) model.AdmissionResult {
	p.deferred++
	p.mu.Unlock()

	metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultDeferred).Inc()
	log.Debug().
		Str("poolCode", p.code).
		Str("messageId", job.Pointer.JobID).
		Str("reason", reason).
		Msg("Deferred message")
	return model.Deferred
}

// worker delivers job and then every job that queued behind it in the same group
func (p *Pool) worker(job *Job) {
	defer p.wg.Done()

	for job != nil {
		result := p.deliver(job)
		next := p.complete(job, result)
		job = p.admitNext(next)
	}
}

func (p *Pool) deliver(job *Job) (result *model.DeliveryResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("poolCode", p.code).
				Str("messageId", job.Pointer.JobID).
				Interface("panic", r).
				Msg("Panic during delivery")
			result = &model.DeliveryResult{
				Outcome: model.OutcomeRetryableFailure,
				Err:     fmt.Errorf("panic during delivery: %v", r),
			}
		}
		metrics.PoolDeliveryDuration.WithLabelValues(p.code).Observe(time.Since(start).Seconds())
	}()

	result = p.deliverer.Deliver(p.ctx, job.Pointer)
	if result == nil {
		result = &model.DeliveryResult{
			Outcome: model.OutcomeRetryableFailure,
			Err:     fmt.Errorf("deliverer returned no result"),
		}
	}
	return result
}

// complete records the result, applies the batch barrier and hands the slot on.
// It returns the next queued job of the group, if any.
func (p *Pool) complete(job *Job, result *model.DeliveryResult) *Job {
	success := result.Outcome == model.OutcomeSuccess
	var delay time.Duration
	if !success && result.Outcome != model.OutcomePermanentFailure {
		delay = p.retry.Delay(job.Attempt, result)
	}

	var barrier []*Job

	p.mu.Lock()
	p.lastActivity = time.Now()
	if success {
		p.delivered++
	} else {
		p.failed++
	}

	key := job.batchGroupKey()
	if !success && key != "" {
		p.failedBatchGroups[key] = struct{}{}
		barrier = p.removeQueuedLocked(job.group(), key)
	}
	p.untrackBatchLocked(key)
	for _, b := range barrier {
		p.untrackBatchLocked(b.batchGroupKey())
	}
	next := p.handOffLocked(job.group())
	p.publishGaugesLocked()
	p.mu.Unlock()

	if success {
		metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultDelivered).Inc()
	} else {
		metrics.PoolMessages.WithLabelValues(p.code, metrics.ResultFailed).Inc()
		log.Warn().
			Str("poolCode", p.code).
			Str("messageId", job.Pointer.JobID).
			Str("outcome", string(result.Outcome)).
			Int("statusCode", result.StatusCode).
			Dur("retryDelay", delay).
			Err(result.Err).
			Msg("Delivery failed")
	}

	p.handler.OnDelivered(job, result, delay)

	if len(barrier) > 0 {
		log.Warn().
			Str("poolCode", p.code).
			Str("batchGroup", key).
			Int("released", len(barrier)).
			Msg("Batch+group failed, releasing queued members to preserve order")
		for _, b := range barrier {
			p.handler.OnReleased(b, ReleaseBatchBarrier)
		}
	}

	return next
}

// admitNext runs the dispatch checks for a job inheriting a slot.
// Jobs that may not dispatch are released and the following one is tried.
func (p *Pool) admitNext(next *Job) *Job {
	for next != nil {
		reason := p.dispatchBlocker()
		if reason == "" {
			return next
		}

		log.Debug().
			Str("poolCode", p.code).
			Str("messageId", next.Pointer.JobID).
			Str("reason", string(reason)).
			Msg("Releasing queued message")

		p.mu.Lock()
		p.untrackBatchLocked(next.batchGroupKey())
		following := p.handOffLocked(next.group())
		p.publishGaugesLocked()
		p.mu.Unlock()

		p.handler.OnReleased(next, reason)
		next = following
	}
	return nil
}

// dispatchBlocker returns why a queued job may not dispatch now, or "" to proceed.
// It waits for a rate limiter token.
func (p *Pool) dispatchBlocker() ReleaseReason {
	if p.ctx.Err() != nil {
		return ReleaseShutdown
	}
	if p.gate != nil && !p.gate.ShouldProcess() {
		return ReleaseNotLeader
	}

	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(p.ctx); err != nil {
			return ReleaseShutdown
		}
		// leadership may have changed while waiting
		if p.gate != nil && !p.gate.ShouldProcess() {
			return ReleaseNotLeader
		}
	}
	return ""
}

// handOffLocked passes the finishing job's slot to the next job of its group,
// or frees the slot when the group is idle.
func (p *Pool) handOffLocked(group string) *Job {
	if group != "" {
		if q, ok := p.groups[group]; ok {
			if len(q.jobs) > 0 {
				next := q.jobs[0]
				q.jobs[0] = nil
				q.jobs = q.jobs[1:]
				p.queued--
				return next
			}
			delete(p.groups, group)
		}
	}
	p.inFlight--
	return nil
}

// removeQueuedLocked removes queued jobs of group belonging to batch+group key
func (p *Pool) removeQueuedLocked(group, key string) []*Job {
	q, ok := p.groups[group]
	if !ok || group == "" {
		return nil
	}
	var removed []*Job
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.batchGroupKey() == key {
			removed = append(removed, j)
		} else {
			kept = append(kept, j)
		}
	}
	for i := len(kept); i < len(q.jobs); i++ {
		q.jobs[i] = nil
	}
	q.jobs = kept
	p.queued -= len(removed)
	return removed
}

func (p *Pool) untrackBatchLocked(key string) {
	if key == "" {
		return
	}
	p.batchGroupCounts[key]--
	if p.batchGroupCounts[key] <= 0 {
		delete(p.batchGroupCounts, key)
		delete(p.failedBatchGroups, key)
	}
}

// UpdateConfig applies a hot configuration change. In-flight work is untouched;
// a lowered concurrency takes effect as slots free up.
func (p *Pool) UpdateConfig(update model.PoolConfigUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if update.ClearConcurrency {
		p.concurrency = nil
	} else if update.Concurrency != nil {
		p.concurrency = copyInt(update.Concurrency)
	}

	if update.ClearRateLimit {
		p.setRateLimitLocked(nil)
	} else if update.RateLimitPerMinute != nil {
		p.setRateLimitLocked(update.RateLimitPerMinute)
	}

	if update.Status != nil && *update.Status != p.status {
		p.status = *update.Status
		if p.status == model.PoolStatusActive {
			p.draining = false
		}
	}
	p.publishGaugesLocked()

	log.Info().
		Str("poolCode", p.code).
		Interface("concurrency", p.concurrency).
		Interface("rateLimitPerMinute", p.rateLimit).
		Str("status", string(p.status)).
		Msg("Updated dispatch pool config")
}

func (p *Pool) setRateLimitLocked(perMinute *int) {
	if perMinute == nil || *perMinute <= 0 {
		p.limiter = nil
		p.rateLimit = nil
		return
	}

	limit := rate.Limit(float64(*perMinute) / 60.0)
	if p.limiter != nil {
		// keep accumulated tokens across updates
		p.limiter.SetLimit(limit)
		p.limiter.SetBurst(*perMinute)
	} else {
		p.limiter = rate.NewLimiter(limit, *perMinute)
	}
	p.rateLimit = copyInt(perMinute)
}

// Archive stops admission permanently. In-flight and queued work completes.
func (p *Pool) Archive() {
	p.mu.Lock()
	p.status = model.PoolStatusArchived
	p.mu.Unlock()
	log.Info().Str("poolCode", p.code).Msg("Archived dispatch pool")
}

// Drain stops admission while letting accepted work finish
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	queued := p.queued
	p.mu.Unlock()
	log.Info().Str("poolCode", p.code).Int("queued", queued).Msg("Draining dispatch pool")
}

// IsArchived reports whether the pool is archived
func (p *Pool) IsArchived() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == model.PoolStatusArchived
}

// IsFullyDrained reports whether no job is in flight or queued
func (p *Pool) IsFullyDrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight == 0 && p.queued == 0
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := model.PoolStats{
		PoolCode:           p.code,
		Status:             p.status,
		Concurrency:        copyInt(p.concurrency),
		RateLimitPerMinute: copyInt(p.rateLimit),
		InFlight:           p.inFlight,
		QueuedInGroups:     p.queued,
		MessageGroups:      len(p.groups),
		Submitted:          p.submitted,
		Accepted:           p.accepted,
		Deferred:           p.deferred,
		Rejected:           p.rejected,
		Delivered:          p.delivered,
		Failed:             p.failed,
	}
	if !p.lastActivity.IsZero() {
		t := p.lastActivity
		s.LastActivity = &t
	}
	return s
}

// Shutdown stops admission and waits for in-flight deliveries until ctx ends.
// Deliveries still running then are cancelled and queued jobs are released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Drain()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info().Str("poolCode", p.code).Msg("Dispatch pool shut down")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		log.Warn().Str("poolCode", p.code).Msg("Dispatch pool shutdown timed out, cancelled in-flight deliveries")
		return fmt.Errorf("pool %s shutdown: %w", p.code, ctx.Err())
	}
}

func (p *Pool) publishGaugesLocked() {
	metrics.PoolActiveWorkers.WithLabelValues(p.code).Set(float64(p.inFlight))
	metrics.PoolQueueDepth.WithLabelValues(p.code).Set(float64(p.queued))
	metrics.PoolMessageGroupCount.WithLabelValues(p.code).Set(float64(len(p.groups)))
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
