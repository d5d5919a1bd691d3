// Package circuitbreaker tracks one circuit breaker per processing endpoint.
//
// Each endpoint gets its own sony/gobreaker TwoStepCircuitBreaker, so a failing
// endpoint never throttles unrelated ones. The registry only does bookkeeping:
// it performs no I/O and never blocks.
package circuitbreaker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
)

// State is the breaker state as reported to monitoring
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds breaker thresholds shared by every endpoint
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32

	// SuccessThreshold is the number of half-open trial successes that closes it
	SuccessThreshold uint32

	// Cooldown is how long the breaker stays open before allowing a trial
	Cooldown time.Duration

	// Window clears closed-state counts periodically. Zero keeps them until a success.
	Window time.Duration
}

// DefaultConfig returns default breaker thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         30 * time.Second,
		Window:           60 * time.Second,
	}
}

// StateChangeFunc is notified after an endpoint's breaker changes state
type StateChangeFunc func(endpoint string, from, to State)

// Stats is a snapshot of one endpoint's breaker
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  uint32     `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32     `json:"consecutiveSuccesses"`
	OpenedAt             *time.Time `json:"openedAt,omitempty"`
	SuccessfulCalls      uint64     `json:"successfulCalls"`
	FailedCalls          uint64     `json:"failedCalls"`
	RejectedCalls        uint64     `json:"rejectedCalls"`
	FailureRate          float64    `json:"failureRate"`
}

type entry struct {
	name     string
	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt atomic.Int64 // unix nanos, 0 when closed

	// mu orders the half-open check, the permit and the trial claim
	mu sync.Mutex
	// trial is held while a half-open trial request is outstanding
	trial atomic.Bool
	// trialFailed fails the outstanding trial when a failure is reported beside it
	trialFailed atomic.Bool

	successes atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64
}

// Registry holds per-endpoint breakers
type Registry struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*entry
	onChange StateChangeFunc
}

// NewRegistry creates a registry with the given thresholds
func NewRegistry(config Config) *Registry {
	def := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	return &Registry{
		config:   config,
		breakers: make(map[string]*entry),
	}
}

// OnStateChange registers a callback for state transitions.
// The callback runs outside the registry lock but inside the breaker's own
// evaluation, so it must not call back into the registry.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Config returns the registry thresholds
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) get(endpoint string) *entry {
	r.mu.RLock()
	e, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[endpoint]; ok {
		return e
	}
	e = r.newEntry(endpoint)
	r.breakers[endpoint] = e
	return e
}

func (r *Registry) newEntry(endpoint string) *entry {
	e := &entry{name: endpoint}
	threshold := r.config.FailureThreshold

	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: r.config.SuccessThreshold,
		Interval:    r.config.Window,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.handleStateChange(e, from, to)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(endpoint).Set(metrics.CircuitBreakerClosed)
	return e
}

func (r *Registry) handleStateChange(e *entry, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		e.openedAt.Store(time.Now().UnixNano())
		metrics.CircuitBreakerState.WithLabelValues(e.name).Set(metrics.CircuitBreakerOpen)
		metrics.CircuitBreakerTrips.WithLabelValues(e.name).Inc()
		log.Warn().
			Str("endpoint", e.name).
			Str("from", string(toState(from))).
			Msg("Circuit breaker opened")
	case gobreaker.StateHalfOpen:
		metrics.CircuitBreakerState.WithLabelValues(e.name).Set(metrics.CircuitBreakerHalfOpen)
		log.Info().Str("endpoint", e.name).Msg("Circuit breaker half-open, allowing trial requests")
	case gobreaker.StateClosed:
		e.openedAt.Store(0)
		metrics.CircuitBreakerState.WithLabelValues(e.name).Set(metrics.CircuitBreakerClosed)
		log.Info().Str("endpoint", e.name).Msg("Circuit breaker closed")
	}

	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(e.name, toState(from), toState(to))
	}
}

// Ticket is a permit for one request. Exactly one of RecordSuccess,
// RecordFailure or Release takes effect; later calls are ignored.
type Ticket struct {
	entry *entry
	done  func(success bool)
	trial bool
	once  sync.Once
}

// RecordSuccess reports a healthy outcome for the ticket's request
func (t *Ticket) RecordSuccess() {
	t.resolve(true)
}

// RecordFailure reports an endpoint failure for the ticket's request
func (t *Ticket) RecordFailure() {
	t.resolve(false)
}

// Release gives the ticket back without reporting an outcome. A released
// half-open trial reopens the breaker, because its slot in the trial budget
// is spent and the breaker could otherwise never collect enough successes.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if !t.trial {
			return
		}
		e := t.entry
		e.mu.Lock()
		defer e.mu.Unlock()
		t.done(false)
		e.trialFailed.Store(false)
		e.trial.Store(false)
	})
}

func (t *Ticket) resolve(success bool) {
	t.once.Do(func() {
		e := t.entry
		e.mu.Lock()
		defer e.mu.Unlock()
		if t.trial && e.trialFailed.Swap(false) {
			success = false
		}
		if success {
			e.successes.Add(1)
		} else {
			e.failures.Add(1)
		}
		t.done(success)
		if t.trial {
			e.trial.Store(false)
		}
	})
}

// Acquire asks the endpoint's breaker for permission to send one request.
// While half-open only one trial may be outstanding at a time.
func (r *Registry) Acquire(endpoint string) (*Ticket, bool) {
	e := r.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trial.Load() && e.cb.State() == gobreaker.StateHalfOpen {
		e.rejected.Add(1)
		metrics.CircuitBreakerRejections.WithLabelValues(endpoint).Inc()
		return nil, false
	}

	done, err := e.cb.Allow()
	if err != nil {
		e.rejected.Add(1)
		metrics.CircuitBreakerRejections.WithLabelValues(endpoint).Inc()
		return nil, false
	}

	// Allow moves an expired open breaker to half-open, so the state is read after it
	trial := false
	if e.cb.State() == gobreaker.StateHalfOpen {
		trial = true
		e.trial.Store(true)
		e.trialFailed.Store(false)
	}
	return &Ticket{entry: e, done: done, trial: trial}, true
}

// AllowRequest reports whether a request to endpoint would currently be let through.
// It does not reserve a trial slot; use Acquire when a request will actually be sent.
func (r *Registry) AllowRequest(endpoint string) bool {
	e := r.get(endpoint)
	switch e.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		if e.trial.Load() {
			return false
		}
		return e.cb.Counts().Requests < r.config.SuccessThreshold
	default:
		return true
	}
}

// RecordSuccess records a success for endpoint outside of a ticket
func (r *Registry) RecordSuccess(endpoint string) {
	if t, ok := r.Acquire(endpoint); ok {
		t.RecordSuccess()
	}
}

// RecordFailure records a failure for endpoint outside of a ticket.
// While a half-open trial is outstanding the failure fails that trial.
func (r *Registry) RecordFailure(endpoint string) {
	if t, ok := r.Acquire(endpoint); ok {
		t.RecordFailure()
		return
	}
	e := r.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trial.Load() {
		e.trialFailed.Store(true)
	}
}

// State returns the current state for endpoint, CLOSED if unknown
func (r *Registry) State(endpoint string) State {
	r.mu.RLock()
	e, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return toState(e.cb.State())
}

// Snapshot returns stats for every known endpoint
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.breakers))
	for _, e := range r.breakers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make(map[string]Stats, len(entries))
	for _, e := range entries {
		result[e.name] = e.stats()
	}
	return result
}

// Endpoints returns known endpoints in sorted order
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenCount returns how many endpoints are currently open
func (r *Registry) OpenCount() int {
	count := 0
	for _, s := range r.Snapshot() {
		if s.State == StateOpen {
			count++
		}
	}
	return count
}

// Reset forgets an endpoint's breaker, returning it to closed.
// Returns false if the endpoint is unknown.
func (r *Registry) Reset(endpoint string) bool {
	r.mu.Lock()
	_, ok := r.breakers[endpoint]
	if ok {
		r.breakers[endpoint] = r.newEntry(endpoint)
	}
	r.mu.Unlock()

	if ok {
		log.Info().Str("endpoint", endpoint).Msg("Circuit breaker reset")
	}
	return ok
}

// ResetAll returns every breaker to closed
func (r *Registry) ResetAll() {
	r.mu.Lock()
	for name := range r.breakers {
		r.breakers[name] = r.newEntry(name)
	}
	count := len(r.breakers)
	r.mu.Unlock()

	log.Info().Int("count", count).Msg("All circuit breakers reset")
}

func (e *entry) stats() Stats {
	state := e.cb.State()
	counts := e.cb.Counts()

	s := Stats{
		Name:                 e.name,
		State:                toState(state),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		SuccessfulCalls:      e.successes.Load(),
		FailedCalls:          e.failures.Load(),
		RejectedCalls:        e.rejected.Load(),
	}
	if total := s.SuccessfulCalls + s.FailedCalls; total > 0 {
		s.FailureRate = float64(s.FailedCalls) / float64(total)
	}
	if nanos := e.openedAt.Load(); nanos != 0 && state != gobreaker.StateClosed {
		t := time.Unix(0, nanos)
		s.OpenedAt = &t
	}
	return s
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
