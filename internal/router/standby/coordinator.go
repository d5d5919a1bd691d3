// Package standby decides whether this router instance may dispatch.
//
// Multiple instances compete for one lease. The holder is the leader and
// processes messages; the rest stand by and take over when the lease is
// released or expires. Leadership is only trusted while the lease is
// unexpired by the local clock, so a leader that cannot renew stops
// dispatching before another instance can acquire.
package standby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/leader"
	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// State is the coordinator's leadership state
type State string

const (
	StateUnattempted State = "UNATTEMPTED"
	StateAcquiring   State = "ACQUIRING"
	StateLeader      State = "LEADER"
	StateStandby     State = "STANDBY"
	StateLost        State = "LOST"
)

// Config holds leadership settings
type Config struct {
	Enabled         bool
	InstanceID      string
	Key             string
	TTL             time.Duration
	RefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = leader.DefaultInstanceID()
	}
	if c.Key == "" {
		c.Key = leader.DefaultKey
	}
	if c.TTL <= 0 {
		c.TTL = leader.DefaultTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = leader.DefaultRefreshInterval
	}
}

// Callbacks run on leadership transitions, outside any coordinator lock
type Callbacks struct {
	OnBecomeLeader   func()
	OnLoseLeadership func()
}

// WarningSink receives LEADERSHIP warnings
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// Role is the coarse leadership role
type Role string

const (
	RoleLeader  Role = "LEADER"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

// LeadershipStatus is the monitoring view of leadership
type LeadershipStatus struct {
	Enabled           bool       `json:"enabled"`
	InstanceID        string     `json:"instanceId"`
	Role              Role       `json:"role"`
	State             State      `json:"state"`
	ShouldProcess     bool       `json:"shouldProcess"`
	LockHolder        string     `json:"lockHolder,omitempty"`
	LeaseExpiresAt    *time.Time `json:"leaseExpiresAt,omitempty"`
	LastRenewal       *time.Time `json:"lastRenewal,omitempty"`
	ProviderAvailable bool       `json:"providerAvailable"`
	LastError         string     `json:"lastError,omitempty"`
}

// lease is the atomically published view read by ShouldProcess
type lease struct {
	leader    bool
	expiresAt time.Time
}

// Coordinator runs the acquire/renew loop against a leader.LockProvider
type Coordinator struct {
	cfg       Config
	provider  leader.LockProvider
	warnings  WarningSink
	callbacks Callbacks
	now       func() time.Time

	current atomic.Pointer[lease]

	mu          sync.Mutex
	state       State
	holder      string
	lastRenewal time.Time
	available   bool
	lastError   string
	leaderCh    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator. provider may be nil when cfg.Enabled is false.
func New(cfg Config, provider leader.LockProvider, warnings WarningSink, callbacks Callbacks) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:       cfg,
		provider:  provider,
		warnings:  warnings,
		callbacks: callbacks,
		now:       time.Now,
		state:     StateUnattempted,
		available: true,
		leaderCh:  make(chan struct{}),
	}
	c.current.Store(&lease{})
	return c
}

// WithClock replaces the time source
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// InstanceID identifies this instance in the lease
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// Start makes the first attempt synchronously, then renews in the background.
// With leadership disabled the instance becomes leader permanently.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		log.Info().Msg("Leader election disabled - running as standalone leader")
		c.becomeLeader(time.Time{})
		return nil
	}
	if c.provider == nil {
		return errors.New("leader election enabled without a lock provider")
	}

	log.Info().
		Str("instanceId", c.cfg.InstanceID).
		Str("key", c.cfg.Key).
		Dur("ttl", c.cfg.TTL).
		Dur("refreshInterval", c.cfg.RefreshInterval).
		Msg("Starting leader election")

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.tick(ctx)
	go c.loop(ctx)
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one acquire or renew round
func (c *Coordinator) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := c.now()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateLeader {
		err := c.provider.Refresh(ctx, c.cfg.Key, c.cfg.InstanceID, c.cfg.TTL)
		switch {
		case err == nil:
			metrics.LeaseOperations.WithLabelValues("refresh", "success").Inc()
			c.renewed(start)
			return

		case errors.Is(err, leader.ErrNotHeld):
			metrics.LeaseOperations.WithLabelValues("refresh", "lost").Inc()
			c.loseLeadership("lease held by another instance")

		default:
			metrics.LeaseOperations.WithLabelValues("refresh", "error").Inc()
			c.recordError(fmt.Sprintf("lease refresh failed: %v", err))
			// Stop admitting work at once; the next tick re-acquires if the lease is still ours
			c.loseLeadership("lease renewal failed")
			return
		}
	}

	c.setState(StateAcquiring)

	acquired, err := c.provider.TryAcquire(ctx, c.cfg.Key, c.cfg.InstanceID, c.cfg.TTL)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("acquire", "error").Inc()
		c.recordError(fmt.Sprintf("lease acquisition failed: %v", err))
		c.setState(StateStandby)
		return
	}

	if acquired {
		metrics.LeaseOperations.WithLabelValues("acquire", "success").Inc()
		c.becomeLeader(start.Add(c.cfg.TTL))
		return
	}

	metrics.LeaseOperations.WithLabelValues("acquire", "held").Inc()
	holder, err := c.provider.GetHolder(ctx, c.cfg.Key)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read current lease holder")
	}

	c.mu.Lock()
	c.available = true
	c.lastError = ""
	if err == nil {
		c.holder = holder
	}
	c.mu.Unlock()
	c.setState(StateStandby)
}

func (c *Coordinator) renewed(start time.Time) {
	c.current.Store(&lease{leader: true, expiresAt: start.Add(c.cfg.TTL)})

	c.mu.Lock()
	c.lastRenewal = start
	c.available = true
	c.lastError = ""
	c.mu.Unlock()
}

// becomeLeader publishes leadership. A zero expiry means the lease never expires.
func (c *Coordinator) becomeLeader(expiresAt time.Time) {
	l := &lease{leader: true, expiresAt: expiresAt}
	if expiresAt.IsZero() {
		l.expiresAt = time.Unix(1<<62, 0)
	}
	c.current.Store(l)

	c.mu.Lock()
	wasLeader := c.state == StateLeader
	c.state = StateLeader
	c.holder = c.cfg.InstanceID
	c.lastRenewal = c.now()
	c.available = true
	c.lastError = ""
	if !wasLeader {
		close(c.leaderCh)
	}
	c.mu.Unlock()

	if wasLeader {
		return
	}

	metrics.LeaderStatus.Set(1)
	log.Info().Str("instanceId", c.cfg.InstanceID).Msg("Acquired leadership")
	if c.callbacks.OnBecomeLeader != nil {
		c.callbacks.OnBecomeLeader()
	}
}

func (c *Coordinator) loseLeadership(reason string) {
	c.current.Store(&lease{})

	c.mu.Lock()
	wasLeader := c.state == StateLeader
	c.state = StateLost
	if wasLeader {
		c.leaderCh = make(chan struct{})
	}
	c.mu.Unlock()

	if !wasLeader {
		return
	}

	metrics.LeaderStatus.Set(0)
	log.Warn().Str("instanceId", c.cfg.InstanceID).Str("reason", reason).Msg("Lost leadership")
	if c.warnings != nil {
		c.warnings.AddWarning(warning.CategoryLeadership, warning.SeverityWarning,
			"Lost leadership: "+reason, "standby")
	}
	if c.callbacks.OnLoseLeadership != nil {
		c.callbacks.OnLoseLeadership()
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLeader {
		c.state = state
	}
}

func (c *Coordinator) recordError(msg string) {
	available := c.provider.IsAvailable(context.Background())

	c.mu.Lock()
	c.available = available
	c.lastError = msg
	c.mu.Unlock()

	log.Error().Str("instanceId", c.cfg.InstanceID).Bool("providerAvailable", available).Msg(msg)
	if c.warnings != nil {
		c.warnings.AddWarning(warning.CategoryLeadership, warning.SeverityError, msg, "standby")
	}
}

// ShouldProcess reports whether this instance may dispatch right now
func (c *Coordinator) ShouldProcess() bool {
	l := c.current.Load()
	return l.leader && c.now().Before(l.expiresAt)
}

// IsLeader reports the leadership state regardless of lease expiry
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLeader
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitForLeadership blocks until this instance is leader or ctx is done
func (c *Coordinator) WaitForLeadership(ctx context.Context) error {
	for {
		c.mu.Lock()
		isLeader := c.state == StateLeader
		ch := c.leaderCh
		c.mu.Unlock()

		if isLeader {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Status returns the monitoring view
func (c *Coordinator) Status() *LeadershipStatus {
	l := c.current.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &LeadershipStatus{
		Enabled:           c.cfg.Enabled,
		InstanceID:        c.cfg.InstanceID,
		Role:              roleOf(c.state),
		State:             c.state,
		ShouldProcess:     l.leader && c.now().Before(l.expiresAt),
		LockHolder:        c.holder,
		ProviderAvailable: c.available,
		LastError:         c.lastError,
	}
	if c.cfg.Enabled && l.leader {
		expires := l.expiresAt
		s.LeaseExpiresAt = &expires
	}
	if !c.lastRenewal.IsZero() {
		renewal := c.lastRenewal
		s.LastRenewal = &renewal
	}
	return s
}

func roleOf(state State) Role {
	switch state {
	case StateLeader:
		return RoleLeader
	case StateStandby, StateLost:
		return RoleStandby
	default:
		return RoleUnknown
	}
}

// IsEnabled reports whether leader election is active
func (c *Coordinator) IsEnabled() bool {
	return c.cfg.Enabled
}

// Stop ends the renew loop and releases the lease if held
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	if !c.cfg.Enabled || !c.IsLeader() {
		return nil
	}

	c.loseLeadership("shutting down")
	c.setState(StateStandby)

	if err := c.provider.Release(ctx, c.cfg.Key, c.cfg.InstanceID); err != nil {
		metrics.LeaseOperations.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("failed to release lease: %w", err)
	}
	metrics.LeaseOperations.WithLabelValues("release", "success").Inc()
	log.Info().Str("instanceId", c.cfg.InstanceID).Msg("Released leader lease")
	return nil
}
