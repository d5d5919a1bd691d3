package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/dispatchcore/internal/router/manager"
)

// Task names
const (
	TaskVisibility     = "visibility-extension"
	TaskReap           = "stale-reaper"
	TaskSnapshot       = "snapshot"
	TaskWarningCleanup = "warning-cleanup"
	TaskConsumerHealth = "consumer-health"
	TaskConfigSync     = "config-sync"
)

// Intervals configures the standard tasks. Zero disables a task.
type Intervals struct {
	Visibility     time.Duration
	Reap           time.Duration
	Snapshot       time.Duration
	WarningCleanup time.Duration
	WarningMaxAge  time.Duration
	ConsumerHealth time.Duration
	ConfigSync     time.Duration
}

// DefaultIntervals returns the production schedule
func DefaultIntervals() Intervals {
	return Intervals{
		Visibility:     55 * time.Second,
		Reap:           60 * time.Second,
		Snapshot:       60 * time.Second,
		WarningCleanup: 5 * time.Minute,
		WarningMaxAge:  8 * time.Hour,
		ConsumerHealth: 30 * time.Second,
		ConfigSync:     5 * time.Minute,
	}
}

// QueueManager is the subset of the manager the tasks drive
type QueueManager interface {
	ExtendVisibility(ctx context.Context) (int, error)
	ReapStale(ctx context.Context) int
	Snapshot() *manager.Snapshot
}

// BreakerSnapshotter reports breaker state
type BreakerSnapshotter interface {
	Snapshot() map[string]circuitbreaker.Stats
}

// WarningJanitor removes aged warnings
type WarningJanitor interface {
	ClearOldWarnings(maxAge time.Duration) int
}

// ConsumerChecker probes queue consumers
type ConsumerChecker interface {
	CheckBrokerConnectivity(ctx context.Context) []string
}

// ConfigSyncer refreshes pool configuration
type ConfigSyncer interface {
	Sync(ctx context.Context) error
}

// LeaderReporter reports leadership
type LeaderReporter interface {
	IsLeader() bool
}

// Dependencies are the components the standard tasks act on. Nil fields
// disable the tasks that need them.
type Dependencies struct {
	Manager  QueueManager
	Breakers BreakerSnapshotter
	Warnings WarningJanitor
	Brokers  ConsumerChecker
	Config   ConfigSyncer
	Leader   LeaderReporter
}

// RegisterStandardTasks adds the router's periodic tasks to s
func RegisterStandardTasks(s *Supervisor, deps Dependencies, iv Intervals) {
	if deps.Manager != nil {
		s.Add(Task{Name: TaskVisibility, Interval: iv.Visibility, Run: func(ctx context.Context) error {
			extended, err := deps.Manager.ExtendVisibility(ctx)
			if extended > 0 {
				log.Debug().Int("extended", extended).Msg("Extended visibility for long-running messages")
			}
			return err
		}})

		s.Add(Task{Name: TaskReap, Interval: iv.Reap, Run: func(ctx context.Context) error {
			if reaped := deps.Manager.ReapStale(ctx); reaped > 0 {
				log.Warn().Int("reaped", reaped).Msg("Reaped stale in-flight messages")
			}
			return nil
		}})

		s.Add(Task{Name: TaskSnapshot, Interval: iv.Snapshot, Run: func(ctx context.Context) error {
			PublishSnapshot(deps.Manager, deps.Breakers, deps.Leader)
			return nil
		}})
	}

	if deps.Warnings != nil {
		maxAge := iv.WarningMaxAge
		if maxAge <= 0 {
			maxAge = 8 * time.Hour
		}
		s.Add(Task{Name: TaskWarningCleanup, Interval: iv.WarningCleanup, Run: func(ctx context.Context) error {
			if removed := deps.Warnings.ClearOldWarnings(maxAge); removed > 0 {
				log.Info().Int("removed", removed).Msg("Cleared old warnings")
			}
			return nil
		}})
	}

	if deps.Brokers != nil {
		s.Add(Task{Name: TaskConsumerHealth, Interval: iv.ConsumerHealth, RunAtStart: true, Run: func(ctx context.Context) error {
			if issues := deps.Brokers.CheckBrokerConnectivity(ctx); len(issues) > 0 {
				log.Warn().Strs("issues", issues).Msg("Queue consumers unhealthy")
			}
			return nil
		}})
	}

	if deps.Config != nil {
		s.Add(Task{Name: TaskConfigSync, Interval: iv.ConfigSync, Run: deps.Config.Sync})
	}
}

// PublishSnapshot logs a summary and refreshes snapshot gauges
func PublishSnapshot(m QueueManager, breakers BreakerSnapshotter, leader LeaderReporter) {
	snap := m.Snapshot()
	metrics.ManagerInFlight.Set(float64(snap.InFlight))

	for _, p := range snap.Pools {
		metrics.PoolActiveWorkers.WithLabelValues(p.PoolCode).Set(float64(p.InFlight))
		metrics.PoolQueueDepth.WithLabelValues(p.PoolCode).Set(float64(p.QueuedInGroups))
		metrics.PoolMessageGroupCount.WithLabelValues(p.PoolCode).Set(float64(p.MessageGroups))
	}

	openBreakers := 0
	if breakers != nil {
		for name, st := range breakers.Snapshot() {
			value := metrics.CircuitBreakerClosed
			switch st.State {
			case circuitbreaker.StateOpen:
				value = metrics.CircuitBreakerOpen
				openBreakers++
			case circuitbreaker.StateHalfOpen:
				value = metrics.CircuitBreakerHalfOpen
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(value))
		}
	}

	isLeader := false
	if leader != nil {
		isLeader = leader.IsLeader()
		if isLeader {
			metrics.LeaderStatus.Set(1)
		} else {
			metrics.LeaderStatus.Set(0)
		}
	}

	log.Info().
		Int("pools", len(snap.Pools)).
		Int("inFlight", snap.InFlight).
		Int("openCircuitBreakers", openBreakers).
		Bool("leader", isLeader).
		Msg("Dispatch snapshot")
}
