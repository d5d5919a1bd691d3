// Package health tracks queue consumer connectivity and aggregates router health
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// WarningSink receives QUEUE_HEALTH warnings
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// ConsumerHealth is the last observed state of one consumer
type ConsumerHealth struct {
	Queue               string         `json:"queue"`
	Healthy             bool           `json:"healthy"`
	Metrics             *queue.Metrics `json:"metrics,omitempty"`
	Error               string         `json:"error,omitempty"`
	CheckedAt           time.Time      `json:"checkedAt"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// BrokerHealthService checks each registered consumer's connectivity and
// publishes queue gauges. Unhealthy consumers raise a warning on every check.
type BrokerHealthService struct {
	mu sync.RWMutex

	consumers []queue.Consumer
	results   map[string]*ConsumerHealth
	warnings  WarningSink
	lastCheck time.Time

	checkAttempts  atomic.Int64
	checkSuccesses atomic.Int64
	checkFailures  atomic.Int64
}

// NewBrokerHealthService creates a new broker health service
func NewBrokerHealthService(warnings WarningSink) *BrokerHealthService {
	return &BrokerHealthService{
		results:  make(map[string]*ConsumerHealth),
		warnings: warnings,
	}
}

// Register adds a consumer to the checked set
func (s *BrokerHealthService) Register(consumer queue.Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, consumer)
}

// CheckBrokerConnectivity checks every consumer and returns the issues found,
// empty if all are healthy.
func (s *BrokerHealthService) CheckBrokerConnectivity(ctx context.Context) []string {
	s.mu.RLock()
	consumers := append([]queue.Consumer(nil), s.consumers...)
	s.mu.RUnlock()

	var issues []string
	now := time.Now()

	for _, consumer := range consumers {
		s.checkAttempts.Add(1)
		result := s.checkConsumer(ctx, consumer, now)

		if result.Healthy {
			s.checkSuccesses.Add(1)
			continue
		}

		s.checkFailures.Add(1)
		issue := fmt.Sprintf("Queue [%s] is unhealthy", result.Queue)
		if result.Error != "" {
			issue = fmt.Sprintf("%s: %s", issue, result.Error)
		}
		issues = append(issues, issue)

		log.Warn().
			Str("queue", result.Queue).
			Int("consecutiveFailures", result.ConsecutiveFailures).
			Str("error", result.Error).
			Msg("Queue consumer unhealthy")
		if s.warnings != nil {
			s.warnings.AddWarning(warning.CategoryQueueHealth, warning.SeverityError, issue, "broker-health")
		}
	}

	s.mu.Lock()
	s.lastCheck = now
	s.mu.Unlock()

	return issues
}

func (s *BrokerHealthService) checkConsumer(ctx context.Context, consumer queue.Consumer, now time.Time) *ConsumerHealth {
	name := consumer.Identifier()
	result := &ConsumerHealth{Queue: name, Healthy: consumer.IsHealthy(), CheckedAt: now}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := consumer.Metrics(ctx)
	if err != nil {
		result.Healthy = false
		result.Error = err.Error()
	} else {
		result.Metrics = m
		metrics.QueuePending.WithLabelValues(name).Set(float64(m.Pending))
		metrics.QueueInFlight.WithLabelValues(name).Set(float64(m.InFlight))
	}

	if result.Healthy {
		metrics.QueueHealthy.WithLabelValues(name).Set(1)
	} else {
		metrics.QueueHealthy.WithLabelValues(name).Set(0)
	}

	s.mu.Lock()
	if prev, ok := s.results[name]; ok && !result.Healthy {
		result.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	} else if !result.Healthy {
		result.ConsecutiveFailures = 1
	}
	s.results[name] = result
	s.mu.Unlock()

	return result
}

// IsAvailable reports whether every consumer is currently healthy
func (s *BrokerHealthService) IsAvailable() bool {
	return s.UnhealthyCount() == 0
}

// UnhealthyCount returns the number of consumers reporting unhealthy right now
func (s *BrokerHealthService) UnhealthyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, c := range s.consumers {
		if !c.IsHealthy() {
			count++
		}
	}
	return count
}

// ConsumerCount returns the number of registered consumers
func (s *BrokerHealthService) ConsumerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consumers)
}

// Results returns the last check result per consumer, ordered by queue name
func (s *BrokerHealthService) Results() []*ConsumerHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ConsumerHealth, 0, len(s.results))
	for _, r := range s.results {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// GetMetrics returns check counters
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return s.checkAttempts.Load(), s.checkSuccesses.Load(), s.checkFailures.Load()
}

// LastCheck returns the time of the last connectivity check
func (s *BrokerHealthService) LastCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}
