package health

import (
	"fmt"
	"time"

	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// Status is the aggregated router status
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusDown     Status = "DOWN"
)

// BreakerCounter reports open circuit breakers
type BreakerCounter interface {
	OpenCount() int
}

// WarningLister reports outstanding warnings
type WarningLister interface {
	GetUnacknowledgedWarnings() []*warning.Warning
}

// Report is the body of /monitoring/health
type Report struct {
	Status              Status    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	Ready               bool      `json:"ready"`
	Processing          bool      `json:"processing"`
	OpenCircuitBreakers int       `json:"openCircuitBreakers"`
	UnhealthyQueues     int       `json:"unhealthyQueues"`
	ActiveWarnings      int       `json:"activeWarnings"`
	Issues              []string  `json:"issues"`
}

// StatusService aggregates readiness, breakers, consumers and warnings
type StatusService struct {
	ready      func() bool
	processing func() bool
	breakers   BreakerCounter
	brokers    *BrokerHealthService
	warnings   WarningLister
}

// NewStatusService creates the aggregator. Any dependency may be nil.
func NewStatusService(ready, processing func() bool, breakers BreakerCounter, brokers *BrokerHealthService, warnings WarningLister) *StatusService {
	return &StatusService{
		ready:      ready,
		processing: processing,
		breakers:   breakers,
		brokers:    brokers,
		warnings:   warnings,
	}
}

// Report computes the current status. DOWN when not ready; DEGRADED when a
// breaker is open or a consumer is unhealthy.
func (s *StatusService) Report() *Report {
	r := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Ready:     true,
		Issues:    []string{},
	}

	if s.ready != nil {
		r.Ready = s.ready()
	}
	if s.processing != nil {
		r.Processing = s.processing()
	}
	if s.breakers != nil {
		r.OpenCircuitBreakers = s.breakers.OpenCount()
	}
	if s.brokers != nil {
		r.UnhealthyQueues = s.brokers.UnhealthyCount()
	}
	if s.warnings != nil {
		r.ActiveWarnings = len(s.warnings.GetUnacknowledgedWarnings())
	}

	if r.OpenCircuitBreakers > 0 {
		r.Status = StatusDegraded
		r.Issues = append(r.Issues, fmt.Sprintf("%d circuit breaker(s) open", r.OpenCircuitBreakers))
	}
	if r.UnhealthyQueues > 0 {
		r.Status = StatusDegraded
		r.Issues = append(r.Issues, fmt.Sprintf("%d queue consumer(s) unhealthy", r.UnhealthyQueues))
	}
	if !r.Ready {
		r.Status = StatusDown
		r.Issues = append(r.Issues, "router not ready")
	}
	return r
}
