// Package health serves liveness and readiness probes
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is the result of a single probe
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// Response is the body of the health endpoints
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc performs one probe
type CheckFunc func(ctx context.Context) Check

// Checker holds registered liveness and readiness probes
type Checker struct {
	mu        sync.RWMutex
	liveness  []CheckFunc
	readiness []CheckFunc
	timeout   time.Duration
}

// NewChecker creates a checker. Each probe run is bounded by timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout}
}

// AddLivenessCheck registers a liveness probe
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness = append(c.liveness, check)
}

// AddReadinessCheck registers a readiness probe
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readiness = append(c.readiness, check)
}

func (c *Checker) run(ctx context.Context, checks []CheckFunc) Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := Response{Status: StatusUp, Checks: make([]Check, 0, len(checks))}
	for _, fn := range checks {
		check := fn(ctx)
		resp.Checks = append(resp.Checks, check)
		if check.Status == StatusDown {
			resp.Status = StatusDown
		}
	}
	return resp
}

// Liveness runs the liveness probes
func (c *Checker) Liveness(ctx context.Context) Response {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.liveness...)
	c.mu.RUnlock()
	return c.run(ctx, checks)
}

// Readiness runs the readiness probes
func (c *Checker) Readiness(ctx context.Context) Response {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.readiness...)
	c.mu.RUnlock()
	return c.run(ctx, checks)
}

// Health runs every probe
func (c *Checker) Health(ctx context.Context) Response {
	c.mu.RLock()
	checks := make([]CheckFunc, 0, len(c.liveness)+len(c.readiness))
	checks = append(checks, c.liveness...)
	checks = append(checks, c.readiness...)
	c.mu.RUnlock()
	return c.run(ctx, checks)
}

// HandleHealth serves /q/health
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Health(r.Context()))
}

// HandleLive serves /q/health/live
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Liveness(r.Context()))
}

// HandleReady serves /q/health/ready
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Readiness(r.Context()))
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// PingCheck reports DOWN when ping returns an error
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Name: name, Status: StatusDown, Data: map[string]any{"error": err.Error()}}
		}
		return Check{Name: name, Status: StatusUp}
	}
}

// FlagCheck reports DOWN when ok returns false
func FlagCheck(name string, ok func() bool) CheckFunc {
	return func(ctx context.Context) Check {
		if !ok() {
			return Check{Name: name, Status: StatusDown}
		}
		return Check{Name: name, Status: StatusUp}
	}
}
