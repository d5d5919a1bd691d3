// Package traffic registers and deregisters this instance with whatever routes
// traffic to it when leadership changes.
package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy performs registration against one kind of traffic target
type Strategy interface {
	RegisterAsActive() error
	DeregisterFromActive() error
	IsRegistered() bool
	GetStatus() *TrafficStatus
}

// TrafficStatus is the monitoring view of a strategy
type TrafficStatus struct {
	StrategyType  string `json:"strategyType"`
	Registered    bool   `json:"registered"`
	TargetInfo    string `json:"targetInfo"`
	LastOperation string `json:"lastOperation"`
	LastError     string `json:"lastError,omitempty"`
}

// HTTPCallbackStrategy POSTs registration changes to an external endpoint,
// typically a sidecar or deployment controller that edits load balancer membership.
type HTTPCallbackStrategy struct {
	url        string
	instanceID string
	client     *http.Client

	mu            sync.RWMutex
	registered    bool
	lastOperation string
	lastError     string
}

// NewHTTPCallbackStrategy creates a strategy posting to url
func NewHTTPCallbackStrategy(url, instanceID string, timeout time.Duration) *HTTPCallbackStrategy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCallbackStrategy{
		url:           url,
		instanceID:    instanceID,
		client:        &http.Client{Timeout: timeout},
		lastOperation: "none",
	}
}

type callbackRequest struct {
	InstanceID string    `json:"instanceId"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *HTTPCallbackStrategy) RegisterAsActive() error {
	return s.call("register", true)
}

func (s *HTTPCallbackStrategy) DeregisterFromActive() error {
	return s.call("deregister", false)
}

func (s *HTTPCallbackStrategy) call(action string, registered bool) error {
	body, err := json.Marshal(callbackRequest{
		InstanceID: s.instanceID,
		Action:     action,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return s.record(action, registered, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return s.record(action, registered, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.record(action, registered, fmt.Errorf("traffic callback returned status %d", resp.StatusCode))
	}
	return s.record(action, registered, nil)
}

func (s *HTTPCallbackStrategy) record(action string, registered bool, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastOperation = action
	if err != nil {
		s.lastError = err.Error()
		return err
	}
	s.lastError = ""
	s.registered = registered
	log.Info().Str("action", action).Str("url", s.url).Msg("Traffic callback succeeded")
	return nil
}

func (s *HTTPCallbackStrategy) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

func (s *HTTPCallbackStrategy) GetStatus() *TrafficStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &TrafficStatus{
		StrategyType:  StrategyHTTPCallback,
		Registered:    s.registered,
		TargetInfo:    s.url,
		LastOperation: s.lastOperation,
		LastError:     s.lastError,
	}
}
