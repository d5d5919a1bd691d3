// Package mediator delivers dispatch pointers to their processing endpoints over HTTP
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
	"go.flowcatalyst.tech/dispatchcore/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

const (
	// DefaultRetryAfter is used for 429 responses without a usable Retry-After header
	DefaultRetryAfter = 30 * time.Second

	maxResponseBody = 64 * 1024
)

// WarningSink receives operator-facing warnings about endpoint misconfiguration
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// Config configures the HTTP mediator
type Config struct {
	// Timeout bounds a single delivery request
	Timeout time.Duration

	// MaxIdleConnsPerHost for the shared transport
	MaxIdleConnsPerHost int
}

// DefaultConfig returns default mediator settings
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
}

// HTTPMediator performs exactly one delivery attempt per call.
// Retry scheduling belongs to the caller so that ordering stays with the pool.
type HTTPMediator struct {
	client   *http.Client
	breakers *circuitbreaker.Registry
	warnings WarningSink
	timeout  time.Duration
	now      func() time.Time
}

// NewHTTPMediator creates a mediator that consults breakers for every endpoint.
// warnings may be nil.
func NewHTTPMediator(cfg Config, breakers *circuitbreaker.Registry, warnings WarningSink) *HTTPMediator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultConfig().MaxIdleConnsPerHost
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	return &HTTPMediator{
		client:   client,
		breakers: breakers,
		warnings: warnings,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}
}

// WithClient replaces the HTTP client. Used by tests.
func (m *HTTPMediator) WithClient(client *http.Client) *HTTPMediator {
	m.client = client
	return m
}

// Deliver sends the pointer to its processing endpoint
func (m *HTTPMediator) Deliver(ctx context.Context, p *model.DispatchPointer) *model.DeliveryResult {
	if p == nil || p.ProcessingEndpoint == "" {
		return &model.DeliveryResult{
			Outcome: model.OutcomePermanentFailure,
			Err:     errors.New("no processing endpoint"),
		}
	}

	endpoint := p.ProcessingEndpoint
	ticket, ok := m.breakers.Acquire(endpoint)
	if !ok {
		log.Debug().
			Str("messageId", p.JobID).
			Str("endpoint", endpoint).
			Msg("Circuit breaker open, skipping delivery")
		metrics.MediatorRequests.WithLabelValues(string(model.OutcomeCircuitOpen), "").Inc()
		return &model.DeliveryResult{
			Outcome: model.OutcomeCircuitOpen,
			Err:     fmt.Errorf("circuit breaker open for %s", endpoint),
		}
	}

	start := m.now()
	result := m.execute(ctx, p, ticket)
	result.Duration = time.Since(start)

	status := ""
	if result.StatusCode != 0 {
		status = strconv.Itoa(result.StatusCode)
	}
	metrics.MediatorRequests.WithLabelValues(string(result.Outcome), status).Inc()
	metrics.MediatorDuration.WithLabelValues(string(result.Outcome)).Observe(result.Duration.Seconds())

	return result
}

func (m *HTTPMediator) execute(ctx context.Context, p *model.DispatchPointer, ticket *circuitbreaker.Ticket) *model.DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, err := json.Marshal(model.ProcessRequest{MessageID: p.JobID})
	if err != nil {
		ticket.RecordSuccess()
		return &model.DeliveryResult{Outcome: model.OutcomePermanentFailure, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ProcessingEndpoint, bytes.NewReader(body))
	if err != nil {
		// A malformed URL is a pointer problem, not an endpoint health signal
		ticket.RecordSuccess()
		m.warn("MEDIATION", "ERROR", fmt.Sprintf("Invalid processing endpoint %q: %v", p.ProcessingEndpoint, err))
		return &model.DeliveryResult{
			Outcome: model.OutcomePermanentFailure,
			Err:     fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", p.JobID)
	if p.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.AuthToken)
	}
	if p.SigningSecret != "" {
		sig := Sign(p.SigningSecret, body, m.now())
		req.Header.Set(SignatureHeader, sig.Signature)
		req.Header.Set(TimestampHeader, sig.Timestamp)
	}

	log.Debug().
		Str("messageId", p.JobID).
		Str("endpoint", p.ProcessingEndpoint).
		Msg("Executing delivery request")

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// shutdown, not an endpoint health signal
			ticket.Release()
		} else {
			ticket.RecordFailure()
		}
		return m.handleTransportError(p, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return m.handleResponse(p, resp, respBody, ticket)
}

func (m *HTTPMediator) handleTransportError(p *model.DispatchPointer, err error) *model.DeliveryResult {
	event := log.Warn().
		Str("messageId", p.JobID).
		Str("endpoint", p.ProcessingEndpoint).
		Err(err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		event = event.Bool("timeout", netErr.Timeout())
	}
	event.Msg("Delivery transport error")

	return &model.DeliveryResult{
		Outcome: model.OutcomeRetryableFailure,
		Err:     err,
	}
}

func (m *HTTPMediator) handleResponse(p *model.DispatchPointer, resp *http.Response, body []byte, ticket *circuitbreaker.Ticket) *model.DeliveryResult {
	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		ticket.RecordSuccess()
		if mr := parseMediationResponse(body); mr != nil && !mr.Ack {
			delay := time.Duration(mr.EffectiveDelaySeconds()) * time.Second
			log.Info().
				Str("messageId", p.JobID).
				Int("statusCode", status).
				Dur("delay", delay).
				Msg("Endpoint returned ack=false, will retry")
			return &model.DeliveryResult{
				Outcome:    model.OutcomeRetryableFailure,
				StatusCode: status,
				RetryAfter: &delay,
			}
		}
		return &model.DeliveryResult{Outcome: model.OutcomeSuccess, StatusCode: status}

	case status == http.StatusTooManyRequests:
		ticket.RecordSuccess()
		delay := parseRetryAfter(resp.Header.Get("Retry-After"), m.now())
		log.Warn().
			Str("messageId", p.JobID).
			Str("endpoint", p.ProcessingEndpoint).
			Dur("retryAfter", delay).
			Msg("Endpoint rate limited delivery")
		return &model.DeliveryResult{
			Outcome:    model.OutcomeRetryableFailure,
			StatusCode: status,
			RetryAfter: &delay,
		}

	case status == http.StatusRequestTimeout:
		ticket.RecordSuccess()
		return &model.DeliveryResult{
			Outcome:    model.OutcomeRetryableFailure,
			StatusCode: status,
			Err:        fmt.Errorf("endpoint returned %d", status),
		}

	case status == http.StatusNotImplemented:
		ticket.RecordSuccess()
		m.warn("MEDIATION", "CRITICAL",
			fmt.Sprintf("Endpoint %s returned 501 Not Implemented for message %s", p.ProcessingEndpoint, p.JobID))
		return &model.DeliveryResult{
			Outcome:    model.OutcomePermanentFailure,
			StatusCode: status,
			Err:        fmt.Errorf("endpoint returned %d", status),
		}

	case status >= 400 && status < 500:
		// Client errors are not endpoint health signals
		ticket.RecordSuccess()
		log.Warn().
			Str("messageId", p.JobID).
			Str("endpoint", p.ProcessingEndpoint).
			Int("statusCode", status).
			Msg("Endpoint rejected delivery, will not retry")
		m.warn("MEDIATION", "WARNING",
			fmt.Sprintf("Endpoint %s returned %d for message %s", p.ProcessingEndpoint, status, p.JobID))
		return &model.DeliveryResult{
			Outcome:    model.OutcomePermanentFailure,
			StatusCode: status,
			Err:        fmt.Errorf("endpoint returned %d", status),
		}

	default:
		ticket.RecordFailure()
		log.Warn().
			Str("messageId", p.JobID).
			Str("endpoint", p.ProcessingEndpoint).
			Int("statusCode", status).
			Msg("Endpoint server error, will retry")
		return &model.DeliveryResult{
			Outcome:    model.OutcomeRetryableFailure,
			StatusCode: status,
			Err:        fmt.Errorf("endpoint returned %d", status),
		}
	}
}

func (m *HTTPMediator) warn(category, severity, message string) {
	if m.warnings != nil {
		m.warnings.AddWarning(category, severity, message, "HttpMediator")
	}
}

// parseMediationResponse returns nil unless body is a JSON object with an ack field
func parseMediationResponse(body []byte) *model.MediationResponse {
	if len(body) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	if _, ok := raw["ack"]; !ok {
		return nil
	}
	var mr model.MediationResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil
	}
	return &mr
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		if secs > model.MaxDelaySeconds {
			secs = model.MaxDelaySeconds
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return DefaultRetryAfter
		}
		if d > model.MaxDelaySeconds*time.Second {
			return model.MaxDelaySeconds * time.Second
		}
		return d.Round(time.Second)
	}
	return DefaultRetryAfter
}
