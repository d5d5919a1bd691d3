package model

import "time"

// DeliveryOutcome classifies the result of a single delivery attempt
type DeliveryOutcome string

const (
	OutcomeSuccess          DeliveryOutcome = "SUCCESS"
	OutcomeRetryableFailure DeliveryOutcome = "RETRYABLE_FAILURE"
	OutcomePermanentFailure DeliveryOutcome = "PERMANENT_FAILURE"
	OutcomeCircuitOpen      DeliveryOutcome = "CIRCUIT_OPEN"
)

// IsFailure reports whether the outcome counts against error metrics
func (o DeliveryOutcome) IsFailure() bool {
	return o == OutcomeRetryableFailure || o == OutcomePermanentFailure || o == OutcomeCircuitOpen
}

// DeliveryResult is returned by the mediator for every delivery attempt
type DeliveryResult struct {
	Outcome    DeliveryOutcome
	StatusCode int

	// RetryAfter is a delay hint from the endpoint (Retry-After or ack=false body)
	RetryAfter *time.Duration

	Err      error
	Duration time.Duration
}

// HasRetryAfter returns true if the endpoint supplied a delay hint
func (r *DeliveryResult) HasRetryAfter() bool {
	return r != nil && r.RetryAfter != nil
}

// AdmissionResult is returned by a pool when a job is submitted
type AdmissionResult string

const (
	// Accepted means the job was dispatched or queued behind its group
	Accepted AdmissionResult = "ACCEPTED"

	// Deferred means backpressure: capacity, rate limit or a full group queue
	Deferred AdmissionResult = "DEFERRED"

	// Rejected means the pool no longer accepts work
	Rejected AdmissionResult = "REJECTED"
)
