// Package model provides data structures shared by the router components
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MediationType defines the type of mediation to perform
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to a processing endpoint
	MediationTypeHTTP MediationType = "HTTP"
)

// DefaultPoolCode is used when a pointer carries no pool code
const DefaultPoolCode = "DEFAULT-POOL"

// ErrInvalidPointer is returned when a queue body cannot be decoded into a DispatchPointer
var ErrInvalidPointer = errors.New("invalid dispatch pointer")

// DispatchPointer is the payload carried in a queue message body.
// It identifies a dispatch job and where it must be delivered.
//
// The JSON field names match the platform's MessagePointer so that pointers
// published by the scheduler decode without translation.
type DispatchPointer struct {
	// JobID is the dispatch job identifier, sent to the endpoint as messageId
	JobID string `json:"id"`

	// PoolCode selects the dispatch pool
	PoolCode string `json:"poolCode"`

	// AuthToken is an HMAC token bound to JobID, carried as a Bearer token.
	// It is minted and validated outside the router.
	AuthToken string `json:"authToken"`

	MediationType MediationType `json:"mediationType"`

	// ProcessingEndpoint is the URL the mediator calls
	ProcessingEndpoint string `json:"mediationTarget"`

	// MessageGroup serializes delivery of related jobs. Empty means unordered.
	MessageGroup string `json:"messageGroupId,omitempty"`

	// BatchID groups jobs published together. Used for the batch+group failure barrier.
	BatchID string `json:"batchId,omitempty"`

	// SigningSecret, when present, enables request signing headers
	SigningSecret string `json:"signingSecret,omitempty"`
}

// DecodePointer decodes and validates a DispatchPointer from a queue body
func DecodePointer(body []byte) (*DispatchPointer, error) {
	var p DispatchPointer
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPointer, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the fields required for delivery
func (p *DispatchPointer) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPointer)
	}
	if strings.TrimSpace(p.ProcessingEndpoint) == "" {
		return fmt.Errorf("%w: missing mediationTarget", ErrInvalidPointer)
	}
	if p.MediationType != "" && p.MediationType != MediationTypeHTTP {
		return fmt.Errorf("%w: unsupported mediationType %q", ErrInvalidPointer, p.MediationType)
	}
	return nil
}

// EffectivePoolCode returns the pool code, falling back to DefaultPoolCode
func (p *DispatchPointer) EffectivePoolCode() string {
	if p.PoolCode == "" {
		return DefaultPoolCode
	}
	return p.PoolCode
}

// MediationResponse is the optional body returned by a processing endpoint.
//   - ack: true  - processing complete
//   - ack: false - accepted but not ready; retry after delaySeconds
type MediationResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

const (
	// MaxDelaySeconds is the largest visibility delay any backend accepts (12 hours)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is used when an endpoint asks for a retry without a delay
	DefaultDelaySeconds = 30
)

// EffectiveDelaySeconds returns the requested delay clamped to [1, MaxDelaySeconds]
func (r *MediationResponse) EffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}

// ProcessRequest is the body POSTed to the processing endpoint
type ProcessRequest struct {
	MessageID string `json:"messageId"`
}
