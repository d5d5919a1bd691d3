package model

import "time"

// PoolStatus is the lifecycle status of a dispatch pool
type PoolStatus string

const (
	PoolStatusActive   PoolStatus = "ACTIVE"
	PoolStatusArchived PoolStatus = "ARCHIVED"
)

// PoolConfig describes the concurrency and rate policy of a dispatch pool
type PoolConfig struct {
	Code string `json:"code" toml:"code" bson:"code"`

	// RateLimitPerMinute is nil for unlimited
	RateLimitPerMinute *int `json:"rateLimitPerMinute,omitempty" toml:"rate_limit" bson:"rateLimit,omitempty"`

	// Concurrency is nil for unbounded
	Concurrency *int `json:"concurrency,omitempty" toml:"concurrency" bson:"concurrency,omitempty"`

	Status PoolStatus `json:"status" toml:"status" bson:"status"`
}

// IsArchived reports whether the pool is archived
func (c PoolConfig) IsArchived() bool {
	return c.Status == PoolStatusArchived
}

// PoolConfigUpdate carries a hot update for an existing pool.
// Nil fields mean "unchanged" unless the matching Clear flag is set.
type PoolConfigUpdate struct {
	Code               string
	Concurrency        *int
	ClearConcurrency   bool
	RateLimitPerMinute *int
	ClearRateLimit     bool
	Status             *PoolStatus
}

// UpdateFromConfig builds a full replacement update from a synced config
func UpdateFromConfig(cfg PoolConfig) PoolConfigUpdate {
	status := cfg.Status
	if status == "" {
		status = PoolStatusActive
	}
	return PoolConfigUpdate{
		Code:               cfg.Code,
		Concurrency:        cfg.Concurrency,
		ClearConcurrency:   cfg.Concurrency == nil,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ClearRateLimit:     cfg.RateLimitPerMinute == nil,
		Status:             &status,
	}
}

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	PoolCode           string     `json:"poolCode"`
	Status             PoolStatus `json:"status"`
	Concurrency        *int       `json:"concurrency,omitempty"`
	RateLimitPerMinute *int       `json:"rateLimitPerMinute,omitempty"`
	InFlight           int        `json:"inFlight"`
	QueuedInGroups     int        `json:"queuedInGroups"`
	MessageGroups      int        `json:"messageGroups"`
	Submitted          int64      `json:"submitted"`
	Accepted           int64      `json:"accepted"`
	Deferred           int64      `json:"deferred"`
	Rejected           int64      `json:"rejected"`
	Delivered          int64      `json:"delivered"`
	Failed             int64      `json:"failed"`
	LastActivity       *time.Time `json:"lastActivity,omitempty"`
}

// InFlightMessageInfo tracks a message from poll until ack or nack
type InFlightMessageInfo struct {
	MessageID          string    `json:"messageId"`
	BrokerMessageID    string    `json:"brokerMessageId"`
	PoolCode           string    `json:"poolCode"`
	MessageGroup       string    `json:"messageGroup,omitempty"`
	QueueIdentifier    string    `json:"queueIdentifier"`
	ReceiptHandle      string    `json:"-"`
	AttemptCount       int       `json:"attemptCount"`
	ClaimedAt          time.Time `json:"claimedAt"`
	VisibilityDeadline time.Time `json:"visibilityDeadline"`
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
