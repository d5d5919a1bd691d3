// Package notification delivers warnings and leadership events to operators
package notification

import (
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// Service sends operator notifications
type Service interface {
	NotifyWarning(w *warning.Warning)
	NotifyCriticalError(message, source string)
	NotifySystemEvent(eventType, message string)
	IsEnabled() bool
}

// System event types
const (
	EventBecameLeader   = "BECAME_LEADER"
	EventLostLeadership = "LOST_LEADERSHIP"
	EventShutdown       = "SHUTDOWN"
)

// NoOpService logs notifications instead of sending them
type NoOpService struct{}

// NewNoOpService creates a new no-op notification service
func NewNoOpService() *NoOpService {
	return &NoOpService{}
}

// NotifyWarning logs the warning
func (s *NoOpService) NotifyWarning(w *warning.Warning) {
	log.Info().
		Str("severity", w.Severity).
		Str("category", w.Category).
		Str("message", w.Message).
		Str("source", w.Source).
		Msg("NOTIFICATION [WARNING]")
}

// NotifyCriticalError logs the critical error
func (s *NoOpService) NotifyCriticalError(message, source string) {
	log.Error().
		Str("message", message).
		Str("source", source).
		Msg("NOTIFICATION [CRITICAL]")
}

// NotifySystemEvent logs the system event
func (s *NoOpService) NotifySystemEvent(eventType, message string) {
	log.Info().
		Str("eventType", eventType).
		Str("message", message).
		Msg("NOTIFICATION [EVENT]")
}

// IsEnabled returns false as nothing leaves the process
func (s *NoOpService) IsEnabled() bool {
	return false
}
