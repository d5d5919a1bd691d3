// Package warning keeps a bounded in-memory list of operational warnings
// raised by the router (mediation failures, open breakers, queue and
// leadership trouble) for the monitoring API.
package warning

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// MaxWarnings is the maximum number of warnings to store
	MaxWarnings = 1000
)

// Categories
const (
	CategoryMediation      = "MEDIATION"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryQueueHealth    = "QUEUE_HEALTH"
	CategoryLeadership     = "LEADERSHIP"
	CategoryConfigSync     = "CONFIG_SYNC"
	CategoryPool           = "POOL"
)

// Severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Warning represents a system warning
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
}

// Notifier receives warnings severe enough to page someone
type Notifier interface {
	NotifyWarning(w *Warning)
}

// Service defines the warning service interface
type Service interface {
	// AddWarning adds a new warning
	AddWarning(category, severity, message, source string)

	// GetAllWarnings returns all warnings, newest first
	GetAllWarnings() []*Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []*Warning

	// GetUnacknowledgedWarnings returns all unacknowledged warnings
	GetUnacknowledgedWarnings() []*Warning

	// AcknowledgeWarning marks a warning as acknowledged
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings older than maxAge and returns how many were removed
	ClearOldWarnings(maxAge time.Duration) int
}

// InMemoryService is an in-memory implementation of the warning service
type InMemoryService struct {
	mu       sync.RWMutex
	warnings map[string]*Warning
	notifier Notifier
	now      func() time.Time
}

// NewInMemoryService creates a new in-memory warning service. A nil notifier disables forwarding.
func NewInMemoryService(notifier Notifier) *InMemoryService {
	return &InMemoryService{
		warnings: make(map[string]*Warning),
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (s *InMemoryService) WithClock(now func() time.Time) *InMemoryService {
	s.now = now
	return s
}

// AddWarning adds a new warning. ERROR and CRITICAL warnings are forwarded to the notifier.
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	severity = strings.ToUpper(severity)
	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: s.now(),
		Source:    source,
	}

	s.mu.Lock()
	if len(s.warnings) >= MaxWarnings {
		s.evictOldestLocked()
	}
	s.warnings[w.ID] = w
	s.mu.Unlock()

	log.Info().
		Str("severity", severity).
		Str("category", category).
		Str("source", source).
		Str("message", message).
		Msg("Warning added")

	if s.notifier != nil && (severity == SeverityError || severity == SeverityCritical) {
		copied := *w
		s.notifier.NotifyWarning(&copied)
	}
}

func (s *InMemoryService) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, w := range s.warnings {
		if oldestID == "" || w.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = w.Timestamp
		}
	}
	if oldestID != "" {
		delete(s.warnings, oldestID)
	}
}

// GetAllWarnings returns all warnings sorted by timestamp (newest first)
func (s *InMemoryService) GetAllWarnings() []*Warning {
	return s.filter(func(*Warning) bool { return true })
}

// GetWarningsBySeverity returns warnings filtered by severity
func (s *InMemoryService) GetWarningsBySeverity(severity string) []*Warning {
	return s.filter(func(w *Warning) bool { return strings.EqualFold(w.Severity, severity) })
}

// GetUnacknowledgedWarnings returns all unacknowledged warnings
func (s *InMemoryService) GetUnacknowledgedWarnings() []*Warning {
	return s.filter(func(w *Warning) bool { return !w.Acknowledged })
}

func (s *InMemoryService) filter(keep func(*Warning) bool) []*Warning {
	s.mu.RLock()
	result := make([]*Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		if keep(w) {
			copied := *w
			result = append(result, &copied)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

// AcknowledgeWarning marks a warning as acknowledged
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.warnings[warningID]
	if !ok {
		return false
	}

	acknowledged := *existing
	acknowledged.Acknowledged = true
	s.warnings[warningID] = &acknowledged

	log.Info().Str("warningId", warningID).Msg("Warning acknowledged")
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	count := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	s.mu.Unlock()

	log.Info().Int("count", count).Msg("Cleared all warnings")
}

// ClearOldWarnings removes warnings older than maxAge
func (s *InMemoryService) ClearOldWarnings(maxAge time.Duration) int {
	threshold := s.now().Add(-maxAge)

	s.mu.Lock()
	removed := 0
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		log.Info().Int("count", removed).Dur("maxAge", maxAge).Msg("Cleared old warnings")
	}
	return removed
}

// Count returns the number of stored warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.warnings)
}
