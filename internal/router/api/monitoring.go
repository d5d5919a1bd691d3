package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/dispatchcore/internal/router/health"
	"go.flowcatalyst.tech/dispatchcore/internal/router/lifecycle"
	"go.flowcatalyst.tech/dispatchcore/internal/router/manager"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/standby"
	"go.flowcatalyst.tech/dispatchcore/internal/router/traffic"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// DefaultInFlightLimit caps /monitoring/in-flight when no limit is given
const DefaultInFlightLimit = 100

// HealthReporter provides the aggregated status
type HealthReporter interface {
	Report() *health.Report
}

// PoolProvider exposes pool and in-flight state
type PoolProvider interface {
	Snapshot() *manager.Snapshot
	PoolStats(code string) (model.PoolStats, bool)
	InFlight(limit int, messageID string) []model.InFlightMessageInfo
}

// QueueProvider exposes per-consumer health
type QueueProvider interface {
	Results() []*health.ConsumerHealth
}

// BreakerAdmin exposes and resets circuit breakers
type BreakerAdmin interface {
	Snapshot() map[string]circuitbreaker.Stats
	Reset(endpoint string) bool
	ResetAll()
}

// StandbyProvider exposes leadership status
type StandbyProvider interface {
	Status() *standby.LeadershipStatus
}

// TrafficProvider exposes traffic registration status
type TrafficProvider interface {
	IsEnabled() bool
	GetStatus() *traffic.TrafficStatus
}

// TaskProvider exposes background task status
type TaskProvider interface {
	Status() []lifecycle.TaskStatus
}

// MonitoringHandler serves /monitoring/*. Nil providers answer 503.
type MonitoringHandler struct {
	Health   HealthReporter
	Pools    PoolProvider
	Queues   QueueProvider
	Breakers BreakerAdmin
	Standby  StandbyProvider
	Traffic  TrafficProvider
	Warnings warning.Service
	Tasks    TaskProvider
}

// Routes mounts the monitoring endpoints on r
func (h *MonitoringHandler) Routes(r chi.Router) {
	r.Get("/health", h.GetHealth)
	r.Get("/pools", h.GetPools)
	r.Get("/pools/{code}", h.GetPool)
	r.Get("/queues", h.GetQueues)
	r.Get("/in-flight", h.GetInFlight)
	r.Get("/standby", h.GetStandby)
	r.Get("/traffic", h.GetTraffic)
	r.Get("/tasks", h.GetTasks)

	r.Route("/circuit-breakers", func(r chi.Router) {
		r.Get("/", h.GetCircuitBreakers)
		r.Post("/reset", h.ResetAllCircuitBreakers)
		r.Post("/{endpoint}/reset", h.ResetCircuitBreaker)
	})

	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.GetWarnings)
		r.Delete("/", h.ClearWarnings)
		r.Get("/unacknowledged", h.GetUnacknowledgedWarnings)
		r.Get("/severity/{severity}", h.GetWarningsBySeverity)
		r.Post("/{id}/acknowledge", h.AcknowledgeWarning)
		r.Delete("/old", h.ClearOldWarnings)
	})
}

// GetHealth handles GET /monitoring/health
func (h *MonitoringHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		WriteUnavailable(w, "Health reporting not configured")
		return
	}
	report := h.Health.Report()
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

// GetPools handles GET /monitoring/pools
func (h *MonitoringHandler) GetPools(w http.ResponseWriter, r *http.Request) {
	if h.Pools == nil {
		WriteUnavailable(w, "Pools not available")
		return
	}
	WriteJSON(w, http.StatusOK, h.Pools.Snapshot())
}

// GetPool handles GET /monitoring/pools/{code}
func (h *MonitoringHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	if h.Pools == nil {
		WriteUnavailable(w, "Pools not available")
		return
	}
	code := chi.URLParam(r, "code")
	stats, ok := h.Pools.PoolStats(code)
	if !ok {
		WriteNotFound(w, "Pool not found: "+code)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetQueues handles GET /monitoring/queues
func (h *MonitoringHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	if h.Queues == nil {
		WriteJSON(w, http.StatusOK, []*health.ConsumerHealth{})
		return
	}
	WriteJSON(w, http.StatusOK, h.Queues.Results())
}

// GetInFlight handles GET /monitoring/in-flight?limit=&messageId=
func (h *MonitoringHandler) GetInFlight(w http.ResponseWriter, r *http.Request) {
	if h.Pools == nil {
		WriteUnavailable(w, "Pools not available")
		return
	}
	limit, ok := queryInt(r, "limit", DefaultInFlightLimit)
	if !ok {
		WriteBadRequest(w, "limit must be a non-negative integer")
		return
	}
	messageID := r.URL.Query().Get("messageId")
	WriteJSON(w, http.StatusOK, h.Pools.InFlight(limit, messageID))
}

// GetStandby handles GET /monitoring/standby
func (h *MonitoringHandler) GetStandby(w http.ResponseWriter, r *http.Request) {
	if h.Standby == nil {
		WriteJSON(w, http.StatusOK, &standby.LeadershipStatus{Enabled: false, Role: standby.RoleLeader, ShouldProcess: true})
		return
	}
	WriteJSON(w, http.StatusOK, h.Standby.Status())
}

// trafficResponse is the body of /monitoring/traffic
type trafficResponse struct {
	Enabled bool                   `json:"enabled"`
	Status  *traffic.TrafficStatus `json:"status,omitempty"`
}

// GetTraffic handles GET /monitoring/traffic
func (h *MonitoringHandler) GetTraffic(w http.ResponseWriter, r *http.Request) {
	if h.Traffic == nil {
		WriteJSON(w, http.StatusOK, trafficResponse{})
		return
	}
	WriteJSON(w, http.StatusOK, trafficResponse{
		Enabled: h.Traffic.IsEnabled(),
		Status:  h.Traffic.GetStatus(),
	})
}

// GetTasks handles GET /monitoring/tasks
func (h *MonitoringHandler) GetTasks(w http.ResponseWriter, r *http.Request) {
	if h.Tasks == nil {
		WriteJSON(w, http.StatusOK, []lifecycle.TaskStatus{})
		return
	}
	WriteJSON(w, http.StatusOK, h.Tasks.Status())
}

// GetCircuitBreakers handles GET /monitoring/circuit-breakers
func (h *MonitoringHandler) GetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		WriteJSON(w, http.StatusOK, map[string]circuitbreaker.Stats{})
		return
	}
	WriteJSON(w, http.StatusOK, h.Breakers.Snapshot())
}

// ResetCircuitBreaker handles POST /monitoring/circuit-breakers/{endpoint}/reset.
// The endpoint is URL-escaped since breakers are keyed by URL.
func (h *MonitoringHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		WriteUnavailable(w, "Circuit breakers not available")
		return
	}
	endpoint, err := url.PathUnescape(chi.URLParam(r, "endpoint"))
	if err != nil || endpoint == "" {
		WriteBadRequest(w, "Invalid endpoint")
		return
	}
	if !h.Breakers.Reset(endpoint) {
		WriteNotFound(w, "Circuit breaker not found: "+endpoint)
		return
	}
	log.Info().Str("endpoint", endpoint).Msg("Circuit breaker reset via API")
	WriteJSON(w, http.StatusOK, map[string]any{"endpoint": endpoint, "reset": true})
}

// ResetAllCircuitBreakers handles POST /monitoring/circuit-breakers/reset
func (h *MonitoringHandler) ResetAllCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		WriteUnavailable(w, "Circuit breakers not available")
		return
	}
	h.Breakers.ResetAll()
	log.Info().Msg("All circuit breakers reset via API")
	WriteJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// GetWarnings handles GET /monitoring/warnings
func (h *MonitoringHandler) GetWarnings(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteJSON(w, http.StatusOK, []*warning.Warning{})
		return
	}
	WriteJSON(w, http.StatusOK, h.Warnings.GetAllWarnings())
}

// GetUnacknowledgedWarnings handles GET /monitoring/warnings/unacknowledged
func (h *MonitoringHandler) GetUnacknowledgedWarnings(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteJSON(w, http.StatusOK, []*warning.Warning{})
		return
	}
	WriteJSON(w, http.StatusOK, h.Warnings.GetUnacknowledgedWarnings())
}

// GetWarningsBySeverity handles GET /monitoring/warnings/severity/{severity}
func (h *MonitoringHandler) GetWarningsBySeverity(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteJSON(w, http.StatusOK, []*warning.Warning{})
		return
	}
	severity := strings.ToUpper(chi.URLParam(r, "severity"))
	switch severity {
	case warning.SeverityInfo, warning.SeverityWarning, warning.SeverityError, warning.SeverityCritical:
	default:
		WriteBadRequest(w, "Unknown severity: "+severity)
		return
	}
	WriteJSON(w, http.StatusOK, h.Warnings.GetWarningsBySeverity(severity))
}

// AcknowledgeWarning handles POST /monitoring/warnings/{id}/acknowledge
func (h *MonitoringHandler) AcknowledgeWarning(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteUnavailable(w, "Warnings not available")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.Warnings.AcknowledgeWarning(id) {
		WriteNotFound(w, "Warning not found: "+id)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}

// ClearWarnings handles DELETE /monitoring/warnings
func (h *MonitoringHandler) ClearWarnings(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteUnavailable(w, "Warnings not available")
		return
	}
	h.Warnings.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

// ClearOldWarnings handles DELETE /monitoring/warnings/old?hours=N (default 24)
func (h *MonitoringHandler) ClearOldWarnings(w http.ResponseWriter, r *http.Request) {
	if h.Warnings == nil {
		WriteUnavailable(w, "Warnings not available")
		return
	}
	hours, ok := queryInt(r, "hours", 24)
	if !ok {
		WriteBadRequest(w, "hours must be a non-negative integer")
		return
	}
	removed := h.Warnings.ClearOldWarnings(time.Duration(hours) * time.Hour)
	WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
