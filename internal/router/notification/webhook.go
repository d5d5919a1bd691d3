package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// WebhookConfig configures the webhook notifier
type WebhookConfig struct {
	URL string `toml:"webhook_url" env:"WEBHOOK_URL"`

	// BatchInterval is how often buffered warnings are flushed
	BatchInterval time.Duration `toml:"batch_interval" env:"BATCH_INTERVAL"`

	// MaxBatch flushes early once this many warnings are buffered
	MaxBatch int `toml:"max_batch" env:"MAX_BATCH"`

	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
}

// WebhookService posts Adaptive Card JSON to a webhook (Teams style).
// Warnings are batched into one card per flush. Critical errors and system
// events are sent on their own card without waiting for the batch.
type WebhookService struct {
	cfg        WebhookConfig
	httpClient *http.Client

	mu      sync.Mutex
	pending []*warning.Warning

	flushCh  chan struct{}
	events   chan map[string]any
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWebhookService creates the notifier. Call Start to begin sending.
func NewWebhookService(cfg WebhookConfig) *WebhookService {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log.Info().
		Dur("batchInterval", cfg.BatchInterval).
		Int("maxBatch", cfg.MaxBatch).
		Msg("Webhook notification service initialized")

	return &WebhookService{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		flushCh:    make(chan struct{}, 1),
		events:     make(chan map[string]any, 100),
		done:       make(chan struct{}),
	}
}

// Start runs the sender loop until Stop
func (s *WebhookService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop flushes buffered warnings and stops the sender loop
func (s *WebhookService) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}

func (s *WebhookService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainEvents()
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		case card := <-s.events:
			s.send(ctx, card)
		}
	}
}

func (s *WebhookService) drainEvents() {
	for {
		select {
		case card := <-s.events:
			s.send(context.Background(), card)
		default:
			return
		}
	}
}

// NotifyWarning buffers the warning for the next batch
func (s *WebhookService) NotifyWarning(w *warning.Warning) {
	s.mu.Lock()
	s.pending = append(s.pending, w)
	full := len(s.pending) >= s.cfg.MaxBatch
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// NotifyCriticalError sends a critical error card
func (s *WebhookService) NotifyCriticalError(message, source string) {
	s.enqueue(adaptiveCard("attention", "CRITICAL ERROR",
		[]map[string]any{{"title": "Source:", "value": source}},
		message))
}

// NotifySystemEvent sends a system event card
func (s *WebhookService) NotifySystemEvent(eventType, message string) {
	s.enqueue(adaptiveCard("accent", "System Event: "+eventType, nil, message))
}

func (s *WebhookService) enqueue(card map[string]any) {
	select {
	case s.events <- card:
	default:
		log.Warn().Msg("Notification queue full - dropping event")
	}
}

func (s *WebhookService) IsEnabled() bool {
	return s.cfg.URL != ""
}

// Pending returns the number of buffered warnings
func (s *WebhookService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *WebhookService) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	facts := make([]map[string]any, 0, len(batch))
	worst := warning.SeverityInfo
	for _, w := range batch {
		facts = append(facts, map[string]any{
			"title": fmt.Sprintf("%s %s", w.Severity, w.Category),
			"value": fmt.Sprintf("%s (%s, %s)", w.Message, w.Source, w.Timestamp.UTC().Format(time.RFC3339)),
		})
		if severityRank(w.Severity) > severityRank(worst) {
			worst = w.Severity
		}
	}

	title := fmt.Sprintf("FlowCatalyst Alert: %d warning(s)", len(batch))
	if s.send(ctx, adaptiveCard(severityStyle(worst), title, facts, "")) {
		log.Info().Int("count", len(batch)).Msg("Warning batch notification sent")
	}
}

// send posts the card, retrying transient failures
func (s *WebhookService) send(ctx context.Context, card map[string]any) bool {
	if s.cfg.URL == "" {
		return false
	}

	body, err := json.Marshal(card)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode notification")
		return false
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
	), 2), ctx)

	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
		return nil
	}, policy)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send webhook notification")
		return false
	}
	return true
}

func adaptiveCard(style, title string, facts []map[string]any, message string) map[string]any {
	body := []map[string]any{
		{
			"type":  "Container",
			"style": style,
			"items": []map[string]any{
				{"type": "TextBlock", "text": title, "weight": "Bolder", "size": "Large"},
			},
		},
	}
	if len(facts) > 0 {
		body = append(body, map[string]any{"type": "FactSet", "facts": facts})
	}
	if message != "" {
		body = append(body, map[string]any{"type": "TextBlock", "text": message, "wrap": true})
	}

	return map[string]any{
		"type": "message",
		"attachments": []map[string]any{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]any{
					"type":    "AdaptiveCard",
					"version": "1.4",
					"body":    body,
				},
			},
		},
	}
}

func severityRank(severity string) int {
	switch strings.ToUpper(severity) {
	case warning.SeverityCritical:
		return 3
	case warning.SeverityError:
		return 2
	case warning.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func severityStyle(severity string) string {
	switch severityRank(severity) {
	case 2, 3:
		return "attention"
	case 1:
		return "warning"
	default:
		return "accent"
	}
}
