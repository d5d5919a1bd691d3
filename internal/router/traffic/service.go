package traffic

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy names
const (
	StrategyNoOp         = "noop"
	StrategyHTTPCallback = "http-callback"
)

// Config holds traffic management configuration
type Config struct {
	// Enabled controls whether traffic management is active
	Enabled bool `toml:"enabled" env:"ENABLED"`

	// Strategy specifies which strategy to use (noop, http-callback)
	Strategy string `toml:"strategy" env:"STRATEGY"`

	// CallbackURL is the endpoint used by the http-callback strategy
	CallbackURL string        `toml:"callback_url" env:"CALLBACK_URL"`
	Timeout     time.Duration `toml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns default traffic management configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:  false,
		Strategy: StrategyNoOp,
	}
}

// Service selects a strategy from configuration and registers or deregisters
// this instance on leadership changes. Strategy failures are logged and never
// affect leadership.
type Service struct {
	mu sync.RWMutex

	config         *Config
	instanceID     string
	activeStrategy Strategy
	noOpStrategy   *NoOpStrategy
}

// NewService creates a new traffic management service
func NewService(config *Config, instanceID string) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	svc := &Service{
		config:       config,
		instanceID:   instanceID,
		noOpStrategy: NewNoOpStrategy(),
	}
	svc.initStrategy()
	return svc
}

func (s *Service) initStrategy() {
	if !s.config.Enabled {
		log.Info().Msg("Traffic management disabled - using no-op strategy")
		s.activeStrategy = s.noOpStrategy
		return
	}

	strategyType := strings.ToLower(s.config.Strategy)
	log.Info().Str("strategy", strategyType).Msg("Traffic management enabled")

	switch strategyType {
	case StrategyNoOp:
		s.activeStrategy = s.noOpStrategy

	case StrategyHTTPCallback:
		if s.config.CallbackURL == "" {
			log.Warn().Msg("http-callback strategy has no callback URL - using no-op")
			s.activeStrategy = s.noOpStrategy
			return
		}
		s.activeStrategy = NewHTTPCallbackStrategy(s.config.CallbackURL, s.instanceID, s.config.Timeout)

	default:
		log.Warn().Str("strategy", strategyType).Msg("Unknown traffic management strategy - using no-op")
		s.activeStrategy = s.noOpStrategy
	}
}

func (s *Service) strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeStrategy
}

// RegisterAsActive registers this instance as active. Called on becoming leader.
func (s *Service) RegisterAsActive() {
	log.Info().Msg("Registering instance as active")
	if err := s.strategy().RegisterAsActive(); err != nil {
		log.Error().Err(err).Msg("Failed to register instance - it may not receive traffic while leader")
	}
}

// DeregisterFromActive deregisters this instance. Called on losing leadership and on shutdown.
func (s *Service) DeregisterFromActive() {
	log.Info().Msg("Deregistering instance")
	if err := s.strategy().DeregisterFromActive(); err != nil {
		log.Error().Err(err).Msg("Failed to deregister instance - it may keep receiving traffic while standby")
	}
}

// IsRegistered checks if this instance is currently registered
func (s *Service) IsRegistered() bool {
	return s.strategy().IsRegistered()
}

// IsEnabled returns whether traffic management is enabled
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the current traffic management status for monitoring
func (s *Service) GetStatus() *TrafficStatus {
	return s.strategy().GetStatus()
}

// SetStrategy replaces the strategy at runtime
func (s *Service) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStrategy = strategy
	log.Info().Str("strategy", fmt.Sprintf("%T", strategy)).Msg("Traffic strategy updated")
}
