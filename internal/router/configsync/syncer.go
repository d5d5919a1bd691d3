package configsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

// Initial sync retry schedule
const (
	DefaultInitialAttempts = 12
	DefaultInitialDelay    = 5 * time.Second
)

// ErrEmptyConfig is returned when a source yields no pools
var ErrEmptyConfig = errors.New("config source returned no pools")

// Applier receives the full pool set after each successful load
type Applier interface {
	ApplyPoolConfigs(configs []model.PoolConfig)
}

// WarningSink receives sync failures
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// Options tunes the initial retry schedule
type Options struct {
	InitialAttempts int
	InitialDelay    time.Duration
	// Timeout bounds a single load; zero means none
	Timeout time.Duration
}

// Result describes the last sync
type Result struct {
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
	Pools     int       `json:"pools"`
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
}

// Syncer loads pools from a Source and applies them. A failed load leaves
// the current pools untouched.
type Syncer struct {
	source   Source
	applier  Applier
	warnings WarningSink
	opts     Options
	now      func() time.Time

	mu   sync.Mutex
	last *Result
}

// NewSyncer creates a syncer
func NewSyncer(source Source, applier Applier, warnings WarningSink, opts Options) *Syncer {
	if opts.InitialAttempts <= 0 {
		opts.InitialAttempts = DefaultInitialAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	return &Syncer{
		source:   source,
		applier:  applier,
		warnings: warnings,
		opts:     opts,
		now:      time.Now,
	}
}

// InitialSync retries until the first load succeeds or attempts run out
func (s *Syncer) InitialSync(ctx context.Context) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.InitialDelay), uint64(s.opts.InitialAttempts-1)),
		ctx,
	)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.load(ctx)
	}, b, func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("source", s.source.Name()).
			Int("attempt", attempt).
			Int("maxAttempts", s.opts.InitialAttempts).
			Dur("retryIn", next).
			Msg("Initial pool config sync failed, retrying")
	})
	if err != nil {
		s.raise(fmt.Sprintf("Initial pool config sync from %s failed after %d attempts: %v", s.source.Name(), attempt, err))
		return fmt.Errorf("initial config sync: %w", err)
	}
	return nil
}

// Sync performs one load
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		s.raise(fmt.Sprintf("Pool config sync from %s failed, keeping current pools: %v", s.source.Name(), err))
		return err
	}
	return nil
}

func (s *Syncer) load(ctx context.Context) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	configs, err := s.source.LoadPools(ctx)
	if err == nil && len(configs) == 0 {
		err = ErrEmptyConfig
	}
	if err != nil {
		s.record(&Result{Source: s.source.Name(), At: s.now(), Error: err.Error()})
		return err
	}

	s.applier.ApplyPoolConfigs(configs)
	s.record(&Result{Source: s.source.Name(), At: s.now(), Pools: len(configs), Succeeded: true})
	log.Info().Str("source", s.source.Name()).Int("pools", len(configs)).Msg("Pool configuration synced")
	return nil
}

func (s *Syncer) raise(msg string) {
	log.Error().Str("source", s.source.Name()).Msg(msg)
	if s.warnings != nil {
		s.warnings.AddWarning(warning.CategoryConfigSync, warning.SeverityError, msg, "ConfigSync")
	}
}

func (s *Syncer) record(r *Result) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// LastResult returns the most recent outcome, or nil before the first sync
func (s *Syncer) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}
