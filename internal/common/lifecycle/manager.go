// Package lifecycle provides graceful shutdown orchestration.
//
// Hooks run phase by phase: the router stops its HTTP surface, stops polling,
// drains dispatch pools, releases its leadership lease, closes clients and
// finally flushes whatever is left. Hooks in one phase run in parallel.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// ShutdownPhase defines the order of shutdown phases
type ShutdownPhase int

const (
	// PhaseHTTP stops accepting new HTTP requests and drains in-flight
	PhaseHTTP ShutdownPhase = iota
	// PhaseQueue stops queue polling
	PhaseQueue
	// PhaseWorkers waits for in-flight deliveries
	PhaseWorkers
	// PhaseLeader releases the leadership lease
	PhaseLeader
	// PhaseDatabase closes consumers and store clients
	PhaseDatabase
	// PhaseFinal performs any final cleanup
	PhaseFinal
)

var phaseNames = map[ShutdownPhase]string{
	PhaseHTTP:     "http",
	PhaseQueue:    "queue",
	PhaseWorkers:  "workers",
	PhaseLeader:   "leader",
	PhaseDatabase: "database",
	PhaseFinal:    "final",
}

func (p ShutdownPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase-%d", int(p))
}

// ShutdownHook is a function called during shutdown
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a new lifecycle manager
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 60 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall shutdown timeout
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers an HTTP server shutdown hook
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseHTTP, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterQueueShutdown registers a hook that stops queue polling
func (m *Manager) RegisterQueueShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseQueue, Timeout: 30 * time.Second, Shutdown: shutdown})
}

// RegisterWorkerShutdown registers a hook that drains dispatch work
func (m *Manager) RegisterWorkerShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseWorkers, Timeout: 30 * time.Second, Shutdown: shutdown})
}

// RegisterLeaderShutdown registers a lease release hook
func (m *Manager) RegisterLeaderShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseLeader, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// RegisterDatabaseShutdown registers a client shutdown hook
func (m *Manager) RegisterDatabaseShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseDatabase, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterCloser registers c.Close in the database phase
func (m *Manager) RegisterCloser(name string, c io.Closer) {
	m.RegisterDatabaseShutdown(name, func(context.Context) error { return c.Close() })
}

// RegisterFinalShutdown registers a last-phase hook
func (m *Manager) RegisterFinalShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseFinal, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT or SIGTERM is received or Shutdown is called
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers graceful shutdown
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Done is closed when Shutdown is called
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Execute runs the shutdown sequence. Hook failures do not stop later
// phases; they are returned together.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	phases := []ShutdownPhase{PhaseHTTP, PhaseQueue, PhaseWorkers, PhaseLeader, PhaseDatabase, PhaseFinal}

	var errs error
	for _, phase := range phases {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Stringer("phase", phase).Int("hooks", len(phaseHooks[phase])).Msg("Executing shutdown phase")

		var (
			wg      sync.WaitGroup
			errsMu  sync.Mutex
			phaseEr error
		)
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				if err := m.executeHook(ctx, h); err != nil {
					errsMu.Lock()
					phaseEr = multierr.Append(phaseEr, err)
					errsMu.Unlock()
				}
			}(hook)
		}
		wg.Wait()
		errs = multierr.Append(errs, phaseEr)

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return multierr.Append(errs, ctx.Err())
		}
	}

	if errs != nil {
		log.Warn().Err(errs).Msg("Graceful shutdown completed with errors")
		return errs
	}
	log.Info().Msg("Graceful shutdown completed")
	return nil
}

// executeHook runs a single shutdown hook with its own timeout
func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) error {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	log.Debug().Str("hook", hook.Name).Dur("timeout", hook.Timeout).Msg("Executing shutdown hook")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
			return fmt.Errorf("%s: %w", hook.Name, err)
		}
		log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		return nil
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
		return fmt.Errorf("%s: %w", hook.Name, ctx.Err())
	}
}

// Run combines WaitForSignal and Execute for convenience
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
