// Package lifecycle runs the router's periodic background work.
package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.flowcatalyst.tech/dispatchcore/internal/common/metrics"
)

// Task results recorded in metrics
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultPanic = "panic"
)

// Task is a unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once before the first tick
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// TaskStatus is the outcome of a task's last run
type TaskStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Supervisor runs tasks on independent tickers. A failing or panicking run
// is logged and the task keeps its schedule.
type Supervisor struct {
	mu     sync.Mutex
	tasks  []Task
	status map[string]*TaskStatus
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates an empty supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{
		status: make(map[string]*TaskStatus),
		now:    time.Now,
	}
}

// Add registers a task. Tasks with a non-positive interval are ignored.
func (s *Supervisor) Add(task Task) {
	if task.Interval <= 0 || task.Run == nil {
		log.Debug().Str("task", task.Name).Msg("Skipping disabled background task")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.status[task.Name] = &TaskStatus{Name: task.Name, Interval: task.Interval.String()}
}

// Tasks returns the names of registered tasks
func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Start launches all tasks in the background
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Background supervisor stopped")
		}
	}()
}

// Stop cancels all tasks and waits for running ticks to return
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}

	log.Info().Int("tasks", len(tasks)).Msg("Background supervisor started")
	return g.Wait()
}

func (s *Supervisor) loop(ctx context.Context, task Task) {
	if task.RunAtStart {
		s.RunOnce(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, task)
		}
	}
}

// RunOnce executes one run of task, recovering any panic
func (s *Supervisor) RunOnce(ctx context.Context, task Task) (err error) {
	result := ResultOK
	defer func() {
		if r := recover(); r != nil {
			result = ResultPanic
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			log.Error().
				Str("task", task.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Background task panicked")
		}
		s.record(task.Name, err)
		metrics.LifecycleTaskRuns.WithLabelValues(task.Name, result).Inc()
	}()

	if err = task.Run(ctx); err != nil {
		result = ResultError
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("task", task.Name).Msg("Background task failed")
		}
	}
	return err
}

func (s *Supervisor) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &TaskStatus{Name: name}
		s.status[name] = st
	}
	st.Runs++
	st.LastRun = s.now()
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
}

// Status returns a copy of each task's status, in registration order
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return out
}
