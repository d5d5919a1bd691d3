package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type orderRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *orderRecorder) hook(name string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
		return nil
	}
}

func TestPhasesRunInOrder(t *testing.T) {
	rec := &orderRecorder{}
	m := NewManager()

	m.RegisterDatabaseShutdown("db", rec.hook("db"))
	m.RegisterLeaderShutdown("leader", rec.hook("leader"))
	m.RegisterHTTPShutdown("http", rec.hook("http"))
	m.RegisterWorkerShutdown("pools", rec.hook("pools"))
	m.RegisterQueueShutdown("polling", rec.hook("polling"))
	m.RegisterFinalShutdown("final", rec.hook("final"))

	require.NoError(t, m.Execute())
	assert.Equal(t, []string{"http", "polling", "pools", "leader", "db", "final"}, rec.names)
}

func TestFailuresAreAggregatedAndLaterPhasesStillRun(t *testing.T) {
	rec := &orderRecorder{}
	m := NewManager()

	m.RegisterQueueShutdown("a", func(context.Context) error { return errors.New("a failed") })
	m.RegisterQueueShutdown("b", func(context.Context) error { return errors.New("b failed") })
	m.RegisterDatabaseShutdown("db", rec.hook("db"))

	err := m.Execute()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"db"}, rec.names)
}

func TestHookTimeout(t *testing.T) {
	m := NewManager()
	m.RegisterHook(ShutdownHook{
		Name:    "slow",
		Phase:   PhaseWorkers,
		Timeout: 10 * time.Millisecond,
		Shutdown: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})

	err := m.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestRegisterCloser(t *testing.T) {
	c := &closer{}
	m := NewManager()
	m.RegisterCloser("consumer", c)

	require.NoError(t, m.Execute())
	assert.True(t, c.closed)
}

func TestShutdownUnblocksWait(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	go func() {
		m.WaitForSignal()
		close(done)
	}()

	m.Shutdown()
	m.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return")
	}
	assert.Equal(t, "workers", PhaseWorkers.String())
}
