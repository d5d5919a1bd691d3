package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         50 * time.Millisecond,
	}
}

func failN(t *testing.T, r *Registry, endpoint string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, ok := r.Acquire(endpoint)
		require.True(t, ok, "request %d should be allowed", i+1)
		ticket.RecordFailure()
	}
}

func TestRegistryNewEndpointIsClosed(t *testing.T) {
	r := NewRegistry(testConfig())

	assert.True(t, r.AllowRequest("http://a"))
	assert.Equal(t, StateClosed, r.State("http://a"))
	assert.Equal(t, StateClosed, r.State("http://never-seen"))
}

func TestRegistryOpensAfterThresholdFailures(t *testing.T) {
	r := NewRegistry(testConfig())

	failN(t, r, "http://a", 3)

	assert.False(t, r.AllowRequest("http://a"), "fourth request must be denied")
	_, ok := r.Acquire("http://a")
	assert.False(t, ok)
	assert.Equal(t, StateOpen, r.State("http://a"))

	stats := r.Snapshot()["http://a"]
	assert.Equal(t, StateOpen, stats.State)
	assert.NotNil(t, stats.OpenedAt)
	assert.Equal(t, uint64(3), stats.FailedCalls)
	assert.Equal(t, uint64(1), stats.RejectedCalls)
}

func TestRegistrySuccessResetsConsecutiveFailures(t *testing.T) {
	r := NewRegistry(testConfig())

	failN(t, r, "http://a", 2)
	r.RecordSuccess("http://a")
	failN(t, r, "http://a", 2)

	assert.Equal(t, StateClosed, r.State("http://a"))
	assert.True(t, r.AllowRequest("http://a"))
}

func TestRegistryEndpointsAreIndependent(t *testing.T) {
	r := NewRegistry(testConfig())

	failN(t, r, "http://bad", 3)

	assert.False(t, r.AllowRequest("http://bad"))
	assert.True(t, r.AllowRequest("http://good"))
	assert.Equal(t, 1, r.OpenCount())
}

func TestRegistryHalfOpenAllowsSingleTrial(t *testing.T) {
	r := NewRegistry(testConfig())
	failN(t, r, "http://a", 3)

	time.Sleep(70 * time.Millisecond)

	first, ok := r.Acquire("http://a")
	require.True(t, ok, "first trial after cooldown should be allowed")
	assert.Equal(t, StateHalfOpen, r.State("http://a"))

	_, ok = r.Acquire("http://a")
	assert.False(t, ok, "concurrent trial must be denied")

	first.RecordSuccess()
	assert.Equal(t, StateHalfOpen, r.State("http://a"), "one success is below the success threshold")

	second, ok := r.Acquire("http://a")
	require.True(t, ok)
	second.RecordSuccess()

	assert.Equal(t, StateClosed, r.State("http://a"))
	assert.True(t, r.AllowRequest("http://a"))
	assert.Nil(t, r.Snapshot()["http://a"].OpenedAt)
}

func TestRegistryHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(testConfig())
	failN(t, r, "http://a", 3)
	firstOpened := *r.Snapshot()["http://a"].OpenedAt

	time.Sleep(70 * time.Millisecond)

	trial, ok := r.Acquire("http://a")
	require.True(t, ok)
	trial.RecordFailure()

	assert.Equal(t, StateOpen, r.State("http://a"))
	assert.False(t, r.AllowRequest("http://a"))
	reopened := r.Snapshot()["http://a"].OpenedAt
	require.NotNil(t, reopened)
	assert.True(t, reopened.After(firstOpened))
}

func TestRegistryFailureDuringTrialReopens(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 20 * time.Millisecond})
	r.RecordFailure("http://a")
	require.Equal(t, StateOpen, r.State("http://a"))

	time.Sleep(40 * time.Millisecond)

	trial, ok := r.Acquire("http://a")
	require.True(t, ok)
	r.RecordFailure("http://a")
	trial.RecordSuccess()

	assert.Equal(t, StateOpen, r.State("http://a"))
	stats := r.Snapshot()["http://a"]
	assert.Equal(t, uint64(0), stats.SuccessfulCalls)
	assert.Equal(t, uint64(2), stats.FailedCalls)
}

func TestRegistryFailureMarkIsClearedByNextTrial(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 20 * time.Millisecond})
	r.RecordFailure("http://a")
	time.Sleep(40 * time.Millisecond)

	trial, ok := r.Acquire("http://a")
	require.True(t, ok)
	r.RecordFailure("http://a")
	trial.RecordSuccess()
	require.Equal(t, StateOpen, r.State("http://a"))

	time.Sleep(40 * time.Millisecond)

	trial, ok = r.Acquire("http://a")
	require.True(t, ok)
	trial.RecordSuccess()
	assert.Equal(t, StateClosed, r.State("http://a"))
}

func TestRegistryCooldownExpiryGrantsOneTrial(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 20 * time.Millisecond})
	r.RecordFailure("http://a")
	time.Sleep(40 * time.Millisecond)

	var granted atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.Acquire("http://a"); ok {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, StateHalfOpen, r.State("http://a"))
}

func TestRegistryReleasedTrialReopens(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 20 * time.Millisecond})
	r.RecordFailure("http://a")
	time.Sleep(40 * time.Millisecond)

	trial, ok := r.Acquire("http://a")
	require.True(t, ok)
	trial.Release()
	trial.RecordSuccess()

	assert.Equal(t, StateOpen, r.State("http://a"))
	stats := r.Snapshot()["http://a"]
	assert.Equal(t, uint64(0), stats.SuccessfulCalls)
	assert.Equal(t, uint64(1), stats.FailedCalls)
}

func TestRegistryReleasedTicketIsNotCounted(t *testing.T) {
	r := NewRegistry(testConfig())

	ticket, ok := r.Acquire("http://a")
	require.True(t, ok)
	ticket.Release()

	stats := r.Snapshot()["http://a"]
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint64(0), stats.SuccessfulCalls)
	assert.Equal(t, uint64(0), stats.FailedCalls)
}

func TestRegistryTicketResolvesOnce(t *testing.T) {
	r := NewRegistry(testConfig())

	ticket, ok := r.Acquire("http://a")
	require.True(t, ok)
	ticket.RecordFailure()
	ticket.RecordFailure()
	ticket.RecordSuccess()

	stats := r.Snapshot()["http://a"]
	assert.Equal(t, uint64(1), stats.FailedCalls)
	assert.Equal(t, uint64(0), stats.SuccessfulCalls)
}

func TestRegistryResetClosesBreaker(t *testing.T) {
	r := NewRegistry(testConfig())
	failN(t, r, "http://a", 3)
	failN(t, r, "http://b", 3)

	assert.True(t, r.Reset("http://a"))
	assert.False(t, r.Reset("http://unknown"))
	assert.Equal(t, StateClosed, r.State("http://a"))
	assert.Equal(t, StateOpen, r.State("http://b"))

	r.ResetAll()
	assert.Equal(t, 0, r.OpenCount())
}

func TestRegistryStateChangeCallback(t *testing.T) {
	r := NewRegistry(testConfig())

	var mu sync.Mutex
	var transitions []State
	r.OnStateChange(func(endpoint string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	})

	failN(t, r, "http://a", 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1000, SuccessThreshold: 1, Cooldown: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			endpoint := "http://a"
			if i%2 == 0 {
				endpoint = "http://b"
			}
			for j := 0; j < 20; j++ {
				if ticket, ok := r.Acquire(endpoint); ok {
					if j%3 == 0 {
						ticket.RecordFailure()
					} else {
						ticket.RecordSuccess()
					}
				}
			}
		}(i)
	}
	wg.Wait()

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	total := snapshot["http://a"].SuccessfulCalls + snapshot["http://a"].FailedCalls +
		snapshot["http://b"].SuccessfulCalls + snapshot["http://b"].FailedCalls
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, []string{"http://a", "http://b"}, r.Endpoints())
}
