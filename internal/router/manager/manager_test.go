package manager

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatchcore/internal/queue"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/memory"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	holds    map[string]chan struct{}
	outcomes map[string]model.DeliveryOutcome
	order    []string
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		holds:    make(map[string]chan struct{}),
		outcomes: make(map[string]model.DeliveryOutcome),
	}
}

func (d *fakeDeliverer) hold(id string) func() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.holds[id] = ch
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (d *fakeDeliverer) fail(id string, outcome model.DeliveryOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[id] = outcome
}

func (d *fakeDeliverer) Deliver(ctx context.Context, p *model.DispatchPointer) *model.DeliveryResult {
	d.mu.Lock()
	d.order = append(d.order, p.JobID)
	hold := d.holds[p.JobID]
	outcome, ok := d.outcomes[p.JobID]
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return &model.DeliveryResult{Outcome: model.OutcomeRetryableFailure, Err: ctx.Err()}
		}
	}
	if !ok {
		outcome = model.OutcomeSuccess
	}
	status := 200
	if outcome == model.OutcomePermanentFailure {
		status = 400
	}
	return &model.DeliveryResult{Outcome: outcome, StatusCode: status}
}

func (d *fakeDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

type fakeGate struct {
	leader atomic.Bool
}

func newGate(leader bool) *fakeGate {
	g := &fakeGate{}
	g.leader.Store(leader)
	return g
}

func (g *fakeGate) ShouldProcess() bool {
	return g.leader.Load()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// plainConsumer hides the DeadLetter method of the wrapped queue
type plainConsumer struct {
	queue.Consumer
}

func pointer(id, poolCode, group string) *model.DispatchPointer {
	return &model.DispatchPointer{
		JobID:              id,
		PoolCode:           poolCode,
		AuthToken:          "token",
		MediationType:      model.MediationTypeHTTP,
		ProcessingEndpoint: "http://endpoint.test/process",
		MessageGroup:       group,
	}
}

func publish(t *testing.T, q *memory.Queue, p *model.DispatchPointer) {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	_, err = q.Publish(context.Background(), &queue.OutboundMessage{Body: body, MessageGroup: p.MessageGroup})
	require.NoError(t, err)
}

func pollAll(t *testing.T, q *memory.Queue) []*queue.Message {
	t.Helper()
	msgs, err := q.Poll(context.Background(), 100)
	require.NoError(t, err)
	return msgs
}

func queueMetrics(t *testing.T, q *memory.Queue) *queue.Metrics {
	t.Helper()
	m, err := q.Metrics(context.Background())
	require.NoError(t, err)
	return m
}

func handleAll(m *Manager, q queue.Consumer, msgs []*queue.Message) {
	for _, msg := range msgs {
		m.Handle(context.Background(), q, msg)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestSuccessfulDeliveryAcks(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-1"}, d.delivered())
	assert.Equal(t, 0, m.InFlightCount())

	stats, ok := m.PoolStats(model.DefaultPoolCode)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestRetryableFailureNacksWithDelay(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	d.fail("job-1", model.OutcomeRetryableFailure)
	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	require.Eventually(t, func() bool { return queueMetrics(t, q).Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, pollAll(t, q), "nacked message must stay invisible for the retry delay")

	stats, _ := m.PoolStats(model.DefaultPoolCode)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestCircuitOpenNacks(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	d.fail("job-1", model.OutcomeCircuitOpen)
	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	require.Eventually(t, func() bool { return queueMetrics(t, q).Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	d.fail("job-1", model.OutcomePermanentFailure)
	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, q.DeadLetters()[0].Reason, "status 400")
	assert.Equal(t, 0, q.Len())
}

func TestPermanentFailureWithoutDeadLetterNacks(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	d.fail("job-1", model.OutcomePermanentFailure)
	m := New(testConfig(), d, newGate(true))
	handleAll(m, plainConsumer{q}, pollAll(t, q))

	require.Eventually(t, func() bool { return queueMetrics(t, q).Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestMalformedMessageIsDeadLettered(t *testing.T) {
	q := memory.New("q", 0)
	_, err := q.Publish(context.Background(), &queue.OutboundMessage{Body: []byte("not json")})
	require.NoError(t, err)

	d := newFakeDeliverer()
	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	require.Len(t, q.DeadLetters(), 1)
	assert.Contains(t, q.DeadLetters()[0].Reason, "malformed")
	assert.Empty(t, d.delivered())
}

func TestMalformedMessageIsAckedWithoutDeadLetter(t *testing.T) {
	q := memory.New("q", 0)
	_, err := q.Publish(context.Background(), &queue.OutboundMessage{Body: []byte(`{"id":""}`)})
	require.NoError(t, err)

	m := New(testConfig(), newFakeDeliverer(), newGate(true))
	handleAll(m, plainConsumer{q}, pollAll(t, q))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(1), queueMetrics(t, q).Acked)
}

func TestRedeliveryRefreshesReceiptWithoutSecondDelivery(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := memory.New("q", 0).WithClock(clock.Now)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	m := New(testConfig(), d, newGate(true)).WithClock(clock.Now)
	handleAll(m, q, pollAll(t, q))
	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// visibility lapses while the delivery is still running
	clock.Advance(121 * time.Second)
	redelivered := pollAll(t, q)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].ReceiveCount)
	handleAll(m, q, redelivered)

	infos := m.InFlight(0, "job-1")
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].AttemptCount)

	release()
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-1"}, d.delivered())
}

func TestDuplicateJobUnderDifferentBrokerIDIsAcked(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	m := New(testConfig(), d, newGate(true))
	msgs := pollAll(t, q)
	require.Len(t, msgs, 2)
	require.NotEqual(t, msgs[0].ID, msgs[1].ID)
	handleAll(m, q, msgs)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, m.InFlightCount())

	release()
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-1"}, d.delivered())
}

func TestCapacityDeferIsNotAFailure(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "P", ""))
	publish(t, q, pointer("job-2", "P", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	m := New(testConfig(), d, newGate(true))
	m.ApplyPoolConfigs([]model.PoolConfig{{Code: "P", Concurrency: model.IntPtr(1)}})
	handleAll(m, q, pollAll(t, q))

	metrics := queueMetrics(t, q)
	assert.Equal(t, int64(1), metrics.Deferred)
	assert.Equal(t, int64(0), metrics.Nacked)

	stats, ok := m.PoolStats("P")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Deferred)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 1, m.InFlightCount())
}

func TestRateLimitDefersSecondMessage(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "P2", ""))
	publish(t, q, pointer("job-2", "P2", ""))

	d := newFakeDeliverer()
	m := New(testConfig(), d, newGate(true))
	m.ApplyPoolConfigs([]model.PoolConfig{{Code: "P2", RateLimitPerMinute: model.IntPtr(1)}})
	handleAll(m, q, pollAll(t, q))

	require.Eventually(t, func() bool { return queueMetrics(t, q).Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), queueMetrics(t, q).Deferred)
	assert.Equal(t, []string{"job-1"}, d.delivered())
}

func TestNotLeaderLeavesMessageUntouched(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	m := New(testConfig(), d, newGate(false))
	handleAll(m, q, pollAll(t, q))

	metrics := queueMetrics(t, q)
	assert.Equal(t, int64(0), metrics.Acked+metrics.Nacked+metrics.Deferred)
	assert.Equal(t, int64(1), metrics.InFlight)
	assert.Equal(t, 0, m.InFlightCount())
	assert.Empty(t, d.delivered())
}

func TestInFlightDeliveriesCompleteAfterLeadershipLoss(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))
	publish(t, q, pointer("job-2", "", ""))

	d := newFakeDeliverer()
	release1 := d.hold("job-1")
	release2 := d.hold("job-2")
	defer release1()
	defer release2()

	gate := newGate(true)
	m := New(testConfig(), d, gate)
	handleAll(m, q, pollAll(t, q))
	require.Eventually(t, func() bool { return len(d.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)

	gate.leader.Store(false)
	publish(t, q, pointer("job-3", "", ""))
	handleAll(m, q, pollAll(t, q))

	release1()
	release2()
	require.Eventually(t, func() bool { return queueMetrics(t, q).Acked == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, d.delivered())
	assert.Equal(t, 1, q.Len())
}

func TestQueuedGroupMemberDeferredOnLeadershipLoss(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", "g"))
	publish(t, q, pointer("job-2", "", "g"))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	gate := newGate(true)
	m := New(testConfig(), d, gate)
	handleAll(m, q, pollAll(t, q))
	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	gate.leader.Store(false)
	release()

	require.Eventually(t, func() bool {
		metrics := queueMetrics(t, q)
		return metrics.Acked == 1 && metrics.Deferred == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-1"}, d.delivered())
	assert.Equal(t, 0, m.InFlightCount())
}

func TestArchivedPoolRejectsAndNacks(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "OLD", ""))

	m := New(testConfig(), newFakeDeliverer(), newGate(true))
	m.ApplyPoolConfigs([]model.PoolConfig{{Code: "OLD", Status: model.PoolStatusArchived}})
	handleAll(m, q, pollAll(t, q))

	assert.Equal(t, int64(1), queueMetrics(t, q).Nacked)
	assert.Equal(t, 0, m.InFlightCount())

	// the rejected message stays hidden instead of cycling through every poll
	for i := 0; i < 5; i++ {
		handleAll(m, q, pollAll(t, q))
	}
	assert.Equal(t, int64(1), queueMetrics(t, q).Nacked)
	assert.Equal(t, 1, q.Len())

	stats, ok := m.PoolStats("OLD")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestApplyPoolConfigsUpdatesCreatesAndArchives(t *testing.T) {
	m := New(testConfig(), newFakeDeliverer(), newGate(true))

	m.ApplyPoolConfigs([]model.PoolConfig{
		{Code: "A", Concurrency: model.IntPtr(2)},
		{Code: "B", Concurrency: model.IntPtr(2)},
	})
	require.Len(t, m.Snapshot().Pools, 2)

	m.ApplyPoolConfigs([]model.PoolConfig{{Code: "A", Concurrency: model.IntPtr(3), RateLimitPerMinute: model.IntPtr(60)}})

	a, ok := m.PoolStats("A")
	require.True(t, ok)
	require.NotNil(t, a.Concurrency)
	assert.Equal(t, 3, *a.Concurrency)
	require.NotNil(t, a.RateLimitPerMinute)
	assert.Equal(t, 60, *a.RateLimitPerMinute)

	b, ok := m.PoolStats("B")
	require.True(t, ok)
	assert.Equal(t, model.PoolStatusArchived, b.Status)

	m.ReapStale(context.Background())
	_, ok = m.PoolStats("B")
	assert.False(t, ok, "drained archived pool is removed")

	snapshot := m.Snapshot()
	require.Len(t, snapshot.Pools, 1)
	assert.Equal(t, "A", snapshot.Pools[0].PoolCode)
}

func TestExtendVisibilityNearDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := memory.New("q", 0).WithClock(clock.Now)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	m := New(testConfig(), d, newGate(true)).WithClock(clock.Now)
	handleAll(m, q, pollAll(t, q))

	n, err := m.ExtendVisibility(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(71 * time.Second)
	n, err = m.ExtendVisibility(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	infos := m.InFlight(0, "")
	require.Len(t, infos, 1)
	assert.Equal(t, clock.Now().Add(120*time.Second), infos[0].VisibilityDeadline)

	// the original deadline passes but the message stays invisible
	clock.Advance(60 * time.Second)
	assert.Empty(t, pollAll(t, q))
}

func TestReapStaleDropsExpiredRecords(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := memory.New("q", 0).WithClock(clock.Now)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")
	defer release()

	m := New(testConfig(), d, newGate(true)).WithClock(clock.Now)
	handleAll(m, q, pollAll(t, q))
	require.Equal(t, 1, m.InFlightCount())

	clock.Advance(121 * time.Second)
	assert.Equal(t, 1, m.ReapStale(context.Background()))
	assert.Equal(t, 0, m.InFlightCount())
}

func TestInFlightFiltersAndLimits(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))
	publish(t, q, pointer("job-2", "", ""))

	d := newFakeDeliverer()
	defer d.hold("job-1")()
	defer d.hold("job-2")()

	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	assert.Len(t, m.InFlight(0, ""), 2)
	assert.Len(t, m.InFlight(1, ""), 1)

	only := m.InFlight(0, "job-2")
	require.Len(t, only, 1)
	assert.Equal(t, "job-2", only[0].MessageID)
	assert.Equal(t, model.DefaultPoolCode, only[0].PoolCode)
	assert.Equal(t, "q", only[0].QueueIdentifier)
}

func TestRunPollsOnlyWhileLeader(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	gate := newGate(false)
	m := New(testConfig(), d, gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, q) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), queueMetrics(t, q).InFlight)
	assert.Empty(t, d.delivered())

	gate.leader.Store(true)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdownWaitsForDeliveries(t *testing.T) {
	q := memory.New("q", 0)
	publish(t, q, pointer("job-1", "", ""))

	d := newFakeDeliverer()
	release := d.hold("job-1")

	m := New(testConfig(), d, newGate(true))
	handleAll(m, q, pollAll(t, q))

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, q.Len())
}
