package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue() (*Queue, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("test", 30*time.Second).WithClock(clock.Now), clock
}

func publish(t *testing.T, q *Queue, body string) string {
	t.Helper()
	id, err := q.Publish(context.Background(), &queue.OutboundMessage{Body: []byte(body)})
	require.NoError(t, err)
	return id
}

func TestQueuePollAndAck(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	id := publish(t, q, "a")

	msgs, err := q.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.Equal(t, "test", msgs[0].QueueIdentifier)

	again, err := q.Poll(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight message is invisible")

	require.NoError(t, q.Ack(ctx, msgs[0]))
	assert.Equal(t, 0, q.Len())
}

func TestQueueVisibilityTimeoutRedelivers(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()
	publish(t, q, "a")

	first, _ := q.Poll(ctx, 1)
	clock.Advance(31 * time.Second)

	second, err := q.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)
	assert.Equal(t, 2, second[0].ReceiveCount)

	assert.ErrorIs(t, q.Ack(ctx, first[0]), queue.ErrReceiptHandleExpired)
	assert.NoError(t, q.Ack(ctx, second[0]))
}

func TestQueueNackAndDeferAreCountedSeparately(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()
	publish(t, q, "a")
	publish(t, q, "b")

	msgs, _ := q.Poll(ctx, 2)
	require.Len(t, msgs, 2)
	require.NoError(t, q.Nack(ctx, msgs[0], 10*time.Second))
	require.NoError(t, q.Defer(ctx, msgs[1], 5*time.Second))

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Nacked)
	assert.Equal(t, int64(1), m.Deferred)
	assert.Equal(t, int64(2), m.Pending)

	clock.Advance(6 * time.Second)
	visible, _ := q.Poll(ctx, 10)
	require.Len(t, visible, 1)
	assert.Equal(t, msgs[1].ID, visible[0].ID)
}

func TestQueueExtendVisibility(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()
	publish(t, q, "a")

	msgs, _ := q.Poll(ctx, 1)
	clock.Advance(25 * time.Second)
	require.NoError(t, q.ExtendVisibility(ctx, msgs[0], 60))
	clock.Advance(25 * time.Second)

	again, _ := q.Poll(ctx, 1)
	assert.Empty(t, again)

	m, _ := q.Metrics(ctx)
	assert.Equal(t, int64(1), m.InFlight)
}

func TestQueueDeadLetter(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	publish(t, q, "bad")

	msgs, _ := q.Poll(ctx, 1)
	require.NoError(t, q.DeadLetter(ctx, msgs[0], "malformed"))

	assert.Equal(t, 0, q.Len())
	dl := q.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "malformed", dl[0].Reason)
	assert.Equal(t, []byte("bad"), dl[0].Message.Body)
}

func TestQueueDeduplicationWindow(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	_, err := q.Publish(ctx, &queue.OutboundMessage{Body: []byte("a"), DeduplicationID: "d1"})
	require.NoError(t, err)
	_, err = q.Publish(ctx, &queue.OutboundMessage{Body: []byte("a"), DeduplicationID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	clock.Advance(6 * time.Minute)
	_, err = q.Publish(ctx, &queue.OutboundMessage{Body: []byte("a"), DeduplicationID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 2, q.Len())
}

func TestQueueClose(t *testing.T) {
	q, _ := newTestQueue()
	require.True(t, q.IsHealthy())
	require.NoError(t, q.Close())

	assert.False(t, q.IsHealthy())
	_, err := q.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
