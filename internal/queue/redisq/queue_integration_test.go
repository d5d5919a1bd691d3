//go:build integration

package redisq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"go.flowcatalyst.tech/dispatchcore/internal/queue"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)
	return endpoint
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, url string) (*Queue, *testClock) {
	t.Helper()
	q, err := Dial(context.Background(), Config{
		URL:               url,
		Name:              fmt.Sprintf("test-%d", time.Now().UnixNano()),
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	clock := &testClock{now: time.Now()}
	q.now = clock.Now
	return q, clock
}

func TestRedisQueue(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	t.Run("poll ack and stale receipt", func(t *testing.T) {
		q, clock := newTestQueue(t, url)

		id, err := q.Publish(ctx, &queue.OutboundMessage{Body: []byte(`{"id":"a"}`), MessageGroup: "g"})
		require.NoError(t, err)

		first, err := q.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, id, first[0].ID)
		assert.Equal(t, "g", first[0].MessageGroup)
		assert.Equal(t, 1, first[0].ReceiveCount)

		clock.Advance(31 * time.Second)
		second, err := q.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, 2, second[0].ReceiveCount)

		assert.ErrorIs(t, q.Ack(ctx, first[0]), queue.ErrReceiptHandleExpired)
		require.NoError(t, q.Ack(ctx, second[0]))

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, m.Pending)
		assert.Zero(t, m.InFlight)
		assert.Equal(t, int64(1), m.Acked)
	})

	t.Run("defer and extend", func(t *testing.T) {
		q, clock := newTestQueue(t, url)
		_, err := q.Publish(ctx, &queue.OutboundMessage{Body: []byte("x")})
		require.NoError(t, err)

		msgs, err := q.Poll(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.Defer(ctx, msgs[0], 5*time.Second))

		none, err := q.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, none)

		clock.Advance(6 * time.Second)
		msgs, err = q.Poll(ctx, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		clock.Advance(25 * time.Second)
		require.NoError(t, q.ExtendVisibility(ctx, msgs[0], 60))
		clock.Advance(25 * time.Second)
		none, err = q.Poll(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("dead letter and dedup", func(t *testing.T) {
		q, _ := newTestQueue(t, url)

		id, err := q.Publish(ctx, &queue.OutboundMessage{Body: []byte("bad"), DeduplicationID: "d1"})
		require.NoError(t, err)
		dup, err := q.Publish(ctx, &queue.OutboundMessage{Body: []byte("bad"), DeduplicationID: "d1"})
		require.NoError(t, err)
		assert.Empty(t, dup)

		msgs, err := q.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, id, msgs[0].ID)

		require.NoError(t, q.DeadLetter(ctx, msgs[0], "malformed"))
		n, err := q.DeadLetterCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
