package warning

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []*Warning
}

func (n *recordingNotifier) NotifyWarning(w *Warning) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, w)
}

func TestAddAndQuery(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewInMemoryService(nil).WithClock(func() time.Time { return now })

	svc.AddWarning(CategoryMediation, SeverityWarning, "slow endpoint", "mediator")
	now = now.Add(time.Second)
	svc.AddWarning(CategoryCircuitBreaker, "error", "breaker open", "breaker")

	all := svc.GetAllWarnings()
	require.Len(t, all, 2)
	assert.Equal(t, "breaker open", all[0].Message, "newest first")
	assert.Equal(t, SeverityError, all[0].Severity, "severity is normalised")

	errs := svc.GetWarningsBySeverity("ERROR")
	require.Len(t, errs, 1)
	assert.Equal(t, CategoryCircuitBreaker, errs[0].Category)
}

func TestAcknowledge(t *testing.T) {
	svc := NewInMemoryService(nil)
	svc.AddWarning(CategoryPool, SeverityInfo, "pool created", "manager")

	id := svc.GetAllWarnings()[0].ID
	assert.True(t, svc.AcknowledgeWarning(id))
	assert.False(t, svc.AcknowledgeWarning("missing"))

	assert.Empty(t, svc.GetUnacknowledgedWarnings())
	assert.True(t, svc.GetAllWarnings()[0].Acknowledged)
}

func TestReturnedWarningsAreCopies(t *testing.T) {
	svc := NewInMemoryService(nil)
	svc.AddWarning(CategoryPool, SeverityInfo, "original", "test")

	svc.GetAllWarnings()[0].Message = "changed"
	assert.Equal(t, "original", svc.GetAllWarnings()[0].Message)
}

func TestCapacityEvictsOldest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewInMemoryService(nil).WithClock(func() time.Time { return now })

	svc.AddWarning(CategoryPool, SeverityInfo, "first", "test")
	for i := 0; i < MaxWarnings; i++ {
		now = now.Add(time.Millisecond)
		svc.AddWarning(CategoryPool, SeverityInfo, "later", "test")
	}

	assert.Equal(t, MaxWarnings, svc.Count())
	for _, w := range svc.GetAllWarnings() {
		assert.NotEqual(t, "first", w.Message)
	}
}

func TestClearOldWarnings(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := NewInMemoryService(nil).WithClock(func() time.Time { return now })

	svc.AddWarning(CategoryQueueHealth, SeverityWarning, "old", "test")
	now = now.Add(9 * time.Hour)
	svc.AddWarning(CategoryQueueHealth, SeverityWarning, "new", "test")

	assert.Equal(t, 1, svc.ClearOldWarnings(8*time.Hour))
	require.Len(t, svc.GetAllWarnings(), 1)
	assert.Equal(t, "new", svc.GetAllWarnings()[0].Message)

	svc.ClearAllWarnings()
	assert.Zero(t, svc.Count())
}

func TestSevereWarningsAreForwarded(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewInMemoryService(notifier)

	svc.AddWarning(CategoryMediation, SeverityInfo, "info", "test")
	svc.AddWarning(CategoryMediation, SeverityWarning, "warn", "test")
	svc.AddWarning(CategoryMediation, SeverityError, "error", "test")
	svc.AddWarning(CategoryLeadership, SeverityCritical, "critical", "test")

	require.Len(t, notifier.received, 2)
	assert.Equal(t, "error", notifier.received[0].Message)
	assert.Equal(t, "critical", notifier.received[1].Message)
}
