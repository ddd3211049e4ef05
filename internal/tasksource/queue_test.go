package tasksource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/pkg/job"
)

func TestQueueOrdering(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue()
	q.Replace([]Item{
		{JobID: "old-normal", BatchID: "b1", Priority: job.PriorityNormal, JobCreatedAt: t0, PoolID: "win"},
		{JobID: "new-high", BatchID: "b1", Priority: job.PriorityHighest, JobCreatedAt: t0.Add(time.Hour), PoolID: "linux"},
		{JobID: "new-normal", BatchID: "b1", Priority: job.PriorityNormal, JobCreatedAt: t0.Add(time.Minute), PoolID: "win"},
		{JobID: "old-normal", BatchID: "b0", BatchIdx: -1, Priority: job.PriorityNormal, JobCreatedAt: t0, PoolID: "win"},
	})
	require.Equal(t, 4, q.Len())

	first, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "new-high", first.JobID)

	var order []string
	for _, item := range q.Snapshot() {
		order = append(order, item.JobID+"/"+item.BatchID)
	}
	assert.Equal(t, []string{"new-high/b1", "old-normal/b0", "old-normal/b1", "new-normal/b1"}, order)
	assert.Equal(t, 4, q.Len(), "snapshot does not drain")
}

func TestQueueOrdersSameInstantJobsByCreation(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue()
	q.Replace([]Item{
		{JobID: "a", BatchID: "x", Priority: job.PriorityNormal, JobCreatedAt: t0, JobCreatedSeq: 2},
		{JobID: "b", BatchID: "y", Priority: job.PriorityNormal, JobCreatedAt: t0, JobCreatedSeq: 1},
	})

	item, ok := q.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "b", item.JobID, "earlier created job wins despite its larger id")
}

func TestQueuePopFiltersByPool(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue()
	q.Replace([]Item{
		{JobID: "a", BatchID: "b", Priority: job.PriorityHighest, JobCreatedAt: t0, PoolID: "linux"},
		{JobID: "c", BatchID: "d", Priority: job.PriorityNormal, JobCreatedAt: t0, PoolID: "win"},
	})

	item, ok := q.Pop([]string{"win"})
	require.True(t, ok)
	assert.Equal(t, "c", item.JobID)

	_, ok = q.Pop([]string{"mac"})
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len(), "skipped items stay queued")

	item, ok = q.Pop(nil)
	require.True(t, ok)
	assert.Equal(t, "a", item.JobID)

	_, ok = q.Pop(nil)
	assert.False(t, ok)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	q.Replace([]Item{{JobID: "a", BatchID: "1"}, {JobID: "a", BatchID: "2"}})
	q.Remove("a", "1")

	items := q.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].BatchID)
}
