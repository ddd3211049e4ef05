package tasksource

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mule-ai/horde/pkg/job"
)

// Item is a batch waiting for an agent.
type Item struct {
	JobID               string       `json:"job_id"`
	BatchID             string       `json:"batch_id"`
	BatchIdx            int          `json:"batch_idx"`
	PoolID              string       `json:"pool_id"`
	AgentType           string       `json:"agent_type"`
	Priority            job.Priority `json:"priority"`
	JobCreatedAt        time.Time    `json:"job_created_at"`
	JobCreatedSeq       int64        `json:"job_created_seq,omitempty"`
	PoolHasAgentsOnline bool         `json:"pool_has_agents_online"`
}

// before orders higher priority first, then older jobs. Jobs created within
// the same clock tick fall back to their creation sequence, then to id and
// batch index so the order is total.
func (a Item) before(b Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.JobCreatedAt.Equal(b.JobCreatedAt) {
		return a.JobCreatedAt.Before(b.JobCreatedAt)
	}
	if a.JobCreatedSeq != b.JobCreatedSeq {
		return a.JobCreatedSeq < b.JobCreatedSeq
	}
	if a.JobID != b.JobID {
		return a.JobID < b.JobID
	}
	return a.BatchIdx < b.BatchIdx
}

type itemHeap []Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the dispatch queue. It is rebuilt on every tick and drained by
// lease assignment; both may happen concurrently.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
}

func NewQueue() *Queue {
	return &Queue{}
}

// Replace swaps the queue contents for items.
func (q *Queue) Replace(items []Item) {
	h := make(itemHeap, len(items))
	copy(h, items)
	heap.Init(&h)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = h
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the first item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the first item whose pool is one of pools. An empty
// pools list matches any pool.
func (q *Queue) Pop(pools []string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []Item
	defer func() {
		for _, item := range skipped {
			heap.Push(&q.items, item)
		}
	}()
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(Item)
		if len(pools) == 0 || lo.Contains(pools, item.PoolID) {
			return item, true
		}
		skipped = append(skipped, item)
	}
	return Item{}, false
}

// Remove drops every item for a batch.
func (q *Queue) Remove(jobID, batchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = itemHeap(lo.Reject([]Item(q.items), func(item Item, _ int) bool {
		return item.JobID == jobID && item.BatchID == batchID
	}))
	heap.Init(&q.items)
}

// Snapshot returns the queued items in dispatch order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}
