package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"crawld/pkg/domain"
	"crawld/pkg/observer"
)

// Entry is an admitted-but-not-yet-completed unit of work. Entries are
// replaced, not mutated, on requeue.
type Entry struct {
	// URL is the crawl target.
	URL string
	// TaskID identifies the task across queue, workers and observer updates.
	TaskID domain.TaskID
	// RetryCount is how many times this entry has been requeued.
	RetryCount int
	// EnqueueTime is when the entry last entered the queue; fairness sweeps
	// compute wait times from it.
	EnqueueTime time.Time
	// PriorityScore orders the queue; lower is served earlier.
	PriorityScore float64

	// seq breaks priority ties in strict insertion order.
	seq uint64
}

// entryHeap is a min-heap over (PriorityScore, seq).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].PriorityScore != h[j].PriorityScore {
		return h[i].PriorityScore < h[j].PriorityScore
	}

	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) } //nolint: forcetypeassert

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

// Queue is the dispatcher's priority queue: a min-heap keyed by
// (PriorityScore, insertion sequence) so equal-priority entries are served in
// strict FIFO order. It is safe for concurrent producers and consumers.
type Queue struct {
	mu      sync.Mutex
	seq     uint64
	entries entryHeap
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Insert adds one entry.
func (q *Queue) Insert(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.push(e)
}

// BulkInsert adds all entries in order, preserving their relative FIFO
// position within equal priorities.
func (q *Queue) BulkInsert(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		q.push(e)
	}
}

// push assumes q.mu is held.
func (q *Queue) push(e Entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.entries, &e)
}

// Pop removes and returns the highest-priority entry, reporting ok=false on
// an empty queue. It never blocks.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := heap.Pop(&q.entries).(*Entry) //nolint: forcetypeassert

	return *e, true
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// DrainAll removes and returns every entry in priority order. The deadline
// caps how long the drain may run; entries not drained in time stay queued.
func (q *Queue) DrainAll(deadline time.Duration) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := time.Now().Add(deadline)
	out := make([]Entry, 0, len(q.entries))
	for len(q.entries) > 0 && time.Now().Before(limit) {
		e := heap.Pop(&q.entries).(*Entry) //nolint: forcetypeassert
		out = append(out, *e)
	}

	return out
}

// Rescore recomputes every entry's priority in place using score, re-heapifies
// and returns aggregate queue statistics. This is the fairness sweep: it runs
// under the queue lock, so concurrent worker requeues simply order before or
// after it.
func (q *Queue) Rescore(now time.Time, score func(wait time.Duration, retryCount int) float64) observer.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := observer.QueueStats{TotalQueued: len(q.entries)}
	if len(q.entries) == 0 {
		return stats
	}

	var totalWait time.Duration
	for _, e := range q.entries {
		wait := now.Sub(e.EnqueueTime)
		e.PriorityScore = score(wait, e.RetryCount)
		totalWait += wait
		if wait > stats.HighestWaitTime {
			stats.HighestWaitTime = wait
		}
	}
	heap.Init(&q.entries)

	stats.AvgWaitTime = totalWait / time.Duration(len(q.entries))

	return stats
}
