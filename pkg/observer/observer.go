// Package observer defines the telemetry sink the dispatchers report to. The
// core calls the interface but never depends on a concrete implementation;
// implementations must not block the scheduler.
package observer

import (
	"time"

	"crawld/pkg/domain"
)

// TaskUpdate is a partial update to a task's telemetry. Nil fields are
// untouched.
type TaskUpdate struct {
	// Status is the new lifecycle state, if it changed.
	Status *domain.TaskStatus
	// StartTime is when a worker picked the task up.
	StartTime *time.Time
	// EndTime is when the attempt finished.
	EndTime *time.Time
	// WaitTime is how long the task sat in the queue before admission.
	WaitTime *time.Duration
	// MemoryUsage is the RSS delta over the crawl in MiB.
	MemoryUsage *float64
	// PeakMemory is the highest observed RSS delta in MiB.
	PeakMemory *float64
	// RetryCount is the number of requeues so far.
	RetryCount *int
	// ErrorMessage carries a failure or requeue reason.
	ErrorMessage *string
}

// QueueStats summarize the waiting work at the time of a fairness sweep.
type QueueStats struct {
	// TotalQueued is the number of entries waiting in the queue.
	TotalQueued int
	// HighestWaitTime is the wait of the longest-waiting entry.
	HighestWaitTime time.Duration
	// AvgWaitTime is the mean wait across all entries.
	AvgWaitTime time.Duration
	// Error annotates a failed sweep; empty on success.
	Error string
}

// TaskObserver receives task, queue and memory telemetry from a dispatcher.
// All methods are called from the scheduler or its workers and must return
// quickly; implementations that render or export must buffer.
type TaskObserver interface {
	// TaskAdded announces a newly submitted URL and its task ID.
	TaskAdded(taskID domain.TaskID, url string)
	// TaskUpdated reports a partial change to a task's telemetry.
	TaskUpdated(taskID domain.TaskID, update TaskUpdate)
	// QueueStatsUpdated reports aggregate queue statistics after a fairness sweep.
	QueueStatsUpdated(stats QueueStats)
	// MemoryStateChanged reports a memory state transition.
	MemoryStateChanged(state domain.MemoryState)
	// RunStarted marks the beginning of a dispatch run.
	RunStarted()
	// RunFinished marks the end of a dispatch run.
	RunFinished()
}

// Noop is a TaskObserver that discards everything.
type Noop struct{}

// TaskAdded implements TaskObserver.
func (Noop) TaskAdded(domain.TaskID, string) {}

// TaskUpdated implements TaskObserver.
func (Noop) TaskUpdated(domain.TaskID, TaskUpdate) {}

// QueueStatsUpdated implements TaskObserver.
func (Noop) QueueStatsUpdated(QueueStats) {}

// MemoryStateChanged implements TaskObserver.
func (Noop) MemoryStateChanged(domain.MemoryState) {}

// RunStarted implements TaskObserver.
func (Noop) RunStarted() {}

// RunFinished implements TaskObserver.
func (Noop) RunFinished() {}

// Multi fans every call out to each wrapped observer in order.
type Multi []TaskObserver

// TaskAdded implements TaskObserver.
func (m Multi) TaskAdded(taskID domain.TaskID, url string) {
	for _, o := range m {
		o.TaskAdded(taskID, url)
	}
}

// TaskUpdated implements TaskObserver.
func (m Multi) TaskUpdated(taskID domain.TaskID, update TaskUpdate) {
	for _, o := range m {
		o.TaskUpdated(taskID, update)
	}
}

// QueueStatsUpdated implements TaskObserver.
func (m Multi) QueueStatsUpdated(stats QueueStats) {
	for _, o := range m {
		o.QueueStatsUpdated(stats)
	}
}

// MemoryStateChanged implements TaskObserver.
func (m Multi) MemoryStateChanged(state domain.MemoryState) {
	for _, o := range m {
		o.MemoryStateChanged(state)
	}
}

// RunStarted implements TaskObserver.
func (m Multi) RunStarted() {
	for _, o := range m {
		o.RunStarted()
	}
}

// RunFinished implements TaskObserver.
func (m Multi) RunFinished() {
	for _, o := range m {
		o.RunFinished()
	}
}
