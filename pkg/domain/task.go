package domain

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a dispatched crawl task.
// It wraps uuid.UUID to provide type safety at the domain layer. The same
// value is handed to the crawler as its session identifier.
type TaskID uuid.UUID

// NewTaskID returns a fresh random task identifier.
func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

// String returns the canonical textual form of the task ID.
func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// TaskStatus represents the lifecycle state of a dispatched task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting in the priority queue.
	TaskStatusQueued TaskStatus = "QUEUED"
	// TaskStatusInProgress indicates a worker is currently executing the task.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	// TaskStatusCompleted indicates the crawl finished successfully.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed indicates the crawl ended with an error; see ErrorMessage.
	TaskStatusFailed TaskStatus = "FAILED"
)

// MemoryState is the host memory pressure level reported by the memory
// monitor and consumed by the dispatcher's admission control.
type MemoryState string

const (
	// MemoryStateNormal means memory usage is below the pressure threshold.
	MemoryStateNormal MemoryState = "NORMAL"
	// MemoryStatePressure means usage crossed the pressure threshold; no new
	// tasks are admitted until usage falls to or below the recovery threshold.
	MemoryStatePressure MemoryState = "PRESSURE"
	// MemoryStateCritical means usage crossed the critical threshold; running
	// workers requeue instead of crawling.
	MemoryStateCritical MemoryState = "CRITICAL"
)

// CrawlResult is the outcome of a single crawl attempt as reported by the
// injected crawler capability. The dispatcher core only reads URL, Success,
// StatusCode, ResponseHeaders and ErrorMessage; everything else is carried
// through untouched for the caller.
type CrawlResult struct {
	// URL is the target that was crawled.
	URL string `json:"url"`
	// Success reports whether the crawl produced a usable response.
	Success bool `json:"success"`
	// StatusCode is the HTTP status of the final response, 0 when the request
	// never reached the server.
	StatusCode int `json:"statusCode,omitempty"`
	// ResponseHeaders are the response headers of the final response; nil when
	// the request never reached the server. The rate limiter reads the
	// rate-limit family of headers from here.
	ResponseHeaders http.Header `json:"-"`
	// ErrorMessage describes why the crawl failed; empty on success.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// ContentType is the media type of the fetched document, when known.
	ContentType string `json:"contentType,omitempty"`
	// ContentLength is the number of body bytes read, when known.
	ContentLength int64 `json:"contentLength,omitempty"`
	// Metadata carries crawler-specific extras opaque to the dispatcher.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the terminal record produced for every submitted URL.
type TaskResult struct {
	// TaskID identifies the task across queue, workers and observer updates.
	TaskID TaskID `json:"taskId"`
	// URL is the originally submitted target.
	URL string `json:"url"`
	// Result is the crawler's outcome; never nil in a terminal record.
	Result *CrawlResult `json:"result"`

	// StartTime is when a worker picked the task up for its final attempt.
	StartTime time.Time `json:"startTime"`
	// EndTime is when the final attempt finished.
	EndTime time.Time `json:"endTime"`

	// MemoryUsage is the process RSS delta over the crawl in MiB, clamped at
	// zero when the runtime released memory mid-crawl.
	MemoryUsage float64 `json:"memoryUsage"`
	// PeakMemory is the highest observed RSS delta in MiB.
	PeakMemory float64 `json:"peakMemory"`

	// RetryCount is how many times the task was requeued before terminating.
	RetryCount int `json:"retryCount"`
	// ErrorMessage is set when the task terminated unsuccessfully.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Success reports whether the task terminated with a successful crawl.
func (r TaskResult) Success() bool {
	return r.ErrorMessage == "" && r.Result != nil && r.Result.Success
}
