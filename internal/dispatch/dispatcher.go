// Package dispatch contains the crawl dispatchers: scheduling cores that
// drive a crawler capability over a bulk list of URLs under memory pressure
// awareness, per-domain rate limiting, fairness re-prioritization and bounded
// concurrency, delivering per-URL results as a batch or a live stream.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"crawld/internal/ratelimit"
	"crawld/pkg/crawler"
	"crawld/pkg/domain"
	"crawld/pkg/observer"
)

// pollInterval paces the scheduler's admission and completion polls so the
// loop stays responsive to both.
const pollInterval = 100 * time.Millisecond

// Dispatcher drives a crawler capability over a list of URLs and delivers at
// most one terminal result per URL. MemoryAdaptiveDispatcher delivers exactly
// one per URL unless the run is canceled; SemaphoreDispatcher delivers none
// for a rate-limited task that still had retry budget.
type Dispatcher interface {
	// Run dispatches every URL and returns when all tasks have finished.
	// Results are in completion order.
	Run(ctx context.Context,
		urls []string,
		c crawler.Crawler,
		cfg crawler.RunConfig) ([]domain.TaskResult, error)

	// RunStream dispatches every URL and yields each terminal result as it
	// occurs. The channel closes after the last result, or early when ctx is
	// canceled.
	RunStream(ctx context.Context,
		urls []string,
		c crawler.Crawler,
		cfg crawler.RunConfig) (<-chan domain.TaskResult, error)
}

// workerResult is what a worker hands back to the scheduler loop. A nil
// result means the task was requeued and produced no terminal record.
type workerResult struct {
	result *domain.TaskResult
}

// rateLimitExceededMessage is the terminal error for a domain that exhausted
// its rate-limit retry budget.
func rateLimitExceededMessage(limiter *ratelimit.Limiter, rawURL string) string {
	return fmt.Sprintf("Rate limit retry count exceeded for domain %s", limiter.Host(rawURL))
}

// ptr returns a pointer to v, for building observer.TaskUpdate values.
func ptr[T any](v T) *T { return &v }

// statusUpdate builds a TaskUpdate that only changes the status.
func statusUpdate(s domain.TaskStatus) observer.TaskUpdate {
	return observer.TaskUpdate{Status: &s}
}
