package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crawld/internal/config"
	"crawld/internal/memwatch"
	"crawld/internal/ratelimit"
	"crawld/pkg/crawler"
	"crawld/pkg/domain"
	"crawld/pkg/logger"
	"crawld/pkg/observer"
)

// SemaphoreOptions configure the fixed-concurrency dispatcher.
type SemaphoreOptions struct {
	// SemaphoreCount is the number of crawls allowed to run at once.
	SemaphoreCount int
}

// NewSemaphoreOptions constructs options from the application config.
func NewSemaphoreOptions(cfg *config.Config) SemaphoreOptions {
	return SemaphoreOptions{SemaphoreCount: cfg.Dispatcher.SemaphoreCount}
}

// DefaultSemaphoreOptions returns the dispatcher defaults.
func DefaultSemaphoreOptions() SemaphoreOptions {
	return SemaphoreOptions{SemaphoreCount: 5}
}

// SemaphoreDispatcher runs every URL as an independent task gated by a
// counting semaphore. It has no memory adaptation and no requeueing: a
// rate-limited task that still has retry budget is reported to the observer
// and dropped without a terminal result. Callers that need the
// one-result-per-URL guarantee should use MemoryAdaptiveDispatcher.
type SemaphoreDispatcher struct {
	opts    SemaphoreOptions
	limiter *ratelimit.Limiter
	obs     observer.TaskObserver
}

// NewSemaphore creates the dispatcher. limiter may be nil to disable rate
// limiting; a nil obs falls back to the no-op observer.
func NewSemaphore(opts SemaphoreOptions, limiter *ratelimit.Limiter, obs observer.TaskObserver) *SemaphoreDispatcher {
	if opts.SemaphoreCount <= 0 {
		opts.SemaphoreCount = DefaultSemaphoreOptions().SemaphoreCount
	}
	if obs == nil {
		obs = observer.Noop{}
	}

	return &SemaphoreDispatcher{
		opts:    opts,
		limiter: limiter,
		obs:     obs,
	}
}

// Run dispatches every URL and returns the terminal results in completion
// order.
func (d *SemaphoreDispatcher) Run(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig) ([]domain.TaskResult, error) {
	results := make([]domain.TaskResult, 0, len(urls))
	for r := range d.dispatch(ctx, urls, c, cfg) {
		results = append(results, r)
	}

	return results, nil
}

// RunStream dispatches every URL and yields terminal results in completion
// order; the channel closes after the last one.
func (d *SemaphoreDispatcher) RunStream(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig) (<-chan domain.TaskResult, error) {
	return d.dispatch(ctx, urls, c, cfg), nil
}

// dispatch launches every URL against the semaphore and returns the channel
// terminal results arrive on. The channel closes once all tasks finished.
func (d *SemaphoreDispatcher) dispatch(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig) <-chan domain.TaskResult {
	d.obs.RunStarted()

	out := make(chan domain.TaskResult)
	sem := make(chan struct{}, d.opts.SemaphoreCount)

	var wg sync.WaitGroup
	for _, u := range urls {
		id := domain.NewTaskID()
		d.obs.TaskAdded(id, u)

		wg.Add(1)
		go func(url string, taskID domain.TaskID) {
			defer wg.Done()
			if r := d.crawlTask(ctx, c, cfg, url, taskID, sem); r != nil {
				out <- *r
			}
		}(u, id)
	}

	go func() {
		wg.Wait()
		close(out)
		d.obs.RunFinished()
	}()

	return out
}

// crawlTask executes a single task: pace for the domain, take a semaphore
// slot, crawl, and settle the rate-limit decision. A nil return means the
// task ended without a terminal result (rate-limited with budget left).
func (d *SemaphoreDispatcher) crawlTask(ctx context.Context,
	c crawler.Crawler,
	cfg crawler.RunConfig,
	url string,
	taskID domain.TaskID,
	sem chan struct{}) (res *domain.TaskResult) {
	startTime := time.Now()

	d.obs.TaskUpdated(taskID, observer.TaskUpdate{
		Status:    ptr(domain.TaskStatusInProgress),
		StartTime: &startTime,
	})

	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "crawl worker panicked",
				zap.String("taskID", taskID.String()),
				zap.String("url", url),
				zap.Any("panic", p))
			msg := fmt.Sprintf("crawl worker panicked: %v", p)
			d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusFailed))
			res = d.finish(taskID, url, &domain.CrawlResult{URL: url, ErrorMessage: msg}, startTime, 0, 0, msg)
		}
	}()

	if d.limiter != nil {
		if err := d.limiter.WaitIfNeeded(ctx, url); err != nil {
			msg := err.Error()
			d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusFailed))

			return d.finish(taskID, url, &domain.CrawlResult{URL: url, ErrorMessage: msg}, startTime, 0, 0, msg)
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		msg := ctx.Err().Error()
		d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusFailed))

		return d.finish(taskID, url, &domain.CrawlResult{URL: url, ErrorMessage: msg}, startTime, 0, 0, msg)
	}
	defer func() { <-sem }()

	startRSS := memwatch.ProcessRSS()
	result, err := c.Run(ctx, url, cfg, taskID)
	delta := memwatch.ProcessRSS() - startRSS
	if delta < 0 {
		delta = 0
	}
	memoryUsage, peakMemory := delta, delta

	if err != nil || result == nil {
		msg := "crawler returned no result"
		if err != nil {
			msg = err.Error()
		}
		result = &domain.CrawlResult{URL: url, ErrorMessage: msg}
	}

	errorMessage := ""
	if d.limiter != nil && result.StatusCode != 0 {
		switch d.limiter.Update(result) {
		case ratelimit.DecisionNoRetry:
			errorMessage = rateLimitExceededMessage(d.limiter, url)
			d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusFailed))
		case ratelimit.DecisionRetry:
			// This strategy has no queue to hand the task back to; the task is
			// reported and dropped without a terminal result.
			d.obs.TaskUpdated(taskID, observer.TaskUpdate{
				Status:       ptr(domain.TaskStatusQueued),
				ErrorMessage: ptr("Requeued due to rate limit"),
			})

			return nil
		case ratelimit.DecisionContinue:
		}
	}

	if errorMessage == "" {
		if !result.Success {
			errorMessage = result.ErrorMessage
			d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusFailed))
		} else {
			d.obs.TaskUpdated(taskID, statusUpdate(domain.TaskStatusCompleted))
		}
	}

	return d.finish(taskID, url, result, startTime, memoryUsage, peakMemory, errorMessage)
}

// finish reports the final telemetry for a terminal attempt and builds its
// task result.
func (d *SemaphoreDispatcher) finish(taskID domain.TaskID,
	url string,
	result *domain.CrawlResult,
	startTime time.Time,
	memoryUsage, peakMemory float64,
	errorMessage string) *domain.TaskResult {
	endTime := time.Now()
	d.obs.TaskUpdated(taskID, observer.TaskUpdate{
		EndTime:      &endTime,
		MemoryUsage:  &memoryUsage,
		PeakMemory:   &peakMemory,
		ErrorMessage: &errorMessage,
	})

	return &domain.TaskResult{
		TaskID:       taskID,
		URL:          url,
		Result:       result,
		StartTime:    startTime,
		EndTime:      endTime,
		MemoryUsage:  memoryUsage,
		PeakMemory:   peakMemory,
		ErrorMessage: errorMessage,
	}
}

// Ensure SemaphoreDispatcher conforms to the Dispatcher interface.
var _ Dispatcher = (*SemaphoreDispatcher)(nil)
