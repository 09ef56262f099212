package dispatch

import (
	"context"
	"fmt"
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

// MemoryAdaptiveOptions configure the memory-adaptive dispatcher.
type MemoryAdaptiveOptions struct {
	// MaxSessionPermit caps the number of in-flight crawl tasks.
	MaxSessionPermit int
	// FairnessTimeout is the wait beyond which a queued task is promoted ahead
	// of all non-starved work.
	FairnessTimeout time.Duration
}

// NewMemoryAdaptiveOptions constructs options from the application config.
func NewMemoryAdaptiveOptions(cfg *config.Config) MemoryAdaptiveOptions {
	return MemoryAdaptiveOptions{
		MaxSessionPermit: cfg.Dispatcher.MaxSessionPermit,
		FairnessTimeout:  cfg.Dispatcher.FairnessTimeout,
	}
}

// DefaultMemoryAdaptiveOptions returns the dispatcher defaults.
func DefaultMemoryAdaptiveOptions() MemoryAdaptiveOptions {
	return MemoryAdaptiveOptions{
		MaxSessionPermit: 20,
		FairnessTimeout:  10 * time.Minute,
	}
}

// MemoryAdaptiveDispatcher schedules crawls through a priority queue with
// admission control driven by host memory pressure: no new tasks start under
// PRESSURE, and running tasks requeue instead of crawling under CRITICAL.
// Waiting tasks are periodically re-scored so long waiters cannot starve.
type MemoryAdaptiveDispatcher struct {
	opts    MemoryAdaptiveOptions
	limiter *ratelimit.Limiter
	monitor *memwatch.Monitor
	obs     observer.TaskObserver
}

// NewMemoryAdaptive creates the dispatcher. limiter and monitor may be nil to
// disable rate limiting or memory adaptation; a nil obs falls back to the
// no-op observer.
func NewMemoryAdaptive(opts MemoryAdaptiveOptions,
	limiter *ratelimit.Limiter,
	monitor *memwatch.Monitor,
	obs observer.TaskObserver) *MemoryAdaptiveDispatcher {
	def := DefaultMemoryAdaptiveOptions()
	if opts.MaxSessionPermit <= 0 {
		opts.MaxSessionPermit = def.MaxSessionPermit
	}
	if opts.FairnessTimeout <= 0 {
		opts.FairnessTimeout = def.FairnessTimeout
	}
	if obs == nil {
		obs = observer.Noop{}
	}

	return &MemoryAdaptiveDispatcher{
		opts:    opts,
		limiter: limiter,
		monitor: monitor,
		obs:     obs,
	}
}

// Run dispatches every URL and returns when all of them have terminal
// results, in completion order.
func (d *MemoryAdaptiveDispatcher) Run(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig) ([]domain.TaskResult, error) {
	results := make([]domain.TaskResult, 0, len(urls))
	err := d.run(ctx, urls, c, cfg, func(r domain.TaskResult) error {
		results = append(results, r)

		return nil
	})

	return results, err
}

// RunStream dispatches every URL and yields terminal results in completion
// order. The channel closes after the last result, or early on cancellation.
func (d *MemoryAdaptiveDispatcher) RunStream(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig) (<-chan domain.TaskResult, error) {
	out := make(chan domain.TaskResult)

	go func() {
		defer close(out)

		err := d.run(ctx, urls, c, cfg, func(r domain.TaskResult) error {
			select {
			case out <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err() //nolint: wrapcheck
			}
		})
		if err != nil {
			logger.Debug(ctx, "stream ended early", zap.Error(err))
		}
	}()

	return out, nil
}

// memState reads the current memory level, NORMAL when no monitor is wired.
func (d *MemoryAdaptiveDispatcher) memState() domain.MemoryState {
	if d.monitor == nil {
		return domain.MemoryStateNormal
	}

	return d.monitor.State()
}

// priorityScore computes the queue ordering key. Tasks that waited past the
// fairness timeout sort by longest wait first (most negative); everything
// else sorts by retry count ascending, preferring first attempts.
func (d *MemoryAdaptiveDispatcher) priorityScore(wait time.Duration, retryCount int) float64 {
	if wait > d.opts.FairnessTimeout {
		return -wait.Seconds()
	}

	return float64(retryCount)
}

// run is the single scheduler loop shared by Run and RunStream; emit delivers
// each terminal result. The loop exits when queue and in-flight set are both
// empty, or after cancellation once in-flight workers have finished.
func (d *MemoryAdaptiveDispatcher) run(ctx context.Context,
	urls []string,
	c crawler.Crawler,
	cfg crawler.RunConfig,
	emit func(domain.TaskResult) error) error {
	d.obs.RunStarted()
	defer d.obs.RunFinished()

	if d.monitor != nil {
		stopMonitor := d.monitor.Start(ctx)
		defer stopMonitor()
	}

	queue := NewQueue()
	now := time.Now()
	entries := make([]Entry, 0, len(urls))
	for _, u := range urls {
		id := domain.NewTaskID()
		d.obs.TaskAdded(id, u)
		entries = append(entries, Entry{URL: u, TaskID: id, EnqueueTime: now})
	}
	queue.BulkInsert(entries)

	// Workers never block on this channel: the loop only exits with zero
	// in-flight tasks and the buffer covers the concurrency cap.
	done := make(chan workerResult, d.opts.MaxSessionPermit)
	inFlight := 0

	var emitErr error
	deliver := func(r workerResult) {
		inFlight--
		if r.result == nil || emitErr != nil {
			return
		}
		if err := emit(*r.result); err != nil {
			emitErr = err
		}
	}

	for {
		canceled := ctx.Err() != nil
		if inFlight == 0 && (canceled || queue.IsEmpty()) {
			break
		}

		// Admission: while memory is not under pressure and capacity remains,
		// move the highest-priority entries in flight.
		admitted := false
		for !canceled && d.memState() != domain.MemoryStatePressure && inFlight < d.opts.MaxSessionPermit {
			e, ok := queue.Pop()
			if !ok {
				break
			}
			inFlight++
			admitted = true
			d.obs.TaskUpdated(e.TaskID, observer.TaskUpdate{
				Status:   ptr(domain.TaskStatusInProgress),
				WaitTime: ptr(time.Since(e.EnqueueTime)),
			})
			go func(e Entry) {
				done <- workerResult{result: d.crawlTask(ctx, c, cfg, e, queue)}
			}(e)
		}

		// Completion: wait briefly for any worker, then drain the ready ones.
		if inFlight > 0 {
			select {
			case r := <-done:
				deliver(r)
				for drained := false; !drained; {
					select {
					case r := <-done:
						deliver(r)
					default:
						drained = true
					}
				}
			case <-time.After(pollInterval):
			}
		} else if !admitted {
			// Queue holds work but admission is blocked (memory pressure);
			// wait out the poll interval before rechecking.
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
			}
		}

		// Fairness: rewrite priorities of waiting tasks so long waiters are
		// served ahead of fresher work.
		if stats := queue.Rescore(time.Now(), d.priorityScore); stats.TotalQueued > 0 {
			d.obs.QueueStatsUpdated(stats)
		}
	}

	return emitErr
}

// requeue puts a replacement entry back on the queue with a bumped retry
// count and a fresh enqueue time.
func (d *MemoryAdaptiveDispatcher) requeue(queue *Queue, e Entry, reason string) {
	e.RetryCount++
	e.EnqueueTime = time.Now()
	e.PriorityScore = d.priorityScore(0, e.RetryCount)
	queue.Insert(e)

	d.obs.TaskUpdated(e.TaskID, observer.TaskUpdate{
		Status:       ptr(domain.TaskStatusQueued),
		ErrorMessage: &reason,
	})
}

// crawlTask executes one admitted task. It returns nil when the task was
// requeued (rate limit or critical memory) and a terminal result otherwise;
// panics surface as failed results so a worker can never kill the scheduler.
func (d *MemoryAdaptiveDispatcher) crawlTask(ctx context.Context,
	c crawler.Crawler,
	cfg crawler.RunConfig,
	e Entry,
	queue *Queue) (res *domain.TaskResult) {
	startTime := time.Now()
	startRSS := memwatch.ProcessRSS()

	d.obs.TaskUpdated(e.TaskID, observer.TaskUpdate{
		Status:     ptr(domain.TaskStatusInProgress),
		StartTime:  &startTime,
		RetryCount: &e.RetryCount,
	})

	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "crawl worker panicked",
				zap.String("taskID", e.TaskID.String()),
				zap.String("url", e.URL),
				zap.Any("panic", p))
			msg := fmt.Sprintf("crawl worker panicked: %v", p)
			d.obs.TaskUpdated(e.TaskID, statusUpdate(domain.TaskStatusFailed))
			res = d.finish(e, &domain.CrawlResult{URL: e.URL, ErrorMessage: msg}, startTime, 0, 0, msg)
		}
	}()

	if d.limiter != nil {
		if err := d.limiter.WaitIfNeeded(ctx, e.URL); err != nil {
			msg := err.Error()
			d.obs.TaskUpdated(e.TaskID, statusUpdate(domain.TaskStatusFailed))

			return d.finish(e, &domain.CrawlResult{URL: e.URL, ErrorMessage: msg}, startTime, 0, 0, msg)
		}
	}

	// A critical memory level observed after pacing means this task should
	// not add load now; hand it back to the queue.
	if d.memState() == domain.MemoryStateCritical {
		d.requeue(queue, e, "Requeued due to critical memory pressure")

		return nil
	}

	result, err := c.Run(ctx, e.URL, cfg, e.TaskID)

	delta := memwatch.ProcessRSS() - startRSS
	if delta < 0 {
		// The runtime may release memory mid-crawl; a negative delta carries
		// no signal.
		delta = 0
	}
	memoryUsage, peakMemory := delta, delta

	if err != nil || result == nil {
		msg := "crawler returned no result"
		if err != nil {
			msg = err.Error()
		}
		result = &domain.CrawlResult{URL: e.URL, ErrorMessage: msg}
	}

	// The rate-limit decision comes before any terminal bookkeeping: RETRY
	// must never emit a terminal result and NO_RETRY always must.
	errorMessage := ""
	if d.limiter != nil && result.StatusCode != 0 {
		switch d.limiter.Update(result) {
		case ratelimit.DecisionNoRetry:
			errorMessage = rateLimitExceededMessage(d.limiter, e.URL)
			d.obs.TaskUpdated(e.TaskID, statusUpdate(domain.TaskStatusFailed))
		case ratelimit.DecisionRetry:
			d.requeue(queue, e, "Requeued due to rate limit")

			return nil
		case ratelimit.DecisionContinue:
		}
	}

	if errorMessage == "" {
		if !result.Success {
			errorMessage = result.ErrorMessage
			d.obs.TaskUpdated(e.TaskID, statusUpdate(domain.TaskStatusFailed))
		} else {
			d.obs.TaskUpdated(e.TaskID, statusUpdate(domain.TaskStatusCompleted))
		}
	}

	return d.finish(e, result, startTime, memoryUsage, peakMemory, errorMessage)
}

// finish reports the final telemetry for a terminal attempt and builds its
// task result.
func (d *MemoryAdaptiveDispatcher) finish(e Entry,
	result *domain.CrawlResult,
	startTime time.Time,
	memoryUsage, peakMemory float64,
	errorMessage string) *domain.TaskResult {
	endTime := time.Now()
	d.obs.TaskUpdated(e.TaskID, observer.TaskUpdate{
		EndTime:      &endTime,
		MemoryUsage:  &memoryUsage,
		PeakMemory:   &peakMemory,
		RetryCount:   &e.RetryCount,
		ErrorMessage: &errorMessage,
	})

	return &domain.TaskResult{
		TaskID:       e.TaskID,
		URL:          e.URL,
		Result:       result,
		StartTime:    startTime,
		EndTime:      endTime,
		MemoryUsage:  memoryUsage,
		PeakMemory:   peakMemory,
		RetryCount:   e.RetryCount,
		ErrorMessage: errorMessage,
	}
}

// Ensure MemoryAdaptiveDispatcher conforms to the Dispatcher interface.
var _ Dispatcher = (*MemoryAdaptiveDispatcher)(nil)
