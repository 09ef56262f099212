package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"crawld/internal/dispatch"
	"crawld/internal/memwatch"
	"crawld/internal/ratelimit"
	"crawld/pkg/crawler"
	mockcrawler "crawld/pkg/crawler/mock"
	"crawld/pkg/domain"
	"crawld/pkg/logger"
	"crawld/pkg/observer"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.DevelopmentEnvironment)
	m.Run()
}

// fastLimiter paces with a fixed tiny delay so tests stay quick.
func fastLimiter(maxRetries int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Options{
		BaseDelayMin: time.Millisecond,
		BaseDelayMax: time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		MaxRetries:   maxRetries,
	})
}

// callLog records every crawl invocation with its wall-clock time.
type callLog struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	url  string
	host string
	at   time.Time
}

func (cl *callLog) record(rawURL string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.calls = append(cl.calls, call{url: rawURL, host: hostOf(rawURL), at: time.Now()})

	return len(cl.calls)
}

func (cl *callLog) snapshot() []call {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return append([]call(nil), cl.calls...)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return u.Host
}

func okResult(url string) *domain.CrawlResult {
	return &domain.CrawlResult{URL: url, Success: true, StatusCode: 200}
}

// okCrawler succeeds after an optional delay, honoring cancellation.
func okCrawler(log *callLog, delay time.Duration) crawler.Func {
	return func(ctx context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) {
		if log != nil {
			log.record(url)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return okResult(url), nil
	}
}

// scriptedSampler serves a controllable memory percentage.
type scriptedSampler struct {
	mu      sync.Mutex
	percent float64
}

func (s *scriptedSampler) set(percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percent = percent
}

func (s *scriptedSampler) sample(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.percent, nil
}

// primedMonitor returns a monitor already settled in the state implied by
// percent, so scheduler tests don't race the first sample.
func primedMonitor(t *testing.T, percent float64) (*memwatch.Monitor, *scriptedSampler) {
	t.Helper()

	sampler := &scriptedSampler{percent: percent}
	m := memwatch.New(memwatch.Options{
		ThresholdPercent:         90,
		CriticalThresholdPercent: 95,
		RecoveryThresholdPercent: 85,
		CheckInterval:            time.Millisecond,
	}, sampler.sample, nil)

	stop := m.Start(context.Background())
	t.Cleanup(stop)

	require.Eventually(t, func() bool {
		return m.State() != domain.MemoryStateNormal || percent < 85
	}, time.Second, time.Millisecond)

	return m, sampler
}

func newDispatcher(maxPermit int, limiter *ratelimit.Limiter, monitor *memwatch.Monitor) *dispatch.MemoryAdaptiveDispatcher { //nolint: lll
	return dispatch.NewMemoryAdaptive(dispatch.MemoryAdaptiveOptions{
		MaxSessionPermit: maxPermit,
	}, limiter, monitor, nil)
}

func TestMemoryAdaptiveRunEmpty(t *testing.T) {
	d := newDispatcher(4, nil, nil)

	results, err := d.Run(context.Background(), nil, okCrawler(nil, 0), crawler.RunConfig{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestMemoryAdaptiveRunSingleURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mockcrawler.NewMockCrawler(ctrl)
	mock.EXPECT().
		Run(gomock.Any(), "https://a.test/1", gomock.Any(), gomock.Any()).
		Return(okResult("https://a.test/1"), nil)

	d := newDispatcher(4, fastLimiter(3), nil)

	results, err := d.Run(context.Background(), []string{"https://a.test/1"}, mock, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.True(t, r.Success())
	require.Equal(t, "https://a.test/1", r.URL)
	require.Zero(t, r.RetryCount)
	require.NotEqual(t, domain.TaskID{}, r.TaskID)
	require.False(t, r.EndTime.Before(r.StartTime))
}

func TestMemoryAdaptiveRunBatchOneResultPerURL(t *testing.T) {
	urls := make([]string, 0, 10)
	for i := range 10 {
		urls = append(urls, fmt.Sprintf("https://h%d.test/page", i))
	}

	d := newDispatcher(5, fastLimiter(3), nil)

	results, err := d.Run(context.Background(), urls, okCrawler(nil, 5*time.Millisecond), crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, len(urls))

	got := make([]string, 0, len(results))
	seenTasks := map[domain.TaskID]bool{}
	for _, r := range results {
		require.True(t, r.Success(), "unexpected failure for %s: %s", r.URL, r.ErrorMessage)
		require.False(t, seenTasks[r.TaskID], "duplicate terminal result for task %s", r.TaskID)
		seenTasks[r.TaskID] = true
		got = append(got, r.URL)
	}
	sort.Strings(got)
	want := append([]string(nil), urls...)
	sort.Strings(want)
	require.Equal(t, want, got)
}

func TestMemoryAdaptivePoliteSpacingPerDomain(t *testing.T) {
	const delay = 120 * time.Millisecond
	limiter := ratelimit.New(ratelimit.Options{
		BaseDelayMin: delay,
		BaseDelayMax: delay,
		MaxDelay:     time.Minute,
		MaxRetries:   3,
	})

	log := &callLog{}
	d := newDispatcher(10, limiter, nil)

	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}
	results, err := d.Run(context.Background(), urls, okCrawler(log, 0), crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	calls := log.snapshot()
	require.Len(t, calls, 3)
	sort.Slice(calls, func(i, j int) bool { return calls[i].at.Before(calls[j].at) })
	for i := 1; i < len(calls); i++ {
		require.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), delay-15*time.Millisecond,
			"dispatches to the same host not spaced politely")
	}
}

func TestMemoryAdaptiveRetryAfterHonored(t *testing.T) {
	log := &callLog{}
	c := crawler.Func(func(_ context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
		if log.record(url) == 1 {
			h := http.Header{}
			h.Set("Retry-After", "1")

			return &domain.CrawlResult{URL: url, StatusCode: 429, ResponseHeaders: h}, nil
		}

		return okResult(url), nil
	})

	d := newDispatcher(4, fastLimiter(3), nil)

	results, err := d.Run(context.Background(), []string{"https://b.test/x"}, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success())
	require.Equal(t, 1, results[0].RetryCount)

	calls := log.snapshot()
	require.Len(t, calls, 2)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 950*time.Millisecond,
		"second dispatch must wait out the server's Retry-After")
}

func TestMemoryAdaptiveRetryExhaustion(t *testing.T) {
	log := &callLog{}
	c := crawler.Func(func(_ context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
		log.record(url)

		return &domain.CrawlResult{URL: url, StatusCode: 429}, nil
	})

	d := newDispatcher(4, fastLimiter(2), nil)

	results, err := d.Run(context.Background(), []string{"https://c.test/y"}, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.False(t, r.Success())
	require.Equal(t, "Rate limit retry count exceeded for domain c.test", r.ErrorMessage)
	require.Equal(t, 2, r.RetryCount)
	require.Len(t, log.snapshot(), 3, "initial attempt plus two retries")
}

func TestMemoryAdaptiveRequeuedTasksSortBehindFreshWork(t *testing.T) {
	log := &callLog{}
	c := crawler.Func(func(_ context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
		n := log.record(url)
		if hostOf(url) == "a.test" && n == 1 {
			return &domain.CrawlResult{URL: url, StatusCode: 429}, nil
		}

		return okResult(url), nil
	})

	d := newDispatcher(1, fastLimiter(3), nil)

	urls := []string{"https://a.test/1", "https://b.test/1", "https://c.test/1"}
	results, err := d.Run(context.Background(), urls, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var hosts []string
	for _, call := range log.snapshot() {
		hosts = append(hosts, call.host)
	}
	require.Equal(t, []string{"a.test", "b.test", "c.test", "a.test"}, hosts,
		"the requeued task must run after the remaining first attempts")
}

func TestMemoryAdaptivePressureBlocksAdmission(t *testing.T) {
	monitor, sampler := primedMonitor(t, 92)

	log := &callLog{}
	d := newDispatcher(4, nil, monitor)

	type runOutcome struct {
		results []domain.TaskResult
		err     error
	}
	outcome := make(chan runOutcome, 1)
	urls := []string{"https://a.test/1", "https://b.test/1", "https://c.test/1"}
	go func() {
		results, err := d.Run(context.Background(), urls, okCrawler(log, 0), crawler.RunConfig{})
		outcome <- runOutcome{results: results, err: err}
	}()

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, log.snapshot(), "no task may start while memory is under pressure")

	sampler.set(50)

	select {
	case out := <-outcome:
		require.NoError(t, out.err)
		require.Len(t, out.results, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not recover after memory pressure cleared")
	}
}

func TestMemoryAdaptiveCriticalRequeuesInFlightTask(t *testing.T) {
	monitor, sampler := primedMonitor(t, 96)

	log := &callLog{}
	d := newDispatcher(4, nil, monitor)

	go func() {
		time.Sleep(150 * time.Millisecond)
		sampler.set(50)
	}()

	results, err := d.Run(context.Background(), []string{"https://a.test/1"}, okCrawler(log, 0), crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.True(t, r.Success())
	require.GreaterOrEqual(t, r.RetryCount, 1, "the critical window must have requeued the task")
	require.Len(t, log.snapshot(), 1, "the crawler must only run after the critical state cleared")
}

func TestMemoryAdaptiveStreamEmitsInCompletionOrder(t *testing.T) {
	const n = 5

	urls := make([]string, 0, n)
	for i := range n {
		urls = append(urls, fmt.Sprintf("https://h%d.test/page", i))
	}

	// Completion order is the reverse of submission order.
	c := crawler.Func(func(ctx context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
		var idx int
		_, _ = fmt.Sscanf(url, "https://h%d.test/page", &idx)
		select {
		case <-time.After(time.Duration(n-idx) * 40 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return okResult(url), nil
	})

	d := newDispatcher(n, nil, nil)

	stream, err := d.RunStream(context.Background(), urls, c, crawler.RunConfig{})
	require.NoError(t, err)

	var got []string
	for r := range stream {
		require.True(t, r.Success())
		got = append(got, r.URL)
	}

	want := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		want = append(want, urls[i])
	}
	require.Equal(t, want, got, "stream must yield results in completion order")
}

func TestMemoryAdaptiveMaxSessionPermitIsRespected(t *testing.T) {
	var (
		mu         sync.Mutex
		inFlight   int
		maxSeen    int
		totalCalls int
	)
	c := crawler.Func(func(_ context.Context, url string, _ crawler.RunConfig, _ domain.TaskID) (*domain.CrawlResult, error) { //nolint: lll
		mu.Lock()
		inFlight++
		totalCalls++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		return okResult(url), nil
	})

	urls := make([]string, 0, 6)
	for i := range 6 {
		urls = append(urls, fmt.Sprintf("https://h%d.test/page", i))
	}

	d := newDispatcher(1, nil, nil)

	results, err := d.Run(context.Background(), urls, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 6)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 6, totalCalls)
	require.Equal(t, 1, maxSeen, "in-flight set exceeded max session permit")
}

func TestMemoryAdaptiveCrawlerErrorProducesFailedResult(t *testing.T) {
	c := crawler.Func(func(context.Context, string, crawler.RunConfig, domain.TaskID) (*domain.CrawlResult, error) {
		return nil, errors.New("boom")
	})

	d := newDispatcher(4, nil, nil)

	results, err := d.Run(context.Background(), []string{"https://a.test/1"}, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success())
	require.Equal(t, "boom", results[0].ErrorMessage)
}

func TestMemoryAdaptiveWorkerPanicIsCaptured(t *testing.T) {
	c := crawler.Func(func(context.Context, string, crawler.RunConfig, domain.TaskID) (*domain.CrawlResult, error) {
		panic("exploded")
	})

	d := newDispatcher(4, nil, nil)

	results, err := d.Run(context.Background(), []string{"https://a.test/1"}, c, crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success())
	require.Contains(t, results[0].ErrorMessage, "exploded")
}

func TestMemoryAdaptiveCancellationEndsStream(t *testing.T) {
	urls := make([]string, 0, 50)
	for i := range 50 {
		urls = append(urls, fmt.Sprintf("https://h%d.test/page", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatcher(2, nil, nil)

	stream, err := d.RunStream(ctx, urls, okCrawler(nil, 50*time.Millisecond), crawler.RunConfig{})
	require.NoError(t, err)

	time.AfterFunc(120*time.Millisecond, cancel)

	count := 0
	for range stream {
		count++
	}
	require.Less(t, count, 50, "cancellation must end the stream early")
}

func TestMemoryAdaptiveObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	d := dispatch.NewMemoryAdaptive(dispatch.MemoryAdaptiveOptions{MaxSessionPermit: 2}, nil, nil, obs)

	urls := []string{"https://a.test/1", "https://b.test/1"}
	results, err := d.Run(context.Background(), urls, okCrawler(nil, 0), crawler.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.started)
	require.Equal(t, 1, obs.finished)
	require.ElementsMatch(t, urls, obs.added)
	for _, r := range results {
		statuses := obs.statuses[r.TaskID.String()]
		require.Contains(t, statuses, domain.TaskStatusInProgress)
		require.Contains(t, statuses, domain.TaskStatusCompleted)
	}
}

// recordingObserver captures observer traffic for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	added      []string
	statuses   map[string][]domain.TaskStatus
	queueStats []observer.QueueStats
	states     []domain.MemoryState
	started    int
	finished   int
}

func (o *recordingObserver) TaskAdded(_ domain.TaskID, url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, url)
}

func (o *recordingObserver) TaskUpdated(taskID domain.TaskID, update observer.TaskUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statuses == nil {
		o.statuses = map[string][]domain.TaskStatus{}
	}
	if update.Status != nil {
		o.statuses[taskID.String()] = append(o.statuses[taskID.String()], *update.Status)
	}
}

func (o *recordingObserver) QueueStatsUpdated(stats observer.QueueStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queueStats = append(o.queueStats, stats)
}

func (o *recordingObserver) MemoryStateChanged(state domain.MemoryState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) RunStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) RunFinished() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}
