package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"crawld/pkg/domain"
	"crawld/pkg/metrics"
)

// memoryStateLevels maps memory states to the numeric levels exported by the
// metrics observer.
var memoryStateLevels = map[domain.MemoryState]int64{ //nolint: gochecknoglobals
	domain.MemoryStateNormal:   0,
	domain.MemoryStatePressure: 1,
	domain.MemoryStateCritical: 2,
}

// Metrics is a TaskObserver that exports dispatcher telemetry through an
// OpenTelemetry meter. All instruments are synchronous and cheap to record,
// keeping the scheduler path non-blocking.
type Metrics struct {
	tasksAdded  metric.Int64Counter
	taskStatus  metric.Int64Counter
	waitTime    metric.Float64Histogram
	memoryUsage metric.Float64Histogram
	queueDepth  metric.Int64Gauge
	memoryState metric.Int64Gauge
	activeRuns  metric.Int64UpDownCounter
}

// NewMetrics constructs a Metrics observer registering its instruments on the
// provided meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("crawld/dispatch")

	var (
		m   Metrics
		err error
	)
	if m.tasksAdded, err = meter.Int64Counter("dispatch.tasks.added",
		metric.WithDescription("URLs submitted to the dispatcher")); err != nil {
		return nil, fmt.Errorf("could not create tasks counter: %w", err)
	}
	if m.taskStatus, err = meter.Int64Counter("dispatch.task.status.transitions",
		metric.WithDescription("Task status transitions by status")); err != nil {
		return nil, fmt.Errorf("could not create status counter: %w", err)
	}
	if m.waitTime, err = meter.Float64Histogram("dispatch.task.wait.seconds",
		metric.WithDescription("Queue wait time before admission"),
		metric.WithExplicitBucketBoundaries(metrics.DefaultBuckets...)); err != nil {
		return nil, fmt.Errorf("could not create wait histogram: %w", err)
	}
	if m.memoryUsage, err = meter.Float64Histogram("dispatch.task.memory.mib",
		metric.WithDescription("Per-task RSS delta in MiB")); err != nil {
		return nil, fmt.Errorf("could not create memory histogram: %w", err)
	}
	if m.queueDepth, err = meter.Int64Gauge("dispatch.queue.depth",
		metric.WithDescription("Entries waiting in the priority queue")); err != nil {
		return nil, fmt.Errorf("could not create queue gauge: %w", err)
	}
	if m.memoryState, err = meter.Int64Gauge("dispatch.memory.state",
		metric.WithDescription("Memory pressure level (0=NORMAL 1=PRESSURE 2=CRITICAL)")); err != nil {
		return nil, fmt.Errorf("could not create memory state gauge: %w", err)
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("dispatch.runs.active",
		metric.WithDescription("Dispatch runs currently in progress")); err != nil {
		return nil, fmt.Errorf("could not create runs counter: %w", err)
	}

	return &m, nil
}

// TaskAdded implements TaskObserver.
func (m *Metrics) TaskAdded(domain.TaskID, string) {
	m.tasksAdded.Add(context.Background(), 1)
}

// TaskUpdated implements TaskObserver.
func (m *Metrics) TaskUpdated(_ domain.TaskID, update TaskUpdate) {
	ctx := context.Background()
	if update.Status != nil {
		m.taskStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(*update.Status))))
	}
	if update.WaitTime != nil {
		m.waitTime.Record(ctx, update.WaitTime.Seconds())
	}
	if update.MemoryUsage != nil {
		m.memoryUsage.Record(ctx, *update.MemoryUsage)
	}
}

// QueueStatsUpdated implements TaskObserver.
func (m *Metrics) QueueStatsUpdated(stats QueueStats) {
	m.queueDepth.Record(context.Background(), int64(stats.TotalQueued))
}

// MemoryStateChanged implements TaskObserver.
func (m *Metrics) MemoryStateChanged(state domain.MemoryState) {
	m.memoryState.Record(context.Background(), memoryStateLevels[state])
}

// RunStarted implements TaskObserver.
func (m *Metrics) RunStarted() {
	m.activeRuns.Add(context.Background(), 1)
}

// RunFinished implements TaskObserver.
func (m *Metrics) RunFinished() {
	m.activeRuns.Add(context.Background(), -1)
}

// Ensure Metrics conforms to the TaskObserver interface at compile time.
var _ TaskObserver = (*Metrics)(nil)
