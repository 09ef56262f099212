package observer

import (
	"go.uber.org/zap"

	"crawld/pkg/domain"
)

// Logging is a TaskObserver that writes every event to a zap logger. Events
// are logged at debug level except state transitions and run boundaries,
// which are informational, and failed queue sweeps, which are warnings.
type Logging struct {
	log *zap.Logger
}

// NewLogging constructs a Logging observer around the provided logger.
func NewLogging(log *zap.Logger) *Logging {
	return &Logging{log: log}
}

// TaskAdded implements TaskObserver.
func (l *Logging) TaskAdded(taskID domain.TaskID, url string) {
	l.log.Debug("task added",
		zap.String("taskID", taskID.String()),
		zap.String("url", url))
}

// TaskUpdated implements TaskObserver.
func (l *Logging) TaskUpdated(taskID domain.TaskID, update TaskUpdate) {
	fields := []zap.Field{zap.String("taskID", taskID.String())}
	if update.Status != nil {
		fields = append(fields, zap.String("status", string(*update.Status)))
	}
	if update.WaitTime != nil {
		fields = append(fields, zap.Duration("waitTime", *update.WaitTime))
	}
	if update.MemoryUsage != nil {
		fields = append(fields, zap.Float64("memoryUsageMiB", *update.MemoryUsage))
	}
	if update.RetryCount != nil {
		fields = append(fields, zap.Int("retryCount", *update.RetryCount))
	}
	if update.ErrorMessage != nil && *update.ErrorMessage != "" {
		fields = append(fields, zap.String("errorMessage", *update.ErrorMessage))
	}
	l.log.Debug("task updated", fields...)
}

// QueueStatsUpdated implements TaskObserver.
func (l *Logging) QueueStatsUpdated(stats QueueStats) {
	fields := []zap.Field{
		zap.Int("totalQueued", stats.TotalQueued),
		zap.Duration("highestWaitTime", stats.HighestWaitTime),
		zap.Duration("avgWaitTime", stats.AvgWaitTime),
	}
	if stats.Error != "" {
		l.log.Warn("queue sweep failed", append(fields, zap.String("error", stats.Error))...)

		return
	}
	l.log.Debug("queue stats", fields...)
}

// MemoryStateChanged implements TaskObserver.
func (l *Logging) MemoryStateChanged(state domain.MemoryState) {
	l.log.Info("memory state changed", zap.String("state", string(state)))
}

// RunStarted implements TaskObserver.
func (l *Logging) RunStarted() {
	l.log.Info("dispatch run started")
}

// RunFinished implements TaskObserver.
func (l *Logging) RunFinished() {
	l.log.Info("dispatch run finished")
}

// Ensure Logging conforms to the TaskObserver interface at compile time.
var _ TaskObserver = (*Logging)(nil)
