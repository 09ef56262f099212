// Package memwatch samples host memory usage and maintains the
// NORMAL/PRESSURE/CRITICAL state machine the dispatcher's admission control
// reads. The monitor only reports; it never acts on the state itself.
package memwatch

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"crawld/internal/config"
	"crawld/pkg/domain"
	"crawld/pkg/logger"
)

// Options configure the monitor thresholds and cadence.
type Options struct {
	// ThresholdPercent is the used-memory percentage at which the monitor
	// enters PRESSURE.
	ThresholdPercent float64
	// CriticalThresholdPercent is the used-memory percentage at which the
	// monitor enters CRITICAL.
	CriticalThresholdPercent float64
	// RecoveryThresholdPercent is the used-memory percentage at which the
	// monitor returns to NORMAL (hysteresis).
	RecoveryThresholdPercent float64
	// CheckInterval is the sampling cadence.
	CheckInterval time.Duration
}

// NewOptions constructs an Options value from the provided application config.
func NewOptions(cfg *config.Config) Options {
	return Options{
		ThresholdPercent:         cfg.Memory.ThresholdPercent,
		CriticalThresholdPercent: cfg.Memory.CriticalThresholdPercent,
		RecoveryThresholdPercent: cfg.Memory.RecoveryThresholdPercent,
		CheckInterval:            cfg.Memory.CheckInterval,
	}
}

// DefaultOptions returns the monitor defaults used when no configuration is
// supplied.
func DefaultOptions() Options {
	return Options{
		ThresholdPercent:         90,
		CriticalThresholdPercent: 95,
		RecoveryThresholdPercent: 85,
		CheckInterval:            time.Second,
	}
}

// SampleFunc reports the current system memory usage as a percentage of total.
type SampleFunc func(ctx context.Context) (float64, error)

// SystemSample reads the host's used-memory percentage via gopsutil.
func SystemSample(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err //nolint: wrapcheck
	}

	return vm.UsedPercent, nil
}

// Monitor samples memory usage on a fixed cadence and exposes the resulting
// state. State transitions are pushed to the onChange hook; the current state
// is readable at any time via State.
type Monitor struct {
	opts     Options
	sample   SampleFunc
	onChange func(domain.MemoryState)

	mu    sync.RWMutex
	state domain.MemoryState
}

// New creates a Monitor. A nil sample falls back to SystemSample; onChange
// may be nil when no transition callback is wanted.
func New(opts Options, sample SampleFunc, onChange func(domain.MemoryState)) *Monitor {
	if sample == nil {
		sample = SystemSample
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultOptions().CheckInterval
	}

	return &Monitor{
		opts:     opts,
		sample:   sample,
		onChange: onChange,
		state:    domain.MemoryStateNormal,
	}
}

// State returns the current memory state.
func (m *Monitor) State() domain.MemoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Start launches the sampling loop and returns a stop function that cancels
// the loop and waits for it to exit. Sampling errors are logged and keep the
// last known state.
func (m *Monitor) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()

		for {
			m.observe(ctx)

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// observe takes one sample and applies the state machine.
func (m *Monitor) observe(ctx context.Context) {
	percent, err := m.sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn(ctx, "could not sample memory, keeping last state", zap.Error(err))
		}

		return
	}

	m.mu.Lock()
	prev := m.state
	next := m.next(prev, percent)
	m.state = next
	m.mu.Unlock()

	if next != prev && m.onChange != nil {
		m.onChange(next)
	}
}

// next applies one transition of the state machine:
//   - any state escalates to CRITICAL at/above the critical threshold
//   - NORMAL escalates to PRESSURE at/above the pressure threshold
//   - PRESSURE (and CRITICAL, once below critical) recovers to NORMAL only
//     at/below the recovery threshold
func (m *Monitor) next(current domain.MemoryState, percent float64) domain.MemoryState {
	if percent >= m.opts.CriticalThresholdPercent {
		return domain.MemoryStateCritical
	}

	switch current {
	case domain.MemoryStatePressure, domain.MemoryStateCritical:
		if percent <= m.opts.RecoveryThresholdPercent {
			return domain.MemoryStateNormal
		}

		return domain.MemoryStatePressure
	default:
		if percent >= m.opts.ThresholdPercent {
			return domain.MemoryStatePressure
		}

		return domain.MemoryStateNormal
	}
}
