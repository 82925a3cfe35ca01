// Package health watches the engine: resource sampling, error-rate
// alerting, repair-log replay, and the subscription sweeper.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/chatmirror/internal/dispatch"
	"github.com/adred-codev/chatmirror/internal/monitoring"
	"github.com/adred-codev/chatmirror/internal/senders"
	"github.com/adred-codev/chatmirror/internal/store"
)

const (
	sampleInterval = 10 * time.Second
	repairInterval = 5 * time.Minute

	// Error-rate EMA thresholds. A breach must hold for alertHoldFor
	// before the alert fires, so one bad sample stays quiet.
	errEMAAlpha       = 0.3
	elevatedErrorRate = 0.25
	criticalErrorRate = 0.50
	alertHoldFor      = 60 * time.Second

	queueDepthAlertFrac = 0.80
)

// Snapshot is the state served by the ops /health endpoint.
type Snapshot struct {
	Status          string                   `json:"status"` // ok, degraded, critical
	Paused          bool                     `json:"paused"`
	QueueReady      int                      `json:"queue_ready"`
	QueueDelayed    int                      `json:"queue_delayed"`
	QueueCapacity   int                      `json:"queue_capacity"`
	CircuitOpen     bool                     `json:"circuit_open"`
	ErrorRateEMA    float64                  `json:"error_rate_ema"`
	SendersEligible int                      `json:"senders_eligible"`
	Senders         []senders.SenderSnapshot `json:"senders"`
	CPUPercent      float64                  `json:"cpu_percent"`
	MemoryBytes     uint64                   `json:"memory_bytes"`
	Goroutines      int                      `json:"goroutines"`
	Uptime          time.Duration            `json:"uptime_seconds"`
	Timestamp       time.Time                `json:"timestamp"`
}

// PauseState is the slice of the pipeline the monitor reports on.
type PauseState interface {
	Paused() bool
}

// Monitor samples the engine and raises alerts. It also owns the
// background chores: repair-log replay and the subscription sweeper.
type Monitor struct {
	logger     zerolog.Logger
	alerter    monitoring.Alerter
	store      *store.Store
	pool       *senders.Pool
	dispatcher *dispatch.Dispatcher
	pause      PauseState

	queueCapacity int
	sampleEvery   time.Duration
	sweepEvery    time.Duration
	proc          *process.Process
	startedAt     time.Time

	mu            sync.RWMutex
	snap          Snapshot
	errEMA        float64
	elevatedSince time.Time
	criticalSince time.Time
	alertedLevel  monitoring.AlertLevel
}

// New creates a health monitor. alerter may be a MultiAlerter.
func New(st *store.Store, pool *senders.Pool, d *dispatch.Dispatcher, pause PauseState,
	queueCapacity int, alerter monitoring.Alerter, logger zerolog.Logger) *Monitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		logger:        logger.With().Str("component", "health").Logger(),
		alerter:       alerter,
		store:         st,
		pool:          pool,
		dispatcher:    d,
		pause:         pause,
		queueCapacity: queueCapacity,
		sampleEvery:   sampleInterval,
		sweepEvery:    sweepInterval,
		proc:          proc,
		startedAt:     time.Now(),
	}
}

// SetIntervals overrides the sample and sweep cadence. Zero or negative
// values keep the defaults. Call before Run/RunSweeper.
func (m *Monitor) SetIntervals(sample, sweep time.Duration) {
	if sample > 0 {
		m.sampleEvery = sample
	}
	if sweep > 0 {
		m.sweepEvery = sweep
	}
}

// Run drives the sampling loop and background chores until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(m.logger, "health-monitor", nil)

	sample := time.NewTicker(m.sampleEvery)
	repair := time.NewTicker(repairInterval)
	defer sample.Stop()
	defer repair.Stop()

	m.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			m.collect(ctx)
		case <-repair.C:
			if applied, err := m.store.ReplayRepairLog(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Repair log replay failed")
			} else if applied > 0 {
				m.logger.Info().Int("applied", applied).Msg("Repair log entries replayed")
			}
		}
	}
}

// Snapshot returns the latest health sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Monitor) collect(ctx context.Context) {
	ready, delayed := m.dispatcher.QueueDepth()
	rate, samples := m.dispatcher.FailureRate()
	eligible := m.pool.EligibleCount()
	monitoring.SendersEligible.Set(float64(eligible))

	cpuPct, memBytes := m.sampleProcess(ctx)
	goroutines := runtime.NumGoroutine()
	monitoring.CPUUsagePercent.Set(cpuPct)
	monitoring.MemoryUsageBytes.Set(float64(memBytes))
	monitoring.GoroutinesActive.Set(float64(goroutines))

	m.mu.Lock()
	if samples > 0 {
		m.errEMA = errEMAAlpha*rate + (1-errEMAAlpha)*m.errEMA
	}
	ema := m.errEMA
	now := time.Now()

	status := "ok"
	switch {
	case ema > criticalErrorRate:
		status = "critical"
		if m.criticalSince.IsZero() {
			m.criticalSince = now
		}
	case ema > elevatedErrorRate:
		status = "degraded"
		m.criticalSince = time.Time{}
		if m.elevatedSince.IsZero() {
			m.elevatedSince = now
		}
	default:
		m.elevatedSince, m.criticalSince = time.Time{}, time.Time{}
		m.alertedLevel = ""
	}
	if eligible == 0 || m.dispatcher.CircuitOpen() {
		status = "critical"
	}

	m.snap = Snapshot{
		Status:          status,
		Paused:          m.pause != nil && m.pause.Paused(),
		QueueReady:      ready,
		QueueDelayed:    delayed,
		QueueCapacity:   m.queueCapacity,
		CircuitOpen:     m.dispatcher.CircuitOpen(),
		ErrorRateEMA:    ema,
		SendersEligible: eligible,
		Senders:         m.pool.Snapshot(),
		CPUPercent:      cpuPct,
		MemoryBytes:     memBytes,
		Goroutines:      goroutines,
		Uptime:          now.Sub(m.startedAt),
		Timestamp:       now,
	}
	elevatedSince, criticalSince := m.elevatedSince, m.criticalSince
	m.mu.Unlock()

	m.evaluateAlerts(ema, ready+delayed, eligible, elevatedSince, criticalSince, now)
}

// evaluateAlerts fires at most one escalation per breach episode.
func (m *Monitor) evaluateAlerts(ema float64, depth, eligible int, elevatedSince, criticalSince time.Time, now time.Time) {
	meta := map[string]any{
		"error_rate_ema":   ema,
		"queue_depth":      depth,
		"senders_eligible": eligible,
	}

	m.mu.Lock()
	fired := m.alertedLevel
	var level monitoring.AlertLevel
	var msg string
	switch {
	case !criticalSince.IsZero() && now.Sub(criticalSince) >= alertHoldFor && fired != monitoring.AlertCritical:
		level, msg = monitoring.AlertCritical, "Send error rate critical"
		m.alertedLevel = monitoring.AlertCritical
	case !elevatedSince.IsZero() && now.Sub(elevatedSince) >= alertHoldFor && fired == "":
		level, msg = monitoring.AlertElevated, "Send error rate elevated"
		m.alertedLevel = monitoring.AlertElevated
	}
	m.mu.Unlock()
	if level != "" {
		m.alerter.Alert(level, msg, meta)
	}

	if m.queueCapacity > 0 && float64(depth) > queueDepthAlertFrac*float64(m.queueCapacity) {
		m.alerter.Alert(monitoring.AlertWarning, "Dispatch queue near capacity", meta)
	}
	if eligible < 1 {
		m.alerter.Alert(monitoring.AlertCritical, "No eligible senders", meta)
	}
}

// sampleProcess reads process CPU and RSS; zero values on failure.
func (m *Monitor) sampleProcess(ctx context.Context) (cpuPct float64, memBytes uint64) {
	if m.proc == nil {
		return 0, 0
	}
	if pct, err := m.proc.PercentWithContext(ctx, 0); err == nil {
		ncpu, _ := cpu.CountsWithContext(ctx, true)
		if ncpu > 0 {
			pct /= float64(ncpu)
		}
		cpuPct = pct
	}
	if mi, err := m.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		memBytes = mi.RSS
	}
	return cpuPct, memBytes
}
