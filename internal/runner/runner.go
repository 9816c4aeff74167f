// Package runner drives the periodic evaluation: the 15-minute main cycle
// that feeds all six signals into the engine, and the independent 5-minute
// no-data watchdog that must keep running even when the main cycle stalls.
package runner

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"complaintwatch/internal/audit"
	"complaintwatch/internal/baseline"
	"complaintwatch/internal/engine"
	"complaintwatch/internal/events"
	"complaintwatch/internal/health"
	"complaintwatch/internal/signal"
	"complaintwatch/internal/source"
)

// Runner owns the evaluation loops.
type Runner struct {
	src     source.Source
	tracker *baseline.Tracker
	eng     *engine.Engine
	ledger  audit.Ledger
	rep     *health.Reporter
	rdb     *redis.Client // baseline snapshot persistence, may be nil
	th      signal.Thresholds

	cycleInterval    time.Duration
	watchdogInterval time.Duration

	cycleRunning atomic.Bool
	lastDay      string
	now          func() time.Time
}

// New creates a runner. The health reporter and Redis client may be nil.
func New(src source.Source, tracker *baseline.Tracker, eng *engine.Engine, ledger audit.Ledger,
	rep *health.Reporter, rdb *redis.Client, th signal.Thresholds,
	cycleInterval, watchdogInterval time.Duration) *Runner {
	return &Runner{
		src:              src,
		tracker:          tracker,
		eng:              eng,
		ledger:           ledger,
		rep:              rep,
		rdb:              rdb,
		th:               th,
		cycleInterval:    cycleInterval,
		watchdogInterval: watchdogInterval,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run blocks, executing both loops until ctx is canceled. The watchdog has
// its own goroutine so a stalled main cycle cannot block it.
func (r *Runner) Run(ctx context.Context) {
	go r.watchdogLoop(ctx)

	ticker := time.NewTicker(r.cycleInterval)
	defer ticker.Stop()

	r.RunCycle(ctx) // first evaluation at startup

	for {
		select {
		case <-ctx.Done():
			slog.Info("Evaluation loop stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full evaluation. Cycles never overlap: if the
// previous one is still running when the next is due, the new one is
// skipped and logged, not queued.
func (r *Runner) RunCycle(ctx context.Context) {
	if !r.cycleRunning.CompareAndSwap(false, true) {
		slog.Warn("Previous evaluation cycle still running, skipping this one")
		if r.rep != nil {
			r.rep.CycleSkipped()
		}
		_ = r.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventWorkflowRun,
			Actor:         engine.SystemActor,
			Details:       map[string]string{"skipped": "true", "reason": "previous cycle still running"},
			WorkflowRunID: uuid.NewString(),
		})
		return
	}
	defer r.cycleRunning.Store(false)

	runID := uuid.NewString()
	now := r.now()
	started := time.Now()

	m, err := r.src.Snapshot(ctx, now)
	if err != nil {
		slog.Error("Failed to assemble window metrics, cycle aborted", "run_id", runID, "error", err)
		_ = r.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventWorkflowRun,
			Actor:         engine.SystemActor,
			Details:       map[string]string{"failed": "true", "error": err.Error()},
			WorkflowRunID: runID,
		})
		return
	}

	r.maybeRecordDaily(ctx, now, m)

	results := r.evaluate(m)
	alert, err := r.eng.EvaluateCycle(ctx, runID, m, results)
	if err != nil {
		slog.Error("Evaluation cycle failed", "run_id", runID, "error", err)
		if r.rep != nil {
			r.rep.AuditFailure()
		}
		return
	}

	details := map[string]string{
		"rows_evaluated": strconv.Itoa(m.RowsEvaluated),
		"data_source":    m.DataSource,
		"duration_ms":    strconv.FormatInt(time.Since(started).Milliseconds(), 10),
	}
	var alertID string
	if alert != nil {
		alertID = alert.ID
		if r.rep != nil {
			r.rep.AlertFired()
		}
	}
	_ = r.ledger.Append(ctx, &events.AuditEvent{
		EventType:     events.EventWorkflowRun,
		AlertID:       alertID,
		Actor:         engine.SystemActor,
		Details:       details,
		WorkflowRunID: runID,
	})

	if r.rep != nil {
		r.rep.CycleCompleted()
	}
	slog.Info("Evaluation cycle completed",
		"run_id", runID,
		"rows_evaluated", m.RowsEvaluated,
		"alert_fired", alert != nil,
	)
}

// evaluate runs all six signal evaluators against the snapshot. A signal
// whose baseline is cold and unconfigured is skipped for the cycle with a
// note; the engine records the note event.
func (r *Runner) evaluate(m *events.WindowMetrics) []events.SignalResult {
	results := make([]events.SignalResult, 0, 6)

	if vb, err := r.tracker.Volume(); err != nil {
		results = append(results, skipped(events.SignalVolume, err))
	} else {
		res := signal.Volume(m, vb, r.th)
		if vb.Manual {
			res.Note = "manual volume baseline override in effect"
		}
		results = append(results, res)
	}

	results = append(results,
		signal.Theme(m, r.tracker.ThemeShare, r.th),
		signal.Severity(m, r.th),
		signal.Channel(m, r.tracker.ChannelShare, r.th),
		signal.Keyword(m, r.th),
		signal.NoData(m, r.th),
	)
	return results
}

func skipped(signalID string, err error) events.SignalResult {
	return events.SignalResult{
		SignalID: signalID,
		Name:     events.SignalName(signalID),
		Level:    events.LevelNone,
		Note:     "signal skipped: " + err.Error(),
	}
}

// maybeRecordDaily appends yesterday's observations to the baseline
// tracker when the calendar day rolls over, then persists the history.
func (r *Runner) maybeRecordDaily(ctx context.Context, now time.Time, m *events.WindowMetrics) {
	day := now.Format("2006-01-02")
	if r.lastDay == "" {
		r.lastDay = day
		return
	}
	if day == r.lastDay {
		return
	}
	r.lastDay = day

	// The volume baseline is compared against 1-hour counts, so the daily
	// observation is recorded as an average hourly rate.
	r.tracker.RecordDailyVolume(float64(m.DailyTotal) / 24)
	for theme := range m.ThemeCounts {
		r.tracker.RecordThemeShare(theme, m.ThemeShare(theme))
	}
	for channel := range m.ChannelCounts {
		r.tracker.RecordChannelShare(channel, m.ChannelShare(channel))
	}
	slog.Info("Daily baseline observation recorded",
		"day", day,
		"daily_total", m.DailyTotal,
		"themes", len(m.ThemeCounts),
		"channels", len(m.ChannelCounts),
	)

	if r.rdb != nil {
		if err := r.tracker.Save(ctx, r.rdb); err != nil {
			slog.Error("Failed to persist baseline snapshot", "error", err)
		}
	}
}

// watchdogLoop evaluates only the no-data signal on its faster cadence.
// It deliberately shares no state with the main cycle so it keeps running
// when that cycle is stalled; detecting the stall is its purpose.
func (r *Runner) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("No-data watchdog stopped")
			return
		case <-ticker.C:
			r.RunWatchdog(ctx)
		}
	}
}

// RunWatchdog executes one watchdog pass.
func (r *Runner) RunWatchdog(ctx context.Context) {
	runID := uuid.NewString()
	now := r.now()

	m, err := r.src.Snapshot(ctx, now)
	if err != nil {
		slog.Error("Watchdog snapshot failed", "run_id", runID, "error", err)
		return
	}

	result := signal.NoData(m, r.th)
	if _, err := r.eng.EvaluateCycle(ctx, runID, m, []events.SignalResult{result}); err != nil {
		slog.Error("Watchdog evaluation failed", "run_id", runID, "error", err)
		return
	}

	if r.rep != nil {
		r.rep.WatchdogRun()
	}
}
