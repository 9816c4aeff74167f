package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"complaintwatch/internal/baseline"
	"complaintwatch/internal/engine"
	"complaintwatch/internal/events"
	"complaintwatch/internal/signal"
)

type fakeSource struct {
	mu    sync.Mutex
	m     *events.WindowMetrics
	err   error
	calls int
}

func (f *fakeSource) Snapshot(ctx context.Context, now time.Time) (*events.WindowMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	m := *f.m
	m.WindowEnd = now
	return &m, nil
}

type fakeLedger struct {
	mu     sync.Mutex
	events []*events.AuditEvent
}

func (f *fakeLedger) Append(ctx context.Context, ev *events.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeLedger) CountFalsePositives(ctx context.Context, signalID string, since time.Time) (int, error) {
	return 0, nil
}

func (f *fakeLedger) byType(eventType string) []*events.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.AuditEvent
	for _, ev := range f.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []*events.AlertPayload
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, p *events.AlertPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

type fakeScheduler struct{}

func (fakeScheduler) ScheduleTimeout(alertID string, at time.Time)                  {}
func (fakeScheduler) ScheduleStatusUpdates(alertID string, interval time.Duration) {}
func (fakeScheduler) Cancel(alertID string)                                        {}

func quietMetrics() *events.WindowMetrics {
	return &events.WindowMetrics{
		HourlyCount:             10,
		SeverityWindowHours:     4,
		SeverityTotal:           50,
		HighSeverityCount:       5,
		SeverityPresent:         true,
		DailyTotal:              240,
		ThemeCounts:             map[string]int{"billing": 120},
		ChannelCounts:           map[string]int{"web": 200},
		KeywordCounts:           map[string]int{},
		HoursSinceLastComplaint: 0.4,
		RowsEvaluated:           240,
		DataSource:              "complaints-db",
	}
}

func newTestRunner(src *fakeSource, manual baseline.ManualOverrides) (*Runner, *fakeLedger, *fakeDispatcher) {
	ledger := &fakeLedger{}
	disp := &fakeDispatcher{}

	eng := engine.New(ledger, disp, engine.DefaultConfig())
	eng.SetScheduler(fakeScheduler{})

	tracker := baseline.NewTracker(manual)
	r := New(src, tracker, eng, ledger, nil, nil, signal.DefaultThresholds(),
		15*time.Minute, 5*time.Minute)
	r.SetClock(func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) })
	return r, ledger, disp
}

func manualVolume(mean, stddev float64) baseline.ManualOverrides {
	return baseline.ManualOverrides{VolumeMean: &mean, VolumeStdDev: stddev}
}

func TestRunCycleQuiet(t *testing.T) {
	src := &fakeSource{m: quietMetrics()}
	r, ledger, disp := newTestRunner(src, manualVolume(12.4, 8.27))

	r.RunCycle(context.Background())

	checks := ledger.byType(events.EventThresholdCheck)
	if len(checks) != 6 {
		t.Fatalf("threshold checks = %d, want 6", len(checks))
	}
	if fired := ledger.byType(events.EventAlertFired); len(fired) != 0 {
		t.Errorf("alerts fired = %d, want 0", len(fired))
	}
	if len(disp.payloads) != 0 {
		t.Errorf("dispatches = %d, want 0", len(disp.payloads))
	}

	runs := ledger.byType(events.EventWorkflowRun)
	if len(runs) != 1 {
		t.Fatalf("workflow runs = %d, want 1", len(runs))
	}
	if runs[0].Details["rows_evaluated"] != "240" {
		t.Errorf("rows_evaluated = %q, want 240", runs[0].Details["rows_evaluated"])
	}
	if runs[0].Details["data_source"] != "complaints-db" {
		t.Errorf("data_source = %q", runs[0].Details["data_source"])
	}
}

func TestRunCycleFiresOnVolumeSpike(t *testing.T) {
	m := quietMetrics()
	m.HourlyCount = 47
	src := &fakeSource{m: m}
	r, ledger, disp := newTestRunner(src, manualVolume(12.4, 8.27))

	r.RunCycle(context.Background())

	fired := ledger.byType(events.EventAlertFired)
	if len(fired) != 1 {
		t.Fatalf("alerts fired = %d, want 1", len(fired))
	}
	if fired[0].SignalID != events.SignalVolume {
		t.Errorf("dominant signal = %q, want %q", fired[0].SignalID, events.SignalVolume)
	}
	if len(disp.payloads) != 1 || disp.payloads[0].Kind != "ALERT" {
		t.Fatalf("dispatches = %v", disp.payloads)
	}

	runs := ledger.byType(events.EventWorkflowRun)
	if len(runs) != 1 || runs[0].AlertID == "" {
		t.Errorf("workflow run should carry the fired alert id, got %+v", runs)
	}
}

func TestRunCycleSkipsWhenPreviousStillRunning(t *testing.T) {
	src := &fakeSource{m: quietMetrics()}
	r, ledger, _ := newTestRunner(src, manualVolume(12.4, 8.27))

	r.cycleRunning.Store(true)
	r.RunCycle(context.Background())

	if src.calls != 0 {
		t.Errorf("snapshot calls = %d, want 0 for a skipped cycle", src.calls)
	}
	runs := ledger.byType(events.EventWorkflowRun)
	if len(runs) != 1 || runs[0].Details["skipped"] != "true" {
		t.Fatalf("expected one skipped workflow run, got %+v", runs)
	}

	// The skip must not wedge the in-progress flag owner; clearing it lets
	// the next due cycle proceed.
	r.cycleRunning.Store(false)
	r.RunCycle(context.Background())
	if src.calls != 1 {
		t.Errorf("snapshot calls = %d, want 1 after flag cleared", src.calls)
	}
}

func TestRunCycleSnapshotFailureAborts(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	r, ledger, _ := newTestRunner(src, manualVolume(12.4, 8.27))

	r.RunCycle(context.Background())

	if checks := ledger.byType(events.EventThresholdCheck); len(checks) != 0 {
		t.Errorf("threshold checks = %d, want 0 after aborted cycle", len(checks))
	}
	runs := ledger.byType(events.EventWorkflowRun)
	if len(runs) != 1 || runs[0].Details["failed"] != "true" {
		t.Fatalf("expected one failed workflow run, got %+v", runs)
	}
}

func TestRunCycleColdVolumeBaselineSkipsSignal(t *testing.T) {
	src := &fakeSource{m: quietMetrics()}
	r, ledger, _ := newTestRunner(src, baseline.ManualOverrides{})

	r.RunCycle(context.Background())

	var volumeCheck *events.AuditEvent
	for _, ev := range ledger.byType(events.EventThresholdCheck) {
		if ev.SignalID == events.SignalVolume {
			volumeCheck = ev
		}
	}
	if volumeCheck == nil {
		t.Fatal("volume signal produced no threshold check")
	}
	if volumeCheck.Level != events.LevelNone {
		t.Errorf("level = %q, want NONE", volumeCheck.Level)
	}
	if !strings.Contains(volumeCheck.Details["note"], "skipped") {
		t.Errorf("note = %q, want skip explanation", volumeCheck.Details["note"])
	}
}

func TestRunWatchdogEvaluatesNoDataOnly(t *testing.T) {
	m := quietMetrics()
	m.HoursSinceLastComplaint = 3
	src := &fakeSource{m: m}
	r, ledger, _ := newTestRunner(src, manualVolume(12.4, 8.27))

	r.RunWatchdog(context.Background())

	checks := ledger.byType(events.EventThresholdCheck)
	if len(checks) != 1 || checks[0].SignalID != events.SignalNoData {
		t.Fatalf("watchdog checks = %+v, want one no-data check", checks)
	}
	fired := ledger.byType(events.EventAlertFired)
	if len(fired) != 1 || fired[0].Level != events.LevelWarn {
		t.Fatalf("watchdog alerts = %+v, want one WARN", fired)
	}
	if runs := ledger.byType(events.EventWorkflowRun); len(runs) != 0 {
		t.Errorf("watchdog must not write workflow-run events, got %d", len(runs))
	}
}

func TestMaybeRecordDailyRollsOverOncePerDay(t *testing.T) {
	src := &fakeSource{m: quietMetrics()}
	r, _, _ := newTestRunner(src, manualVolume(12.4, 8.27))

	day1 := time.Date(2026, 8, 30, 23, 45, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	r.maybeRecordDaily(context.Background(), day1, quietMetrics())
	if r.lastDay != "2026-08-30" {
		t.Fatalf("lastDay = %q after first observation", r.lastDay)
	}

	// Same day: no new observation recorded.
	r.maybeRecordDaily(context.Background(), day1.Add(15*time.Minute), quietMetrics())
	if r.lastDay != "2026-08-30" {
		t.Fatalf("lastDay = %q, want unchanged within the day", r.lastDay)
	}

	r.maybeRecordDaily(context.Background(), day2, quietMetrics())
	if r.lastDay != "2026-08-31" {
		t.Fatalf("lastDay = %q after rollover", r.lastDay)
	}
}
