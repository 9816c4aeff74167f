// Package engine combines one evaluation cycle's signal results into a
// leveled alert and drives the acknowledgement/escalation state machine.
// Every transition appends exactly one audit event, written before the
// transition takes effect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"complaintwatch/internal/audit"
	"complaintwatch/internal/events"
)

// ErrAlertNotActionable is returned for an acknowledgement action that
// raced with another transition or targets a terminal alert.
var ErrAlertNotActionable = errors.New("alert not actionable")

// ErrAlertNotFound is returned for an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

// SystemActor marks transitions performed by the sentinel itself.
const SystemActor = "system"

// escalationRetryDelay is how soon a deadline is re-armed when the audit
// write blocking an escalation fails. Keeps the SLA clock alive through a
// ledger outage.
const escalationRetryDelay = time.Minute

// archiveLimit caps the in-memory terminal-alert archive; the audit ledger
// remains the durable record.
const archiveLimit = 256

// Dispatcher delivers outbound alert payloads. Implementations retry
// internally; a returned error never blocks the state machine.
type Dispatcher interface {
	Dispatch(ctx context.Context, p *events.AlertPayload) error
}

// Scheduler owns the per-alert deadline and status-update timers.
type Scheduler interface {
	ScheduleTimeout(alertID string, at time.Time)
	ScheduleStatusUpdates(alertID string, interval time.Duration)
	Cancel(alertID string)
}

// Config holds engine policy. Construct with DefaultConfig and override
// from flags.
type Config struct {
	SLACritical          time.Duration
	SLAWarn              time.Duration
	StatusUpdateInterval time.Duration

	CriticalParties  []string
	WarnParties      []string
	SecondaryParties []string
	SlackChannel     string

	AutoSilenceThreshold int           // false positives within the window before suppression
	AutoSilenceWindow    time.Duration // trailing window for the count

	DataSource string
}

// DefaultConfig returns the documented escalation policy defaults.
func DefaultConfig() Config {
	return Config{
		SLACritical:          15 * time.Minute,
		SLAWarn:              60 * time.Minute,
		StatusUpdateInterval: 30 * time.Minute,
		CriticalParties:      []string{"director", "vp", "oncall-engineer"},
		WarnParties:          []string{"team-lead", "pm"},
		SecondaryParties:     []string{"secondary-oncall"},
		SlackChannel:         "#complaint-alerts",
		AutoSilenceThreshold: 3,
		AutoSilenceWindow:    24 * time.Hour,
		DataSource:           "complaints",
	}
}

// Engine owns alert lifecycle state. Different alerts process fully in
// parallel; each alert serializes its own transitions through its lock.
type Engine struct {
	cfg    Config
	ledger audit.Ledger
	disp   Dispatcher
	sched  Scheduler
	now    func() time.Time

	mu       sync.RWMutex
	active   map[string]*Alert
	archived []*Alert
}

// New creates an engine. The scheduler is attached separately because it
// needs the engine as its timeout handler.
func New(ledger audit.Ledger, disp Dispatcher, cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		disp:   disp,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*Alert),
	}
}

// SetScheduler attaches the deadline scheduler. Must be called before the
// first evaluation cycle.
func (e *Engine) SetScheduler(s Scheduler) {
	e.sched = s
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Get returns an active alert by ID.
func (e *Engine) Get(alertID string) (*Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.active[alertID]
	return a, ok
}

// Archived returns terminal alerts, oldest first.
func (e *Engine) Archived() []*Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Alert, len(e.archived))
	copy(out, e.archived)
	return out
}

func (e *Engine) sla(level events.Level) time.Duration {
	switch level {
	case events.LevelCritical:
		return e.cfg.SLACritical
	case events.LevelWarn:
		return e.cfg.SLAWarn
	default:
		return 0
	}
}

func (e *Engine) parties(level events.Level) []string {
	switch level {
	case events.LevelCritical:
		return e.cfg.CriticalParties
	case events.LevelWarn:
		return e.cfg.WarnParties
	default:
		return nil // INFO: dashboard only, no paging
	}
}

// EvaluateCycle turns one cycle's signal results into at most one alert.
// Each result is recorded as a THRESHOLD_CHECK event; silenced signals are
// logged but excluded from the combination. Returns the created alert, or
// nil when the cycle is quiet.
func (e *Engine) EvaluateCycle(ctx context.Context, runID string, m *events.WindowMetrics, results []events.SignalResult) (*Alert, error) {
	kept := make([]events.SignalResult, 0, len(results))

	for _, r := range results {
		silenced := false
		if r.Level == events.LevelWarn || r.Level == events.LevelCritical {
			silenced = e.silenced(ctx, r.SignalID)
		}

		details := map[string]string{
			"current_value":  fmt.Sprintf("%.2f", r.CurrentValue),
			"baseline_value": fmt.Sprintf("%.2f", r.BaselineValue),
			"threshold_warn": fmt.Sprintf("%.2f", r.ThresholdWarn),
		}
		if r.Note != "" {
			details["note"] = r.Note
		}
		if silenced {
			details["silenced"] = "true"
		}
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventThresholdCheck,
			SignalID:      r.SignalID,
			Level:         r.Level,
			Actor:         SystemActor,
			Details:       details,
			WorkflowRunID: runID,
		}); err != nil {
			return nil, err
		}

		if silenced {
			slog.Info("Signal auto-silenced, excluded from alerting",
				"signal_id", r.SignalID,
				"level", r.Level,
			)
			continue
		}
		kept = append(kept, r)
	}

	level, fire := Combine(kept)
	if !fire {
		return nil, nil
	}

	// A persisting condition must not open a duplicate alert every cycle:
	// while an alert for the same dominant signal is still non-terminal,
	// new firings are absorbed into it. A worsened firing upgrades the open
	// alert in place instead of being swallowed.
	dominantID := dominantSignalID(kept)
	if existing := e.activeForSignal(dominantID); existing != nil {
		if err := e.maybeUpgrade(ctx, existing, level, kept, runID); err != nil {
			return nil, err
		}
		slog.Debug("Condition persists, existing alert still open",
			"signal_id", dominantID,
			"alert_id", existing.ID,
		)
		return nil, nil
	}

	now := e.now()
	a := &Alert{
		ID:              newAlertID(now),
		GeneratedAt:     now,
		Level:           level,
		Signals:         kept,
		Context:         contextFromMetrics(m),
		State:           events.StateOpen,
		NotifiedParties: e.parties(level),
		Tier:            0,
		WorkflowRunID:   runID,
		RowsEvaluated:   m.RowsEvaluated,
		DataSource:      m.DataSource,
	}
	if sla := e.sla(level); sla > 0 {
		a.AckDeadline = now.Add(sla)
		a.NextEscalation = a.AckDeadline
	}

	// Write-before-effect: the ALERT_FIRED event must be durable before
	// any notification leaves the system.
	dominant := a.Dominant()
	if err := e.ledger.Append(ctx, &events.AuditEvent{
		EventType:     events.EventAlertFired,
		AlertID:       a.ID,
		SignalID:      dominant.SignalID,
		Level:         level,
		Actor:         SystemActor,
		Details:       map[string]string{"signals": strconv.Itoa(len(kept))},
		WorkflowRunID: runID,
	}); err != nil {
		return nil, fmt.Errorf("alert %s not fired: %w", a.ID, err)
	}

	if level == events.LevelInfo {
		// INFO never escalates: dashboard update only, then straight to
		// terminal bookkeeping.
		a.State = events.StateResolved
		e.dispatch(ctx, a, "ALERT")
		e.archive(a)
		slog.Info("Info alert logged", "alert_id", a.ID)
		return a, nil
	}

	e.mu.Lock()
	e.active[a.ID] = a
	e.mu.Unlock()

	e.dispatch(ctx, a, "ALERT")

	a.mu.Lock()
	a.State = events.StateNotified
	a.mu.Unlock()
	e.sched.ScheduleTimeout(a.ID, a.AckDeadline)

	slog.Info("Alert fired",
		"alert_id", a.ID,
		"level", level,
		"ack_deadline", a.AckDeadline,
		"notified", a.NotifiedParties,
	)
	return a, nil
}

// maybeUpgrade raises an open alert when a later firing for the same
// condition outranks it: WARN to CRITICAL tightens the acknowledgement
// window and re-pages the wider party list. Only unacknowledged alerts are
// upgraded; once a human owns the alert the level stays put.
func (e *Engine) maybeUpgrade(ctx context.Context, a *Alert, level events.Level, results []events.SignalResult, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State != events.StateNotified || level.Rank() <= a.Level.Rank() {
		return nil
	}

	now := e.now()
	deadline := now.Add(e.sla(level))
	if !a.AckDeadline.IsZero() && a.AckDeadline.Before(deadline) {
		deadline = a.AckDeadline // never loosen an already-running clock
	}
	if err := e.ledger.Append(ctx, &events.AuditEvent{
		EventType: events.EventAlertEscalated,
		AlertID:   a.ID,
		SignalID:  dominantSignalID(results),
		Level:     level,
		Actor:     SystemActor,
		Details: map[string]string{
			"reason": "severity_increased",
			"from":   string(a.Level),
			"to":     string(level),
		},
		WorkflowRunID: runID,
	}); err != nil {
		return fmt.Errorf("alert %s not upgraded: %w", a.ID, err)
	}

	prev := a.Level
	a.Level = level
	a.Signals = results
	a.NotifiedParties = e.parties(level)
	a.AckDeadline = deadline
	a.NextEscalation = deadline
	e.dispatch(ctx, a, "ALERT")
	e.sched.ScheduleTimeout(a.ID, deadline)
	slog.Warn("Open alert upgraded",
		"alert_id", a.ID,
		"from", prev,
		"to", level,
		"ack_deadline", deadline,
	)
	return nil
}

// Apply processes a human acknowledgement action. First transition wins:
// an action racing with a timeout either lands before the timer (and
// cancels it) or fails with ErrAlertNotActionable. Replaying an action the
// alert has already absorbed is a no-op.
func (e *Engine) Apply(ctx context.Context, alertID string, action events.AckAction, actor string) error {
	e.mu.RLock()
	a, ok := e.active[alertID]
	e.mu.RUnlock()
	if !ok {
		if arch := e.findArchived(alertID); arch != nil {
			return e.applyTerminal(arch, action)
		}
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch action {
	case events.ActionAcknowledge, events.ActionInvestigating:
		if a.State == events.StateAcknowledged {
			a.noteAction(action)
			return nil // idempotent replay
		}
		if a.State != events.StateNotified && a.State != events.StateEscalated {
			return fmt.Errorf("%w: %s is %s", ErrAlertNotActionable, alertID, a.State)
		}
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventAlertAcked,
			AlertID:       a.ID,
			SignalID:      a.Dominant().SignalID,
			Level:         a.Level,
			Actor:         actor,
			Details:       map[string]string{"action": string(action)},
			WorkflowRunID: a.WorkflowRunID,
		}); err != nil {
			return err
		}
		a.State = events.StateAcknowledged
		a.noteAction(action)
		e.sched.Cancel(a.ID)
		e.sched.ScheduleStatusUpdates(a.ID, e.cfg.StatusUpdateInterval)
		slog.Info("Alert acknowledged", "alert_id", a.ID, "actor", actor, "action", action)
		return nil

	case events.ActionFalsePositive:
		if a.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlertNotActionable, alertID, a.State)
		}
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventFalsePositive,
			AlertID:       a.ID,
			SignalID:      a.Dominant().SignalID,
			Level:         a.Level,
			Actor:         actor,
			WorkflowRunID: a.WorkflowRunID,
		}); err != nil {
			return err
		}
		a.State = events.StateFalsePositive
		a.noteAction(action)
		e.sched.Cancel(a.ID)
		e.retire(a)
		slog.Info("Alert marked false positive", "alert_id", a.ID, "actor", actor)
		return nil

	case events.ActionResolved:
		if a.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlertNotActionable, alertID, a.State)
		}
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventAlertResolved,
			AlertID:       a.ID,
			SignalID:      a.Dominant().SignalID,
			Level:         a.Level,
			Actor:         actor,
			WorkflowRunID: a.WorkflowRunID,
		}); err != nil {
			return err
		}
		a.State = events.StateResolved
		a.noteAction(action)
		e.sched.Cancel(a.ID)
		e.retire(a)
		slog.Info("Alert resolved", "alert_id", a.ID, "actor", actor)
		return nil

	default:
		return fmt.Errorf("%w: unknown action %q", ErrAlertNotActionable, action)
	}
}

// applyTerminal handles duplicate deliveries targeting an archived alert.
// A replay of any action the alert absorbed while active is a no-op;
// anything new is rejected.
func (e *Engine) applyTerminal(a *Alert, action events.AckAction) error {
	a.mu.Lock()
	state := a.State
	replayed := a.actionApplied(action)
	a.mu.Unlock()

	if replayed ||
		(state == events.StateFalsePositive && action == events.ActionFalsePositive) ||
		(state == events.StateResolved && action == events.ActionResolved) {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrAlertNotActionable, a.ID, state)
}

// HandleDeadline is called by the scheduler when an acknowledgement window
// expires. First expiry escalates to the secondary tier with a fresh
// window; a second expiry is fatal to automatic handling and surfaces as a
// standing incident.
func (e *Engine) HandleDeadline(ctx context.Context, alertID string) {
	e.mu.RLock()
	a, ok := e.active[alertID]
	e.mu.RUnlock()
	if !ok {
		return // alert went terminal before the timer fired
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.State {
	case events.StateNotified:
		now := e.now()
		deadline := now.Add(e.sla(a.Level))
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventAlertEscalated,
			AlertID:       a.ID,
			SignalID:      a.Dominant().SignalID,
			Level:         a.Level,
			Actor:         SystemActor,
			Details:       map[string]string{"tier": "secondary", "new_deadline": deadline.Format(time.RFC3339)},
			WorkflowRunID: a.WorkflowRunID,
		}); err != nil {
			// The expiry is consumed, so a fresh timer must keep the SLA
			// clock alive until the ledger recovers.
			retryAt := now.Add(escalationRetryDelay)
			e.sched.ScheduleTimeout(a.ID, retryAt)
			slog.Error("Escalation audit write failed, retrying deadline",
				"alert_id", a.ID, "retry_at", retryAt, "error", err)
			return
		}
		a.State = events.StateEscalated
		a.Tier = 1
		a.NotifiedParties = e.cfg.SecondaryParties
		a.AckDeadline = deadline
		a.NextEscalation = time.Time{} // no further automatic escalation
		e.dispatch(ctx, a, "ESCALATION")
		e.sched.ScheduleTimeout(a.ID, deadline)
		slog.Warn("Alert escalated to secondary on-call",
			"alert_id", a.ID,
			"level", a.Level,
			"new_deadline", deadline,
		)

	case events.StateEscalated:
		if a.Standing {
			return
		}
		if err := e.ledger.Append(ctx, &events.AuditEvent{
			EventType:     events.EventStatusUpdate,
			AlertID:       a.ID,
			Level:         a.Level,
			Actor:         SystemActor,
			Details:       map[string]string{"standing_incident": "true"},
			WorkflowRunID: a.WorkflowRunID,
		}); err != nil {
			retryAt := e.now().Add(escalationRetryDelay)
			e.sched.ScheduleTimeout(a.ID, retryAt)
			slog.Error("Standing-incident audit write failed, retrying deadline",
				"alert_id", a.ID, "retry_at", retryAt, "error", err)
			return
		}
		a.Standing = true
		e.dispatch(ctx, a, "STANDING_INCIDENT")
		slog.Error("Second acknowledgement window expired, manual intervention required",
			"alert_id", a.ID,
			"level", a.Level,
		)

	default:
		// Lost the race with a human action.
		slog.Debug("Deadline fired for non-pending alert", "alert_id", a.ID, "state", a.State)
	}
}

// HandleStatusTick emits a periodic reminder while an alert sits
// acknowledged but unresolved. Returns false once the alert no longer
// needs reminders.
func (e *Engine) HandleStatusTick(ctx context.Context, alertID string) bool {
	e.mu.RLock()
	a, ok := e.active[alertID]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.State != events.StateAcknowledged {
		return false
	}

	// Lightweight marker, not a state transition.
	if err := e.ledger.Append(ctx, &events.AuditEvent{
		EventType:     events.EventStatusUpdate,
		AlertID:       a.ID,
		Level:         a.Level,
		Actor:         SystemActor,
		WorkflowRunID: a.WorkflowRunID,
	}); err != nil {
		slog.Error("Status-update audit write failed", "alert_id", a.ID, "error", err)
	}
	e.dispatch(ctx, a, "STATUS_UPDATE")
	return true
}

// silenced checks the trailing false-positive count for a signal against
// the auto-silence threshold. Ledger errors fail open so a query outage
// cannot drop real alerts.
func (e *Engine) silenced(ctx context.Context, signalID string) bool {
	if e.cfg.AutoSilenceThreshold <= 0 {
		return false
	}
	since := e.now().Add(-e.cfg.AutoSilenceWindow)
	n, err := e.ledger.CountFalsePositives(ctx, signalID, since)
	if err != nil {
		slog.Warn("False-positive count query failed, signal not silenced",
			"signal_id", signalID, "error", err)
		return false
	}
	return n >= e.cfg.AutoSilenceThreshold
}

// dispatch builds and sends the outbound payload. Dispatch failure is
// reported but never blocks the state machine or the SLA clock.
func (e *Engine) dispatch(ctx context.Context, a *Alert, kind string) {
	if e.disp == nil {
		return
	}
	if err := e.disp.Dispatch(ctx, e.buildPayload(a, kind)); err != nil {
		slog.Error("Notification dispatch failed",
			"alert_id", a.ID,
			"kind", kind,
			"error", err,
		)
	}
}

// buildPayload produces the canonical outbound shape. Caller holds the
// alert lock or owns the alert exclusively.
func (e *Engine) buildPayload(a *Alert, kind string) *events.AlertPayload {
	dominant := a.Dominant()
	p := &events.AlertPayload{
		AlertID:     a.ID,
		GeneratedAt: a.GeneratedAt,
		Level:       a.Level,
		Kind:        kind,
		Signal: events.PayloadSignal{
			ID:                dominant.SignalID,
			Name:              dominant.Name,
			WindowHours:       dominant.WindowHours,
			CurrentValue:      dominant.CurrentValue,
			BaselineValue:     dominant.BaselineValue,
			ThresholdCritical: dominant.ThresholdCritical,
			SpikeFactor:       dominant.SpikeFactor,
		},
		Context: a.Context,
		Escalation: events.PayloadEscalation{
			Notified:     a.NotifiedParties,
			SlackChannel: e.cfg.SlackChannel,
		},
		Audit: events.PayloadAudit{
			WorkflowRunID: a.WorkflowRunID,
			DataSource:    a.DataSource,
			RowsEvaluated: a.RowsEvaluated,
			Version:       events.SchemaVersion,
		},
	}
	if !a.AckDeadline.IsZero() {
		d := a.AckDeadline
		p.Escalation.AcknowledgementRequiredBy = &d
	}
	if !a.NextEscalation.IsZero() {
		n := a.NextEscalation
		p.Escalation.NextEscalationIfUnacked = &n
	}
	return p
}

// retire moves an alert from the active set to the archive. Caller holds
// the alert's lock.
func (e *Engine) retire(a *Alert) {
	e.mu.Lock()
	delete(e.active, a.ID)
	e.archiveLocked(a)
	e.mu.Unlock()
}

func (e *Engine) archive(a *Alert) {
	e.mu.Lock()
	e.archiveLocked(a)
	e.mu.Unlock()
}

// archiveLocked appends to the bounded archive, evicting the oldest entry
// past the cap. Caller holds e.mu.
func (e *Engine) archiveLocked(a *Alert) {
	e.archived = append(e.archived, a)
	if len(e.archived) > archiveLimit {
		over := len(e.archived) - archiveLimit
		e.archived = append(e.archived[:0:0], e.archived[over:]...)
	}
}

// activeForSignal returns a non-terminal alert whose dominant signal
// matches, if one exists.
func (e *Engine) activeForSignal(signalID string) *Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.active {
		if a.Dominant().SignalID == signalID {
			return a
		}
	}
	return nil
}

// dominantSignalID picks the highest-level result, earliest in evaluation
// order on ties.
func dominantSignalID(results []events.SignalResult) string {
	id := ""
	rank := -1
	for _, r := range results {
		if r.Level.Rank() > rank {
			id = r.SignalID
			rank = r.Level.Rank()
		}
	}
	return id
}

func (e *Engine) findArchived(alertID string) *Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.archived {
		if a.ID == alertID {
			return a
		}
	}
	return nil
}

// newAlertID returns a unique, time-ordered identifier.
func newAlertID(now time.Time) string {
	return fmt.Sprintf("alrt-%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8])
}
