// Package events defines the domain types shared across the sentinel:
// severity levels, signal results, alert lifecycle states, audit events,
// and the outbound alert payload.
package events

import "time"

const (
	SchemaVersion = 1
)

// Level is the graduated severity of a signal result or an alert.
type Level string

const (
	LevelNone     Level = "NONE"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelCritical Level = "CRITICAL"
)

// Rank returns the ordering of a level for max-severity comparisons.
// Unknown levels rank below NONE.
func (l Level) Rank() int {
	switch l {
	case LevelNone:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// Signal identifiers. Stable IDs are used in audit events and auto-silence
// bookkeeping; names appear in notifications.
const (
	SignalVolume   = "SIG-01"
	SignalTheme    = "SIG-02"
	SignalSeverity = "SIG-03"
	SignalChannel  = "SIG-04"
	SignalKeyword  = "SIG-05"
	SignalNoData   = "SIG-06"
)

// SignalName maps a signal ID to its human-readable name.
func SignalName(id string) string {
	switch id {
	case SignalVolume:
		return "volume_spike"
	case SignalTheme:
		return "theme_spike"
	case SignalSeverity:
		return "severity_escalation"
	case SignalChannel:
		return "channel_surge"
	case SignalKeyword:
		return "keyword_alert"
	case SignalNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// WindowMetrics is a snapshot of complaint-intake counts for one evaluation
// cycle. It is produced fresh each cycle by the ingestion source and never
// mutated afterwards.
type WindowMetrics struct {
	WindowEnd time.Time `json:"window_end"`

	// Hourly-rate window (1h) used by volume and keyword signals.
	HourlyCount   int            `json:"hourly_count"`
	KeywordCounts map[string]int `json:"keyword_counts,omitempty"`

	// Severity window (4h).
	SeverityWindowHours float64 `json:"severity_window_hours"`
	SeverityTotal       int     `json:"severity_total"`
	HighSeverityCount   int     `json:"high_severity_count"`
	SeverityPresent     bool    `json:"severity_present"`

	// Share windows (24h) used by theme and channel signals.
	DailyTotal    int            `json:"daily_total"`
	ThemeCounts   map[string]int `json:"theme_counts,omitempty"`
	ChannelCounts map[string]int `json:"channel_counts,omitempty"`

	// Pipeline-silence watchdog input.
	HoursSinceLastComplaint float64 `json:"hours_since_last_complaint"`

	// Context carried into notifications. Identifiers only, never
	// complaint bodies.
	ExampleComplaintIDs []string `json:"example_complaint_ids,omitempty"`
	RowsEvaluated       int      `json:"rows_evaluated"`
	DataSource          string   `json:"data_source"`
}

// ThemeShare returns the percentage share of a theme in the daily window.
func (m *WindowMetrics) ThemeShare(theme string) float64 {
	if m.DailyTotal == 0 {
		return 0
	}
	return float64(m.ThemeCounts[theme]) / float64(m.DailyTotal) * 100
}

// ChannelShare returns the percentage share of a channel in the daily window.
func (m *WindowMetrics) ChannelShare(channel string) float64 {
	if m.DailyTotal == 0 {
		return 0
	}
	return float64(m.ChannelCounts[channel]) / float64(m.DailyTotal) * 100
}

// SignalResult is the classified outcome of one signal evaluation.
// Immutable; created once per signal per cycle.
type SignalResult struct {
	SignalID          string  `json:"signal_id"`
	Name              string  `json:"name"`
	Level             Level   `json:"level"`
	WindowHours       float64 `json:"window_hours"`
	CurrentValue      float64 `json:"current_value"`
	BaselineValue     float64 `json:"baseline_value"`
	ThresholdWarn     float64 `json:"threshold_warn"`
	ThresholdCritical float64 `json:"threshold_critical"`
	SpikeFactor       float64 `json:"spike_factor,omitempty"`
	Subject           string  `json:"subject,omitempty"` // theme, channel or keyword that tripped
	Note              string  `json:"note,omitempty"`    // explanation when suppressed or skipped
}

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	StateOpen          AlertState = "OPEN"
	StateNotified      AlertState = "NOTIFIED"
	StateAcknowledged  AlertState = "ACKNOWLEDGED"
	StateEscalated     AlertState = "ESCALATED"
	StateResolved      AlertState = "RESOLVED"
	StateFalsePositive AlertState = "FALSE_POSITIVE"
)

// Terminal reports whether the state admits no further transitions.
func (s AlertState) Terminal() bool {
	return s == StateResolved || s == StateFalsePositive
}

// AckAction is a human acknowledgement-workflow action arriving through the
// webhook entry point.
type AckAction string

const (
	ActionAcknowledge   AckAction = "ACKNOWLEDGE"
	ActionFalsePositive AckAction = "FALSE_POSITIVE"
	ActionInvestigating AckAction = "INVESTIGATING"
	ActionResolved      AckAction = "RESOLVED"
)

// Valid reports whether the action is one of the accepted workflow actions.
func (a AckAction) Valid() bool {
	switch a {
	case ActionAcknowledge, ActionFalsePositive, ActionInvestigating, ActionResolved:
		return true
	}
	return false
}

// Audit event types.
const (
	EventWorkflowRun    = "WORKFLOW_RUN"
	EventThresholdCheck = "THRESHOLD_CHECK"
	EventAlertFired     = "ALERT_FIRED"
	EventAlertAcked     = "ALERT_ACKED"
	EventAlertEscalated = "ALERT_ESCALATED"
	EventFalsePositive  = "FALSE_POSITIVE"
	EventAlertResolved  = "ALERT_RESOLVED"
	EventStatusUpdate   = "STATUS_UPDATE"
)

// AuditEvent is one entry in the append-only ledger. Never mutated after
// write; ordering is Timestamp with Seq breaking ties.
type AuditEvent struct {
	LogID         string            `json:"log_id"`
	Seq           uint64            `json:"seq"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     string            `json:"event_type"`
	AlertID       string            `json:"alert_id,omitempty"`
	SignalID      string            `json:"signal_id,omitempty"`
	Level         Level             `json:"level,omitempty"`
	Actor         string            `json:"actor"`
	Details       map[string]string `json:"details,omitempty"`
	WorkflowRunID string            `json:"workflow_run_id"`
}

// AlertContext summarizes the window that produced an alert. Identifiers and
// aggregates only; complaint bodies never leave the ingestion boundary.
type AlertContext struct {
	TopTheme            string   `json:"top_theme,omitempty"`
	TopChannel          string   `json:"top_channel,omitempty"`
	TopKeywords         []string `json:"top_keywords,omitempty"`
	ExampleComplaintIDs []string `json:"example_complaint_ids,omitempty"`
}

// PayloadSignal is the dominant signal block of the outbound payload.
type PayloadSignal struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	WindowHours       float64 `json:"window_hours"`
	CurrentValue      float64 `json:"current_value"`
	BaselineValue     float64 `json:"baseline_value"`
	ThresholdCritical float64 `json:"threshold_critical"`
	SpikeFactor       float64 `json:"spike_factor,omitempty"`
}

// PayloadEscalation describes who was paged and when escalation happens next.
type PayloadEscalation struct {
	Notified                  []string   `json:"notified"`
	SlackChannel              string     `json:"slack_channel,omitempty"`
	AcknowledgementRequiredBy *time.Time `json:"acknowledgement_required_by,omitempty"`
	NextEscalationIfUnacked   *time.Time `json:"next_escalation_if_unacked,omitempty"`
}

// PayloadAudit carries run provenance for the receiving side.
type PayloadAudit struct {
	WorkflowRunID string `json:"workflow_run_id"`
	DataSource    string `json:"data_source"`
	RowsEvaluated int    `json:"rows_evaluated"`
	Version       int    `json:"version"`
}

// AlertPayload is the canonical outbound notification shape.
type AlertPayload struct {
	AlertID     string            `json:"alert_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Level       Level             `json:"level"`
	Kind        string            `json:"kind"` // ALERT, STATUS_UPDATE, ESCALATION, STANDING_INCIDENT
	Signal      PayloadSignal     `json:"signal"`
	Context     AlertContext      `json:"context"`
	Escalation  PayloadEscalation `json:"escalation"`
	Audit       PayloadAudit      `json:"audit"`
}
