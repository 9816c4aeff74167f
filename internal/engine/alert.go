package engine

import (
	"sort"
	"sync"
	"time"

	"complaintwatch/internal/events"
)

// Alert is the aggregated, leveled notification object produced from one
// evaluation cycle. All mutation is funneled through the engine's
// transition methods under the alert's own lock; the escalation tier and
// deadline move only on the scheduler's timeout path.
type Alert struct {
	mu sync.Mutex

	ID              string
	GeneratedAt     time.Time
	Level           events.Level
	Signals         []events.SignalResult // evaluation order, SIG-01 first
	Context         events.AlertContext
	State           events.AlertState
	AckDeadline     time.Time
	NotifiedParties []string
	NextEscalation  time.Time
	Tier            int // 0 = primary on-call window, 1 = secondary
	Standing        bool

	WorkflowRunID string
	RowsEvaluated int
	DataSource    string

	// applied remembers every action the alert has absorbed so duplicate
	// deliveries stay no-ops even after the alert goes terminal.
	applied map[events.AckAction]bool
}

// noteAction records an absorbed action. Caller holds the alert's lock.
func (a *Alert) noteAction(action events.AckAction) {
	if a.applied == nil {
		a.applied = make(map[events.AckAction]bool)
	}
	a.applied[action] = true
}

// actionApplied reports whether the alert has already absorbed the
// action. Caller holds the alert's lock.
func (a *Alert) actionApplied(action events.AckAction) bool {
	return a.applied[action]
}

// Dominant returns the signal that determines the alert's headline: the
// highest-level result, earliest in evaluation order on ties.
func (a *Alert) Dominant() events.SignalResult {
	var best events.SignalResult
	bestRank := -1
	for _, s := range a.Signals {
		if s.Level.Rank() > bestRank {
			best = s
			bestRank = s.Level.Rank()
		}
	}
	return best
}

// Snapshot returns a copy of the mutable lifecycle fields for read-only use.
func (a *Alert) Snapshot() (events.AlertState, time.Time, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.State, a.AckDeadline, a.Tier
}

// Combine derives the overall alert level from one cycle's signal results:
//  1. any CRITICAL signal makes the alert CRITICAL;
//  2. two or more simultaneous WARNs also make it CRITICAL;
//  3. exactly one WARN makes it WARN;
//  4. any remaining non-NONE result makes it INFO;
//  5. otherwise no alert is created.
func Combine(results []events.SignalResult) (events.Level, bool) {
	var criticals, warns, others int
	for _, r := range results {
		switch r.Level {
		case events.LevelCritical:
			criticals++
		case events.LevelWarn:
			warns++
		case events.LevelNone:
		default:
			others++
		}
	}

	switch {
	case criticals > 0:
		return events.LevelCritical, true
	case warns >= 2:
		return events.LevelCritical, true
	case warns == 1:
		return events.LevelWarn, true
	case others > 0:
		return events.LevelInfo, true
	default:
		return events.LevelNone, false
	}
}

// contextFromMetrics summarizes the evaluation window for notifications.
// Identifiers and aggregates only.
func contextFromMetrics(m *events.WindowMetrics) events.AlertContext {
	ctx := events.AlertContext{
		TopTheme:            topKey(m.ThemeCounts),
		TopChannel:          topKey(m.ChannelCounts),
		ExampleComplaintIDs: m.ExampleComplaintIDs,
	}
	for kw, n := range m.KeywordCounts {
		if n > 0 {
			ctx.TopKeywords = append(ctx.TopKeywords, kw)
		}
	}
	sort.Strings(ctx.TopKeywords)
	return ctx
}

func topKey(counts map[string]int) string {
	top := ""
	max := 0
	for k, n := range counts {
		if n > max || (n == max && (top == "" || k < top)) {
			top, max = k, n
		}
	}
	if max == 0 {
		return ""
	}
	return top
}
