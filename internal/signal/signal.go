// Package signal implements the six anomaly evaluators. Each evaluator is a
// pure function over (window metrics, baseline, thresholds) returning a
// classified SignalResult; none of them write audit events or touch shared
// state.
package signal

import (
	"fmt"
	"sort"

	"complaintwatch/internal/baseline"
	"complaintwatch/internal/events"
)

// Thresholds holds all configurable trigger points. Zero values are never
// valid; construct with DefaultThresholds and override from flags.
type Thresholds struct {
	VolumeWarnSigma     float64 // WARN at baseline + n*sigma
	VolumeCriticalSigma float64 // CRITICAL at baseline + n*sigma
	VolumeWarnFloor     float64 // lower bound on the WARN threshold, complaints/hour

	ThemeWarnRatio     float64 // WARN when current/baseline share exceeds
	ThemeCriticalRatio float64

	SeverityWarnPct     float64 // WARN when highSeverity/total exceeds
	SeverityCriticalPct float64

	ChannelWarnRatio     float64 // defaults mirror the theme ratios
	ChannelCriticalRatio float64

	KeywordWarnPerHour     float64
	KeywordCriticalPerHour float64

	NoDataWarnHours     float64
	NoDataCriticalHours float64
}

// DefaultThresholds returns the documented default trigger points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VolumeWarnSigma:        1.5,
		VolumeCriticalSigma:    3.0,
		VolumeWarnFloor:        10,
		ThemeWarnRatio:         1.5,
		ThemeCriticalRatio:     2.5,
		SeverityWarnPct:        0.30,
		SeverityCriticalPct:    0.50,
		ChannelWarnRatio:       1.5,
		ChannelCriticalRatio:   2.5,
		KeywordWarnPerHour:     5,
		KeywordCriticalPerHour: 15,
		NoDataWarnHours:        2,
		NoDataCriticalHours:    4,
	}
}

// ShareLookup resolves the baseline share for a theme or channel, returning
// baseline.ErrBaselineUnavailable during an unconfigured cold start.
type ShareLookup func(key string) (baseline.Baseline, error)

// Volume evaluates SIG-01. The effective WARN threshold is
// max(mean + warnSigma*stddev, floor); CRITICAL is mean + criticalSigma*stddev
// regardless of the floor.
func Volume(m *events.WindowMetrics, b baseline.Baseline, th Thresholds) events.SignalResult {
	warn := b.Mean + th.VolumeWarnSigma*b.StdDev
	if warn < th.VolumeWarnFloor {
		warn = th.VolumeWarnFloor
	}
	critical := b.Mean + th.VolumeCriticalSigma*b.StdDev

	current := float64(m.HourlyCount)
	r := events.SignalResult{
		SignalID:          events.SignalVolume,
		Name:              events.SignalName(events.SignalVolume),
		WindowHours:       1,
		CurrentValue:      current,
		BaselineValue:     b.Mean,
		ThresholdWarn:     warn,
		ThresholdCritical: critical,
		Level:             events.LevelNone,
	}
	if b.Mean > 0 {
		r.SpikeFactor = current / b.Mean
	}
	switch {
	case current > critical:
		r.Level = events.LevelCritical
	case current > warn:
		r.Level = events.LevelWarn
	}
	return r
}

// Theme evaluates SIG-02 across every theme present in the daily window and
// reports the worst offender. A theme with zero baseline share has an
// undefined spike factor and is suppressed rather than reported infinite.
func Theme(m *events.WindowMetrics, lookup ShareLookup, th Thresholds) events.SignalResult {
	return shareSpike(m, lookup, events.SignalTheme, sortedKeys(m.ThemeCounts),
		m.ThemeShare, th.ThemeWarnRatio, th.ThemeCriticalRatio)
}

// Channel evaluates SIG-04, structurally identical to Theme but keyed by
// channel share and with its own configurable ratios.
func Channel(m *events.WindowMetrics, lookup ShareLookup, th Thresholds) events.SignalResult {
	return shareSpike(m, lookup, events.SignalChannel, sortedKeys(m.ChannelCounts),
		m.ChannelShare, th.ChannelWarnRatio, th.ChannelCriticalRatio)
}

func shareSpike(m *events.WindowMetrics, lookup ShareLookup, signalID string,
	keys []string, share func(string) float64, warnRatio, criticalRatio float64) events.SignalResult {

	r := events.SignalResult{
		SignalID:          signalID,
		Name:              events.SignalName(signalID),
		WindowHours:       24,
		ThresholdWarn:     warnRatio,
		ThresholdCritical: criticalRatio,
		Level:             events.LevelNone,
	}

	for _, key := range keys {
		currentPct := share(key)
		if currentPct == 0 {
			continue
		}
		b, err := lookup(key)
		if err != nil {
			// Cold start without an override: skip this key for the
			// cycle, the engine logs the note event.
			if r.Note == "" {
				r.Note = fmt.Sprintf("baseline unavailable for %q", key)
			}
			continue
		}
		if b.Mean == 0 {
			// Division by zero: spike factor undefined, suppress.
			continue
		}
		factor := currentPct / b.Mean
		if factor <= r.SpikeFactor {
			continue
		}
		r.SpikeFactor = factor
		r.Subject = key
		r.CurrentValue = currentPct
		r.BaselineValue = b.Mean
		switch {
		case factor > criticalRatio:
			r.Level = events.LevelCritical
		case factor > warnRatio:
			r.Level = events.LevelWarn
		default:
			r.Level = events.LevelNone
		}
	}
	return r
}

// Severity evaluates SIG-03: share of high-severity complaints in the 4-hour
// window. Zero total is insufficient data, not a false alarm; a missing
// severity field upstream disables the signal for the cycle.
func Severity(m *events.WindowMetrics, th Thresholds) events.SignalResult {
	r := events.SignalResult{
		SignalID:          events.SignalSeverity,
		Name:              events.SignalName(events.SignalSeverity),
		WindowHours:       m.SeverityWindowHours,
		ThresholdWarn:     th.SeverityWarnPct,
		ThresholdCritical: th.SeverityCriticalPct,
		Level:             events.LevelNone,
	}
	if r.WindowHours == 0 {
		r.WindowHours = 4
	}
	if !m.SeverityPresent {
		r.Note = "severity field missing from source, signal disabled for cycle"
		return r
	}
	if m.SeverityTotal == 0 {
		r.Note = "no complaints in severity window"
		return r
	}
	highPct := float64(m.HighSeverityCount) / float64(m.SeverityTotal)
	r.CurrentValue = highPct
	switch {
	case highPct > th.SeverityCriticalPct:
		r.Level = events.LevelCritical
	case highPct > th.SeverityWarnPct:
		r.Level = events.LevelWarn
	}
	return r
}

// Keyword evaluates SIG-05: hourly frequency of configured critical keyword
// occurrences. Matching happens at the ingestion boundary; here only counts
// are judged.
func Keyword(m *events.WindowMetrics, th Thresholds) events.SignalResult {
	r := events.SignalResult{
		SignalID:          events.SignalKeyword,
		Name:              events.SignalName(events.SignalKeyword),
		WindowHours:       1,
		ThresholdWarn:     th.KeywordWarnPerHour,
		ThresholdCritical: th.KeywordCriticalPerHour,
		Level:             events.LevelNone,
	}

	total := 0
	top := ""
	topCount := 0
	for _, kw := range sortedKeys(m.KeywordCounts) {
		n := m.KeywordCounts[kw]
		total += n
		if n > topCount {
			top, topCount = kw, n
		}
	}
	r.CurrentValue = float64(total)
	r.Subject = top
	switch {
	case r.CurrentValue > th.KeywordCriticalPerHour:
		r.Level = events.LevelCritical
	case r.CurrentValue > th.KeywordWarnPerHour:
		r.Level = events.LevelWarn
	}
	return r
}

// NoData evaluates SIG-06: continuous hours with zero intake. It also runs
// on the independent watchdog cadence, since its purpose is detecting
// failure of the main pipeline itself.
func NoData(m *events.WindowMetrics, th Thresholds) events.SignalResult {
	r := events.SignalResult{
		SignalID:          events.SignalNoData,
		Name:              events.SignalName(events.SignalNoData),
		WindowHours:       m.HoursSinceLastComplaint,
		CurrentValue:      m.HoursSinceLastComplaint,
		ThresholdWarn:     th.NoDataWarnHours,
		ThresholdCritical: th.NoDataCriticalHours,
		Level:             events.LevelNone,
	}
	switch {
	case m.HoursSinceLastComplaint >= th.NoDataCriticalHours:
		r.Level = events.LevelCritical
	case m.HoursSinceLastComplaint >= th.NoDataWarnHours:
		r.Level = events.LevelWarn
	}
	return r
}

// sortedKeys keeps evaluation deterministic across map iteration order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
