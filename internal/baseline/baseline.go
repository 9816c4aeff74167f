// Package baseline maintains rolling historical statistics for the anomaly
// signals: daily complaint volume over 28 days and per-theme / per-channel
// share over 14 days. Evaluators read consistent snapshots; mutation happens
// once per day through the recorder.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// VolumeWindowDays is the bounded history length for daily volume.
	VolumeWindowDays = 28
	// ShareWindowDays is the bounded history length for theme and channel share.
	ShareWindowDays = 14
)

// ErrBaselineUnavailable is returned when history is below the minimum
// window and no manual baseline was configured. Callers must skip the
// dependent signal for the cycle and log a note event.
var ErrBaselineUnavailable = errors.New("baseline unavailable: insufficient history and no manual override")

// Baseline is a read-only snapshot of one metric family's statistics.
type Baseline struct {
	Mean      float64
	StdDev    float64
	Samples   int
	ColdStart bool
	Manual    bool
}

// ManualOverrides supplies operator-configured baselines used while the
// rolling history is still cold. Absence of an override during cold start
// is a configuration error at evaluation time, not a crash.
type ManualOverrides struct {
	VolumeMean   *float64
	VolumeStdDev float64
	ThemeShare   map[string]float64 // theme -> share pct
	ChannelShare map[string]float64 // channel -> share pct
}

// window is a bounded FIFO buffer with incrementally maintained sum and
// sum of squares, so mean and stddev are O(1) per push.
type window struct {
	values []float64
	head   int
	size   int
	bound  int
	sum    float64
	sumSq  float64
}

func newWindow(bound int) *window {
	return &window{values: make([]float64, bound), bound: bound}
}

func (w *window) push(v float64) {
	if w.size == w.bound {
		old := w.values[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.size++
	}
	w.values[w.head] = v
	w.head = (w.head + 1) % w.bound
	w.sum += v
	w.sumSq += v * v
}

func (w *window) mean() float64 {
	if w.size == 0 {
		return 0
	}
	return w.sum / float64(w.size)
}

// stddev returns the sample standard deviation. Floating-point residue from
// the incremental update can push the variance slightly negative near zero;
// it is clamped.
func (w *window) stddev() float64 {
	if w.size < 2 {
		return 0
	}
	n := float64(w.size)
	variance := (w.sumSq - w.sum*w.sum/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// snapshot returns the buffered values oldest-first.
func (w *window) snapshot() []float64 {
	out := make([]float64, 0, w.size)
	start := w.head - w.size
	for i := 0; i < w.size; i++ {
		out = append(out, w.values[((start+i)%w.bound+w.bound)%w.bound])
	}
	return out
}

// Tracker owns all baseline state. A single writer records one observation
// per metric family per day; evaluators read snapshots under a read lock.
type Tracker struct {
	mu       sync.RWMutex
	volume   *window
	themes   map[string]*window
	channels map[string]*window
	manual   ManualOverrides
}

// NewTracker creates an empty tracker with the given manual overrides.
func NewTracker(manual ManualOverrides) *Tracker {
	return &Tracker{
		volume:   newWindow(VolumeWindowDays),
		themes:   make(map[string]*window),
		channels: make(map[string]*window),
		manual:   manual,
	}
}

// RecordDailyVolume appends one day's total complaint count, evicting the
// oldest entry beyond the 28-day bound.
func (t *Tracker) RecordDailyVolume(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume.push(v)
}

// RecordThemeShare appends one day's share percentage for a theme.
func (t *Tracker) RecordThemeShare(theme string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.themes[theme]
	if !ok {
		w = newWindow(ShareWindowDays)
		t.themes[theme] = w
	}
	w.push(pct)
}

// RecordChannelShare appends one day's share percentage for a channel.
func (t *Tracker) RecordChannelShare(channel string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.channels[channel]
	if !ok {
		w = newWindow(ShareWindowDays)
		t.channels[channel] = w
	}
	w.push(pct)
}

// Volume returns the daily-volume baseline. During cold start the manual
// override is substituted; with no override ErrBaselineUnavailable is
// returned and the caller must skip the signal.
func (t *Tracker) Volume() (Baseline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.volume.size < VolumeWindowDays {
		if t.manual.VolumeMean == nil {
			return Baseline{}, fmt.Errorf("volume baseline (%d/%d days): %w",
				t.volume.size, VolumeWindowDays, ErrBaselineUnavailable)
		}
		return Baseline{
			Mean:      *t.manual.VolumeMean,
			StdDev:    t.manual.VolumeStdDev,
			Samples:   t.volume.size,
			ColdStart: true,
			Manual:    true,
		}, nil
	}

	return Baseline{
		Mean:    t.volume.mean(),
		StdDev:  t.volume.stddev(),
		Samples: t.volume.size,
	}, nil
}

// ThemeShare returns the share baseline for a theme, applying the manual
// override during cold start. A theme never seen before is cold by
// definition.
func (t *Tracker) ThemeShare(theme string) (Baseline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return shareBaseline(t.themes[theme], t.manual.ThemeShare, theme, "theme")
}

// ChannelShare returns the share baseline for a channel.
func (t *Tracker) ChannelShare(channel string) (Baseline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return shareBaseline(t.channels[channel], t.manual.ChannelShare, channel, "channel")
}

func shareBaseline(w *window, manual map[string]float64, key, family string) (Baseline, error) {
	size := 0
	if w != nil {
		size = w.size
	}
	if size < ShareWindowDays {
		pct, ok := manual[key]
		if !ok {
			return Baseline{}, fmt.Errorf("%s share baseline for %q (%d/%d days): %w",
				family, key, size, ShareWindowDays, ErrBaselineUnavailable)
		}
		return Baseline{Mean: pct, Samples: size, ColdStart: true, Manual: true}, nil
	}
	return Baseline{Mean: w.mean(), StdDev: w.stddev(), Samples: size}, nil
}
