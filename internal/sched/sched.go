// Package sched owns the per-alert timers: the acknowledgement deadline
// racing against human action, and periodic status-update reminders for
// acknowledged alerts. A single goroutine drains a min-heap keyed by
// deadline, so resource usage stays bounded under high alert volume.
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler receives timer expiries. Implemented by the escalation engine.
type Handler interface {
	// HandleDeadline processes an acknowledgement-window expiry.
	HandleDeadline(ctx context.Context, alertID string)
	// HandleStatusTick emits a periodic reminder; returning false stops
	// further ticks for the alert.
	HandleStatusTick(ctx context.Context, alertID string) bool
}

type entryKind int

const (
	kindTimeout entryKind = iota
	kindStatus
)

type entry struct {
	alertID  string
	at       time.Time
	kind     entryKind
	interval time.Duration // status entries reschedule at this interval
	seq      uint64        // tie-break for equal deadlines
	gen      uint64        // cancellation generation at creation
	canceled bool
	index    int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs all alert timers off one heap and one goroutine.
// Cancellation and expiry race safely: whichever reaches the entry first
// under the scheduler lock wins, and the loser is a no-op.
type Scheduler struct {
	handler Handler

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string][]*entry // alertID -> live entries
	gens    map[string]uint64   // alertID -> cancellation generation
	seq     uint64
	wake    chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a scheduler delivering expiries to the handler.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		handler: handler,
		entries: make(map[string][]*entry),
		gens:    make(map[string]uint64),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the timer loop. It runs until ctx is canceled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop terminates the timer loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// ScheduleTimeout arms the acknowledgement-deadline timer for an alert.
// Any previously pending timeout for the alert is superseded.
func (s *Scheduler) ScheduleTimeout(alertID string, at time.Time) {
	s.mu.Lock()
	s.cancelKindLocked(alertID, kindTimeout)
	s.pushLocked(&entry{alertID: alertID, at: at, kind: kindTimeout})
	s.mu.Unlock()
	s.poke()

	slog.Debug("Timeout scheduled", "alert_id", alertID, "at", at)
}

// ScheduleStatusUpdates starts periodic reminder ticks for an alert.
func (s *Scheduler) ScheduleStatusUpdates(alertID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.cancelKindLocked(alertID, kindStatus)
	s.pushLocked(&entry{alertID: alertID, at: time.Now().Add(interval), kind: kindStatus, interval: interval})
	s.mu.Unlock()
	s.poke()
}

// Cancel aborts every pending timer for an alert. Safe to race against
// expiry: only one of cancellation and firing takes effect per entry.
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	for _, e := range s.entries[alertID] {
		e.canceled = true
	}
	delete(s.entries, alertID)
	s.gens[alertID]++ // invalidates any tick currently in flight
	s.mu.Unlock()
}

// Pending reports how many live timers exist for an alert.
func (s *Scheduler) Pending(alertID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[alertID])
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	e.gen = s.gens[e.alertID]
	heap.Push(&s.heap, e)
	s.entries[e.alertID] = append(s.entries[e.alertID], e)
}

func (s *Scheduler) cancelKindLocked(alertID string, kind entryKind) {
	live := s.entries[alertID][:0]
	for _, e := range s.entries[alertID] {
		if e.kind == kind {
			e.canceled = true
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		delete(s.entries, alertID)
	} else {
		s.entries[alertID] = live
	}
}

// dropLocked removes a fired entry from the per-alert index.
func (s *Scheduler) dropLocked(e *entry) {
	live := s.entries[e.alertID][:0]
	for _, other := range s.entries[e.alertID] {
		if other != e {
			live = append(live, other)
		}
	}
	if len(live) == 0 {
		delete(s.entries, e.alertID)
	} else {
		s.entries[e.alertID] = live
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		if s.heap.Len() > 0 {
			wait = time.Until(s.heap[0].at)
		}
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue pops and delivers every entry whose deadline has passed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		if e.canceled {
			s.mu.Unlock()
			continue
		}
		s.dropLocked(e)
		s.mu.Unlock()

		switch e.kind {
		case kindTimeout:
			s.handler.HandleDeadline(ctx, e.alertID)
		case kindStatus:
			if s.handler.HandleStatusTick(ctx, e.alertID) {
				s.mu.Lock()
				// A cancellation that landed while this tick was in
				// flight wins; do not re-arm.
				if s.gens[e.alertID] == e.gen {
					s.pushLocked(&entry{
						alertID:  e.alertID,
						at:       now.Add(e.interval),
						kind:     kindStatus,
						interval: e.interval,
					})
				}
				s.mu.Unlock()
			}
		}
	}
}
