package engine

import (
	"context"
	"sync"
	"time"

	"complaintwatch/internal/events"
)

// fakeLedger captures audit events in memory and serves canned
// false-positive counts.
type fakeLedger struct {
	mu        sync.Mutex
	events    []events.AuditEvent
	fpCounts  map[string]int
	appendErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fpCounts: make(map[string]int)}
}

func (l *fakeLedger) Append(_ context.Context, ev *events.AuditEvent) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
	return nil
}

func (l *fakeLedger) CountFalsePositives(_ context.Context, signalID string, _ time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fpCounts[signalID], nil
}

func (l *fakeLedger) byType(eventType string) []events.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.AuditEvent
	for _, ev := range l.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeScheduler records timer calls.
type fakeScheduler struct {
	mu       sync.Mutex
	timeouts map[string]time.Time
	statuses map[string]time.Duration
	canceled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		timeouts: make(map[string]time.Time),
		statuses: make(map[string]time.Duration),
	}
}

func (s *fakeScheduler) ScheduleTimeout(alertID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[alertID] = at
}

func (s *fakeScheduler) ScheduleStatusUpdates(alertID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[alertID] = interval
}

func (s *fakeScheduler) Cancel(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, alertID)
}

// fakeDispatcher captures outbound payloads.
type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []events.AlertPayload
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, p *events.AlertPayload) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, *p)
	return nil
}
