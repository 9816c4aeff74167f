package ackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"complaintwatch/internal/engine"
	"complaintwatch/internal/events"
)

type fakeActions struct {
	err     error
	alertID string
	action  events.AckAction
	actor   string
	calls   int
}

func (f *fakeActions) Apply(ctx context.Context, alertID string, action events.AckAction, actor string) error {
	f.calls++
	f.alertID = alertID
	f.action = action
	f.actor = actor
	return f.err
}

func postAck(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, ackResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/acks", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp ackResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func TestAckApplied(t *testing.T) {
	actions := &fakeActions{}
	h := NewHandler(actions)

	rec, resp := postAck(t, h, `{"alert_id":"alrt-1","action":"ACKNOWLEDGE","actor":"sre-oncall"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Status != "applied" {
		t.Errorf("response status = %q, want applied", resp.Status)
	}
	if actions.alertID != "alrt-1" || actions.action != events.ActionAcknowledge || actions.actor != "sre-oncall" {
		t.Errorf("Apply called with (%q, %q, %q)", actions.alertID, actions.action, actions.actor)
	}
}

func TestAckMissingActorDefaultsToUnknown(t *testing.T) {
	actions := &fakeActions{}
	h := NewHandler(actions)

	rec, _ := postAck(t, h, `{"alert_id":"alrt-1","action":"RESOLVED"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if actions.actor != "unknown" {
		t.Errorf("actor = %q, want unknown", actions.actor)
	}
}

func TestAckDuplicateDeliveryIsNoOp(t *testing.T) {
	// The engine treats a replayed action as already applied and returns nil;
	// the webhook must report success both times.
	actions := &fakeActions{}
	h := NewHandler(actions)

	for i := 0; i < 2; i++ {
		rec, resp := postAck(t, h, `{"alert_id":"alrt-1","action":"ACKNOWLEDGE","actor":"sre-oncall"}`)
		if rec.Code != http.StatusOK || resp.Status != "applied" {
			t.Fatalf("delivery %d: status = %d / %q", i+1, rec.Code, resp.Status)
		}
	}
	if actions.calls != 2 {
		t.Errorf("Apply calls = %d, want 2", actions.calls)
	}
}

func TestAckBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{"alert_id":`},
		{"missing alert_id", `{"action":"ACKNOWLEDGE","actor":"a"}`},
		{"unknown action", `{"alert_id":"alrt-1","action":"SNOOZE","actor":"a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := &fakeActions{}
			h := NewHandler(actions)

			rec, resp := postAck(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if resp.Status != "rejected" {
				t.Errorf("response status = %q, want rejected", resp.Status)
			}
			if actions.calls != 0 {
				t.Errorf("Apply calls = %d, want 0", actions.calls)
			}
		})
	}
}

func TestAckEngineErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"unknown alert", engine.ErrAlertNotFound, http.StatusNotFound},
		{"not actionable", engine.ErrAlertNotActionable, http.StatusConflict},
		{"ledger down", errors.New("audit write failed after retries"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeActions{err: tt.err})

			rec, resp := postAck(t, h, `{"alert_id":"alrt-9","action":"FALSE_POSITIVE","actor":"pm"}`)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if resp.Status != "rejected" {
				t.Errorf("response status = %q, want rejected", resp.Status)
			}
		})
	}
}

func TestAckMethodNotAllowed(t *testing.T) {
	h := NewHandler(&fakeActions{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/acks", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := NewHandler(&fakeActions{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
