// Package ackapi exposes the acknowledgement webhook: a single entry point
// receiving {alertId, action, actor} calls from humans or chat integrations.
// Duplicate delivery of an already-applied action is a no-op, not an error.
package ackapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"complaintwatch/internal/engine"
	"complaintwatch/internal/events"
)

// Actions is the engine surface the API needs.
type Actions interface {
	Apply(ctx context.Context, alertID string, action events.AckAction, actor string) error
}

// Handler serves the acknowledgement webhook routes.
type Handler struct {
	mux     *http.ServeMux
	actions Actions
}

// NewHandler creates a handler with all routes configured.
func NewHandler(actions Actions) *Handler {
	h := &Handler{
		mux:     http.NewServeMux(),
		actions: actions,
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("/api/v1/acks", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAck(w, req)
	})

	h.mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

// ackRequest is the webhook request body.
type ackRequest struct {
	AlertID string `json:"alert_id"`
	Action  string `json:"action"`
	Actor   string `json:"actor"`
}

// ackResponse tells the caller what happened, including why an action was
// rejected.
type ackResponse struct {
	AlertID string `json:"alert_id"`
	Action  string `json:"action"`
	Status  string `json:"status"` // applied, rejected
	Reason  string `json:"reason,omitempty"`
}

func (h *Handler) handleAck(w http.ResponseWriter, req *http.Request) {
	var body ackRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{Status: "rejected", Reason: "invalid JSON body"})
		return
	}
	if body.AlertID == "" {
		writeJSON(w, http.StatusBadRequest, ackResponse{Status: "rejected", Reason: "alert_id is required"})
		return
	}
	action := events.AckAction(body.Action)
	if !action.Valid() {
		writeJSON(w, http.StatusBadRequest, ackResponse{
			AlertID: body.AlertID,
			Action:  body.Action,
			Status:  "rejected",
			Reason:  "action must be one of ACKNOWLEDGE, FALSE_POSITIVE, INVESTIGATING, RESOLVED",
		})
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = "unknown"
	}

	err := h.actions.Apply(req.Context(), body.AlertID, action, actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ackResponse{AlertID: body.AlertID, Action: body.Action, Status: "applied"})
	case errors.Is(err, engine.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, ackResponse{
			AlertID: body.AlertID, Action: body.Action, Status: "rejected", Reason: err.Error(),
		})
	case errors.Is(err, engine.ErrAlertNotActionable):
		writeJSON(w, http.StatusConflict, ackResponse{
			AlertID: body.AlertID, Action: body.Action, Status: "rejected", Reason: err.Error(),
		})
	default:
		slog.Error("Acknowledgement action failed",
			"alert_id", body.AlertID,
			"action", body.Action,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, ackResponse{
			AlertID: body.AlertID, Action: body.Action, Status: "rejected", Reason: "internal error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Serve runs the webhook server until ctx is canceled.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Acknowledgement webhook listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
