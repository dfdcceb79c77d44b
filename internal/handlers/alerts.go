package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"beacon/internal/dispatch"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// AlertDispatcher sends and withdraws alerts
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alertID string) (*dispatch.Result, error)
	Cancel(ctx context.Context, alertID string) (*models.EmergencyAlert, error)
}

// AlertHandler serves the operator API for emergency alerts
type AlertHandler struct {
	alerts      storage.AlertStore
	dispatcher  AlertDispatcher
	maxBodySize int64
}

func NewAlertHandler(alerts storage.AlertStore, dispatcher AlertDispatcher) *AlertHandler {
	return &AlertHandler{alerts: alerts, dispatcher: dispatcher, maxBodySize: defaultMaxBodySize}
}

// Register mounts the alert routes on mux
func (h *AlertHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /alerts", h.list)
	mux.HandleFunc("POST /alerts", h.create)
	mux.HandleFunc("GET /alerts/{id}", h.get)
	mux.HandleFunc("POST /alerts/{id}/dispatch", h.dispatch)
	mux.HandleFunc("POST /alerts/{id}/cancel", h.cancel)
}

// alertInput is the operator-supplied part of an alert
type alertInput struct {
	Category  models.AlertCategory `json:"category"`
	Severity  models.Severity      `json:"severity"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Area      string               `json:"area"`
	ExpiresAt *time.Time           `json:"expires_at"`
	Channels  []string             `json:"channels"`
	Priority  int                  `json:"priority"`
}

func (h *AlertHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{
		Status:    models.AlertStatus(q.Get("status")),
		TriggerID: q.Get("trigger_id"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeStoreError(w, r, models.Invalid("status", "unknown alert status %q", filter.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeStoreError(w, r, models.Invalid("limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	alerts, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *AlertHandler) get(w http.ResponseWriter, r *http.Request) {
	a, err := h.alerts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// create stores a draft. Nothing is sent until the draft is dispatched.
func (h *AlertHandler) create(w http.ResponseWriter, r *http.Request) {
	var in alertInput
	if err := decodeBody(w, r, h.maxBodySize, &in); err != nil {
		writeStoreError(w, r, err)
		return
	}

	a, err := h.alerts.Create(r.Context(), &models.EmergencyAlert{
		Category:  in.Category,
		Severity:  in.Severity,
		Title:     in.Title,
		Body:      in.Body,
		Area:      in.Area,
		ExpiresAt: in.ExpiresAt,
		Channels:  in.Channels,
		Priority:  in.Priority,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AlertHandler) dispatch(w http.ResponseWriter, r *http.Request) {
	// Sends outlive a disconnecting client so the batch is always recorded
	res, err := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AlertHandler) cancel(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeStoreError(w, r, errConfirmationRequired)
		return
	}
	a, err := h.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
