package handlers

import (
	"net/http"

	"beacon/internal/logger"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// TriggerHandler serves the operator API for trigger conditions
type TriggerHandler struct {
	store       storage.TriggerStore
	maxBodySize int64
}

func NewTriggerHandler(store storage.TriggerStore) *TriggerHandler {
	return &TriggerHandler{store: store, maxBodySize: defaultMaxBodySize}
}

// Register mounts the trigger routes on mux
func (h *TriggerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /triggers", h.list)
	mux.HandleFunc("PUT /triggers", h.upsert)
	mux.HandleFunc("GET /triggers/{id}", h.get)
	mux.HandleFunc("POST /triggers/{id}/active", h.setActive)
	mux.HandleFunc("DELETE /triggers/{id}", h.delete)
}

func (h *TriggerHandler) list(w http.ResponseWriter, r *http.Request) {
	conditions, err := h.store.List(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conditions)
}

func (h *TriggerHandler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *TriggerHandler) upsert(w http.ResponseWriter, r *http.Request) {
	var in models.TriggerCondition
	if err := decodeBody(w, r, h.maxBodySize, &in); err != nil {
		writeStoreError(w, r, err)
		return
	}

	// Fire history is owned by the engine
	in.TriggerCount = 0
	in.LastTriggeredAt = nil

	c, err := h.store.Upsert(r.Context(), &in)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log := logger.ForCondition("http", c.ID)
	log.Info().
		Str("parameter", c.Parameter).
		Bool("active", c.Active).
		Msg("trigger condition saved")
	writeJSON(w, http.StatusOK, c)
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func (h *TriggerHandler) setActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeBody(w, r, h.maxBodySize, &req); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if req.Active == nil {
		writeStoreError(w, r, models.Invalid("active", "active is required"))
		return
	}

	c, err := h.store.SetActive(r.Context(), r.PathValue("id"), *req.Active)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log := logger.ForCondition("http", c.ID)
	log.Info().Bool("active", c.Active).Msg("trigger condition toggled")
	writeJSON(w, http.StatusOK, c)
}

// delete removes a condition. An active condition is only removed when the
// caller confirms; without confirmation the active check and the removal
// happen in one store call, so a concurrent toggle cannot slip between them.
func (h *TriggerHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var err error
	if confirmed(r) {
		err = h.store.Delete(r.Context(), id)
	} else {
		err = h.store.DeleteInactive(r.Context(), id)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log := logger.ForCondition("http", id)
	log.Info().Bool("confirmed", confirmed(r)).Msg("trigger condition deleted")
	w.WriteHeader(http.StatusNoContent)
}
