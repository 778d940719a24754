package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/albapepper/alphawatch/internal/api/respond"
	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/ledger"
)

const defaultAttemptLimit = 20

// LedgerEntryResponse is a ledger entry plus its recent delivery attempts.
type LedgerEntryResponse struct {
	Entry    ledger.Entry    `json:"entry"`
	Expired  bool            `json:"expired"`
	Attempts []audit.Attempt `json:"attempts,omitempty"`
}

func (h *Handler) taskKey(w http.ResponseWriter, r *http.Request) (ledger.TaskKey, bool) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_KEY", "key query parameter is required")
		return ledger.TaskKey{}, false
	}
	key, err := ledger.ParseTaskKey(raw)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_KEY", "key must look like TOKEN|raw_time|offset|channel", err.Error())
		return ledger.TaskKey{}, false
	}
	return key, true
}

// GetLedgerEntry returns the ledger entry for a task key.
// @Summary Inspect a reminder
// @Description Returns the ledger entry for a task key and, when attempts are persisted, its latest delivery attempts.
// @Tags ledger
// @Produce json
// @Param key query string true "Task key, e.g. ALPHA|10:00|30|voice"
// @Param limit query int false "Maximum attempts to return" default(20)
// @Success 200 {object} LedgerEntryResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /ledger [get]
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := h.taskKey(w, r)
	if !ok {
		return
	}
	entry, err := h.Store.Get(r.Context(), key)
	if errors.Is(err, ledger.ErrNotFound) {
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No ledger entry for "+key.String())
		return
	}
	if err != nil {
		h.Logger.Error("Ledger lookup failed", "task", key.String(), "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Ledger lookup failed")
		return
	}

	resp := LedgerEntryResponse{Entry: entry, Expired: entry.Expired(h.Now())}
	if h.Attempts != nil {
		limit := defaultAttemptLimit
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
			limit = v
		}
		attempts, err := h.Attempts.Recent(r.Context(), key.String(), limit)
		if err != nil {
			h.Logger.Warn("Attempt lookup failed", "task", key.String(), "error", err)
		} else {
			resp.Attempts = attempts
		}
	}
	respond.WriteJSONObject(w, http.StatusOK, resp)
}

// ReleaseLedgerEntry deletes a ledger entry so the reminder can fire again.
// @Summary Release a reminder
// @Description Deletes the ledger entry for a task key. The next tick that finds the reminder due fires it again; this is how an operator retries a failed reminder.
// @Tags ledger
// @Produce json
// @Param key query string true "Task key"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /ledger [delete]
func (h *Handler) ReleaseLedgerEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := h.taskKey(w, r)
	if !ok {
		return
	}
	err := h.Store.Release(r.Context(), key)
	if errors.Is(err, ledger.ErrNotFound) {
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No ledger entry for "+key.String())
		return
	}
	if err != nil {
		h.Logger.Error("Ledger release failed", "task", key.String(), "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Ledger release failed")
		return
	}
	h.Logger.Info("Ledger entry released", "task", key.String())
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"released": key.String(),
	})
}
