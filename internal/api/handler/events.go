package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/albapepper/alphawatch/internal/api/respond"
	"github.com/albapepper/alphawatch/internal/reminder"
	"github.com/albapepper/alphawatch/internal/scheduler"
	"github.com/albapepper/alphawatch/internal/source"
)

const maxIngestBody = 1 << 20

// IngestEvents stores a pushed snapshot in the events table.
// @Summary Ingest events
// @Description Accepts a JSON list of event records (or an object with an events list) and upserts them by identity. The upsert signals the evaluator, which ticks immediately.
// @Tags events
// @Accept json
// @Produce json
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 501 {object} respond.ErrorResponse
// @Router /events [post]
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	if h.Ingester == nil {
		respond.WriteError(w, http.StatusNotImplemented, "INGEST_DISABLED", "Event ingest requires DATABASE_URL")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "READ_FAILED", "Could not read request body")
		return
	}
	if len(body) > maxIngestBody {
		respond.WriteError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Request body exceeds 1 MiB")
		return
	}

	records, err := source.Decode(body, h.Location, h.Now())
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Body must be a list of events", err.Error())
		return
	}
	n, err := h.Ingester.Upsert(r.Context(), records)
	if err != nil {
		h.Logger.Error("Event ingest failed", "records", len(records), "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Could not store events")
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"accepted": n,
	})
}

// TickResponse wraps a tick report with its evaluation time.
type TickResponse struct {
	EvaluatedAt time.Time       `json:"evaluated_at"`
	Summary     string          `json:"summary"`
	Report      reminder.Report `json:"report"`
	Error       string          `json:"error,omitempty"`
}

// RunTick triggers an evaluation now.
// @Summary Run a tick
// @Description Loads the current snapshot and evaluates it immediately. Returns 409 when a tick is already running.
// @Tags tick
// @Produce json
// @Success 200 {object} TickResponse
// @Failure 409 {object} respond.ErrorResponse
// @Failure 502 {object} respond.ErrorResponse
// @Router /tick [post]
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Ticker.Trigger(r.Context())
	if errors.Is(err, scheduler.ErrBusy) {
		respond.WriteError(w, http.StatusConflict, "TICK_RUNNING", "A tick is already running")
		return
	}
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadGateway, "SOURCE_ERROR", "Could not load events", err.Error())
		return
	}
	_, at, _ := h.Ticker.Last()
	respond.WriteJSONObject(w, http.StatusOK, TickResponse{EvaluatedAt: at, Summary: rep.Summary(), Report: rep})
}

// LastTick reports the most recent tick.
// @Summary Last tick
// @Description Returns the report of the most recent tick, scheduled or triggered.
// @Tags tick
// @Produce json
// @Success 200 {object} TickResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /tick [get]
func (h *Handler) LastTick(w http.ResponseWriter, r *http.Request) {
	rep, at, err := h.Ticker.Last()
	if at.IsZero() {
		respond.WriteError(w, http.StatusNotFound, "NO_TICK", "No tick has run yet")
		return
	}
	resp := TickResponse{EvaluatedAt: at, Summary: rep.Summary(), Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	respond.WriteJSONObject(w, http.StatusOK, resp)
}
