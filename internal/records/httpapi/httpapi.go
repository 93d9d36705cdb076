// Package httpapi exposes the records service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/recordflow/internal/records"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

// RecordService is the part of *records.Service the handlers call.
type RecordService interface {
	Create(ctx context.Context, in records.Input) (records.Record, error)
	List(ctx context.Context) ([]records.Record, error)
	Get(ctx context.Context, id string) (records.Record, error)
	Update(ctx context.Context, id string, in records.Input) (records.Record, error)
	Delete(ctx context.Context, id string) error
}

type errorResponse struct {
	Message string `json:"message"`
}

// Handlers serves /api/records.
type Handlers struct {
	svc    RecordService
	logger loggingpkg.ServiceLogger
}

func NewHandlers(svc RecordService, logger loggingpkg.ServiceLogger) *Handlers {
	return &Handlers{svc: svc, logger: logger}
}

// Mount registers the record routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/api/records", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var in records.Input
	if err := jsoncodec.Decode(r.Body, &in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.fail(w, err, "An error occurred while saving the record", loggingpkg.LogFields{})
		return
	}
	w.Header().Set("Location", "/api/records/"+rec.ID)
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.List(r.Context())
	if err != nil {
		h.fail(w, err, "An error occurred while fetching records", loggingpkg.LogFields{})
		return
	}
	h.writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err, "An error occurred while fetching the record", loggingpkg.LogFields{"record_id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in records.Input
	if err := jsoncodec.Decode(r.Body, &in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, err, "An error occurred while updating the record", loggingpkg.LogFields{"record_id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, err, "An error occurred while deleting the record", loggingpkg.LogFields{"record_id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors to status codes; anything unexpected is logged
// and answered with internalMsg.
func (h *Handlers) fail(w http.ResponseWriter, err error, internalMsg string, fields loggingpkg.LogFields) {
	switch {
	case errors.Is(err, records.ErrInvalidID), errors.Is(err, records.ErrInvalid):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "record not found")
	default:
		h.logger.Error(internalMsg, err, fields)
		h.writeError(w, http.StatusInternalServerError, internalMsg)
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		h.logger.Error("Failed to encode response", err, nil)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Message: msg})
}
