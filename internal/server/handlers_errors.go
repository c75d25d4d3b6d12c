package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/storage"
)

// HandleListErrors handles GET /v1/errors.
func (h *Handlers) HandleListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ErrorRecordFilter{
		ProcessID:  q.Get("process_id"),
		AgentID:    q.Get("agent_id"),
		Severity:   model.Severity(q.Get("severity")),
		Unresolved: queryBool(r, "unresolved"),
		Limit:      queryLimit(r, storage.DefaultListLimit, storage.MaxListLimit),
	}
	if f.Severity != "" && !f.Severity.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid severity: "+string(f.Severity))
		return
	}

	records, err := h.errlog.ListErrorRecords(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list error records", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"errors": records,
		"total":  len(records),
	})
}

// HandleGetError handles GET /v1/errors/{error_id}.
func (h *Handlers) HandleGetError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseErrorID(w, r)
	if !ok {
		return
	}
	rec, err := h.errlog.GetErrorRecord(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "error record not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get error record", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleResolveError handles POST /v1/errors/{error_id}/resolve.
func (h *Handlers) HandleResolveError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseErrorID(w, r)
	if !ok {
		return
	}
	var req model.ResolveErrorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resolved_by is required")
		return
	}

	rec, err := h.errlog.ResolveErrorRecord(r.Context(), id, req.ResolvedBy, req.Notes)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "error record not found")
	case errors.Is(err, storage.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "error record already resolved")
	case err != nil:
		h.writeInternalError(w, r, "failed to resolve error record", err)
	default:
		writeJSON(w, r, http.StatusOK, rec)
	}
}

func parseErrorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("error_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid error_id")
		return uuid.UUID{}, false
	}
	return id, true
}
