package server

import (
	"net/http"

	"github.com/djb258/garage-mcp/internal/model"
)

const maxSidecarEventsLimit = 1000

// HandleSidecarIngest handles POST /sidecar/events.
func (h *Handlers) HandleSidecarIngest(w http.ResponseWriter, r *http.Request) {
	var batch model.SidecarBatch
	if err := decodeJSON(w, r, &batch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(batch.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must not be empty")
		return
	}
	for i, e := range batch.Events {
		if e.EventType == "" {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_type is required",
				map[string]int{"index": i})
			return
		}
	}

	h.sink.Record(batch.Events...)
	writeJSON(w, r, http.StatusAccepted, map[string]int{"accepted": len(batch.Events)})
}

// HandleSidecarEvents handles GET /sidecar/events.
func (h *Handlers) HandleSidecarEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, maxSidecarEventsLimit)
	events := h.sink.Recent(limit)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// HandleSidecarStats handles GET /sidecar/stats.
func (h *Handlers) HandleSidecarStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sink.Stats())
}
