package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

// maxBodyBytes bounds inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Handler exposes the pipeline over HTTP for the Z-API webhook.
type Handler struct {
	pipeline *Pipeline
	logger   *logging.Logger
}

// NewHandler builds the webhook HTTP handler.
func NewHandler(pipeline *Pipeline, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{pipeline: pipeline, logger: logger}
}

// HandleWebhook processes one Z-API webhook call. Group and unsupported
// payloads are acknowledged with 200 so the channel does not retry them;
// only an unhandled stage failure or a failed send answers with 500.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "unreadable body"})
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		switch {
		case errors.Is(err, ErrGroupMessage):
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "detail": "group message"})
		case errors.Is(err, ErrUnsupportedKind):
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "detail": "unsupported type"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "malformed payload"})
		}
		return
	}

	outcome, err := h.pipeline.Run(r.Context(), event)
	if err != nil {
		h.logger.Error("pipeline run failed", "phone", event.Phone, "kind", event.Kind, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	switch outcome {
	case OutcomeEmpty:
		// The could-not-understand reply has already been dispatched.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "empty"})
	case OutcomeUnregistered:
		writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
