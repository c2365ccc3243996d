package handler

import (
	"net/http"

	"github.com/fanlume/pointscore/internal/platform/ingest"
	"github.com/fanlume/pointscore/internal/shared/validate"
)

// WebhookHandler accepts signed inbound events and hands them to the ingest
// queue. Signature verification happens in middleware before this handler
// ever sees the body.
type WebhookHandler struct {
	worker *ingest.Worker
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(worker *ingest.Worker) *WebhookHandler {
	return &WebhookHandler{worker: worker}
}

// WebhookEventRequest is the body of POST /webhooks/events
type WebhookEventRequest struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
}

// WebhookEventResponse acknowledges intake, not processing
type WebhookEventResponse struct {
	EventID   string `json:"event_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

// ReceiveEvent handles POST /webhooks/events. The event is queued durably and
// acknowledged with 202; processing happens on the worker's schedule. A
// duplicate event ID acknowledges without enqueueing twice.
func (h *WebhookHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	var req WebhookEventRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	inserted, err := h.worker.Submit(r.Context(), req.EventID, req.EventType, req.Payload)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, WebhookEventResponse{
		EventID:   req.EventID,
		Accepted:  true,
		Duplicate: !inserted,
	})
}
