package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fanlume/pointscore/internal/platform/ingest"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/internal/shared/validate"
)

// AdminHandler exposes operator-only DLQ inspection and replay
type AdminHandler struct {
	worker *ingest.Worker
	store  ingest.Store
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(worker *ingest.Worker, store ingest.Store) *AdminHandler {
	return &AdminHandler{
		worker: worker,
		store:  store,
	}
}

// DLQEventResponse is the wire shape of one dead-lettered event
type DLQEventResponse struct {
	EventID          string                 `json:"event_id"`
	EventType        string                 `json:"event_type"`
	Payload          map[string]interface{} `json:"payload"`
	Attempts         int                    `json:"attempts"`
	LastErrorCode    string                 `json:"last_error_code,omitempty"`
	LastErrorMessage string                 `json:"last_error_message,omitempty"`
	Replayable       bool                   `json:"replayable"`
	MovedToDLQAt     time.Time              `json:"moved_to_dlq_at"`
	ReplayedAt       *time.Time             `json:"replayed_at,omitempty"`
	ReplayResult     string                 `json:"replay_result,omitempty"`
}

// ListDLQ handles GET /api/v1/admin/dlq
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	filter, limit, err := parseDLQFilter(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	dead, err := h.store.ListDLQ(r.Context(), filter, limit)
	if err != nil {
		respondAppError(w, err)
		return
	}

	events := make([]DLQEventResponse, 0, len(dead))
	for _, e := range dead {
		events = append(events, DLQEventResponse{
			EventID:          e.EventID,
			EventType:        e.EventType,
			Payload:          e.Payload,
			Attempts:         e.Attempts,
			LastErrorCode:    e.LastErrorCode,
			LastErrorMessage: e.LastErrorMessage,
			Replayable:       e.Replayable,
			MovedToDLQAt:     e.MovedToDLQAt,
			ReplayedAt:       e.ReplayedAt,
			ReplayResult:     e.ReplayResult,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ReplayDLQRequest is the body of POST /admin/dlq/replay
type ReplayDLQRequest struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Since     string `json:"since,omitempty"`
	Until     string `json:"until,omitempty"`
	MaxEvents int    `json:"max_events,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// ReplayDLQ handles POST /api/v1/admin/dlq/replay. Replay is an explicit
// operator action; the per-event idempotency record keeps replays of
// already-succeeded events harmless.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	var req ReplayDLQRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	filter := ingest.DLQFilter{
		EventID:   req.EventID,
		EventType: req.EventType,
	}
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			respondAppError(w, apperrors.InvalidInput("since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			respondAppError(w, apperrors.InvalidInput("until must be RFC3339"))
			return
		}
		filter.Until = t
	}

	report, err := h.worker.ReplayDLQ(r.Context(), filter, req.MaxEvents, req.Force)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func parseDLQFilter(r *http.Request) (ingest.DLQFilter, int, error) {
	q := r.URL.Query()
	filter := ingest.DLQFilter{
		EventID:   q.Get("event_id"),
		EventType: q.Get("event_type"),
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, apperrors.InvalidInput("since must be RFC3339")
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, apperrors.InvalidInput("until must be RFC3339")
		}
		filter.Until = t
	}

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, apperrors.InvalidInput("limit must be a positive integer")
		}
		limit = parsed
	}

	return filter, limit, nil
}
