package api

import (
	"net/http"
	"time"
)

// Health handles GET /health. It reads cached state only and never waits on
// the session or the queue.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()

	status := "ok"
	sessionState := "connected"
	if !snap.Alive {
		status = "degraded"
		sessionState = "disconnected"
	}

	body := map[string]interface{}{
		"status":         status,
		"session":        sessionState,
		"model":          h.cfg.ModelID,
		"queue_depth":    h.queue.Depth(),
		"queue_capacity": h.queue.Capacity(),
		"current_job":    h.queue.CurrentJob(),
		"message_count":  snap.Turns,
		"media_count":    h.media.Count(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if !snap.LastUsedAt.IsZero() {
		body["last_used_at"] = snap.LastUsedAt.UTC().Format(time.RFC3339)
	}
	JSON(w, http.StatusOK, body)
}
