package api

import "net/http"

// Index handles GET / with a short service description.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"name":    "webchat-proxy",
		"version": Version,
		"model":   h.cfg.ModelID,
		"endpoints": map[string]string{
			"chat":             "POST /v1/chat/completions",
			"new_conversation": "POST /v1/chat/completions/new",
			"models":           "GET /v1/models",
			"jobs":             "GET /v1/jobs/{id}",
			"job_events":       "GET /ws/jobs",
			"media":            "GET /media/{id}",
			"health":           "GET /health",
			"metrics":          "GET /metrics",
		},
	})
}
