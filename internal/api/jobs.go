package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/identity"
)

type jobResponse struct {
	*domain.JobRecord
	Media []jobMedia `json:"media,omitempty"`
}

type jobMedia struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// GetJob handles GET /v1/jobs/{id}. Callers with an API key only see their
// own jobs.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		ErrorCode(w, http.StatusNotFound, "job_not_found", "job ledger is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.repo.GetJob(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load job", "job_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	caller := identity.CallerFromContext(r.Context())
	if rec == nil || (!strings.HasPrefix(caller, identity.AnonymousPrefix) && rec.Caller != caller) {
		ErrorCode(w, http.StatusNotFound, "job_not_found", "job not found")
		return
	}

	resp := jobResponse{JobRecord: rec}
	assets, err := h.repo.ListJobMedia(r.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to list job media", "job_id", id, "error", err)
	}
	base := h.baseURL(r)
	for _, a := range assets {
		resp.Media = append(resp.Media, jobMedia{
			ID:          a.ID,
			URL:         a.URL(base),
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	JSON(w, http.StatusOK, resp)
}
