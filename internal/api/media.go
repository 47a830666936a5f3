package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/webchat-proxy/internal/media"
)

// GetMedia handles GET /media/{id}.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, asset, err := h.media.Open(id)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) || errors.Is(err, media.ErrInvalidID) {
			ErrorCode(w, http.StatusNotFound, "media_not_found", "media not found")
			return
		}
		h.logger.Error("Failed to open media", "media_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open media")
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			h.logger.Debug("Failed to close media file", "media_id", id, "error", closeErr)
		}
	}()

	w.Header().Set("Content-Type", asset.ContentType)
	// Ids are content hashes, so a given URL never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, "", asset.CreatedAt, f)
}
