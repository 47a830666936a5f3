package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const modelOwner = "webchat-proxy"

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (h *Handler) model() modelObject {
	return modelObject{
		ID:      h.cfg.ModelID,
		Object:  "model",
		Created: h.startedAt.Unix(),
		OwnedBy: modelOwner,
	}
}

// ListModels handles GET /v1/models. A single synthetic model is exposed.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   []modelObject{h.model()},
	})
}

// GetModel handles GET /v1/models/{id}.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "id") != h.cfg.ModelID {
		ErrorCode(w, http.StatusNotFound, "model_not_found", "model not found")
		return
	}
	JSON(w, http.StatusOK, h.model())
}
