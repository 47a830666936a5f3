// Package api provides the OpenAI-compatible HTTP surface of the proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/metrics"
	"github.com/ashureev/webchat-proxy/internal/queue"
	"github.com/ashureev/webchat-proxy/internal/store"
)

// Version is reported by the index document.
var Version = "dev"

// JobQueue is the admission side of the worker.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.GenerationJob) (*queue.Pending, error)
	Depth() int
	Capacity() int
	CurrentJob() string
}

// SessionState reports on the automation session without touching it.
type SessionState interface {
	IsAlive() bool
	Snapshot() domain.Session
}

// MediaStore serves materialized assets.
type MediaStore interface {
	Open(id string) (*os.File, *domain.MediaAsset, error)
	Count() int
}

// Handler provides the API endpoints and their shared dependencies.
type Handler struct {
	cfg       *config.Config
	queue     JobQueue
	session   SessionState
	media     MediaStore
	repo      store.Repository
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler creates a Handler. repo may be nil, which disables the job
// ledger endpoint.
func NewHandler(cfg *config.Config, q JobQueue, sess SessionState, media MediaStore, repo store.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		queue:     q,
		session:   sess,
		media:     media,
		repo:      repo,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// errorBody is the OpenAI error object.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

// Error writes an OpenAI-style error with a type derived from status.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorCode(w, status, "", message)
}

// ErrorCode writes an OpenAI-style error with an explicit code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    errorType(status),
		Code:    code,
	}})
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusGatewayTimeout:
		return "timeout_error"
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return "upstream_error"
	case status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// JobErrorStatus maps the error taxonomy onto HTTP status codes.
func JobErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionUnavailable), errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDispatch), errors.Is(err, domain.ErrExtraction):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	status := JobErrorStatus(err)
	kind := domain.ErrorKind(err)
	message := err.Error()

	switch status {
	case http.StatusTooManyRequests:
		metrics.RecordRejected(kind)
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfterSeconds()))
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "30")
	case http.StatusInternalServerError:
		h.logger.Error("Unexpected job error", "error", err)
		message = "internal error"
	}
	ErrorCode(w, status, kind, message)
}

// retryAfterSeconds estimates when a queue slot frees up.
func (h *Handler) retryAfterSeconds() int {
	secs := int(h.cfg.Timeout.PollInterval.Seconds() * 10)
	if secs < 5 {
		secs = 5
	}
	return secs
}
