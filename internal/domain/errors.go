package domain

import "errors"

var (
	// ErrSessionUnavailable means the credential store is missing, empty or
	// rejected by the remote surface. It is never retried automatically.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrDispatch means the message could not be submitted.
	ErrDispatch = errors.New("dispatch failure")
	// ErrTimeout means the completion deadline passed.
	ErrTimeout = errors.New("completion timeout")
	// ErrExtraction means the reply finished but could not be read.
	ErrExtraction = errors.New("extraction failure")
	// ErrMediaSave means generated image bytes could not be persisted.
	ErrMediaSave = errors.New("media save failure")
	// ErrQueueFull means the job queue is at capacity.
	ErrQueueFull = errors.New("job queue full")
	// ErrQueueClosed means the worker is shutting down.
	ErrQueueClosed = errors.New("job queue closed")
	// ErrCallerGone means the client disconnected before its job was dispatched.
	ErrCallerGone = errors.New("caller gone")
)

// ErrorKind names the taxonomy bucket of err, or "" when err is nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionUnavailable):
		return "session_unavailable"
	case errors.Is(err, ErrDispatch):
		return "dispatch_failure"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExtraction):
		return "extraction_failure"
	case errors.Is(err, ErrMediaSave):
		return "media_save_failure"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrQueueClosed):
		return "queue_closed"
	case errors.Is(err, ErrCallerGone):
		return "cancelled"
	default:
		return "internal"
	}
}
