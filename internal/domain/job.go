package domain

import (
	"time"
)

// JobState is the lifecycle state of a GenerationJob.
type JobState string

const (
	JobQueued             JobState = "queued"
	JobDispatched         JobState = "dispatched"
	JobAwaitingCompletion JobState = "awaiting_completion"
	JobExtracting         JobState = "extracting"
	JobDone               JobState = "done"
	JobFailed             JobState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// Active reports whether the job currently holds the session.
func (s JobState) Active() bool {
	switch s {
	case JobDispatched, JobAwaitingCompletion, JobExtracting:
		return true
	default:
		return false
	}
}

// JobKind distinguishes chat generations from control jobs.
type JobKind string

const (
	// JobKindChat submits a conversation and extracts the reply.
	JobKindChat JobKind = "chat"
	// JobKindNewConversation resets the remote surface to an empty conversation.
	JobKindNewConversation JobKind = "new_conversation"
)

// Message is one conversation turn as received from the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationJob is one client request in flight.
// After Enqueue, only the worker mutates it.
type GenerationJob struct {
	ID          string
	Kind        JobKind
	Model       string
	Messages    []Message
	Caller      string
	SubmittedAt time.Time
	Deadline    time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	State       JobState
}

// PromptChars returns the number of characters across all messages.
func (j *GenerationJob) PromptChars() int {
	n := 0
	for _, m := range j.Messages {
		n += len([]rune(m.Content))
	}
	return n
}

// ExtractedContent is the result of one completed job.
type ExtractedContent struct {
	Text  string
	Media []*MediaAsset
	// Notes carries degradations reported inline to the client,
	// e.g. an image that could not be saved.
	Notes []string
}

// JobRecord is the persisted view of a job.
type JobRecord struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Model       string    `json:"model,omitempty"`
	Caller      string    `json:"caller,omitempty"`
	State       JobState  `json:"state"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	PromptChars int       `json:"prompt_chars"`
	ReplyChars  int       `json:"reply_chars"`
	MediaCount  int       `json:"media_count"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
