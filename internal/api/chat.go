package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/identity"
	"github.com/ashureev/webchat-proxy/internal/queue"
)

const (
	maxBodyBytes   = 4 << 20
	sseChunkRunes  = 50
	finishStop     = "stop"
	chatObject     = "chat.completion"
	chunkObject    = "chat.completion.chunk"
	assistantRole  = "assistant"
	completionPref = "chatcmpl-"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text flattens string or content-part content. Non-text parts are dropped.
func (m chatMessage) text() (string, error) {
	raw := bytes.TrimSpace(m.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.New("content must be a string or an array of content parts")
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// usage counts characters; the remote surface exposes no token counts.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chunkResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error())
		return
	}
	if req.Stream && h.cfg.StreamMode == config.StreamReject {
		ErrorCode(w, http.StatusBadRequest, "stream_unsupported", "streaming is not supported; send stream:false")
		return
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_messages", err.Error())
		return
	}

	model := req.Model
	if model == "" {
		model = h.cfg.ModelID
	}

	job := &domain.GenerationJob{
		ID:          uuid.NewString(),
		Kind:        domain.JobKindChat,
		Model:       model,
		Messages:    messages,
		Caller:      identity.CallerFromContext(r.Context()),
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(h.cfg.Timeout.Request),
	}

	res, ok := h.run(w, r, job)
	if !ok {
		return
	}

	content := h.renderContent(r, res.Content)
	promptChars := job.PromptChars()
	completionChars := len([]rune(content))
	id := completionPref + strings.ReplaceAll(job.ID, "-", "")
	created := job.SubmittedAt.Unix()

	if req.Stream {
		h.writeSSE(w, id, created, model, content)
		return
	}

	JSON(w, http.StatusOK, chatResponse{
		ID:      id,
		Object:  chatObject,
		Created: created,
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      responseMessage{Role: assistantRole, Content: content},
			FinishReason: finishStop,
		}},
		Usage: usage{
			PromptTokens:     promptChars,
			CompletionTokens: completionChars,
			TotalTokens:      promptChars + completionChars,
		},
	})
}

// NewConversation handles POST /v1/chat/completions/new. The reset is queued
// behind any pending generations.
func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	job := &domain.GenerationJob{
		ID:          uuid.NewString(),
		Kind:        domain.JobKindNewConversation,
		Caller:      identity.CallerFromContext(r.Context()),
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(h.cfg.Timeout.Request),
	}
	if _, ok := h.run(w, r, job); !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "new conversation started",
		"job_id":  job.ID,
	})
}

// run enqueues job and waits for it under the request deadline. It writes
// the error response itself and reports false on failure.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, job *domain.GenerationJob) (queue.Result, bool) {
	ctx, cancel := context.WithDeadline(r.Context(), job.Deadline)
	defer cancel()

	pending, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		h.writeJobError(w, err)
		return queue.Result{}, false
	}
	w.Header().Set("X-Job-Id", job.ID)

	res, err := pending.Wait(ctx)
	if err == nil {
		return res, true
	}

	switch {
	case r.Context().Err() != nil:
		// Nobody is left to answer.
		h.logger.Info("Client disconnected while waiting", "job_id", job.ID, "caller", job.Caller)
	case errors.Is(err, context.DeadlineExceeded):
		ErrorCode(w, http.StatusGatewayTimeout, "timeout",
			fmt.Sprintf("request deadline of %s exceeded", h.cfg.Timeout.Request))
	default:
		h.writeJobError(w, err)
	}
	return queue.Result{}, false
}

func convertMessages(in []chatMessage) ([]domain.Message, error) {
	if len(in) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	out := make([]domain.Message, 0, len(in))
	hasUser := false
	for i, m := range in {
		if m.Role == "" {
			return nil, fmt.Errorf("messages[%d].role is required", i)
		}
		text, err := m.text()
		if err != nil {
			return nil, fmt.Errorf("messages[%d].content: %v", i, err)
		}
		if m.Role == "user" && strings.TrimSpace(text) != "" {
			hasUser = true
		}
		out = append(out, domain.Message{Role: m.Role, Content: text})
	}
	if !hasUser {
		return nil, errors.New("at least one user message with text content is required")
	}
	return out, nil
}

// renderContent appends image references and degradation notes to the reply.
func (h *Handler) renderContent(r *http.Request, c *domain.ExtractedContent) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Text)

	base := h.baseURL(r)
	for _, asset := range c.Media {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "![image](%s)", asset.URL(base))
	}
	for _, note := range c.Notes {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "_(%s)_", note)
	}
	return b.String()
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return h.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// writeSSE replays a finished reply as a chat.completion.chunk stream.
func (h *Handler) writeSSE(w http.ResponseWriter, id string, created int64, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(delta chunkDelta, finish *string) bool {
		data, err := json.Marshal(chunkResponse{
			ID:      id,
			Object:  chunkObject,
			Created: created,
			Model:   model,
			Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !send(chunkDelta{Role: assistantRole}, nil) {
		return
	}
	for _, piece := range splitRunes(content, sseChunkRunes) {
		if !send(chunkDelta{Content: piece}, nil) {
			return
		}
	}
	stop := finishStop
	if !send(chunkDelta{}, &stop) {
		return
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func splitRunes(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		k := min(n, len(runes))
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}
