package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/detector"
	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/events"
	"github.com/ashureev/webchat-proxy/internal/media"
	"github.com/ashureev/webchat-proxy/internal/queue"
	"github.com/ashureev/webchat-proxy/internal/session"
	"github.com/ashureev/webchat-proxy/internal/store"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

var (
	pngBytes   = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{4, 5, 6}, 40)...)
	mediaURLRe = regexp.MustCompile(`!\[image\]\((http://[^)]+/media/[a-f0-9]{32})\)`)
)

type stack struct {
	srv    *httptest.Server
	cfg    *config.Config
	fake   *surface.Fake
	worker *queue.Worker
	holder *session.Holder
}

type stackOption func(*config.Config, *RouterOptions)

func testConfig() *config.Config {
	return &config.Config{
		ModelID:    "gemini-web",
		StreamMode: config.StreamBuffered,
		Queue:      config.QueueConfig{Capacity: 8},
		Timeout: config.TimeoutConfig{
			PollInterval:      5 * time.Millisecond,
			Completion:        2 * time.Second,
			Request:           5 * time.Second,
			ExtractRetryDelay: time.Millisecond,
		},
		Retry: config.RetryConfig{DispatchAttempts: 2, DispatchBaseDelay: time.Millisecond},
	}
}

// newStack runs the full proxy against fake. An empty profile directory is
// used when fake is nil, so every launch reports SessionUnavailable.
func newStack(t *testing.T, fake *surface.Fake, opts ...stackOption) *stack {
	t.Helper()

	cfg := testConfig()
	ropts := RouterOptions{}
	for _, o := range opts {
		o(cfg, &ropts)
	}

	profile := t.TempDir()
	if fake != nil {
		require.NoError(t, os.WriteFile(filepath.Join(profile, "Cookies"), []byte("x"), 0o600))
	}
	holder := session.NewHolder(session.LauncherFunc(func(ctx context.Context) (surface.Surface, error) {
		return fake, nil
	}), profile, "", nil)

	mat, err := media.New(t.TempDir(), 1<<20, nil)
	require.NoError(t, err)
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "proxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	hub := events.NewHub(nil)
	worker := queue.NewWorker(holder, detector.New(cfg.Timeout.PollInterval, cfg.Timeout.Completion, nil), mat, repo, hub, queue.Options{
		Capacity:          cfg.Queue.Capacity,
		DispatchAttempts:  cfg.Retry.DispatchAttempts,
		DispatchBaseDelay: cfg.Retry.DispatchBaseDelay,
		ExtractRetryDelay: cfg.Timeout.ExtractRetryDelay,
		RotateAfterTurns:  cfg.Browser.RotateAfterTurns,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ropts.APIKeys = cfg.APIKeys
	ropts.Events = events.NewHandler(hub, nil)
	h := NewHandler(cfg, worker, holder, mat, repo, nil)
	srv := httptest.NewServer(NewRouter(h, ropts))
	t.Cleanup(srv.Close)

	return &stack{srv: srv, cfg: cfg, fake: fake, worker: worker, holder: holder}
}

func (s *stack) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *stack) chat(t *testing.T, body string) (*http.Response, chatResponse) {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", body)
	var out chatResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body.Error.Code
}

func TestChatReturnsReplyText(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "Hi there", Polls: 2}))

	resp, out := s.chat(t, `{"messages":[{"role":"user","content":"Hello"}],"stream":false}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Hi there", out.Choices[0].Message.Content)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gemini-web", out.Model)
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	assert.Equal(t, 5, out.Usage.PromptTokens)
	assert.Equal(t, 8, out.Usage.CompletionTokens)
	assert.Equal(t, 13, out.Usage.TotalTokens)
	assert.NotEmpty(t, resp.Header.Get("X-Job-Id"))
	assert.Equal(t, []string{"Hello"}, s.fake.Prompts())
}

func TestChatReturnsFetchableMediaURL(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "A cat.", Media: [][]byte{pngBytes}}))

	resp, out := s.chat(t, `{"model":"gemini-web","messages":[{"role":"user","content":"Draw a cat"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content := out.Choices[0].Message.Content
	assert.Equal(t, 1, strings.Count(content, "/media/"))
	assert.True(t, strings.HasPrefix(content, "A cat.\n\n![image]("))

	m := mediaURLRe.FindStringSubmatch(content)
	require.Len(t, m, 2, content)

	img, err := s.srv.Client().Get(m[1])
	require.NoError(t, err)
	defer img.Body.Close()
	data, err := io.ReadAll(img.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, img.StatusCode)
	assert.Equal(t, "image/png", img.Header.Get("Content-Type"))
	assert.Equal(t, pngBytes, data)
}

func TestChatImageOnlyReply(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Media: [][]byte{pngBytes}}))

	resp, out := s.chat(t, `{"messages":[{"role":"user","content":"Draw a cat"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content := out.Choices[0].Message.Content
	assert.True(t, strings.HasPrefix(content, "![image]("), content)
	m := mediaURLRe.FindStringSubmatch(content)
	require.Len(t, m, 2, content)

	img, err := s.srv.Client().Get(m[1])
	require.NoError(t, err)
	defer img.Body.Close()
	assert.Equal(t, http.StatusOK, img.StatusCode)
}

func TestChatResolvesInSubmissionOrder(t *testing.T) {
	release := make(chan struct{})
	fake := surface.NewFake(surface.FakeReply{Text: "unused"},
		surface.FakeReply{Text: "first", Release: release},
		surface.FakeReply{Text: "second"},
	)
	s := newStack(t, fake)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	send := func(prompt string) {
		defer wg.Done()
		resp, out := s.chat(t, `{"messages":[{"role":"user","content":"`+prompt+`"}]}`)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", prompt, resp.StatusCode)
			return
		}
		mu.Lock()
		order = append(order, out.Choices[0].Message.Content)
		mu.Unlock()
	}

	wg.Add(1)
	go send("one")
	require.Eventually(t, func() bool { return s.worker.CurrentJob() != "" }, 2*time.Second, 5*time.Millisecond)

	wg.Add(1)
	go send("two")
	require.Eventually(t, func() bool { return s.worker.Depth() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The first job is the slow one; the second must still wait for it.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()
	close(release)

	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []string{"one", "two"}, fake.Prompts())
	assert.Zero(t, fake.Overlaps())
}

func TestChatValidation(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "ok"}))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{"messages":`, "invalid_json"},
		{"no messages", `{"messages":[]}`, "invalid_messages"},
		{"system only", `{"messages":[{"role":"system","content":"be nice"}]}`, "invalid_messages"},
		{"missing role", `{"messages":[{"content":"hi"}]}`, "invalid_messages"},
		{"image only", `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`, "invalid_messages"},
		{"content object", `{"messages":[{"role":"user","content":{"text":"hi"}}]}`, "invalid_messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, data))
		})
	}
	assert.Empty(t, s.fake.Prompts(), "invalid requests never reach the surface")
}

func TestChatAcceptsContentParts(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "ok"}))

	resp, _ := s.chat(t, `{"messages":[
		{"role":"system","content":"Answer briefly."},
		{"role":"user","content":[{"type":"text","text":"Describe"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"this"}]}
	]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Answer briefly.\n\nDescribe\nthis"}, s.fake.Prompts())
}

func TestChatStreamRejected(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "ok"}), func(c *config.Config, _ *RouterOptions) {
		c.StreamMode = config.StreamReject
	})

	resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "stream_unsupported", errorCode(t, data))
	assert.Empty(t, s.fake.Prompts())
}

func TestChatStreamBuffered(t *testing.T) {
	text := strings.Repeat("0123456789", 12) + "end"
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: text}))

	resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		lines   []string
		content strings.Builder
		role    string
		finish  string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		lines = append(lines, payload)
		if payload == "[DONE]" {
			continue
		}
		var chunk chunkResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		d := chunk.Choices[0]
		if d.Delta.Role != "" {
			role = d.Delta.Role
		}
		content.WriteString(d.Delta.Content)
		if d.FinishReason != nil {
			finish = *d.FinishReason
		}
	}

	assert.Equal(t, "assistant", role)
	assert.Equal(t, text, content.String())
	assert.Equal(t, "stop", finish)
	assert.Equal(t, "[DONE]", lines[len(lines)-1])
	// role + 3 content chunks of at most 50 runes + finish + done
	assert.Len(t, lines, 6)
}

func TestChatErrorMapping(t *testing.T) {
	t.Run("session unavailable", func(t *testing.T) {
		s := newStack(t, nil)
		resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "session_unavailable", errorCode(t, data))
	})

	t.Run("timeout", func(t *testing.T) {
		fake := surface.NewFake(surface.FakeReply{Text: "late", Hang: true})
		s := newStack(t, fake, func(c *config.Config, _ *RouterOptions) {
			c.Timeout.Completion = 50 * time.Millisecond
		})
		resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		assert.Equal(t, "timeout", errorCode(t, data))
		assert.GreaterOrEqual(t, fake.Resets(), 1)
	})

	t.Run("dispatch failure", func(t *testing.T) {
		s := newStack(t, surface.NewFake(surface.FakeReply{Text: "never", SubmitErrs: 5}))
		resp, data := s.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "dispatch_failure", errorCode(t, data))
	})

	t.Run("media save failure degrades", func(t *testing.T) {
		s := newStack(t, surface.NewFake(surface.FakeReply{Text: "pic", Media: [][]byte{{}}}))
		resp, out := s.chat(t, `{"messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		content := out.Choices[0].Message.Content
		assert.True(t, strings.HasPrefix(content, "pic"))
		assert.NotContains(t, content, "/media/")
		assert.Contains(t, content, "could not be saved")
	})
}

type fullQueue struct{}

func (fullQueue) Enqueue(context.Context, *domain.GenerationJob) (*queue.Pending, error) {
	return nil, domain.ErrQueueFull
}
func (fullQueue) Depth() int         { return 64 }
func (fullQueue) Capacity() int      { return 64 }
func (fullQueue) CurrentJob() string { return "busy" }

func TestChatQueueFull(t *testing.T) {
	mat, err := media.New(t.TempDir(), 1<<20, nil)
	require.NoError(t, err)
	holder := session.NewHolder(nil, t.TempDir(), "", nil)
	h := NewHandler(testConfig(), fullQueue{}, holder, mat, nil, nil)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{}))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "queue_full", errorCode(t, data))
}

func TestNewConversationEndpoint(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "ok"}))

	resp, _ := s.chat(t, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, s.holder.Turns())

	resp, data := s.do(t, http.MethodPost, "/v1/chat/completions/new", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), "new conversation started")
	assert.Equal(t, 1, s.fake.Resets())
	assert.Zero(t, s.holder.Turns())
}

func TestHealthNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "slow", Release: release}))

	resp, data := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var before map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &before))
	assert.Equal(t, "degraded", before["status"])
	assert.Equal(t, "disconnected", before["session"])

	go func() {
		_, _ = s.srv.Client().Post(s.srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	}()
	require.Eventually(t, func() bool { return s.worker.CurrentJob() != "" }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	resp, data = s.do(t, http.MethodGet, "/health", "")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var during map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &during))
	assert.Equal(t, "ok", during["status"])
	assert.Equal(t, "connected", during["session"])
	assert.NotEmpty(t, during["current_job"])
	assert.Contains(t, during, "timestamp")
}

func TestModelsEndpoints(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{}))

	resp, data := s.do(t, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "gemini-web", list.Data[0].ID)

	resp, _ = s.do(t, http.MethodGet, "/v1/models/gemini-web", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/v1/models/gpt-4", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMediaNotFound(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{}))

	for _, id := range []string{"nope", strings.Repeat("a", 32), "..%2F..%2Fetc%2Fpasswd"} {
		resp, _ := s.do(t, http.MethodGet, "/media/"+id, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, id)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "ok"}), func(c *config.Config, _ *RouterOptions) {
		c.APIKeys = []string{"sk-test"}
	})

	resp, _ := s.do(t, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/models", "", "Authorization", "Bearer sk-test")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestJobLedgerEndpoint(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{Text: "with image", Media: [][]byte{pngBytes}}))

	resp, _ := s.chat(t, `{"messages":[{"role":"user","content":"draw"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := resp.Header.Get("X-Job-Id")

	resp, data := s.do(t, http.MethodGet, "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var job struct {
		ID         string          `json:"id"`
		State      domain.JobState `json:"state"`
		ReplyChars int             `json:"reply_chars"`
		MediaCount int             `json:"media_count"`
		Media      []jobMedia      `json:"media"`
	}
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, domain.JobDone, job.State)
	assert.Equal(t, 10, job.ReplyChars)
	assert.Equal(t, 1, job.MediaCount)
	require.Len(t, job.Media, 1)
	assert.Contains(t, job.Media[0].URL, "/media/")

	resp, _ = s.do(t, http.MethodGet, "/v1/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIndex(t *testing.T) {
	s := newStack(t, surface.NewFake(surface.FakeReply{}))

	resp, data := s.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "/v1/chat/completions")
	assert.Contains(t, string(data), "webchat-proxy")
}
