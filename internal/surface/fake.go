package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/webchat-proxy/internal/domain"
)

// FakeReply scripts how a Fake answers one submission.
type FakeReply struct {
	Text  string
	Media [][]byte
	// Polls is how many IsGenerating probes report true before finishing.
	Polls int
	// Release, if set, keeps the reply generating until it is closed.
	Release <-chan struct{}
	// Hang keeps the reply generating forever.
	Hang bool
	// SubmitErrs fail the first N Submit attempts for this reply.
	SubmitErrs int
	// ExtractErrs fail the first N LatestReply calls after completion.
	ExtractErrs int
	// MediaErr makes every media handle fail on Read.
	MediaErr error
}

// Fake is a deterministic in-memory Surface for tests.
type Fake struct {
	mu       sync.Mutex
	script   []FakeReply
	fallback FakeReply

	current    *FakeReply
	polls      int
	submitErrs int
	extracts   int
	busy       bool

	prompts  []string
	overlaps int
	resets   int
	dead     bool
	closed   bool
}

// NewFake returns a Fake that answers submissions from script in order and
// falls back to fallback once the script is exhausted.
func NewFake(fallback FakeReply, script ...FakeReply) *Fake {
	return &Fake{script: script, fallback: fallback}
}

// Push appends a scripted reply.
func (f *Fake) Push(r FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, r)
}

// Submit implements Surface.
func (f *Fake) Submit(ctx context.Context, conversation []domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.liveLocked(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatch, err)
	}
	if f.current == nil {
		f.current = f.nextLocked()
		f.submitErrs = 0
	}
	if f.submitErrs < f.current.SubmitErrs {
		f.submitErrs++
		return fmt.Errorf("%w: input not found (attempt %d)", domain.ErrDispatch, f.submitErrs)
	}
	if f.busy {
		f.overlaps++
	}

	f.prompts = append(f.prompts, RenderPrompt(conversation))
	f.busy = true
	f.polls = 0
	f.extracts = 0
	return nil
}

// IsGenerating implements Surface.
func (f *Fake) IsGenerating(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.liveLocked(); err != nil {
		return false, err
	}
	r := f.current
	if r == nil || !f.busy {
		return false, nil
	}
	if r.Hang {
		return true, nil
	}
	if r.Release != nil {
		select {
		case <-r.Release:
		default:
			return true, nil
		}
	}
	if f.polls < r.Polls {
		f.polls++
		return true, nil
	}
	return false, nil
}

// LatestReply implements Surface. While generating it returns a growing
// prefix of the scripted text.
func (f *Fake) LatestReply(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.liveLocked(); err != nil {
		return "", err
	}
	r := f.current
	if r == nil {
		return "", nil
	}
	text := []rune(r.Text)
	if r.Hang || (r.Polls > 0 && f.polls < r.Polls) {
		n := len(text) * f.polls / max(r.Polls, 1)
		if r.Hang {
			n = len(text) / 2
		}
		return string(text[:n]), nil
	}
	if f.extracts < r.ExtractErrs {
		f.extracts++
		return "", errors.New("reply container not found")
	}
	return r.Text, nil
}

// LatestMedia implements Surface and ends the current turn.
func (f *Fake) LatestMedia(ctx context.Context) ([]MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.liveLocked(); err != nil {
		return nil, err
	}
	r := f.current
	f.finishLocked()
	if r == nil {
		return nil, nil
	}

	handles := make([]MediaHandle, 0, len(r.Media))
	for i, data := range r.Media {
		handles = append(handles, &BytesHandle{
			Data: data,
			Type: "image/png",
			Src:  fmt.Sprintf("fake://image/%d", i),
			Err:  r.MediaErr,
		})
	}
	return handles, nil
}

// Reset implements Surface.
func (f *Fake) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.liveLocked(); err != nil {
		return err
	}
	f.resets++
	f.finishLocked()
	return nil
}

// Ping implements Surface.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveLocked()
}

// Close implements Surface.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Kill simulates a crashed browser: every later call fails.
func (f *Fake) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

// Prompts returns the rendered prompt of every accepted submission.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// Overlaps counts submissions accepted while a previous turn was unfinished.
func (f *Fake) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// Resets counts Reset calls.
func (f *Fake) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) liveLocked() error {
	if f.dead || f.closed {
		return errors.New("target page, context or browser has been closed")
	}
	return nil
}

func (f *Fake) nextLocked() *FakeReply {
	if len(f.script) == 0 {
		r := f.fallback
		return &r
	}
	r := f.script[0]
	f.script = f.script[1:]
	return &r
}

func (f *Fake) finishLocked() {
	f.busy = false
	f.current = nil
}

// BytesHandle is a MediaHandle over an in-memory buffer.
type BytesHandle struct {
	Data []byte
	Type string
	Src  string
	Err  error
}

// Read implements MediaHandle.
func (h *BytesHandle) Read(ctx context.Context) ([]byte, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	out := make([]byte, len(h.Data))
	copy(out, h.Data)
	return out, nil
}

// ContentType implements MediaHandle.
func (h *BytesHandle) ContentType() string { return h.Type }

// Source implements MediaHandle.
func (h *BytesHandle) Source() string { return h.Src }
