// Package queue serializes generation jobs onto the single automation
// session.
//
// Exactly one worker goroutine consumes a bounded FIFO channel, so at most
// one job touches the remote surface at any time and jobs are dispatched in
// admission order. Callers block on their Pending handle, never on the
// surface.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/webchat-proxy/internal/detector"
	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/events"
	"github.com/ashureev/webchat-proxy/internal/metrics"
	"github.com/ashureev/webchat-proxy/internal/shared"
	"github.com/ashureev/webchat-proxy/internal/store"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

const (
	resetTimeout  = 30 * time.Second
	ledgerTimeout = 5 * time.Second
)

// Session is the part of session.Holder the worker needs.
type Session interface {
	EnsureReady(ctx context.Context) (surface.Surface, error)
	MarkUsed()
	ResetTurns()
	Turns() int
	Invalidate(reason string)
}

// Materializer stores image bytes referenced by a reply.
type Materializer interface {
	Materialize(ctx context.Context, h surface.MediaHandle, jobID string) (*domain.MediaAsset, error)
}

// Publisher receives job state changes.
type Publisher interface {
	Publish(ev events.Event)
}

// Options tunes the worker.
type Options struct {
	Capacity          int
	DispatchAttempts  int
	DispatchBaseDelay time.Duration
	ExtractRetryDelay time.Duration
	// RotateAfterTurns starts a fresh remote conversation once this many
	// turns were completed in the current one. Zero disables rotation.
	RotateAfterTurns int
	// Prewarm launches the session before the first job is taken. Failures
	// are logged and the next job retries the launch.
	Prewarm bool
}

// Result is what a job resolves to.
type Result struct {
	Content *domain.ExtractedContent
	Record  domain.JobRecord
	Err     error
}

// Pending is a caller's handle on an admitted job.
type Pending struct {
	Job *domain.GenerationJob

	done      chan Result
	abandoned atomic.Bool
}

// Wait blocks until the job resolves or ctx is done. Once ctx is done the
// job is marked abandoned: it is skipped if not yet dispatched, and its
// result is discarded otherwise.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.done:
		return res, res.Err
	case <-ctx.Done():
		p.abandoned.Store(true)
		return Result{}, ctx.Err()
	}
}

// Abandon marks the job as no longer wanted.
func (p *Pending) Abandon() {
	p.abandoned.Store(true)
}

// Worker owns the job queue.
type Worker struct {
	jobs     chan *Pending
	session  Session
	detector *detector.Detector
	media    Materializer
	repo     store.Repository
	hub      Publisher
	opts     Options
	logger   *slog.Logger

	closeMu sync.RWMutex
	closed  bool

	depth   atomic.Int64
	current atomic.Value // string
}

// NewWorker creates a worker. repo and hub may be nil.
func NewWorker(sess Session, det *detector.Detector, media Materializer, repo store.Repository, hub Publisher, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.DispatchAttempts <= 0 {
		opts.DispatchAttempts = 1
	}
	w := &Worker{
		jobs:     make(chan *Pending, opts.Capacity),
		session:  sess,
		detector: det,
		media:    media,
		repo:     repo,
		hub:      hub,
		opts:     opts,
		logger:   logger,
	}
	w.current.Store("")
	return w
}

// Enqueue admits job without waiting. A full queue returns
// domain.ErrQueueFull and a stopped worker domain.ErrQueueClosed.
func (w *Worker) Enqueue(ctx context.Context, job *domain.GenerationJob) (*Pending, error) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		return nil, domain.ErrQueueClosed
	}
	if job.Kind == "" {
		job.Kind = domain.JobKindChat
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	job.State = domain.JobQueued

	p := &Pending{Job: job, done: make(chan Result, 1)}
	select {
	case w.jobs <- p:
	default:
		return nil, fmt.Errorf("%w: %d jobs waiting", domain.ErrQueueFull, cap(w.jobs))
	}
	depth := w.depth.Add(1)
	metrics.SetQueueDepth(int(depth))

	w.logger.Info("Job queued",
		"job_id", job.ID,
		"kind", job.Kind,
		"caller", job.Caller,
		"prompt_chars", job.PromptChars(),
		"queue_depth", depth)
	w.record(ctx, job, nil, nil)
	return p, nil
}

// Depth returns the number of jobs waiting, excluding the one in flight.
func (w *Worker) Depth() int {
	return int(w.depth.Load())
}

// Capacity returns the queue bound.
func (w *Worker) Capacity() int {
	return cap(w.jobs)
}

// CurrentJob returns the id of the job holding the session, or "".
func (w *Worker) CurrentJob() string {
	id, _ := w.current.Load().(string)
	return id
}

// Run consumes jobs until ctx is cancelled, then fails whatever is still
// queued with domain.ErrQueueClosed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Job worker started", "capacity", cap(w.jobs))
	if w.opts.Prewarm {
		w.prewarm(ctx)
	}
	for {
		// Checked first so a cancelled worker never picks up another job.
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case p := <-w.jobs:
			metrics.SetQueueDepth(int(w.depth.Add(-1)))
			w.process(ctx, p)
		}
	}
}

// prewarm runs on the worker goroutine so the surface only ever has one
// caller.
func (w *Worker) prewarm(ctx context.Context) {
	_, err := w.session.EnsureReady(ctx)
	metrics.SetSessionAlive(err == nil)
	if err != nil {
		w.logger.Warn("Session prewarm failed; jobs will retry on demand", "error", err)
		return
	}
	w.logger.Info("Session prewarmed")
}

func (w *Worker) shutdown() {
	w.closeMu.Lock()
	w.closed = true
	w.closeMu.Unlock()

	drained := 0
	for {
		select {
		case p := <-w.jobs:
			w.depth.Add(-1)
			w.resolve(p, nil, domain.ErrQueueClosed)
			drained++
		default:
			metrics.SetQueueDepth(0)
			w.logger.Info("Job worker stopped", "drained", drained)
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, p *Pending) {
	job := p.Job
	logger := w.logger.With("job_id", job.ID, "kind", job.Kind)

	if p.abandoned.Load() {
		logger.Info("Caller gone before dispatch, skipping job")
		w.resolve(p, nil, domain.ErrCallerGone)
		return
	}
	if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
		w.resolve(p, nil, fmt.Errorf("%w: request deadline passed while queued", domain.ErrTimeout))
		return
	}

	w.current.Store(job.ID)
	defer w.current.Store("")
	job.StartedAt = time.Now()

	surf, err := w.session.EnsureReady(ctx)
	metrics.SetSessionAlive(err == nil)
	if err != nil {
		logger.Error("Session not ready", "error", err)
		w.resolve(p, nil, err)
		return
	}

	if job.Kind == domain.JobKindNewConversation {
		w.transition(ctx, job, domain.JobDispatched)
		if err := w.reset(ctx, surf); err != nil {
			w.resolve(p, nil, fmt.Errorf("%w: new conversation: %v", domain.ErrDispatch, err))
			return
		}
		logger.Info("Started a new conversation")
		w.resolve(p, &domain.ExtractedContent{}, nil)
		return
	}

	if n := w.opts.RotateAfterTurns; n > 0 && w.session.Turns() >= n {
		logger.Info("Rotating conversation", "turns", w.session.Turns())
		if err := w.reset(ctx, surf); err != nil {
			logger.Warn("Conversation rotation failed, continuing in the current one", "error", err)
		}
	}

	content, err := w.generate(ctx, surf, job, logger)
	if err == nil {
		w.session.MarkUsed()
	}
	w.resolve(p, content, err)
}

func (w *Worker) generate(ctx context.Context, surf surface.Surface, job *domain.GenerationJob, logger *slog.Logger) (*domain.ExtractedContent, error) {
	w.transition(ctx, job, domain.JobDispatched)

	backoff := shared.Backoff{
		Attempts:  w.opts.DispatchAttempts,
		BaseDelay: w.opts.DispatchBaseDelay,
		Retryable: func(err error) bool { return errors.Is(err, domain.ErrDispatch) },
	}
	err := shared.Retry(ctx, backoff, "submit", func(attempt int) error {
		if attempt > 1 {
			logger.Warn("Retrying submission", "attempt", attempt)
		}
		return surf.Submit(ctx, job.Messages)
	})
	if err != nil {
		logger.Error("Submission failed", "error", err)
		if resetErr := w.reset(ctx, surf); resetErr != nil {
			logger.Debug("Reset after failed submission failed", "error", resetErr)
		}
		if !errors.Is(err, domain.ErrDispatch) {
			err = fmt.Errorf("%w: %v", domain.ErrDispatch, err)
		}
		return nil, err
	}

	w.transition(ctx, job, domain.JobAwaitingCompletion)
	outcome, err := w.detector.Wait(ctx, surf, job.ID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTimeout):
			// The detector already reset the surface to a new conversation.
			w.session.ResetTurns()
		case errors.Is(err, domain.ErrExtraction):
			w.session.Invalidate(err.Error())
		}
		return nil, err
	}
	metrics.RecordPolls(outcome.Polls)

	w.transition(ctx, job, domain.JobExtracting)
	text, readErr := w.readReply(ctx, surf, logger)
	if (readErr != nil || text == "") && outcome.Text != "" {
		logger.Warn("Using reply text observed during completion", "error", readErr)
		text, readErr = outcome.Text, nil
	}

	// Image-only replies are valid; the turn fails only when it produced
	// neither text nor images.
	content := &domain.ExtractedContent{Text: text}
	found := w.collectMedia(ctx, surf, job.ID, content, logger)
	if text == "" && found == 0 {
		if readErr == nil {
			readErr = errors.New("reply is empty")
		}
		err := fmt.Errorf("%w: %v", domain.ErrExtraction, readErr)
		w.session.Invalidate(err.Error())
		return nil, err
	}
	if readErr != nil {
		logger.Warn("Reply text unreadable, returning images only", "error", readErr)
	}

	logger.Info("Job completed",
		"polls", outcome.Polls,
		"elapsed", outcome.Elapsed,
		"reply_chars", len([]rune(content.Text)),
		"media", len(content.Media))
	return content, nil
}

// readReply reads the final reply, retrying once after a delay.
func (w *Worker) readReply(ctx context.Context, surf surface.Surface, logger *slog.Logger) (string, error) {
	text, err := surf.LatestReply(ctx)
	if err == nil && text != "" {
		return text, nil
	}
	logger.Warn("Reply not readable yet, retrying", "delay", w.opts.ExtractRetryDelay, "error", err)

	timer := time.NewTimer(w.opts.ExtractRetryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return "", ctx.Err()
	case <-timer.C:
	}
	return surf.LatestReply(ctx)
}

// collectMedia saves the reply's images into content and reports how many
// the reply contained, saved or not.
func (w *Worker) collectMedia(ctx context.Context, surf surface.Surface, jobID string, content *domain.ExtractedContent, logger *slog.Logger) int {
	handles, err := surf.LatestMedia(ctx)
	if err != nil {
		logger.Warn("Could not enumerate reply images", "error", err)
		content.Notes = append(content.Notes, "generated images could not be read")
		return 0
	}
	for _, h := range handles {
		asset, err := w.media.Materialize(ctx, h, jobID)
		if err != nil {
			metrics.RecordMediaFailed()
			logger.Warn("Image not saved, returning text only", "source", h.Source(), "error", err)
			content.Notes = append(content.Notes, "an image could not be saved")
			continue
		}
		metrics.RecordMediaSaved()
		content.Media = append(content.Media, asset)
		if w.repo != nil {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
			if err := w.repo.RecordMedia(lctx, asset); err != nil {
				logger.Warn("Failed to record media", "media_id", asset.ID, "error", err)
			}
			cancel()
		}
	}
	return len(handles)
}

func (w *Worker) reset(ctx context.Context, surf surface.Surface) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	err := surf.Reset(rctx)
	w.session.ResetTurns()
	return err
}

func (w *Worker) transition(ctx context.Context, job *domain.GenerationJob, state domain.JobState) {
	job.State = state
	w.logger.Debug("Job state changed", "job_id", job.ID, "state", state)
	w.record(ctx, job, nil, nil)
}

func (w *Worker) resolve(p *Pending, content *domain.ExtractedContent, err error) {
	job := p.Job
	job.FinishedAt = time.Now()
	if err != nil {
		job.State = domain.JobFailed
	} else {
		job.State = domain.JobDone
	}

	rec := w.record(context.Background(), job, content, err)

	outcome := "ok"
	if err != nil {
		outcome = domain.ErrorKind(err)
		w.logger.Warn("Job failed", "job_id", job.ID, "error_kind", outcome, "error", err)
	}
	var elapsed time.Duration
	if !job.StartedAt.IsZero() {
		elapsed = job.FinishedAt.Sub(job.StartedAt)
	}
	metrics.RecordJob(string(job.Kind), outcome, elapsed)

	if p.abandoned.Load() && err == nil {
		w.logger.Info("Caller gone, discarding result", "job_id", job.ID)
	}
	p.done <- Result{Content: content, Record: rec, Err: err}
}

// record writes the job to the ledger and publishes it. Ledger failures are
// logged and never fail the job.
func (w *Worker) record(ctx context.Context, job *domain.GenerationJob, content *domain.ExtractedContent, err error) domain.JobRecord {
	rec := domain.JobRecord{
		ID:          job.ID,
		Kind:        job.Kind,
		Model:       job.Model,
		Caller:      job.Caller,
		State:       job.State,
		PromptChars: job.PromptChars(),
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   time.Now(),
	}
	if err != nil {
		rec.ErrorKind = domain.ErrorKind(err)
		rec.Error = err.Error()
	}
	if content != nil {
		rec.ReplyChars = len([]rune(content.Text))
		rec.MediaCount = len(content.Media)
	}

	if w.repo != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		if upErr := w.repo.UpsertJob(lctx, &rec); upErr != nil {
			w.logger.Warn("Failed to record job", "job_id", job.ID, "state", job.State, "error", upErr)
		}
		cancel()
	}
	if w.hub != nil {
		w.hub.Publish(events.Event{Type: "job", Job: &rec, QueueDepth: w.Depth()})
	}
	return rec
}
