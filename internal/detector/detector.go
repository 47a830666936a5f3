// Package detector decides when a submitted message has finished generating.
//
// The remote surface has no completion signal, so the detector polls it on a
// fixed interval under a hard deadline:
//
//	dispatched -> polling -> completed | timed_out
//
// Completion requires the surface to report it is no longer generating and
// the reply text to be unchanged across two consecutive polls.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

// State is a detector state.
type State string

const (
	StateDispatched State = "dispatched"
	StatePolling    State = "polling"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
)

const (
	defaultResetTimeout = 30 * time.Second
	maxProbeErrors      = 3
)

// Outcome summarizes one detection run.
type Outcome struct {
	State   State
	Polls   int
	Text    string
	Elapsed time.Duration
}

// Detector polls a surface until its reply is complete.
type Detector struct {
	Interval     time.Duration
	Timeout      time.Duration
	ResetTimeout time.Duration
	logger       *slog.Logger
}

// New creates a detector polling every interval for at most timeout.
func New(interval, timeout time.Duration, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		Interval:     interval,
		Timeout:      timeout,
		ResetTimeout: defaultResetTimeout,
		logger:       logger,
	}
}

// Wait drives one job to a terminal detector state. On deadline it issues a
// best-effort Reset on s and returns an error wrapping domain.ErrTimeout.
// Repeated probe failures return an error wrapping domain.ErrExtraction.
func (d *Detector) Wait(ctx context.Context, s surface.Surface, jobID string) (Outcome, error) {
	start := time.Now()
	out := Outcome{State: StateDispatched}

	pollCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	out.State = StatePolling
	var (
		lastText    string
		haveLast    bool
		probeErrors int
	)

	for {
		select {
		case <-pollCtx.Done():
			out.Elapsed = time.Since(start)
			if ctx.Err() != nil {
				return out, fmt.Errorf("wait for completion: %w", ctx.Err())
			}
			out.State = StateTimedOut
			d.logger.Warn("Completion deadline exceeded",
				"job_id", jobID,
				"polls", out.Polls,
				"timeout", d.Timeout)
			d.reset(ctx, s, jobID)
			return out, fmt.Errorf("%w after %s (%d polls)", domain.ErrTimeout, d.Timeout, out.Polls)

		case <-ticker.C:
		}

		out.Polls++

		generating, err := s.IsGenerating(pollCtx)
		if err == nil && !generating {
			var text string
			text, err = s.LatestReply(pollCtx)
			if err == nil {
				if haveLast && text == lastText {
					out.State = StateCompleted
					out.Text = text
					out.Elapsed = time.Since(start)
					d.logger.Debug("Completion detected",
						"job_id", jobID,
						"polls", out.Polls,
						"elapsed", out.Elapsed)
					return out, nil
				}
				lastText, haveLast = text, true
			}
		} else if err == nil {
			haveLast = false
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			probeErrors++
			d.logger.Debug("Completion probe failed", "job_id", jobID, "attempt", probeErrors, "error", err)
			if probeErrors >= maxProbeErrors {
				out.Elapsed = time.Since(start)
				return out, fmt.Errorf("%w: surface probe failed %d times: %v", domain.ErrExtraction, probeErrors, err)
			}
			continue
		}
		probeErrors = 0
	}
}

func (d *Detector) reset(ctx context.Context, s surface.Surface, jobID string) {
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.ResetTimeout)
	defer cancel()

	if err := s.Reset(resetCtx); err != nil {
		d.logger.Warn("Best-effort surface reset failed", "job_id", jobID, "error", err)
		return
	}
	d.logger.Info("Surface reset after timeout", "job_id", jobID)
}
