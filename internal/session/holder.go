// Package session owns the single authenticated automation session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

// Launcher builds a live surface from the persisted credential store.
type Launcher interface {
	Launch(ctx context.Context) (surface.Surface, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (surface.Surface, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context) (surface.Surface, error) { return f(ctx) }

// Holder lazily creates the session, checks its liveness before each use and
// rebuilds it after a crash. EnsureReady is meant to be called by a single
// consumer; IsAlive and Snapshot are safe from anywhere and never wait on it.
type Holder struct {
	launcher   Launcher
	profileDir string
	proxyURL   string
	logger     *slog.Logger

	mu   sync.Mutex // serializes EnsureReady, Invalidate and Close
	surf surface.Surface

	infoMu sync.RWMutex
	info   domain.Session

	alive    atomic.Bool
	launches atomic.Int64

	// OnLaunch, if set, is called after every successful (re)construction.
	OnLaunch func(restart bool)
}

// NewHolder creates a holder for the credential store at profileDir.
func NewHolder(launcher Launcher, profileDir, proxyURL string, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		launcher:   launcher,
		profileDir: profileDir,
		proxyURL:   proxyURL,
		logger:     logger,
		info:       domain.Session{ProfileDir: profileDir, ProxyURL: proxyURL},
	}
}

// EnsureReady returns a live surface, constructing or reconstructing it if
// needed. Missing credentials or a rejected login wrap
// domain.ErrSessionUnavailable and are not retried here.
func (h *Holder) EnsureReady(ctx context.Context) (surface.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.surf != nil {
		err := h.surf.Ping(ctx)
		if err == nil {
			h.alive.Store(true)
			return h.surf, nil
		}
		h.logger.Warn("Session lost, rebuilding", "error", err)
		h.teardownLocked()
	}

	if err := CheckCredentialStore(h.profileDir); err != nil {
		h.alive.Store(false)
		return nil, err
	}

	restart := h.launches.Load() > 0
	h.logger.Info("Starting automation session", "profile_dir", h.profileDir, "proxy", h.proxyURL != "", "restart", restart)

	surf, err := h.launcher.Launch(ctx)
	if err != nil {
		h.alive.Store(false)
		if errors.Is(err, domain.ErrSessionUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: launch: %v", domain.ErrSessionUnavailable, err)
	}

	h.surf = surf
	h.launches.Add(1)
	h.alive.Store(true)

	now := time.Now()
	h.infoMu.Lock()
	h.info = domain.Session{
		ProfileDir: h.profileDir,
		ProxyURL:   h.proxyURL,
		Alive:      true,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	h.infoMu.Unlock()

	if h.OnLaunch != nil {
		h.OnLaunch(restart)
	}
	h.logger.Info("Automation session ready")
	return surf, nil
}

// IsAlive reports the last known liveness without touching the session.
func (h *Holder) IsAlive() bool {
	return h.alive.Load()
}

// Snapshot returns a copy of the session metadata.
func (h *Holder) Snapshot() domain.Session {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	s := h.info
	s.Alive = h.alive.Load()
	return s
}

// MarkUsed records a successful job on the session.
func (h *Holder) MarkUsed() {
	h.infoMu.Lock()
	h.info.MarkUsed()
	h.info.Turns++
	h.infoMu.Unlock()
}

// ResetTurns records that the remote conversation was restarted.
func (h *Holder) ResetTurns() {
	h.infoMu.Lock()
	h.info.Turns = 0
	h.infoMu.Unlock()
}

// Turns returns the number of turns in the current remote conversation.
func (h *Holder) Turns() int {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	return h.info.Turns
}

// Invalidate tears the session down so the next EnsureReady rebuilds it.
func (h *Holder) Invalidate(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.surf == nil {
		return
	}
	h.logger.Warn("Invalidating session", "reason", reason)
	h.teardownLocked()
}

// Close releases the session on shutdown.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.surf == nil {
		return nil
	}
	err := h.surf.Close()
	h.surf = nil
	h.alive.Store(false)
	return err
}

func (h *Holder) teardownLocked() {
	if err := h.surf.Close(); err != nil {
		h.logger.Debug("Closing dead session failed", "error", err)
	}
	h.surf = nil
	h.alive.Store(false)
	h.infoMu.Lock()
	h.info.Alive = false
	h.info.Turns = 0
	h.infoMu.Unlock()
}

// CheckCredentialStore verifies that the profile directory produced by the
// external login flow exists and is not empty.
func CheckCredentialStore(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: credential store %s does not exist; run the login flow first", domain.ErrSessionUnavailable, dir)
		}
		return fmt.Errorf("%w: credential store %s: %v", domain.ErrSessionUnavailable, dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: credential store %s is not a directory", domain.ErrSessionUnavailable, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read credential store %s: %v", domain.ErrSessionUnavailable, dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: credential store %s is empty; run the login flow first", domain.ErrSessionUnavailable, dir)
	}
	return nil
}
