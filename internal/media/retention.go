package media

import (
	"context"
	"errors"
	"os"
	"time"
)

// EvictCallback is called for every asset removed by the sweeper.
type EvictCallback func(id string)

// StartSweeper runs a background goroutine that removes assets older than
// retention every interval. A zero retention keeps everything and starts
// nothing. The goroutine stops when ctx is cancelled.
func (m *Materializer) StartSweeper(ctx context.Context, interval, retention time.Duration, onEvict EvictCallback) {
	if retention <= 0 {
		m.logger.Info("Media retention disabled, files are kept indefinitely", "dir", m.dir)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Media sweeper started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				m.Sweep(time.Now().Add(-retention), onEvict)
			case <-ctx.Done():
				m.logger.Info("Media sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep removes every asset created before cutoff and returns how many were
// removed.
func (m *Materializer) Sweep(cutoff time.Time, onEvict EvictCallback) int {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	m.mu.Lock()
	var expired []string
	for id, asset := range m.index {
		if asset.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	paths := make(map[string]string, len(expired))
	for _, id := range expired {
		paths[id] = m.index[id].Path
		delete(m.index, id)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	for id, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Error("Media sweeper failed to remove file", "media_id", id, "error", err)
			continue
		}
		removed++
		if onEvict != nil {
			onEvict(id)
		}
	}

	m.logger.Info("Media sweep completed", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	return removed
}
