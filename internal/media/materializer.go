// Package media persists generated images and serves them by stable id.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

const (
	tempPrefix = ".tmp-"
	idLength   = 32
)

var (
	// ErrNotFound indicates the requested asset does not exist.
	ErrNotFound = errors.New("media not found")
	// ErrInvalidID indicates a malformed asset id.
	ErrInvalidID = errors.New("invalid media id")

	idPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// Materializer writes image bytes into the media directory. Files are named
// by content hash, so the same image is stored once.
type Materializer struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	mu    sync.RWMutex
	index map[string]*domain.MediaAsset

	// fileMu orders file writes against sweeper removals.
	fileMu sync.Mutex
}

// New prepares dir for writing and indexes files already present. An
// unwritable directory is an error the caller should treat as fatal.
func New(dir string, maxBytes int64, logger *slog.Logger) (*Materializer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}

	probe, err := os.CreateTemp(dir, tempPrefix+"probe-")
	if err != nil {
		return nil, fmt.Errorf("media directory %s is not writable: %w", dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	m := &Materializer{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		index:    make(map[string]*domain.MediaAsset),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Materialize reads the handle and stores its bytes. The asset is returned
// only after the file is complete at its final path. Failures wrap
// domain.ErrMediaSave.
func (m *Materializer) Materialize(ctx context.Context, h surface.MediaHandle, jobID string) (*domain.MediaAsset, error) {
	data, err := h.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrMediaSave, h.Source(), err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrMediaSave, h.Source())
	}
	if int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrMediaSave, h.Source(), len(data), m.maxBytes)
	}

	contentType := normalizeType(h.ContentType(), data)
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])[:idLength]

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	m.mu.RLock()
	existing, ok := m.index[id]
	m.mu.RUnlock()
	if ok {
		if _, err := os.Stat(existing.Path); err == nil {
			// Reuse restarts the retention clock for the URL we hand out.
			now := time.Now()
			if err := os.Chtimes(existing.Path, now, now); err != nil {
				m.logger.Debug("Failed to touch media file", "media_id", id, "error", err)
			}
			m.mu.Lock()
			existing.CreatedAt = now
			dup := *existing
			m.mu.Unlock()

			m.logger.Debug("Media already stored", "media_id", id, "job_id", jobID)
			dup.JobID = jobID
			return &dup, nil
		}
	}

	path := filepath.Join(m.dir, id+extensionFor(contentType))
	if err := writeAtomic(m.dir, path, data); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaSave, err)
	}

	asset := &domain.MediaAsset{
		ID:          id,
		JobID:       jobID,
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	m.index[id] = asset
	m.mu.Unlock()

	m.logger.Info("Media materialized", "media_id", id, "job_id", jobID, "bytes", asset.Size, "content_type", contentType)
	out := *asset
	return &out, nil
}

// Lookup returns the asset with the given id.
func (m *Materializer) Lookup(id string) (*domain.MediaAsset, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	asset, ok := m.index[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := *asset
	return &out, nil
}

// Open returns the asset and an open handle to its file.
func (m *Materializer) Open(id string) (*os.File, *domain.MediaAsset, error) {
	asset, err := m.Lookup(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(asset.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.forget(id)
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open media %s: %w", id, err)
	}
	return f, asset, nil
}

// Count returns the number of indexed assets.
func (m *Materializer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

// Dir returns the media directory.
func (m *Materializer) Dir() string {
	return m.dir
}

func (m *Materializer) forget(id string) {
	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()
}

// load indexes existing files and removes temp files left by a crash.
func (m *Materializer) load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read media directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(m.dir, name)
		if strings.HasPrefix(name, tempPrefix) {
			if err := os.Remove(path); err == nil {
				m.logger.Info("Removed partial media file", "file", name)
			}
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if !idPattern.MatchString(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		m.index[id] = &domain.MediaAsset{
			ID:          id,
			Path:        path,
			ContentType: typeForExtension(filepath.Ext(name)),
			Size:        info.Size(),
			CreatedAt:   info.ModTime(),
		}
	}
	if len(m.index) > 0 {
		m.logger.Info("Indexed existing media", "count", len(m.index), "dir", m.dir)
	}
	return nil
}

// writeAtomic writes data to a temp file in dir, syncs it and renames it
// over path, so path is either absent or complete.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func normalizeType(declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	if _, ok := extensions[declared]; ok {
		return declared
	}
	sniffed := http.DetectContentType(data)
	if _, ok := extensions[sniffed]; ok {
		return sniffed
	}
	return "application/octet-stream"
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".bin"
}

func typeForExtension(ext string) string {
	for t, e := range extensions {
		if e == ext {
			return t
		}
	}
	return "application/octet-stream"
}
