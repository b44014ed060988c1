package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists the whole outbox as a JSON snapshot. Every mutation
// rewrites the snapshot through a temp file and an atomic rename.
type FileStore struct {
	*MemoryStore
	path string
}

type fileSnapshot struct {
	Entries []Entry `json:"entries"`
}

// NewFileStore opens or creates the snapshot at path. Entries left in
// syncing by a previous process are moved back to pending.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: file store path required", ErrInvalidEntry)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}

	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	recovered, err := fs.load()
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	fs.persist = fs.write
	if recovered > 0 {
		logger.Warn("recovered orphaned outbox entries", "count", recovered, "path", path)
		if err := fs.write(fs.entries); err != nil {
			return nil, fmt.Errorf("persist recovered outbox: %w", err)
		}
	}
	return fs, nil
}

func (s *FileStore) load() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range snap.Entries {
		if reconcile(&e) {
			recovered++
		}
		s.entries[e.ID] = e
		s.seq = max(s.seq, e.Seq)
	}
	return recovered, nil
}

func (s *FileStore) write(entries map[string]Entry) error {
	snap := fileSnapshot{Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, e)
	}
	sortEntries(snap.Entries)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write outbox: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("sync outbox: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close outbox: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace outbox: %w", err)
	}
	return syncDir(filepath.Dir(s.path))
}
