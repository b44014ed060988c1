package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the config file and calls onChange after its content
// changes. A touch without an edit does not fire. A file that disappears is
// reported once and picked up again when it comes back.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	size    int64
	modTime time.Time
	sum     []byte
	missing bool
}

// NewWatcher creates a watcher for path. Nothing is read until Run.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config", "path", path),
		onChange: onChange,
	}
}

// Run records the current content and polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.check(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("config watcher: initial read failed", "error", err)
	}
	w.logger.Info("config watcher started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case <-ticker.C:
			changed, err := w.check()
			if err != nil {
				w.logger.Warn("config watcher: cannot read file", "error", err)
				continue
			}
			if changed && w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// check reports whether the content differs from the last one seen. The
// first successful read only records a baseline.
func (w *Watcher) check() (bool, error) {
	info, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !w.missing {
			w.logger.Warn("config file is missing, keeping current settings")
			w.missing = true
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if w.missing {
		w.logger.Info("config file is back")
		w.missing = false
	}
	if w.sum != nil && info.Size() == w.size && info.ModTime().Equal(w.modTime) {
		return false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	first := w.sum == nil
	changed := !first && !bytes.Equal(sum[:], w.sum)

	w.size, w.modTime, w.sum = info.Size(), info.ModTime(), sum[:]
	if changed {
		w.logger.Info("config file changed", "modTime", w.modTime)
	}
	return changed, nil
}
