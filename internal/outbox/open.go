package outbox

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the configured backend. For file and sqlite, dir is the data
// directory and name the file inside it.
func Open(backend, dir, name string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		if name == "" {
			name = "outbox.json"
		}
		return NewFileStore(filepath.Join(dir, name), logger)
	case BackendSQLite:
		if name == "" {
			name = "outbox.db"
		}
		return NewSQLiteStore(filepath.Join(dir, name), logger)
	default:
		return nil, fmt.Errorf("unknown outbox backend: %s (use memory, file, or sqlite)", backend)
	}
}
