package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thruflo/crowdqc/internal/config"
)

// Store persists the pipeline Snapshot.
type Store interface {
	// Load returns the saved snapshot, or an empty one if nothing was saved.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the saved snapshot.
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Open creates the Store selected by cfg. Relative file-store directories
// are resolved against basePath.
func Open(ctx context.Context, cfg config.StateConfig, basePath string) (Store, error) {
	switch cfg.Backend {
	case config.StateBackendFile, "":
		dir := cfg.Dir
		if dir == "" {
			dir = config.DefaultStateDir
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(basePath, dir)
		}
		return NewFileStore(dir, cfg.Key), nil
	case config.StateBackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.Key)
	case config.StateBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// FileStore keeps the snapshot as JSON in a directory.
type FileStore struct {
	dir string
	key string
}

// NewFileStore creates a FileStore writing <dir>/<key>.json.
func NewFileStore(dir, key string) *FileStore {
	if key == "" {
		key = config.DefaultStateKey
	}
	return &FileStore{dir: dir, key: key}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, sanitizeKey(s.key)+".json")
}

// sanitizeKey converts a key to a safe file name.
// Replaces "/" with "-" to avoid nested directories.
func sanitizeKey(key string) string {
	result := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '/' || key[i] == '\\' {
			result[i] = '-'
		} else {
			result[i] = key[i]
		}
	}
	return string(result)
}

// Load reads the snapshot file.
func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), nil // No snapshot yet
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot atomically through a temporary file.
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// MemoryStore keeps the snapshot in memory. Saved snapshots are copied so
// later mutation by the caller does not leak in.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return NewSnapshot(), nil
	}
	return decodeSnapshot(s.data)
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	snap.Normalize()
	return &snap, nil
}

// Verify implementations satisfy Store.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
