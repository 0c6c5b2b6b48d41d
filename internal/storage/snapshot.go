package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotFile persists a JSON document with write-then-rename so a crash
// never leaves a half-written file behind.
type SnapshotFile struct {
	mu   sync.Mutex
	path string
}

func NewSnapshotFile(dataDir, filename string) (*SnapshotFile, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &SnapshotFile{path: filepath.Join(dataDir, filename)}, nil
}

func (f *SnapshotFile) Path() string {
	return f.path
}

// Load decodes the snapshot into v. A missing file leaves v untouched.
func (f *SnapshotFile) Load(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	return nil
}

func (f *SnapshotFile) Save(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, f.path)
}
