// Package cdc implements the logical-replication listener (C6), its
// per-metric debounce buffer (C7), and diff accumulation feeding the
// egress pipeline.
package cdc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// CheckpointStore persists the replication slot's confirmed LSN so a
// restart resumes without reprocessing already-applied changes.
type CheckpointStore interface {
	Load(slot string) (lsn uint64, ok bool, err error)
	Save(slot string, lsn uint64) error
}

// MemoryCheckpointStore keeps slot positions only for the life of the
// process, for cdc.checkpoint_backend=memory.
type MemoryCheckpointStore struct {
	mu        sync.Mutex
	positions map[string]uint64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{positions: map[string]uint64{}}
}

func (s *MemoryCheckpointStore) Load(slot string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.positions[slot]
	return lsn, ok, nil
}

func (s *MemoryCheckpointStore) Save(slot string, lsn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.positions[slot]; !ok || lsn > current {
		s.positions[slot] = lsn
	}
	return nil
}

// FileCheckpointStore durably persists slot positions via an atomic
// tempfile-then-rename write, optionally fsyncing the file (and, when
// fsync is requested, the containing directory) before returning.
type FileCheckpointStore struct {
	mu        sync.Mutex
	path      string
	fsync     bool
	positions map[string]uint64
}

func NewFileCheckpointStore(path string, fsync bool) (*FileCheckpointStore, error) {
	s := &FileCheckpointStore{path: path, fsync: fsync, positions: map[string]uint64{}}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.For(logger.ComponentCDC).Warnw("unable to create checkpoint directory", "path", path, "error", err)
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCheckpointStore) Load(slot string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.positions[slot]
	return lsn, ok, nil
}

func (s *FileCheckpointStore) Save(slot string, lsn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.positions[slot]; ok && lsn <= current {
		return nil
	}
	s.positions[slot] = lsn
	return s.writeLocked()
}

func (s *FileCheckpointStore) loadFromDisk() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var positions map[string]uint64
	if err := json.Unmarshal(raw, &positions); err != nil {
		return fmt.Errorf("decode checkpoint file %s: %w", s.path, err)
	}
	s.positions = positions
	return nil
}

func (s *FileCheckpointStore) writeLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".")
	if err != nil {
		return fmt.Errorf("create checkpoint tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(s.positions); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("fsync checkpoint tempfile: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint tempfile: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	if s.fsync {
		if dirFile, err := os.Open(dir); err == nil {
			_ = dirFile.Sync()
			dirFile.Close()
		}
	}
	return nil
}
