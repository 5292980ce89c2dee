package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryBackend keeps payloads in process memory.
// Useful for testing and single-invocation runs.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[ArtifactKey][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[ArtifactKey][]byte)}
}

func (b *MemoryBackend) Write(_ context.Context, key ArtifactKey, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.blobs[key]; exists {
		return artifactErr(ErrDuplicateArtifact, key, nil)
	}
	// Store a copy to prevent mutation.
	b.blobs[key] = append([]byte(nil), payload...)
	return nil
}

func (b *MemoryBackend) Read(_ context.Context, key ArtifactKey) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, artifactErr(ErrNotFound, key, nil)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Delete(_ context.Context, key ArtifactKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

func (b *MemoryBackend) DeleteRun(_ context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.blobs {
		if k.RunID == runID {
			delete(b.blobs, k)
		}
	}
	return nil
}

// FileBackend stores payloads on the local filesystem.
//
// Structure:
//
//	{Root}/
//	  {run-id}/
//	    {artifact-name}.blob
type FileBackend struct {
	// Root is the directory holding one subdirectory per run.
	Root string
}

// NewFileBackend creates a filesystem-backed artifact backend.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{Root: root}
}

func (b *FileBackend) blobPath(key ArtifactKey) string {
	return filepath.Join(b.Root, key.RunID, key.Name+".blob")
}

// Write commits the payload with a hard link from a fully written temp file,
// so the blob either appears complete or not at all, and an existing blob is
// never replaced.
func (b *FileBackend) Write(_ context.Context, key ArtifactKey, payload []byte) error {
	path := b.blobPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return artifactErr(ErrDuplicateArtifact, key, nil)
		}
		return fmt.Errorf("committing blob: %w", err)
	}
	return nil
}

func (b *FileBackend) Read(_ context.Context, key ArtifactKey) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, artifactErr(ErrNotFound, key, nil)
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Delete(_ context.Context, key ArtifactKey) error {
	if err := os.Remove(b.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

func (b *FileBackend) DeleteRun(_ context.Context, runID string) error {
	if runID == "" || filepath.Base(runID) != runID {
		return fmt.Errorf("%w: invalid run id %q", ErrValidation, runID)
	}
	return os.RemoveAll(filepath.Join(b.Root, runID))
}
