package core

import (
	"context"
	_ "crypto/sha256" // registers digest.Canonical
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// Backend persists artifact payloads.
//
// Write must fail with ErrDuplicateArtifact if the key already holds a
// payload and must never overwrite one. Read must fail with ErrNotFound for
// an absent key. Delete of an absent key is a no-op. Implementations must be safe for concurrent use.
type Backend interface {
	Write(ctx context.Context, key ArtifactKey, payload []byte) error
	Read(ctx context.Context, key ArtifactKey) ([]byte, error)
	Delete(ctx context.Context, key ArtifactKey) error
	DeleteRun(ctx context.Context, runID string) error
}

type entry struct {
	// ready is closed exactly once, when ref is published.
	ready    chan struct{}
	ref      *ArtifactRef
	reserved bool
}

// Store is the run-scoped artifact namespace.
//
// Put reserves a key before writing so that at most one producer can ever
// publish it. An artifact becomes visible to Get only after its payload is
// fully written, at which point the key's ready channel is closed.
type Store struct {
	backend Backend
	now     func() time.Time

	mu      sync.Mutex
	entries map[ArtifactKey]*entry
}

// NewStore returns a Store over backend. A nil backend selects an in-memory one.
func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[ArtifactKey]*entry),
	}
}

func (s *Store) entryLocked(key ArtifactKey) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		s.entries[key] = e
	}
	return e
}

// Blob is one payload handed to PutAll.
type Blob struct {
	Key  ArtifactKey
	Data []byte
}

// Put writes payload under key and publishes it.
//
// It fails with ErrDuplicateArtifact if the key was already put (or is being
// put concurrently) in this store, or already exists in the backend.
func (s *Store) Put(ctx context.Context, key ArtifactKey, producer string, payload []byte) (ArtifactRef, error) {
	refs, err := s.PutAll(ctx, producer, []Blob{{Key: key, Data: payload}})
	if err != nil {
		return ArtifactRef{}, err
	}
	return refs[0], nil
}

// PutAll publishes every blob or none of them.
//
// All keys are reserved before any payload is written. If a write fails, the
// payloads already written are deleted from the backend and the reservations
// are dropped, so no key becomes visible. Refs are returned in blob order.
func (s *Store) PutAll(ctx context.Context, producer string, blobs []Blob) ([]ArtifactRef, error) {
	for _, b := range blobs {
		if err := ValidateArtifactName(b.Key.Name); err != nil {
			return nil, err
		}
		if b.Key.RunID == "" {
			return nil, fmt.Errorf("%w: run id is required", ErrValidation)
		}
	}

	entries, err := s.reserve(blobs)
	if err != nil {
		return nil, err
	}

	refs := make([]ArtifactRef, len(blobs))
	for i, b := range blobs {
		data := append([]byte(nil), b.Data...)
		if err := s.backend.Write(ctx, b.Key, data); err != nil {
			return nil, s.rollback(ctx, blobs[:i], entries, b.Key, err)
		}
		refs[i] = ArtifactRef{
			Name:      b.Key.Name,
			RunID:     b.Key.RunID,
			Digest:    digest.FromBytes(data),
			Size:      int64(len(data)),
			Producer:  producer,
			CreatedAt: s.now(),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		r := refs[i]
		e.ref = &r
		close(e.ready)
	}
	return refs, nil
}

func (s *Store) reserve(blobs []Blob) ([]*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[ArtifactKey]bool, len(blobs))
	for _, b := range blobs {
		if seen[b.Key] {
			return nil, artifactErr(ErrDuplicateArtifact, b.Key, nil)
		}
		seen[b.Key] = true
		if e, ok := s.entries[b.Key]; ok && e.reserved {
			return nil, artifactErr(ErrDuplicateArtifact, b.Key, nil)
		}
	}
	entries := make([]*entry, len(blobs))
	for i, b := range blobs {
		entries[i] = s.entryLocked(b.Key)
		entries[i].reserved = true
	}
	return entries, nil
}

// rollback undoes a failed PutAll: written holds the blobs whose payloads
// reached the backend. A key the backend already held stays reserved.
func (s *Store) rollback(ctx context.Context, written []Blob, entries []*entry, failed ArtifactKey, cause error) error {
	var errs []error
	for _, b := range written {
		if err := s.backend.Delete(ctx, b.Key); err != nil {
			errs = append(errs, fmt.Errorf("rolling back %s: %w", b.Key.Name, err))
		}
	}

	dup := errors.Is(cause, ErrDuplicateArtifact)
	s.mu.Lock()
	for i, e := range entries {
		if i == len(written) && dup {
			continue
		}
		e.reserved = false
	}
	s.mu.Unlock()

	var ae *ArtifactError
	if !errors.As(cause, &ae) {
		cause = artifactErr(ErrActionFailed, failed, fmt.Errorf("writing payload: %w", cause))
	}
	return errors.Join(append([]error{cause}, errs...)...)
}

// Get returns the published artifact for key.
//
// It fails with ErrNotFound if the artifact was never published (including
// while its producer is still writing it) and with ErrIntegrity if the stored
// payload no longer matches the published digest.
func (s *Store) Get(ctx context.Context, key ArtifactKey) (Artifact, error) {
	ref, ok := s.Ref(key)
	if !ok {
		return Artifact{}, artifactErr(ErrNotFound, key, nil)
	}
	payload, err := s.backend.Read(ctx, key)
	if err != nil {
		var ae *ArtifactError
		if errors.As(err, &ae) {
			return Artifact{}, err
		}
		return Artifact{}, artifactErr(ErrNotFound, key, err)
	}
	if got := digest.FromBytes(payload); got != ref.Digest {
		return Artifact{}, artifactErr(ErrIntegrity, key, fmt.Errorf("digest %s, want %s", got, ref.Digest))
	}
	return Artifact{Ref: ref, Payload: payload}, nil
}

// Ref returns the published reference for key.
func (s *Store) Ref(key ArtifactKey) (ArtifactRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.ref == nil {
		return ArtifactRef{}, false
	}
	return *e.ref, true
}

// Ready returns a channel that is closed once key is published.
// The channel is never closed if the key is never put.
func (s *Store) Ready(key ArtifactKey) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(key).ready
}

// Wait blocks until key is published or ctx is done.
func (s *Store) Wait(ctx context.Context, key ArtifactKey) (ArtifactRef, error) {
	select {
	case <-s.Ready(key):
		ref, _ := s.Ref(key)
		return ref, nil
	case <-ctx.Done():
		return ArtifactRef{}, context.Cause(ctx)
	}
}

// Carry copies a published artifact of an earlier run into runID's namespace.
//
// The source payload is read from the backend directly, so the earlier run
// need not have been produced by this Store instance. The copy keeps the
// original producer and must match the recorded digest.
func (s *Store) Carry(ctx context.Context, from ArtifactRef, runID string) (ArtifactRef, error) {
	payload, err := s.readRef(ctx, from)
	if err != nil {
		return ArtifactRef{}, err
	}
	return s.Put(ctx, Key(runID, from.Name), from.Producer, payload)
}

// Available reports whether ref's payload is still held by the backend and
// matches its recorded digest, i.e. whether it can be carried.
func (s *Store) Available(ctx context.Context, ref ArtifactRef) error {
	_, err := s.readRef(ctx, ref)
	return err
}

func (s *Store) readRef(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	src := ref.Key()
	payload, err := s.backend.Read(ctx, src)
	if err != nil {
		var ae *ArtifactError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, artifactErr(ErrNotFound, src, err)
	}
	if ref.Digest != "" {
		if got := digest.FromBytes(payload); got != ref.Digest {
			return nil, artifactErr(ErrIntegrity, src, fmt.Errorf("digest %s, want %s", got, ref.Digest))
		}
	}
	return payload, nil
}

// Refs lists the published artifacts of runID sorted by name.
func (s *Store) Refs(runID string) []ArtifactRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ArtifactRef
	for k, e := range s.entries {
		if k.RunID == runID && e.ref != nil {
			out = append(out, *e.ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Release drops runID's namespace from the store and its backend.
func (s *Store) Release(ctx context.Context, runID string) error {
	s.mu.Lock()
	for k := range s.entries {
		if k.RunID == runID {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
	if err := s.backend.DeleteRun(ctx, runID); err != nil {
		return fmt.Errorf("releasing run %s: %w", runID, err)
	}
	return nil
}
