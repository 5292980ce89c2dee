package core

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// ArtifactKey addresses an artifact within the run-scoped namespace.
type ArtifactKey struct {
	Name  string
	RunID string
}

func (k ArtifactKey) String() string { return k.RunID + "/" + k.Name }

// Key is shorthand for ArtifactKey{Name: name, RunID: runID}.
func Key(runID, name string) ArtifactKey {
	return ArtifactKey{Name: name, RunID: runID}
}

// ArtifactRef is the published metadata of an artifact.
//
// Digest is the content address of the payload and is verified on every read.
// Producer is the "<stage>/<action>" that created the artifact; for artifacts
// carried over from a previous run it still names the original producer.
type ArtifactRef struct {
	Name      string        `json:"name"`
	RunID     string        `json:"run_id"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	Producer  string        `json:"producer"`
	CreatedAt time.Time     `json:"created_at"`
}

func (r ArtifactRef) Key() ArtifactKey { return Key(r.RunID, r.Name) }

// Artifact is a published payload together with its reference.
// Payload is a private copy; callers may modify it freely.
type Artifact struct {
	Ref     ArtifactRef
	Payload []byte
}
