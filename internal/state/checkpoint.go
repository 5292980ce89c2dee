package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

// NewCheckpoint validates that stage index of st is complete and builds its
// checkpoint.
//
// A stage qualifies when:
//   - it SUCCEEDED, or was REUSED from an earlier run
//   - every action in it is SUCCEEDED or REUSED
//   - every published output belongs to the run and carries a digest
func NewCheckpoint(st dag.RunStatus, index int, when time.Time) (Checkpoint, error) {
	if index < 0 || index >= len(st.Stages) {
		return Checkpoint{}, fmt.Errorf("stage index %d out of range", index)
	}
	if when.IsZero() {
		return Checkpoint{}, errors.New("timestamp is required")
	}
	stage := st.Stages[index]

	var errs []error
	if stage.State != dag.StageSucceeded && stage.State != dag.StageReused {
		errs = append(errs, fmt.Errorf("stage %s did not complete (state=%s)", stage.Name, stage.State))
	}
	var refs []core.ArtifactRef
	for _, a := range stage.Actions {
		if !dag.IsSuccessful(a.State) {
			errs = append(errs, fmt.Errorf("action %s/%s did not complete (state=%s)", stage.Name, a.Name, a.State))
			continue
		}
		for _, ref := range a.Outputs {
			if ref.RunID != st.RunID {
				errs = append(errs, fmt.Errorf("artifact %s belongs to run %s", ref.Name, ref.RunID))
			}
			if err := ref.Digest.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("artifact %s: %w", ref.Name, err))
			}
			refs = append(refs, ref)
		}
	}
	if len(errs) != 0 {
		return Checkpoint{}, errors.Join(errs...)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	if refs == nil {
		refs = []core.ArtifactRef{}
	}
	return Checkpoint{
		Stage:      stage.Name,
		Index:      index,
		Timestamp:  when.UTC(),
		Artifacts:  refs,
		OutputHash: computeOutputHash(refs),
		Valid:      true,
	}, nil
}

// computeOutputHash is a digest over the (name, run, digest) triples of refs,
// in order.
func computeOutputHash(refs []core.ArtifactRef) string {
	d := digest.Canonical.Digester()
	h := d.Hash()
	for _, r := range refs {
		writeLenPrefixed(h, []byte(r.Name))
		writeLenPrefixed(h, []byte(r.RunID))
		writeLenPrefixed(h, []byte(r.Digest))
	}
	return d.Digest().String()
}

func writeLenPrefixed(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}
