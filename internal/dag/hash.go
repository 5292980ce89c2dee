package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"

	"stageflow/internal/core"
)

// computeGraphHash hashes the normalized pipeline definition.
//
// Determinism rules:
//   - Stages, actions, inputs and outputs keep declaration order; order is
//     part of the pipeline's meaning.
//   - Procedure parameters are encoded as JSON, which sorts map keys.
//   - All fields are length-prefixed to avoid ambiguity.
func computeGraphHash(def core.PipelineDef) GraphHash {
	h := sha256.New()

	writeField(h, []byte(def.Name))
	writeCount(h, len(def.Stages))
	for _, s := range def.Stages {
		writeField(h, []byte(s.Name))
		writeField(h, []byte(s.Policy))
		writeCount(h, len(s.Actions))
		for _, a := range s.Actions {
			writeField(h, []byte(a.Name))
			writeCount(h, len(a.Inputs))
			for _, in := range a.Inputs {
				writeField(h, []byte(in))
			}
			writeCount(h, len(a.Outputs))
			for _, out := range a.Outputs {
				writeField(h, []byte(out))
			}
			writeField(h, []byte(a.Procedure.Kind))
			with, err := json.Marshal(a.Procedure.With)
			if err != nil {
				// Parameters that cannot be encoded still yield a stable hash.
				with = []byte("!" + err.Error())
			}
			writeField(h, with)
			writeField(h, []byte(strconv.FormatInt(int64(a.Timeout), 10)))
			writeField(h, []byte(strconv.Itoa(a.Retry.MaxAttempts)))
			writeField(h, []byte(strconv.FormatInt(int64(a.Retry.InitialInterval), 10)))
			writeField(h, []byte(strconv.FormatInt(int64(a.Retry.MaxInterval), 10)))
		}
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	writeField(h, []byte(strconv.Itoa(n)))
}
