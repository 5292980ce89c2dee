// Package dag defines the pipeline graph and the engine that executes it.
//
// It is intentionally split into:
//   - Immutable graph definition (PipelineGraph): stages, actions, artifact
//     lineage and a stable GraphHash
//   - Mutable execution state (Run): per-run, per-stage and per-action status
//   - Executor: drives one Run to a terminal state
//
// A PipelineGraph is validated once by Build and may be executed any number
// of times, concurrently, since all runtime state lives in Run.
package dag
