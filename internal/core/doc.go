// Package core provides the domain model shared by every stageflow component.
//
// # Core Types
//
// PipelineDef, StageDef and ActionDef are the declarative definition of a
// pipeline: ordered stages, each holding actions that consume and produce
// named artifacts.
//
// Artifact and ArtifactRef describe a single immutable payload produced by
// exactly one action within one run. Artifacts are addressed by ArtifactKey
// (name plus run id), so two runs of the same pipeline never share a
// namespace.
//
// Store is the run-scoped artifact namespace. It is the only shared mutable
// resource touched by concurrently executing actions: single-writer puts,
// digest-verified gets, and a publish signal consumers can wait on.
//
// The error taxonomy (ErrValidation, ErrDependency, ErrTimeout, ...) is
// defined here so that every layer classifies failures the same way.
package core
