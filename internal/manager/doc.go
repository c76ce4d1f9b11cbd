// Package manager coordinates the workers a node serves. It is structured into small
// files by concern:
//
//   - manager.go: core Manager type, constructor, model listing and readiness.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: lifecycle states and the per-worker Instance.
//   - errors.go: error types and predicates (IsTooBusy, IsModelNotFound, ...).
//   - admission.go: per-instance FIFO queue and bounded in-flight admission.
//   - ensure.go: lazy local worker loading, deduplicated across callers.
//   - ops.go: worker operations routed by model name (stream, generate, ...).
//   - unload.go: graceful drain and removal.
//   - status_report.go: Status/Snapshot reporting.
//   - sanity.go: runtime dependency checks.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//
// Local workers load on first use (or on Preload); remote workers are registered at
// construction and are ready immediately.
package manager
