// Package pipeline drives the two decision stages against the work
// platform on a fixed period.
//
// Each cycle:
//   - Rebuilds the forwarded set from the verification pool's tasks
//   - Adjudicates detection assignments that are neither forwarded nor decided
//   - Records detection assignments the platform already lists as decided
//   - Aggregates verification assignments not yet consumed
//   - Persists the snapshot and publishes a CycleReport
//
// Cycles never overlap. A failed cycle is logged and retried on the next
// period; every stage is safe to re-run.
package pipeline
