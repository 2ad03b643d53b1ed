// Package pipeline sequences a complete diagnostic run.
//
// The orchestrator drives a fixed, linear phase machine: critical dumps,
// first log capture, stack traces, root-only collections, privilege drop,
// remaining dumps, second log capture, archive finalization, optional
// forwarding, completion notification. Phases may be skipped by
// configuration but never reordered, so archive entries land in a
// deterministic, human-readable order. Consent is observed cooperatively at
// phase boundaries and between tasks inside long loops; a denial deletes
// every temporary artifact and stops the run.
package pipeline
