// Package proc enumerates and classifies live processes for stack trace
// collection. Classification is heuristic: a process is interesting either
// because its executable is a known managed-runtime launcher or because it
// matches the native allowlist; everything else is skipped. The package also
// deduplicates mount namespaces so per-namespace dumps are captured once.
package proc
