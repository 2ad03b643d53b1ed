// Package log provides a secure slog handler for sysdump.
//
// Diagnostic collection sweeps up process environments, command lines, and
// service dumps, any of which can carry credentials. The RedactHandler
// sanitizes sensitive attribute keys and values before the record reaches
// the underlying handler, so the run log that ends up inside the bugreport
// archive is safe to share.
//
// The package also builds the run logger itself: a logger that writes to the
// run log file (archived as dumpstate_log.txt) and, when verbose, to stderr.
package log
