// Package history provides SQLite-based storage for run records and small
// persistent properties. Every diagnostic run is recorded with its outcome
// so operators can see what ran, when, and where the artifact went; the
// property table carries values that must survive restarts, such as the
// run-id sequence.
package history
