// Package notify delivers run lifecycle events to the outside world: the
// caller-facing listener (progress, completion, failure codes), host-wide
// broadcasts, and haptic feedback on interactive runs. All delivery is
// best-effort; a notification failure never fails the run that produced it.
package notify
