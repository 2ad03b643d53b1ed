package report

import (
	"fmt"
	"time"
)

// SectionHeader returns the banner that opens a task's output in the main
// entry. The command is included when the task ran one.
func SectionHeader(title, command string) string {
	if command == "" {
		return fmt.Sprintf("------ %s ------\n", title)
	}
	return fmt.Sprintf("------ %s (%s) ------\n", title, command)
}

// DurationBanner returns the banner that closes a task's output. The
// inverted grammar is long-established and grepped for by log tooling.
func DurationBanner(elapsed time.Duration, title string) string {
	return fmt.Sprintf("------ %.3fs was the duration of '%s' ------\n", elapsed.Seconds(), title)
}

// TraceFailureBanner returns the placeholder written when a process refuses
// to produce a stack trace, keeping the trace file parseable.
func TraceFailureBanner(pid int) string {
	return fmt.Sprintf("---- pid %d at [unknown] ----\nFailed to dump process: timed out\n\n", pid)
}
