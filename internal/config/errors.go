package config

import "errors"

// Configuration validation errors.
// Package-level sentinel errors let callers use errors.Is for programmatic
// handling while still carrying a human-readable message. The run command
// maps any of these to the InvalidInput exit status.
var (
	// ErrControlSocketNeedsZip is returned when a control socket is requested
	// without archive output. The control protocol reports the archive path,
	// so it is meaningless for a bare text report.
	ErrControlSocketNeedsZip = errors.New("control socket requires zip output (-S requires -z)")

	// ErrProgressNeedsBroadcast is returned when progress updates are
	// requested without a broadcast channel to deliver them on.
	ErrProgressNeedsBroadcast = errors.New("progress updates require broadcast mode (-P requires -B)")

	// ErrRemoteModeCombination is returned when remote mode is combined with
	// an unsupported option set. Remote mode needs a dated zip archive and a
	// finished broadcast, and does not support incremental progress updates.
	ErrRemoteModeCombination = errors.New("remote mode requires -z, -d and -B, and excludes -P")

	// ErrForwardNeedsZip is returned when artifact forwarding is requested
	// for a non-archived run. Only the single zip artifact can be forwarded.
	ErrForwardNeedsZip = errors.New("forwarding the artifact requires zip output")

	// ErrSocketModeExclusive is returned when report streaming (-s) is
	// combined with file-producing options. Streaming replaces all file
	// output, so dates, archives, and progress reporting do not apply.
	ErrSocketModeExclusive = errors.New("socket streaming (-s) excludes -z, -d, -P and -B")

	// ErrInvalidConsentTimeout is returned when the consent timeout is not
	// positive. A zero timeout would make every forwarding run time out.
	ErrInvalidConsentTimeout = errors.New("invalid consent timeout: must be positive")

	// ErrAmbiguousTask is returned when a task spec names both a command and
	// a file, or neither. The runner cannot guess which action was meant.
	ErrAmbiguousTask = errors.New("task must set exactly one of command and file")

	// ErrInvalidService is returned when a service dump spec is missing its
	// name or command, or names an unknown priority.
	ErrInvalidService = errors.New("invalid service dump spec")
)
