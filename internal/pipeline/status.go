package pipeline

// Status is the terminal state of a run. It decides the process exit code
// and the caller-visible notification.
type Status int

const (
	// StatusOK means the run completed and the artifact exists.
	StatusOK Status = iota
	// StatusInvalidInput rejects the requested option combination.
	StatusInvalidInput
	// StatusHelp means usage was requested and printed.
	StatusHelp
	// StatusError covers collection and I/O failures.
	StatusError
	// StatusUserConsentDenied means the user refused sharing; all
	// temporary artifacts were deleted.
	StatusUserConsentDenied
	// StatusUserConsentTimedOut means the user never answered; the
	// artifact was kept locally and not forwarded.
	StatusUserConsentTimedOut
)

// String returns the status name used in logs and the run history.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidInput:
		return "invalid input"
	case StatusHelp:
		return "help"
	case StatusError:
		return "error"
	case StatusUserConsentDenied:
		return "user consent denied"
	case StatusUserConsentTimedOut:
		return "user consent timed out"
	default:
		return "unknown"
	}
}

// ExitCode maps the status to the process exit code contract: 0 for
// success and help, 1 for invalid input, 2 for everything else.
func (s Status) ExitCode() int {
	switch s {
	case StatusOK, StatusHelp:
		return 0
	case StatusInvalidInput:
		return 1
	default:
		return 2
	}
}
