package notify

import (
	"context"
	"log/slog"
)

// ErrorCode classifies a failed run for the caller.
type ErrorCode int

const (
	// CodeInvalidInput rejects the requested option combination.
	CodeInvalidInput ErrorCode = iota + 1
	// CodeRuntimeError covers I/O and collection failures.
	CodeRuntimeError
	// CodeConsentDenied means the user explicitly refused sharing.
	CodeConsentDenied
	// CodeConsentTimedOut means the user never answered in time.
	CodeConsentTimedOut
)

// String returns the code name used in logs and listener payloads.
func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidInput:
		return "invalid input"
	case CodeRuntimeError:
		return "runtime error"
	case CodeConsentDenied:
		return "user consent denied"
	case CodeConsentTimedOut:
		return "user consent timed out"
	default:
		return "unknown"
	}
}

// Listener receives run lifecycle events. Implementations must be cheap;
// they are called from the run's hot path.
type Listener interface {
	// OnProgress delivers a strictly increasing completion percentage.
	OnProgress(percent int)
	// OnFinished delivers the final artifact path. Hash is the artifact's
	// SHA-256 in hex on remote-mode runs, empty otherwise.
	OnFinished(path, hash string)
	// OnError delivers a terminal failure.
	OnError(code ErrorCode, message string)
}

// LoggingListener implements Listener by writing structured log lines.
// It is the default sink when no caller is attached.
type LoggingListener struct {
	logger *slog.Logger
}

// NewLoggingListener creates a LoggingListener.
func NewLoggingListener(logger *slog.Logger) *LoggingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingListener{logger: logger}
}

// OnProgress implements Listener.
func (l *LoggingListener) OnProgress(percent int) {
	l.logger.Debug("progress", "percent", percent)
}

// OnFinished implements Listener.
func (l *LoggingListener) OnFinished(path, hash string) {
	if hash != "" {
		l.logger.Info("run finished", "path", path, "sha256", hash)
		return
	}
	l.logger.Info("run finished", "path", path)
}

// OnError implements Listener.
func (l *LoggingListener) OnError(code ErrorCode, message string) {
	l.logger.Error("run failed", "code", code.String(), "message", message)
}

// Broadcaster announces lifecycle events host-wide.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, extras map[string]string) error
}
