package consent

import (
	"errors"
	"log/slog"
	"os/exec"
	"sync"
)

// ErrNoAuthorizerCommand is returned when the command authorizer is
// constructed without a command.
var ErrNoAuthorizerCommand = errors.New("no authorizer command configured")

// CommandAuthorizer implements Authorizer by running an external consent
// dialog program. The program receives the caller identity as its argument
// and reports the decision through its exit code: zero approves, non-zero
// denies. A program that never exits leaves the request pending, which is
// exactly the unresolved semantics the gate expects.
type CommandAuthorizer struct {
	mu       sync.Mutex
	command  []string
	running  *exec.Cmd
	canceled bool
	logger   *slog.Logger
}

// NewCommandAuthorizer creates a CommandAuthorizer for the given argv.
func NewCommandAuthorizer(command []string, logger *slog.Logger) (*CommandAuthorizer, error) {
	if len(command) == 0 {
		return nil, ErrNoAuthorizerCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandAuthorizer{command: command, logger: logger}, nil
}

// AuthorizeReport starts the consent dialog program and returns immediately.
// The decision is delivered to r from a background goroutine.
func (a *CommandAuthorizer) AuthorizeReport(req Request, r Resolver) error {
	args := append(a.command[1:], req.CallerIdentity)
	cmd := exec.Command(a.command[0], args...)
	if err := cmd.Start(); err != nil {
		return err
	}

	a.mu.Lock()
	a.running = cmd
	a.canceled = false
	a.mu.Unlock()

	go func() {
		err := cmd.Wait()

		a.mu.Lock()
		canceled := a.canceled
		a.running = nil
		a.mu.Unlock()

		if canceled {
			// The dialog was torn down by CancelAuthorization; its exit
			// status carries no decision.
			return
		}
		if err == nil {
			r.OnApproved()
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.OnDenied()
			return
		}
		a.logger.Warn("consent dialog failed", "error", err)
	}()
	return nil
}

// CancelAuthorization tears down a still-running consent dialog.
func (a *CommandAuthorizer) CancelAuthorization(_ Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == nil || a.running.Process == nil {
		return nil
	}
	a.canceled = true
	return a.running.Process.Kill()
}
