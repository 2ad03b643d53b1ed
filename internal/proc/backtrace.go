package proc

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTraceTimeout is returned when a process fails to produce its stack
// trace within the per-process budget.
var ErrTraceTimeout = errors.New("stack trace timed out")

// Backtracer produces a stack trace of one live process.
type Backtracer interface {
	// Trace writes pid's stack trace to out, bounded by timeout.
	Trace(ctx context.Context, pid int, out io.Writer, timeout time.Duration) error
}

// CommandBacktracer implements Backtracer by running an external unwinder
// with the pid appended to its argv.
type CommandBacktracer struct {
	command []string
}

// NewCommandBacktracer creates a CommandBacktracer for the given argv.
func NewCommandBacktracer(command []string) *CommandBacktracer {
	return &CommandBacktracer{command: append([]string(nil), command...)}
}

// Trace implements Backtracer. On timeout the unwinder's process group is
// killed and ErrTraceTimeout is returned; partial output already written to
// out is kept.
func (b *CommandBacktracer) Trace(ctx context.Context, pid int, out io.Writer, timeout time.Duration) error {
	if len(b.command) == 0 {
		return errors.New("no backtrace command configured")
	}

	args := append(append([]string(nil), b.command[1:]...), strconv.Itoa(pid))
	cmd := exec.Command(b.command[0], args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		killGroup(cmd)
		<-done
		return ErrTraceTimeout
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return ctx.Err()
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := unix.Getpgid(cmd.Process.Pid); err == nil {
		_ = unix.Kill(-pgid, unix.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
