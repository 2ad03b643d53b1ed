package device

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrNoCollectorCommand is returned when the command collector is
// constructed without a command.
var ErrNoCollectorCommand = errors.New("no device collector command configured")

// CommandCollector implements Collector by running an external program with
// the slot paths appended to its argv. The program writes directly into the
// slot files.
type CommandCollector struct {
	mu      sync.Mutex
	command []string
	running *exec.Cmd
}

// NewCommandCollector creates a CommandCollector for the given argv.
func NewCommandCollector(command []string) (*CommandCollector, error) {
	if len(command) == 0 {
		return nil, ErrNoCollectorCommand
	}
	return &CommandCollector{command: append([]string(nil), command...)}, nil
}

// Collect implements Collector.
func (c *CommandCollector) Collect(_ context.Context, slots []*os.File) error {
	args := append([]string(nil), c.command[1:]...)
	for _, slot := range slots {
		args = append(args, slot.Name())
	}
	cmd := exec.Command(c.command[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = cmd
	c.mu.Unlock()

	err := cmd.Wait()

	c.mu.Lock()
	c.running = nil
	c.mu.Unlock()
	return err
}

// ForceRestart implements Collector by killing the program's process group.
// There is no state worth preserving in a collector that missed its window.
func (c *CommandCollector) ForceRestart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil || c.running.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(c.running.Process.Pid)
	if err != nil {
		return c.running.Process.Kill()
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}
