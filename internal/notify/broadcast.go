package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"time"
)

// broadcastTimeout bounds one external notification command.
const broadcastTimeout = 10 * time.Second

// ErrNoBroadcastCommand is returned when the command broadcaster is
// constructed without a command.
var ErrNoBroadcastCommand = errors.New("no broadcast command configured")

// CommandBroadcaster implements Broadcaster by running an external program
// with the event name and sorted key=value extras as arguments.
type CommandBroadcaster struct {
	command []string
	logger  *slog.Logger
}

// NewCommandBroadcaster creates a CommandBroadcaster for the given argv.
func NewCommandBroadcaster(command []string, logger *slog.Logger) (*CommandBroadcaster, error) {
	if len(command) == 0 {
		return nil, ErrNoBroadcastCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandBroadcaster{
		command: append([]string(nil), command...),
		logger:  logger,
	}, nil
}

// Broadcast implements Broadcaster. Extras are appended sorted by key so
// receivers see a stable argument order.
func (b *CommandBroadcaster) Broadcast(ctx context.Context, event string, extras map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	args := append(append([]string(nil), b.command[1:]...), event)
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%s", k, extras[k]))
	}

	out, err := exec.CommandContext(ctx, b.command[0], args...).CombinedOutput()
	if err != nil {
		b.logger.Warn("broadcast failed",
			"event", event,
			"error", err,
			"output", string(out),
		)
		return err
	}
	return nil
}

// Vibrator produces haptic feedback on hosts that have it.
type Vibrator interface {
	Vibrate(ctx context.Context, pulses int) error
}

// CommandVibrator implements Vibrator via an external program that takes
// the pulse count as its argument.
type CommandVibrator struct {
	command []string
	logger  *slog.Logger
}

// NewCommandVibrator creates a CommandVibrator for the given argv.
func NewCommandVibrator(command []string, logger *slog.Logger) *CommandVibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandVibrator{
		command: append([]string(nil), command...),
		logger:  logger,
	}
}

// Vibrate implements Vibrator. Missing hardware or a missing helper is
// logged and swallowed.
func (v *CommandVibrator) Vibrate(ctx context.Context, pulses int) error {
	if len(v.command) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	args := append(append([]string(nil), v.command[1:]...), fmt.Sprintf("%d", pulses))
	if err := exec.CommandContext(ctx, v.command[0], args...).Run(); err != nil {
		v.logger.Debug("haptic feedback unavailable", "error", err)
		return err
	}
	return nil
}
