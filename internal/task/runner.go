package task

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nao1215/sysdump/internal/report"
)

// WeightFile is the cost, in progress units, charged for copying one file.
// File dumps are cheap and roughly uniform, so a flat estimate beats timing
// them individually.
const WeightFile = 5

// Outcome classifies how a task finished.
type Outcome int

const (
	// OutcomeOK means the task completed within its budget.
	OutcomeOK Outcome = iota
	// OutcomeFailed means the task could not run or exited non-zero.
	OutcomeFailed
	// OutcomeTimedOut means the task exceeded its time budget and its
	// process group was killed. Not fatal to the run.
	OutcomeTimedOut
	// OutcomeSkipped means gating (dry run, missing privileges) prevented
	// the task from running.
	OutcomeSkipped
)

// String returns the outcome name used in logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result describes one finished task.
type Result struct {
	Title    string
	Outcome  Outcome
	Elapsed  time.Duration
	ExitCode int
}

// Options gate and bound a single task invocation.
type Options struct {
	// Timeout bounds a process task. Zero means no bound.
	Timeout time.Duration
	// RequiresRoot skips the task on unprivileged runs.
	RequiresRoot bool
	// AlwaysRun bypasses dry-run gating.
	AlwaysRun bool
	// DropPrivileges runs the process under the unprivileged credential
	// even when the run itself is privileged.
	DropPrivileges bool
	// RedirectStderr merges the process's stderr into the output sink.
	RedirectStderr bool
}

// CostReporter receives the cost of each finished task, in progress units.
// *progress.Estimator satisfies it.
type CostReporter interface {
	Add(delta int)
}

// Runner executes tasks sequentially against one output sink.
type Runner struct {
	out        io.Writer
	cost       CostReporter
	logger     *slog.Logger
	dryRun     bool
	privileged bool
	dropUID    int
	dropGID    int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a custom logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithDryRun makes the runner skip every task not marked AlwaysRun.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithCostReporter sets the progress sink for task costs.
func WithCostReporter(c CostReporter) Option {
	return func(r *Runner) {
		r.cost = c
	}
}

// WithPrivileged overrides privilege detection. Used by root-only gating
// tests; production code keeps the euid-based default.
func WithPrivileged(privileged bool) Option {
	return func(r *Runner) {
		r.privileged = privileged
	}
}

// WithDropCredential sets the uid/gid used for DropPrivileges tasks.
func WithDropCredential(uid, gid int) Option {
	return func(r *Runner) {
		r.dropUID = uid
		r.dropGID = gid
	}
}

// NewRunner creates a Runner writing task output to out.
func NewRunner(out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		out:        out,
		privileged: os.Geteuid() == 0,
		dropUID:    unprivilegedUID,
		dropGID:    unprivilegedGID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Privileged reports whether the runner may execute root-only tasks.
func (r *Runner) Privileged() bool {
	return r.privileged
}

// RunCommand spawns argv, waits up to the timeout, and streams its output
// into the sink between section and duration banners. On expiry the process
// group is killed and the result is OutcomeTimedOut; the returned error is
// reserved for sink write failures and context cancellation.
func (r *Runner) RunCommand(ctx context.Context, title string, argv []string, o Options) (Result, error) {
	start := time.Now()
	command := strings.Join(argv, " ")
	fmt.Fprint(r.out, report.SectionHeader(title, command))

	if res, skipped := r.gate(title, o); skipped {
		r.finish(&res, start, o)
		return res, nil
	}
	if len(argv) == 0 {
		fmt.Fprintf(r.out, "*** task '%s' has no command\n", title)
		res := Result{Title: title, Outcome: OutcomeFailed}
		r.finish(&res, start, o)
		return res, nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = r.out
	var stderr bytes.Buffer
	if o.RedirectStderr {
		cmd.Stderr = r.out
	} else {
		cmd.Stderr = &stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if o.DropPrivileges && r.privileged {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(r.dropUID),
			Gid: uint32(r.dropGID),
		}
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(r.out, "*** failed to start '%s': %v\n", command, err)
		r.logger.Warn("task start failed", "title", title, "error", err)
		res := Result{Title: title, Outcome: OutcomeFailed}
		r.finish(&res, start, o)
		return res, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if o.Timeout > 0 {
		timer := time.NewTimer(o.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := Result{Title: title}
	select {
	case err := <-done:
		res.Outcome = OutcomeOK
		if err != nil {
			res.Outcome = OutcomeFailed
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
			}
			fmt.Fprintf(r.out, "*** command '%s' failed: %v\n", command, err)
			r.logger.Warn("task failed",
				"title", title,
				"error", err,
				"stderr", strings.TrimSpace(stderr.String()),
			)
		}
	case <-timeout:
		r.killGroup(cmd)
		<-done
		res.Outcome = OutcomeTimedOut
		fmt.Fprintf(r.out, "*** command '%s' timed out after %.3fs (killing process group)\n",
			command, o.Timeout.Seconds())
		r.logger.Warn("task timed out", "title", title, "timeout", o.Timeout)
	case <-ctx.Done():
		r.killGroup(cmd)
		<-done
		res.Outcome = OutcomeFailed
		r.finish(&res, start, o)
		return res, ctx.Err()
	}

	r.finish(&res, start, o)
	return res, nil
}

// RunCapture spawns argv like RunCommand but streams its stdout into sink
// instead of the report, with no banners: the output must stay raw for
// consumers that decode it. Gating, group kill, and cost accounting match
// RunCommand; diagnostics go to the logger only.
func (r *Runner) RunCapture(ctx context.Context, title string, argv []string, o Options, sink io.Writer) (Result, error) {
	start := time.Now()

	if r.dryRun && !o.AlwaysRun {
		return Result{Title: title, Outcome: OutcomeSkipped}, nil
	}
	if o.RequiresRoot && !r.privileged {
		r.logger.Info("skipping root-only task", "title", title)
		return Result{Title: title, Outcome: OutcomeSkipped}, nil
	}
	if len(argv) == 0 {
		r.logger.Warn("task has no command", "title", title)
		res := Result{Title: title, Outcome: OutcomeFailed}
		r.charge(&res, start, o)
		return res, nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = sink
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.logger.Warn("task start failed", "title", title, "error", err)
		res := Result{Title: title, Outcome: OutcomeFailed}
		r.charge(&res, start, o)
		return res, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if o.Timeout > 0 {
		timer := time.NewTimer(o.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := Result{Title: title}
	select {
	case err := <-done:
		res.Outcome = OutcomeOK
		if err != nil {
			res.Outcome = OutcomeFailed
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
			}
			r.logger.Warn("task failed",
				"title", title,
				"error", err,
				"stderr", strings.TrimSpace(stderr.String()),
			)
		}
	case <-timeout:
		r.killGroup(cmd)
		<-done
		res.Outcome = OutcomeTimedOut
		r.logger.Warn("task timed out", "title", title, "timeout", o.Timeout)
	case <-ctx.Done():
		r.killGroup(cmd)
		<-done
		res.Outcome = OutcomeFailed
		r.charge(&res, start, o)
		return res, ctx.Err()
	}

	r.charge(&res, start, o)
	return res, nil
}

// RunFile copies the file at path into the sink between banners. The source
// is opened non-blocking; a missing or unreadable file is a soft failure.
// The flat WeightFile cost is charged regardless of outcome.
func (r *Runner) RunFile(_ context.Context, title, path string, o Options) (Result, error) {
	start := time.Now()
	fmt.Fprint(r.out, report.SectionHeader(title, path))

	res := Result{Title: title, Outcome: OutcomeOK}
	defer func() {
		res.Elapsed = time.Since(start)
		fmt.Fprint(r.out, report.DurationBanner(res.Elapsed, title))
		if r.cost != nil {
			r.cost.Add(WeightFile)
		}
	}()

	if skipRes, skipped := r.gate(title, o); skipped {
		res = skipRes
		return res, nil
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		fmt.Fprintf(r.out, "*** error opening %s: %v\n", path, err)
		r.logger.Warn("file dump failed", "title", title, "path", path, "error", err)
		res.Outcome = OutcomeFailed
		return res, nil
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	if _, err := io.Copy(r.out, f); err != nil {
		fmt.Fprintf(r.out, "*** error reading %s: %v\n", path, err)
		r.logger.Warn("file dump failed", "title", title, "path", path, "error", err)
		res.Outcome = OutcomeFailed
	}
	return res, nil
}

// gate applies dry-run and privilege gating. The returned result is only
// meaningful when skipped is true.
func (r *Runner) gate(title string, o Options) (Result, bool) {
	if r.dryRun && !o.AlwaysRun {
		fmt.Fprintf(r.out, "\t(skipped on dry run)\n")
		return Result{Title: title, Outcome: OutcomeSkipped}, true
	}
	if o.RequiresRoot && !r.privileged {
		fmt.Fprintf(r.out, "*** task '%s' requires root, skipping\n", title)
		r.logger.Info("skipping root-only task", "title", title)
		return Result{Title: title, Outcome: OutcomeSkipped}, true
	}
	return Result{}, false
}

// finish stamps the elapsed time, writes the duration banner, and charges
// the task's cost.
func (r *Runner) finish(res *Result, start time.Time, o Options) {
	r.charge(res, start, o)
	fmt.Fprint(r.out, report.DurationBanner(res.Elapsed, res.Title))
}

// charge stamps the elapsed time and reports the task's cost: the actual
// duration when it ran to completion, the configured timeout as an estimate
// otherwise.
func (r *Runner) charge(res *Result, start time.Time, o Options) {
	res.Elapsed = time.Since(start)
	if r.cost == nil {
		return
	}
	switch res.Outcome {
	case OutcomeOK, OutcomeFailed:
		r.cost.Add(int(math.Ceil(res.Elapsed.Seconds())))
	default:
		r.cost.Add(int(o.Timeout.Seconds()))
	}
}

// killGroup kills the process and everything it spawned. Tasks run in their
// own process group precisely so a shell pipeline cannot outlive its budget.
func (r *Runner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		r.logger.Warn("failed to kill process group", "pgid", pgid, "error", err)
	}
}
