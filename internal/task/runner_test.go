package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingCost is a test double for the progress estimator.
type recordingCost struct {
	mu    sync.Mutex
	costs []int
}

func (c *recordingCost) Add(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costs = append(c.costs, delta)
}

func (c *recordingCost) all() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.costs))
	copy(out, c.costs)
	return out
}

// TestRunCommand tests process task execution.
func TestRunCommand(t *testing.T) {
	t.Parallel()

	t.Run("captures output between banners", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out)

		res, err := r.RunCommand(context.Background(), "ECHO", []string{"echo", "hello"}, Options{Timeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeOK {
			t.Errorf("outcome: got %v, expected ok", res.Outcome)
		}

		text := out.String()
		if !strings.Contains(text, "------ ECHO (echo hello) ------\n") {
			t.Errorf("missing section header:\n%s", text)
		}
		if !strings.Contains(text, "hello\n") {
			t.Errorf("missing command output:\n%s", text)
		}
		if !strings.Contains(text, "was the duration of 'ECHO'") {
			t.Errorf("missing duration banner:\n%s", text)
		}
	})

	t.Run("timeout kills the process group and is not fatal", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		cost := &recordingCost{}
		r := NewRunner(&out, WithCostReporter(cost))

		start := time.Now()
		res, err := r.RunCommand(context.Background(), "SLEEPER",
			[]string{"sh", "-c", "sleep 30"}, Options{Timeout: 200 * time.Millisecond})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeTimedOut {
			t.Errorf("outcome: got %v, expected timed out", res.Outcome)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("timeout not enforced, took %v", elapsed)
		}
		if !strings.Contains(out.String(), "timed out after 0.200s") {
			t.Errorf("missing timeout note:\n%s", out.String())
		}
		// Cost is the timeout estimate, not the wall time.
		if costs := cost.all(); len(costs) != 1 || costs[0] != 0 {
			// 200ms truncates to 0 progress units.
			t.Errorf("costs: got %v", costs)
		}
	})

	t.Run("non-zero exit is a soft failure with exit code", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out)

		res, err := r.RunCommand(context.Background(), "FALSE", []string{"sh", "-c", "exit 3"}, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("outcome: got %v, expected failed", res.Outcome)
		}
		if res.ExitCode != 3 {
			t.Errorf("exit code: got %d, expected 3", res.ExitCode)
		}
	})

	t.Run("unknown binary is a soft failure", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out)

		res, err := r.RunCommand(context.Background(), "MISSING", []string{"/no/such/binary"}, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("outcome: got %v, expected failed", res.Outcome)
		}
		if !strings.Contains(out.String(), "failed to start") {
			t.Errorf("missing start failure note:\n%s", out.String())
		}
	})

	t.Run("root-only task is skipped on unprivileged runs", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out, WithPrivileged(false))

		res, err := r.RunCommand(context.Background(), "ROOTY", []string{"echo", "x"}, Options{RequiresRoot: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeSkipped {
			t.Errorf("outcome: got %v, expected skipped", res.Outcome)
		}
		if strings.Contains(out.String(), "\nx\n") {
			t.Errorf("skipped task must not run:\n%s", out.String())
		}
	})

	t.Run("dry run skips unless always-run", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out, WithDryRun(true))

		res, err := r.RunCommand(context.Background(), "GATED", []string{"echo", "nope"}, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeSkipped {
			t.Errorf("outcome: got %v, expected skipped", res.Outcome)
		}

		res, err = r.RunCommand(context.Background(), "FORCED", []string{"echo", "yes"}, Options{AlwaysRun: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeOK {
			t.Errorf("outcome: got %v, expected ok", res.Outcome)
		}
		if !strings.Contains(out.String(), "yes\n") {
			t.Errorf("always-run task must execute:\n%s", out.String())
		}
	})

	t.Run("canceled context stops the task with an error", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		var out strings.Builder
		r := NewRunner(&out)

		_, err := r.RunCommand(ctx, "CANCELED", []string{"sh", "-c", "sleep 30"}, Options{})
		if err == nil {
			t.Fatal("expected context error")
		}
	})
}

// TestRunFile tests file dump tasks.
func TestRunFile(t *testing.T) {
	t.Parallel()

	t.Run("copies file content with flat cost", func(t *testing.T) {
		t.Parallel()

		src := filepath.Join(t.TempDir(), "meminfo")
		if err := os.WriteFile(src, []byte("MemFree: 42 kB\n"), 0600); err != nil {
			t.Fatal(err)
		}

		var out strings.Builder
		cost := &recordingCost{}
		r := NewRunner(&out, WithCostReporter(cost))

		res, err := r.RunFile(context.Background(), "MEMORY INFO", src, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeOK {
			t.Errorf("outcome: got %v, expected ok", res.Outcome)
		}
		if !strings.Contains(out.String(), "MemFree: 42 kB\n") {
			t.Errorf("missing file content:\n%s", out.String())
		}
		if costs := cost.all(); len(costs) != 1 || costs[0] != WeightFile {
			t.Errorf("costs: got %v, expected [%d]", costs, WeightFile)
		}
	})

	t.Run("missing file is a soft failure", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		r := NewRunner(&out)

		res, err := r.RunFile(context.Background(), "GHOST", filepath.Join(t.TempDir(), "absent"), Options{})
		if err != nil {
			t.Fatalf("soft failure must not return an error, got %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("outcome: got %v, expected failed", res.Outcome)
		}
		if !strings.Contains(out.String(), "*** error opening") {
			t.Errorf("missing error note:\n%s", out.String())
		}
	})
}

// TestRunCapture tests raw stdout capture without report banners.
func TestRunCapture(t *testing.T) {
	t.Parallel()

	t.Run("sink receives stdout verbatim, report stays untouched", func(t *testing.T) {
		t.Parallel()

		var out strings.Builder
		var sink strings.Builder
		r := NewRunner(&out)

		res, err := r.RunCapture(context.Background(), "netd",
			[]string{"printf", "raw dump body"}, Options{Timeout: 5 * time.Second}, &sink)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeOK {
			t.Errorf("outcome: got %v, expected ok", res.Outcome)
		}
		if got := sink.String(); got != "raw dump body" {
			t.Errorf("sink content: got %q", got)
		}
		if out.Len() != 0 {
			t.Errorf("report sink must stay untouched, got %q", out.String())
		}
	})

	t.Run("timeout kills the process group", func(t *testing.T) {
		t.Parallel()

		var sink strings.Builder
		r := NewRunner(&strings.Builder{})

		start := time.Now()
		res, err := r.RunCapture(context.Background(), "stuckd",
			[]string{"sh", "-c", "sleep 30"}, Options{Timeout: 200 * time.Millisecond}, &sink)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeTimedOut {
			t.Errorf("outcome: got %v, expected timed out", res.Outcome)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("timeout not enforced, took %v", elapsed)
		}
	})

	t.Run("dry run skips without touching the sink", func(t *testing.T) {
		t.Parallel()

		var sink strings.Builder
		r := NewRunner(&strings.Builder{}, WithDryRun(true))

		res, err := r.RunCapture(context.Background(), "netd", []string{"echo", "x"}, Options{}, &sink)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != OutcomeSkipped {
			t.Errorf("outcome: got %v, expected skipped", res.Outcome)
		}
		if sink.Len() != 0 {
			t.Errorf("sink must stay empty on a skip, got %q", sink.String())
		}
	})
}

// TestOutcomeString tests outcome names used in logs.
func TestOutcomeString(t *testing.T) {
	t.Parallel()

	cases := map[Outcome]string{
		OutcomeOK:       "ok",
		OutcomeFailed:   "failed",
		OutcomeTimedOut: "timed out",
		OutcomeSkipped:  "skipped",
		Outcome(42):     "unknown",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Errorf("Outcome(%d).String(): got %q, expected %q", int(outcome), got, want)
		}
	}
}
