package main

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/sysdump/internal/pipeline"
)

// writeTaskFile writes a minimal task table that needs no system tools.
func writeTaskFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	table := `critical:
  - title: GREETING
    command: ["echo", "hello from sysdump"]
normal:
  - title: HOSTNAME FILE
    file: /etc/hostname
`
	if err := os.WriteFile(path, []byte(table), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestNewRunCmd tests the run command's flag surface.
func TestNewRunCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRunCmd()

	shorthands := map[string]string{
		"date":           "d",
		"zip":            "z",
		"screenshot":     "p",
		"stream":         "s",
		"control-socket": "S",
		"quiet":          "q",
		"broadcast":      "B",
		"progress":       "P",
		"remote":         "R",
		"format-version": "V",
		"header-only":    "v",
		"output-dir":     "o",
		"task-file":      "t",
	}
	for name, short := range shorthands {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			t.Errorf("expected flag %q", name)
			continue
		}
		if flag.Shorthand != short {
			t.Errorf("flag %q: expected shorthand %q, got %q", name, short, flag.Shorthand)
		}
	}
}

// TestBuildConfig tests the flag-to-config mapping.
func TestBuildConfig(t *testing.T) {
	t.Parallel()

	cmd := NewRunCmd()
	args := []string{
		"-d", "-z", "-p", "-q", "-B", "-P",
		"-S", "/run/ctl.sock",
		"-V", "3.1",
		"-o", "/tmp/out",
		"--forward", "/tmp/fwd.zip",
		"--caller", "com.example.app",
		"--no-history",
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.AddDate || !cfg.Zip || !cfg.Screenshot {
		t.Error("boolean flags not applied")
	}
	if cfg.Haptics {
		t.Error("-q must disable haptics")
	}
	if !cfg.Broadcast || !cfg.ProgressUpdates {
		t.Error("notification flags not applied")
	}
	if cfg.ControlSocket != "/run/ctl.sock" {
		t.Errorf("control socket: got %q", cfg.ControlSocket)
	}
	if cfg.FormatVersion != "3.1" {
		t.Errorf("format version: got %q", cfg.FormatVersion)
	}
	if cfg.OutputDir != "/tmp/out" {
		t.Errorf("output dir: got %q", cfg.OutputDir)
	}
	if cfg.ForwardPath != "/tmp/fwd.zip" || cfg.CallerIdentity != "com.example.app" {
		t.Error("forwarding flags not applied")
	}
	if cfg.HistoryDir != "" {
		t.Error("--no-history must clear the history dir")
	}
}

// TestRunCmdInvalidOptions tests that incoherent flag combinations exit
// with code 1 before any collection starts.
func TestRunCmdInvalidOptions(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"progress without broadcast": {"run", "-P"},
		"control socket without zip": {"run", "-S", "/run/ctl.sock"},
		"remote mode without date":   {"run", "-R", "-z", "-B"},
		"stream combined with zip":   {"run", "-s", "/run/out.sock", "-z"},
		"forward without zip":        {"run", "--forward", "/tmp/fwd.zip"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			root := NewRootCmd()
			root.SetArgs(args)
			err := root.Execute()
			if err == nil {
				t.Fatal("expected an error")
			}
			var ee *exitError
			if !errors.As(err, &ee) {
				t.Fatalf("expected exitError, got %T: %v", err, err)
			}
			if ee.status != pipeline.StatusInvalidInput {
				t.Errorf("expected invalid input, got %v", ee.status)
			}
			if ee.status.ExitCode() != 1 {
				t.Errorf("expected exit code 1, got %d", ee.status.ExitCode())
			}
		})
	}
}

// TestRunCmdMissingTaskFile tests that an explicit but unreadable task file
// is rejected as input.
func TestRunCmdMissingTaskFile(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	root.SetArgs([]string{"run", "-t", filepath.Join(t.TempDir(), "nope.yaml")})
	err := root.Execute()

	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected exitError, got %T: %v", err, err)
	}
	if ee.status != pipeline.StatusInvalidInput {
		t.Errorf("expected invalid input, got %v", ee.status)
	}
}

// TestRunCmdArchive tests an end-to-end archive run through the CLI.
func TestRunCmdArchive(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	root := NewRootCmd()
	// Dry run keeps the test off real system tools (and off the privilege
	// drop on rooted CI) while still exercising the whole artifact path.
	root.SetArgs([]string{
		"run", "-z", "-q", "--dry-run",
		"-o", outDir,
		"-t", writeTaskFile(t),
		"--stats-file", filepath.Join(t.TempDir(), "stats.txt"),
		"--no-history",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "*.zip"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one archive in %s, got %v (err %v)", outDir, matches, err)
	}

	zr, err := zip.OpenReader(matches[0])
	if err != nil {
		t.Fatalf("archive not readable: %v", err)
	}
	defer zr.Close()

	hasVersion := false
	for _, f := range zr.File {
		if f.Name == "version.txt" {
			hasVersion = true
		}
	}
	if !hasVersion {
		t.Error("archive missing version.txt")
	}
}

// TestRunCmdHeaderOnly tests the -v short circuit in plain-text mode.
func TestRunCmdHeaderOnly(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	root := NewRootCmd()
	root.SetArgs([]string{
		"run", "-v", "-q",
		"-o", outDir,
		"-t", writeTaskFile(t),
		"--stats-file", filepath.Join(t.TempDir(), "stats.txt"),
		"--no-history",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "*.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one report in %s, got %v (err %v)", outDir, matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "== sysdump:") {
		t.Error("report missing header")
	}
	if strings.Contains(string(data), "hello from sysdump") {
		t.Error("header-only run must not execute tasks")
	}
}
