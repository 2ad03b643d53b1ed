package main

import (
	"errors"
	"testing"

	"github.com/nao1215/sysdump/internal/pipeline"
)

// TestNewRootCmd tests the root command creation.
func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "sysdump" {
			t.Errorf("expected use 'sysdump', got %q", cmd.Use)
		}
	})

	t.Run("has short description", func(t *testing.T) {
		t.Parallel()
		if cmd.Short == "" {
			t.Error("expected non-empty short description")
		}
	})

	t.Run("has version", func(t *testing.T) {
		t.Parallel()
		if cmd.Version == "" {
			t.Error("expected non-empty version")
		}
	})

	t.Run("has verbose flag without shorthand", func(t *testing.T) {
		t.Parallel()
		flag := cmd.PersistentFlags().Lookup("verbose")
		if flag == nil {
			t.Fatal("expected verbose flag")
		}
		// -v belongs to the run command's header-only mode.
		if flag.Shorthand != "" {
			t.Errorf("expected no shorthand, got %q", flag.Shorthand)
		}
	})

	t.Run("has subcommands", func(t *testing.T) {
		t.Parallel()
		hasRun := false
		hasServe := false
		hasVersion := false
		for _, sub := range cmd.Commands() {
			switch sub.Use {
			case "run":
				hasRun = true
			case "serve":
				hasServe = true
			case "version":
				hasVersion = true
			}
		}
		if !hasRun {
			t.Error("expected run subcommand")
		}
		if !hasServe {
			t.Error("expected serve subcommand")
		}
		if !hasVersion {
			t.Error("expected version subcommand")
		}
	})

	t.Run("silences usage and errors", func(t *testing.T) {
		t.Parallel()
		if !cmd.SilenceUsage {
			t.Error("expected SilenceUsage to be true")
		}
		if !cmd.SilenceErrors {
			t.Error("expected SilenceErrors to be true")
		}
	})
}

// TestExitError tests the status-to-error bridge.
func TestExitError(t *testing.T) {
	t.Parallel()

	t.Run("message wins over status name", func(t *testing.T) {
		t.Parallel()
		err := &exitError{status: pipeline.StatusInvalidInput, msg: "bad flags"}
		if err.Error() != "bad flags" {
			t.Errorf("expected 'bad flags', got %q", err.Error())
		}
	})

	t.Run("falls back to status name", func(t *testing.T) {
		t.Parallel()
		err := &exitError{status: pipeline.StatusUserConsentDenied}
		if err.Error() != "user consent denied" {
			t.Errorf("expected status name, got %q", err.Error())
		}
	})

	t.Run("unwraps through errors.As", func(t *testing.T) {
		t.Parallel()
		var target *exitError
		err := error(&exitError{status: pipeline.StatusError})
		if !errors.As(err, &target) {
			t.Fatal("errors.As failed")
		}
		if target.status.ExitCode() != 2 {
			t.Errorf("expected exit code 2, got %d", target.status.ExitCode())
		}
	})
}
