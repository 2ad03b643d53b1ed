package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/sysdump/internal/pipeline"
)

// exitError carries a terminal run status through cobra's error path so the
// process exit code honors the 0/1/2 contract: 0 for success and help, 1 for
// rejected input, 2 for runtime and consent failures.
type exitError struct {
	status pipeline.Status
	msg    string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.status.String()
}

// NewRootCmd creates the root command for sysdump.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sysdump",
		Short: "Host diagnostic report generator",
		Long: `sysdump collects a full host diagnostic report: kernel and process state,
network configuration, system logs, per-process stack traces, crash dumps,
and vendor device dumps.

Reports are written as a zip archive (-z) or a plain-text file, and can be
streamed to a caller over a unix socket. A long-lived service mode is
available through the serve subcommand.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands. The shorthand -v belongs to
	// the run command's header-only mode, so verbose is long-form only.
	cmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, ee.msg)
		}
		return ee.status.ExitCode()
	}

	// Flag parse errors and other cobra-level failures are rejected input.
	fmt.Fprintln(os.Stderr, err)
	return pipeline.StatusInvalidInput.ExitCode()
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}
