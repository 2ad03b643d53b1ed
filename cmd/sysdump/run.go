package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/sysdump/internal/config"
	"github.com/nao1215/sysdump/internal/consent"
	"github.com/nao1215/sysdump/internal/control"
	"github.com/nao1215/sysdump/internal/device"
	"github.com/nao1215/sysdump/internal/history"
	"github.com/nao1215/sysdump/internal/log"
	"github.com/nao1215/sysdump/internal/notify"
	"github.com/nao1215/sysdump/internal/pipeline"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect a diagnostic report",
		Long: `Run collects a full host diagnostic report.

The report gathers kernel state, process listings, network configuration,
system logs, per-process stack traces, crash dumps, and vendor device dumps
into a single artifact: a zip archive with -z, otherwise a plain-text file.

Examples:
  # Plain-text report in the default output directory
  sysdump run

  # Zip archive with a timestamped name
  sysdump run -z -d

  # Stream the report to a caller's unix socket
  sysdump run -s /run/caller.sock

  # Remote-requested run: archive plus integrity hash in the notification
  sysdump run -R -z -d -B

  # Custom task table
  sysdump run -z -t /etc/sysdump/tasks.yaml

Exit codes: 0 on success, 1 for rejected options, 2 for runtime failures
and refused or unanswered consent.`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().BoolP("date", "d", false,
		"Append a timestamp to generated file names")
	cmd.Flags().BoolP("zip", "z", false,
		"Write a zip archive instead of a plain-text report")
	cmd.Flags().BoolP("screenshot", "p", false,
		"Capture a screenshot alongside the report")
	cmd.Flags().StringP("stream", "s", "",
		"Stream the report to this unix socket instead of writing files")
	cmd.Flags().StringP("control-socket", "S", "",
		"Report BEGIN/PROGRESS/OK/FAIL to this unix socket (requires -z)")
	cmd.Flags().BoolP("quiet", "q", false,
		"Disable haptic feedback")
	cmd.Flags().BoolP("broadcast", "B", false,
		"Send start/finish notifications")
	cmd.Flags().BoolP("progress", "P", false,
		"Send percent-complete updates (requires -B)")
	cmd.Flags().BoolP("remote", "R", false,
		"Remote-requested run: notification carries the artifact hash (requires -z, -d, -B)")
	cmd.Flags().StringP("format-version", "V", config.DefaultFormatVersion,
		"Report format version")
	cmd.Flags().BoolP("header-only", "v", false,
		"Print the report header and exit")
	cmd.Flags().StringP("output-dir", "o", "",
		"Output directory (default: XDG data directory)")
	cmd.Flags().StringP("task-file", "t", "",
		"YAML task table overriding the built-in one")
	cmd.Flags().String("forward", "",
		"Copy the finished artifact here after user approval (requires -z)")
	cmd.Flags().String("caller", "",
		"Requester identity shown in the consent dialog")
	cmd.Flags().String("stats-file", "",
		"Progress statistics file (default: XDG state directory)")
	cmd.Flags().String("history-dir", "",
		"Run history database directory (default: XDG data directory)")
	cmd.Flags().Bool("no-history", false,
		"Disable run history recording")
	cmd.Flags().Bool("dry-run", false,
		"Skip all command execution and file dumping")

	return cmd
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{status: pipeline.StatusInvalidInput, msg: "invalid options: " + err.Error()}
	}

	tasks, err := config.LoadTaskTable(cfg.TaskFile)
	if err != nil {
		return &exitError{status: pipeline.StatusInvalidInput, msg: err.Error()}
	}

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	if status := executeRun(ctx, cfg, tasks); status != pipeline.StatusOK {
		return &exitError{status: status}
	}
	return nil
}

// buildConfig creates a Config from cobra command flags.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()

	var err error

	cfg.AddDate, err = cmd.Flags().GetBool("date")
	if err != nil {
		return nil, err
	}
	cfg.Zip, err = cmd.Flags().GetBool("zip")
	if err != nil {
		return nil, err
	}
	cfg.Screenshot, err = cmd.Flags().GetBool("screenshot")
	if err != nil {
		return nil, err
	}
	cfg.StreamSocket, err = cmd.Flags().GetString("stream")
	if err != nil {
		return nil, err
	}
	cfg.ControlSocket, err = cmd.Flags().GetString("control-socket")
	if err != nil {
		return nil, err
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, err
	}
	cfg.Haptics = !quiet

	cfg.Broadcast, err = cmd.Flags().GetBool("broadcast")
	if err != nil {
		return nil, err
	}
	cfg.ProgressUpdates, err = cmd.Flags().GetBool("progress")
	if err != nil {
		return nil, err
	}
	cfg.RemoteMode, err = cmd.Flags().GetBool("remote")
	if err != nil {
		return nil, err
	}
	cfg.FormatVersion, err = cmd.Flags().GetString("format-version")
	if err != nil {
		return nil, err
	}
	cfg.HeaderOnly, err = cmd.Flags().GetBool("header-only")
	if err != nil {
		return nil, err
	}
	cfg.TaskFile, err = cmd.Flags().GetString("task-file")
	if err != nil {
		return nil, err
	}
	cfg.ForwardPath, err = cmd.Flags().GetString("forward")
	if err != nil {
		return nil, err
	}
	cfg.CallerIdentity, err = cmd.Flags().GetString("caller")
	if err != nil {
		return nil, err
	}
	cfg.DryRun, err = cmd.Flags().GetBool("dry-run")
	if err != nil {
		return nil, err
	}

	outputDir, err := cmd.Flags().GetString("output-dir")
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}

	statsFile, err := cmd.Flags().GetString("stats-file")
	if err != nil {
		return nil, err
	}
	if statsFile != "" {
		cfg.StatsPath = statsFile
	}

	historyDir, err := cmd.Flags().GetString("history-dir")
	if err != nil {
		return nil, err
	}
	if historyDir != "" {
		cfg.HistoryDir = historyDir
	}
	noHistory, err := cmd.Flags().GetBool("no-history")
	if err != nil {
		return nil, err
	}
	if noHistory {
		cfg.HistoryDir = ""
	}

	cfg.Verbose = getVerboseFlag(cmd)

	return cfg, nil
}

// executeRun wires the collaborators around one pipeline run.
func executeRun(ctx context.Context, cfg *config.Config, tasks *config.TaskTable) pipeline.Status {
	logger := log.NewRunLogger(os.Stderr, cfg.Verbose)

	opts := []pipeline.Option{
		// The mid-run privilege drop is irreversible, so it is only armed
		// when the run actually started with privileges.
		pipeline.WithPrivilegeDrop(os.Geteuid() == 0),
	}

	if cfg.ControlSocket != "" {
		ctl, err := control.Dial(cfg.ControlSocket)
		if err != nil {
			logger.Error("cannot dial control socket",
				"path", cfg.ControlSocket,
				"error", err,
			)
			return pipeline.StatusInvalidInput
		}
		defer ctl.Close()
		opts = append(opts, pipeline.WithControlClient(ctl))
	}

	if cfg.ForwardPath != "" && len(cfg.AuthorizerCommand) > 0 {
		authorizer, err := consent.NewCommandAuthorizer(cfg.AuthorizerCommand, logger)
		if err != nil {
			logger.Error("cannot build consent authorizer", "error", err)
			return pipeline.StatusInvalidInput
		}
		gate := consent.NewGate(authorizer, consent.WithLogger(logger))
		opts = append(opts, pipeline.WithConsentGate(gate))
	}

	if len(cfg.BoardCommand) > 0 {
		collector, err := device.NewCommandCollector(cfg.BoardCommand)
		if err != nil {
			logger.Warn("device collector unavailable", "error", err)
		} else {
			opts = append(opts, pipeline.WithGatherer(device.NewGatherer(collector,
				device.WithWaitTimeout(config.DefaultBoardTimeout),
				device.WithKillGrace(config.DefaultBoardKillGrace),
				device.WithLogger(logger),
			)))
		}
	}

	if cfg.Broadcast && len(cfg.BroadcastCommand) > 0 {
		broadcaster, err := notify.NewCommandBroadcaster(cfg.BroadcastCommand, logger)
		if err != nil {
			logger.Warn("broadcaster unavailable", "error", err)
		} else {
			opts = append(opts, pipeline.WithBroadcaster(broadcaster))
		}
	}
	if cfg.Haptics && len(cfg.VibrateCommand) > 0 {
		opts = append(opts, pipeline.WithVibrator(notify.NewCommandVibrator(cfg.VibrateCommand, logger)))
	}

	if cfg.HistoryDir != "" {
		hist, err := history.Open(cfg.HistoryDir, history.DefaultOptions())
		if err != nil {
			logger.Warn("run history unavailable", "dir", cfg.HistoryDir, "error", err)
		} else {
			defer hist.Close()
			opts = append(opts, pipeline.WithHistory(hist))
		}
	}

	return pipeline.New(cfg, tasks, opts...).Run(ctx)
}
