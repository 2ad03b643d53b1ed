package main

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/sysdump/internal/config"
	"github.com/nao1215/sysdump/internal/control"
	"github.com/nao1215/sysdump/internal/history"
	"github.com/nao1215/sysdump/internal/log"
	"github.com/nao1215/sysdump/internal/pipeline"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept report requests over a unix socket",
		Long: `Serve runs sysdump as a long-lived service listening on a unix socket.

Each connection carries one request line ("RUN"); the service collects a
full zip report and answers over the same connection with the control
protocol: BEGIN with the artifact path, PROGRESS updates, then OK or FAIL.

Examples:
  # Listen on the default socket
  sysdump serve

  # Explicit socket and output directory
  sysdump serve --socket /run/sysdump.sock -o /var/lib/sysdump`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().String("socket", "",
		"Unix socket path to listen on (default: XDG state directory)")
	cmd.Flags().StringP("output-dir", "o", "",
		"Output directory (default: XDG data directory)")
	cmd.Flags().StringP("task-file", "t", "",
		"YAML task table overriding the built-in one")

	return cmd
}

// runServeCmd executes the serve command.
func runServeCmd(cmd *cobra.Command, _ []string) error {
	socket, err := cmd.Flags().GetString("socket")
	if err != nil {
		return err
	}
	if socket == "" {
		socket = filepath.Join(config.XDGStateDir(), "sysdump.sock")
	}

	cfg := config.NewConfig()
	cfg.Zip = true
	cfg.AddDate = true
	cfg.Haptics = false
	cfg.Verbose = getVerboseFlag(cmd)
	outputDir, err := cmd.Flags().GetString("output-dir")
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	taskFile, err := cmd.Flags().GetString("task-file")
	if err != nil {
		return err
	}
	tasks, err := config.LoadTaskTable(taskFile)
	if err != nil {
		return &exitError{status: pipeline.StatusInvalidInput, msg: err.Error()}
	}

	logger := log.NewRunLogger(os.Stderr, cfg.Verbose)

	if err := os.MkdirAll(filepath.Dir(socket), 0750); err != nil {
		return err
	}
	// A stale socket from a previous instance would block the listen.
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(socket)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, closing listener")
		cancel()
		ln.Close()
	}()

	var hist *history.DB
	if cfg.HistoryDir != "" {
		hist, err = history.Open(cfg.HistoryDir, history.DefaultOptions())
		if err != nil {
			logger.Warn("run history unavailable", "dir", cfg.HistoryDir, "error", err)
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	logger.Info("serving report requests", "socket", socket)

	// Runs are serialized: archive names come from the persistent run-id
	// sequence, and concurrent runs would contend for /proc and the device
	// collector.
	g := new(errgroup.Group)
	g.SetLimit(1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		g.Go(func() error {
			serveConn(ctx, conn, cfg, tasks, hist, logger)
			return nil
		})
	}
	return g.Wait()
}

// serveConn handles one report request on an accepted connection.
func serveConn(ctx context.Context, conn net.Conn, cfg *config.Config, tasks *config.TaskTable, hist *history.DB, logger *slog.Logger) {
	defer conn.Close()
	ctl := control.NewClient(conn)

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "RUN" {
		if err := ctl.Fail("unknown request"); err != nil {
			logger.Debug("cannot answer malformed request", "error", err)
		}
		return
	}

	// Each run gets its own config copy: the orchestrator treats the config
	// as immutable, but a copy keeps one request from ever leaking state
	// into the next.
	runCfg := *cfg

	opts := []pipeline.Option{
		pipeline.WithControlClient(ctl),
		// Never drop privileges here: the drop is process-wide and
		// irreversible, and it would cripple every later request served by
		// this process.
		pipeline.WithPrivilegeDrop(false),
	}
	if hist != nil {
		opts = append(opts, pipeline.WithHistory(hist))
	}

	status := pipeline.New(&runCfg, tasks, opts...).Run(ctx)
	logger.Info("request finished", "status", status.String())
}
