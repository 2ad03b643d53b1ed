package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nao1215/sysdump/internal/archive"
	"github.com/nao1215/sysdump/internal/consent"
	"github.com/nao1215/sysdump/internal/history"
	"github.com/nao1215/sysdump/internal/log"
	"github.com/nao1215/sysdump/internal/notify"
	"github.com/nao1215/sysdump/internal/report"
	"github.com/nao1215/sysdump/internal/task"
)

// Archive entry names fixed by the artifact layout. Consumers look these up
// by name, so they never change with configuration.
const (
	versionEntry   = "version.txt"
	mainEntryIndex = "main_entry.txt"
	runLogEntry    = "dumpstate_log.txt"
	summaryEntry   = "summary.md"
)

// prepareOutput creates the work directory, the main report sink, the run
// log, and (in zip mode) the archive, then builds the task runner on top.
func (o *Orchestrator) prepareOutput() error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	workDir, err := os.MkdirTemp(o.cfg.OutputDir, ".work-"+o.baseName+"-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	o.workDir = workDir

	o.runLogPath = filepath.Join(workDir, "run.log")
	o.runLogFile, err = os.OpenFile(o.runLogPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}
	// From here on, every log line also lands in the run log, which is
	// archived as its own entry at the end.
	o.logger = log.NewRunLogger(io.MultiWriter(o.logSink, o.runLogFile), o.cfg.Verbose)

	if o.cfg.StreamSocket != "" {
		conn, err := net.Dial("unix", o.cfg.StreamSocket)
		if err != nil {
			return fmt.Errorf("failed to dial stream socket: %w", err)
		}
		o.streamConn = conn
		o.out = conn
	} else {
		o.reportPath = filepath.Join(workDir, o.baseName+".tmp")
		o.reportFile, err = os.OpenFile(o.reportPath, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		o.out = o.reportFile
	}

	if o.cfg.Zip && o.cfg.OutputToFile() {
		o.arch, err = archive.NewWriter(
			filepath.Join(o.cfg.OutputDir, o.baseName+".zip"),
			archive.WithLogger(o.logger),
		)
		if err != nil {
			return err
		}
		if err := o.arch.AddTextEntry(versionEntry, o.cfg.FormatVersion+"\n"); err != nil {
			return err
		}
	}

	o.runner = task.NewRunner(o.out,
		task.WithCostReporter(o.estimator),
		task.WithDryRun(o.cfg.DryRun),
		task.WithLogger(o.logger),
	)
	return nil
}

// closeOutputs releases per-run resources. Safe to call after a partial
// prepareOutput and after finalization already closed some of them.
func (o *Orchestrator) closeOutputs() {
	if o.reportFile != nil {
		_ = o.reportFile.Close()
	}
	if o.runLogFile != nil {
		_ = o.runLogFile.Close()
	}
	if o.streamConn != nil {
		_ = o.streamConn.Close()
	}
	if o.workDir != "" {
		_ = os.RemoveAll(o.workDir)
	}
}

// finalArtifactPath is where the finished artifact will live.
func (o *Orchestrator) finalArtifactPath() string {
	if o.cfg.Zip && o.cfg.OutputToFile() {
		return filepath.Join(o.cfg.OutputDir, o.baseName+".zip")
	}
	return filepath.Join(o.cfg.OutputDir, o.baseName+".txt")
}

// finalizeArtifact turns the temporary report into the deliverable: in zip
// mode the report, run log, screenshot, and summary become archive entries;
// otherwise the report is renamed into place. If archive finalization
// fails, the plain-text report is the fallback so the run still yields an
// artifact.
func (o *Orchestrator) finalizeArtifact() error {
	if !o.cfg.OutputToFile() {
		return nil
	}
	if err := o.reportFile.Close(); err != nil {
		o.logger.Warn("report close failed", "error", err)
	}

	mainName := o.baseName + ".txt"
	if o.arch == nil {
		return o.finalizeText(mainName)
	}

	if err := o.arch.AddEntryFromFile(mainName, o.reportPath, time.Time{}); err != nil {
		o.logger.Warn("cannot archive main report, falling back to text", "error", err)
		_ = o.arch.Finalize()
		_ = os.Remove(o.arch.Path())
		return o.finalizeText(mainName)
	}
	if err := o.arch.AddTextEntry(mainEntryIndex, mainName+"\n"); err != nil {
		o.logger.Warn("cannot write main entry index", "error", err)
	}
	if o.screenshotPath != "" {
		if err := o.arch.AddEntryFromFile("screenshot.png", o.screenshotPath, time.Time{}); err != nil {
			o.logger.Warn("cannot archive screenshot", "error", err)
		}
	}
	if err := o.arch.AddEntryFromFile(runLogEntry, o.runLogPath, time.Time{}); err != nil {
		o.logger.Warn("cannot archive run log", "error", err)
	}

	summary := report.Summary{
		RunID:       o.runUUID,
		Started:     o.startedAt,
		Elapsed:     time.Since(o.startedAt),
		Status:      "complete",
		ArchivePath: o.arch.Path(),
		Entries:     o.arch.EntryNames(),
		Progress:    o.estimator.Get(),
		Max:         o.estimator.Max(),
		TimedOut:    o.timedOut,
	}
	if md, err := summary.Markdown(); err == nil {
		if err := o.arch.AddTextEntry(summaryEntry, md); err != nil {
			o.logger.Warn("cannot archive summary", "error", err)
		}
	} else {
		o.logger.Warn("cannot render summary", "error", err)
	}

	if err := o.arch.Finalize(); err != nil {
		o.logger.Warn("archive finalization failed, falling back to text", "error", err)
		_ = os.Remove(o.arch.Path())
		return o.finalizeText(mainName)
	}
	o.finalPath = o.arch.Path()
	return nil
}

// finalizeText renames the temporary report into the output directory.
func (o *Orchestrator) finalizeText(mainName string) error {
	final := filepath.Join(o.cfg.OutputDir, mainName)
	if err := os.Rename(o.reportPath, final); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	o.finalPath = final
	if o.screenshotPath != "" {
		dst := filepath.Join(o.cfg.OutputDir, o.baseName+".png")
		if err := os.Rename(o.screenshotPath, dst); err != nil {
			o.logger.Warn("cannot keep screenshot", "error", err)
		} else {
			o.screenshotPath = dst
		}
	}
	return nil
}

// forwardToCaller performs the single blocking consent wait of the run and
// copies the artifact on approval. An unresolved decision keeps the
// artifact local and cancels the dialog.
func (o *Orchestrator) forwardToCaller() Status {
	if o.gate == nil {
		if err := copyFile(o.finalPath, o.cfg.ForwardPath); err != nil {
			o.logger.Error("forwarding failed", "error", err)
			return StatusError
		}
		return StatusOK
	}

	remaining := o.cfg.ConsentTimeout - o.gate.Elapsed()
	if remaining < 0 {
		remaining = 0
	}
	switch o.gate.WaitForResolution(remaining) {
	case consent.StatusApproved:
		if err := copyFile(o.finalPath, o.cfg.ForwardPath); err != nil {
			o.logger.Error("forwarding failed", "error", err)
			return StatusError
		}
		o.logger.Info("artifact forwarded", "path", o.cfg.ForwardPath)
		return StatusOK
	case consent.StatusDenied:
		return StatusUserConsentDenied
	default:
		o.gate.Cancel()
		o.logger.Warn("consent unresolved, keeping artifact local",
			"path", o.finalPath,
		)
		return StatusUserConsentTimedOut
	}
}

// denied is the terminal path for an explicit consent denial: every
// temporary and finished artifact of this run is deleted.
func (o *Orchestrator) denied(ctx context.Context) Status {
	o.logger.Warn("user denied consent, deleting artifacts")
	o.cleanupArtifacts()
	if o.ctl != nil {
		_ = o.ctl.Fail("user consent denied")
	}
	o.listener.OnError(notify.CodeConsentDenied, "user denied consent, artifacts deleted")
	o.broadcast(ctx, "failed", map[string]string{"reason": "consent denied"})
	o.recordRun(ctx, StatusUserConsentDenied, "")
	return StatusUserConsentDenied
}

// fail is the terminal path for runtime errors. A partially written archive
// is finalized so whatever was collected stays readable.
func (o *Orchestrator) fail(ctx context.Context, err error) Status {
	o.logger.Error("run failed", "error", err)
	if o.arch != nil {
		_ = o.arch.Finalize()
	}
	if o.ctl != nil {
		_ = o.ctl.Fail(err.Error())
	}
	o.listener.OnError(notify.CodeRuntimeError, err.Error())
	o.broadcast(ctx, "failed", map[string]string{"reason": err.Error()})
	o.recordRun(ctx, StatusError, "")
	return StatusError
}

// cleanupArtifacts removes everything this run wrote.
func (o *Orchestrator) cleanupArtifacts() {
	if o.arch != nil {
		_ = o.arch.Finalize()
		if err := os.Remove(o.arch.Path()); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("cannot remove archive", "error", err)
		}
	}
	for _, path := range []string{o.reportPath, o.screenshotPath, o.finalPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("cannot remove artifact", "path", path, "error", err)
		}
	}
}

// notifyCompletion delivers the terminal notifications and persists the
// run's statistics and history record.
func (o *Orchestrator) notifyCompletion(ctx context.Context, status Status) {
	if err := o.estimator.Save(); err != nil {
		o.logger.Warn("cannot save progress stats", "error", err)
	}

	switch status {
	case StatusOK:
		hash := ""
		if o.cfg.RemoteMode {
			h, err := sha256File(o.finalPath)
			if err != nil {
				o.logger.Warn("cannot hash artifact", "error", err)
			} else {
				hash = h
			}
		}
		if o.ctl != nil {
			_ = o.ctl.OK(o.finalPath)
		}
		o.listener.OnFinished(o.finalPath, hash)

		extras := map[string]string{
			"id":   strconv.Itoa(o.seq),
			"path": o.finalPath,
		}
		if hash != "" {
			extras["sha256"] = hash
		}
		o.broadcast(ctx, "finished", extras)
		o.vibrate(ctx, 3)
	case StatusError:
		if o.ctl != nil {
			_ = o.ctl.Fail("forwarding failed")
		}
		o.listener.OnError(notify.CodeRuntimeError, "forwarding failed")
	case StatusUserConsentTimedOut:
		if o.ctl != nil {
			_ = o.ctl.Fail("user consent timed out")
		}
		o.listener.OnError(notify.CodeConsentTimedOut,
			"consent not resolved in time, artifact kept at "+o.finalPath)
		o.broadcast(ctx, "failed", map[string]string{"reason": "consent timed out"})
	}
	o.recordRun(ctx, status, o.finalPath)
}

// recordRun stores the run in the history database.
func (o *Orchestrator) recordRun(ctx context.Context, status Status, path string) {
	if o.hist == nil {
		return
	}
	_, err := o.hist.InsertRun(ctx, &history.Record{
		UUID:         o.runUUID,
		StartedAt:    o.startedAt,
		Duration:     time.Since(o.startedAt),
		Status:       status.String(),
		ArtifactPath: path,
		Progress:     o.estimator.Get(),
		MaxProgress:  o.estimator.Max(),
	})
	if err != nil {
		o.logger.Warn("cannot record run history", "error", err)
	}
}

// sha256File returns the hex SHA-256 of the file at path.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies src to dst, creating dst with owner-only permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
