package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/sysdump/internal/archive"
	"github.com/nao1215/sysdump/internal/config"
	"github.com/nao1215/sysdump/internal/consent"
	"github.com/nao1215/sysdump/internal/control"
	"github.com/nao1215/sysdump/internal/device"
	"github.com/nao1215/sysdump/internal/dumps"
	"github.com/nao1215/sysdump/internal/history"
	"github.com/nao1215/sysdump/internal/log"
	"github.com/nao1215/sysdump/internal/notify"
	"github.com/nao1215/sysdump/internal/proc"
	"github.com/nao1215/sysdump/internal/progress"
	"github.com/nao1215/sysdump/internal/report"
	"github.com/nao1215/sysdump/internal/task"
)

// errConsentDenied propagates a mid-loop denial up to Run.
var errConsentDenied = errors.New("user consent denied")

// consecutiveTraceAbort is how many per-process trace timeouts in a row are
// read as a systemic failure that aborts the whole trace loop.
const consecutiveTraceAbort = 3

// Orchestrator drives one diagnostic run end to end.
type Orchestrator struct {
	cfg   *config.Config
	tasks *config.TaskTable

	gate        *consent.Gate
	estimator   *progress.Estimator
	gatherer    *device.Gatherer
	tracer      proc.Backtracer
	classifier  *proc.Classifier
	ctl         *control.Client
	listener    notify.Listener
	broadcaster notify.Broadcaster
	vibrator    notify.Vibrator
	hist        *history.DB

	logSink        io.Writer
	logger         *slog.Logger
	procRoot       string
	dropPrivileges bool

	// per-run state, reset by Run
	runUUID        string
	seq            int
	startedAt      time.Time
	baseName       string
	workDir        string
	reportPath     string
	reportFile     *os.File
	out            io.Writer
	runLogPath     string
	runLogFile     *os.File
	streamConn     io.Closer
	screenshotPath string
	finalPath      string
	arch           *archive.Writer
	runner         *task.Runner
	timedOut       []string
	firstLogAt     time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConsentGate attaches the user-consent gate. Without one the run never
// forwards and never blocks on consent.
func WithConsentGate(g *consent.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithGatherer attaches the external device collector.
func WithGatherer(g *device.Gatherer) Option {
	return func(o *Orchestrator) { o.gatherer = g }
}

// WithBacktracer attaches the per-process stack unwinder.
func WithBacktracer(b proc.Backtracer) Option {
	return func(o *Orchestrator) { o.tracer = b }
}

// WithControlClient attaches the caller's control socket.
func WithControlClient(c *control.Client) Option {
	return func(o *Orchestrator) { o.ctl = c }
}

// WithListener attaches the lifecycle listener.
func WithListener(l notify.Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithBroadcaster attaches the host-wide notification sender.
func WithBroadcaster(b notify.Broadcaster) Option {
	return func(o *Orchestrator) { o.broadcaster = b }
}

// WithVibrator attaches the haptic feedback device.
func WithVibrator(v notify.Vibrator) Option {
	return func(o *Orchestrator) { o.vibrator = v }
}

// WithHistory attaches the run-history database.
func WithHistory(h *history.DB) Option {
	return func(o *Orchestrator) { o.hist = h }
}

// WithLogSink sets the console log destination. The run log file always
// receives a copy regardless.
func WithLogSink(w io.Writer) Option {
	return func(o *Orchestrator) { o.logSink = w }
}

// WithProcRoot overrides the /proc mount point. Tests point this at a
// fixture tree.
func WithProcRoot(root string) Option {
	return func(o *Orchestrator) { o.procRoot = root }
}

// WithPrivilegeDrop enables the irreversible mid-run privilege drop. Only
// the production binary turns this on; a test process must not lose its
// credentials.
func WithPrivilegeDrop(enabled bool) Option {
	return func(o *Orchestrator) { o.dropPrivileges = enabled }
}

// New creates an Orchestrator for one run.
func New(cfg *config.Config, tasks *config.TaskTable, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		tasks:    tasks,
		logSink:  os.Stderr,
		procRoot: "/proc",
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = log.NewRunLogger(o.logSink, cfg.Verbose)
	if o.listener == nil {
		o.listener = notify.NewLoggingListener(o.logger)
	}
	if o.classifier == nil {
		o.classifier = proc.NewClassifier(cfg.RuntimeBinaries, cfg.NativeAllowlist)
	}
	o.estimator = progress.NewEstimator(cfg.StatsPath,
		progress.WithLogger(o.logger),
		progress.WithReporter(func(p, max, percent int) {
			if o.ctl != nil {
				if err := o.ctl.Progress(p, max); err != nil {
					o.logger.Debug("control progress write failed", "error", err)
				}
			}
			if o.cfg.ProgressUpdates {
				o.listener.OnProgress(percent)
			}
		}),
	)
	return o
}

// phase is one step of the linear state machine.
type phase struct {
	name string
	// slow phases get consent checkpoints before and after.
	slow bool
	fn   func(context.Context) error
}

// Run executes the whole pipeline and returns its terminal status.
func (o *Orchestrator) Run(ctx context.Context) Status {
	o.startedAt = time.Now()
	o.runUUID = uuid.New().String()
	o.seq = o.nextSequence(ctx)
	o.baseName = o.buildBaseName()

	// Registered before prepareOutput so that a failure partway through
	// preparation still releases the work directory and the run log.
	defer o.closeOutputs()
	if err := o.prepareOutput(); err != nil {
		o.logger.Error("failed to prepare output", "error", err)
		return o.fail(ctx, err)
	}

	o.logger.Info("starting diagnostic run",
		"id", o.seq,
		"uuid", o.runUUID,
		"artifact", o.finalArtifactPath(),
	)
	if o.ctl != nil {
		if err := o.ctl.Begin(o.finalArtifactPath()); err != nil {
			o.logger.Warn("control BEGIN failed", "error", err)
		}
	}
	o.vibrate(ctx, 1)
	o.broadcast(ctx, "started", map[string]string{"id": strconv.Itoa(o.seq)})

	if o.gate != nil && o.cfg.ForwardPath != "" {
		o.gate.RequestAuthorization(o.cfg.CallerIdentity, o.cfg.ConsentTimeout)
	}

	hdr := report.CollectHeader(o.cfg.FormatVersion, o.cfg.DryRun)
	if _, err := hdr.WriteTo(o.out); err != nil {
		return o.fail(ctx, err)
	}
	if o.cfg.HeaderOnly {
		if err := o.finalizeArtifact(); err != nil {
			return o.fail(ctx, err)
		}
		o.notifyCompletion(ctx, StatusOK)
		return StatusOK
	}

	// Early screenshot keeps interactive callers from capturing the run's
	// own progress UI later.
	if o.cfg.Screenshot && o.cfg.ProgressUpdates {
		o.takeScreenshot(ctx)
	}

	phases := []phase{
		{name: "critical dumps", fn: o.phaseCriticalDumps},
		{name: "first log capture", fn: o.phaseFirstLogCapture},
		{name: "stack traces", slow: true, fn: o.phaseStackTraces},
		{name: "root collections", slow: true, fn: o.phaseRootCollections},
		{name: "drop privileges", fn: o.phaseDropPrivileges},
		{name: "remaining dumps", slow: true, fn: o.phaseRemainingDumps},
		{name: "second log capture", fn: o.phaseSecondLogCapture},
	}
	for _, ph := range phases {
		if ph.slow && o.consentDenied() {
			return o.denied(ctx)
		}
		phaseStart := time.Now()
		if err := ph.fn(ctx); err != nil {
			if errors.Is(err, errConsentDenied) {
				return o.denied(ctx)
			}
			return o.fail(ctx, fmt.Errorf("phase %q: %w", ph.name, err))
		}
		o.logger.Debug("phase finished", "phase", ph.name, "elapsed", time.Since(phaseStart))
		if ph.slow && o.consentDenied() {
			return o.denied(ctx)
		}
	}

	if o.cfg.Screenshot && !o.cfg.ProgressUpdates {
		o.takeScreenshot(ctx)
	}

	if err := o.finalizeArtifact(); err != nil {
		return o.fail(ctx, err)
	}

	status := StatusOK
	if o.cfg.ForwardPath != "" {
		status = o.forwardToCaller()
		if status == StatusUserConsentDenied {
			return o.denied(ctx)
		}
	}
	o.notifyCompletion(ctx, status)
	return status
}

// nextSequence advances the persistent run-id sequence, falling back to 1
// when no history database is attached.
func (o *Orchestrator) nextSequence(ctx context.Context) int {
	if o.hist == nil {
		return 1
	}
	id, err := o.hist.NextRunID(ctx)
	if err != nil {
		o.logger.Warn("run-id sequence unavailable", "error", err)
		return 1
	}
	return id
}

func (o *Orchestrator) buildBaseName() string {
	name := config.AppName
	if o.cfg.AddDate {
		name += "-" + o.startedAt.Format("2006-01-02-15-04-05")
	}
	return fmt.Sprintf("%s-%d", name, o.seq)
}

// phaseCriticalDumps captures volatile state before the run itself can
// disturb it.
func (o *Orchestrator) phaseCriticalDumps(ctx context.Context) error {
	return o.runSpecs(ctx, o.tasks.Critical)
}

func (o *Orchestrator) phaseFirstLogCapture(ctx context.Context) error {
	o.firstLogAt = time.Now()
	if o.tasks.LogCapture == nil {
		return nil
	}
	return o.runSpecs(ctx, []config.TaskSpec{*o.tasks.LogCapture})
}

// phaseSecondLogCapture re-runs the log dump restricted to entries newer
// than the first capture, so the report shows what the run itself caused.
func (o *Orchestrator) phaseSecondLogCapture(ctx context.Context) error {
	if o.tasks.LogCapture == nil {
		return nil
	}
	spec := *o.tasks.LogCapture
	spec.Title += " (delta)"
	if o.tasks.LogSinceArg != "" {
		since := o.firstLogAt.Format("2006-01-02 15:04:05")
		spec.Command = append(append([]string(nil), spec.Command...),
			o.tasks.LogSinceArg+since)
	}
	return o.runSpecs(ctx, []config.TaskSpec{spec})
}

// phaseStackTraces walks live processes and collects per-process stacks
// into one trace file. Three consecutive per-process timeouts abort the
// loop: at that point the tracing machinery itself is stuck, not the
// individual targets.
func (o *Orchestrator) phaseStackTraces(ctx context.Context) error {
	if o.cfg.DryRun {
		return nil
	}
	tracer := o.tracer
	if tracer == nil {
		if len(o.cfg.BacktraceCommand) == 0 {
			o.logger.Debug("no backtracer configured, skipping stack traces")
			return nil
		}
		tracer = proc.NewCommandBacktracer(o.cfg.BacktraceCommand)
	}

	procs, err := proc.List(o.procRoot)
	if err != nil {
		o.logger.Warn("cannot enumerate processes", "error", err)
		return nil
	}

	tracePath := filepath.Join(o.workDir, "stack_traces.txt")
	f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	consecutiveTimeouts := 0
	for _, p := range procs {
		if o.consentDenied() {
			f.Close()
			return errConsentDenied
		}
		kind := o.classifier.Classify(p)
		if kind == proc.KindIrrelevant {
			continue
		}
		timeout := config.DefaultRuntimeTraceTimeout
		if kind == proc.KindNative {
			timeout = config.DefaultNativeTraceTimeout
		}

		fmt.Fprintf(f, "----- pid %d (%s) %s -----\n", p.PID, p.Comm, kind)
		start := time.Now()
		err := tracer.Trace(ctx, p.PID, f, timeout)
		o.estimator.Add(int(time.Since(start).Seconds()))

		switch {
		case err == nil:
			consecutiveTimeouts = 0
		case errors.Is(err, proc.ErrTraceTimeout):
			fmt.Fprint(f, report.TraceFailureBanner(p.PID))
			consecutiveTimeouts++
			if consecutiveTimeouts >= consecutiveTraceAbort {
				o.logger.Warn("aborting stack trace collection",
					"consecutive_timeouts", consecutiveTimeouts,
				)
				f.Close()
				o.attachTraceFile(tracePath)
				return nil
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			f.Close()
			return err
		default:
			fmt.Fprintf(f, "Failed to dump process %d: %v\n\n", p.PID, err)
			consecutiveTimeouts = 0
		}
	}
	f.Close()
	o.attachTraceFile(tracePath)
	return nil
}

// attachTraceFile adds the trace file to the archive, or inlines it into
// the main report on plain-text runs. An empty file means no process was
// worth tracing and is dropped.
func (o *Orchestrator) attachTraceFile(path string) {
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return
	}
	if o.arch != nil {
		deadline := time.Now().Add(config.DefaultEntryAddTimeout)
		if err := o.arch.AddEntryFromFile("stack_traces.txt", path, deadline); err != nil {
			o.logger.Warn("cannot archive stack traces", "error", err)
		}
		return
	}
	fmt.Fprint(o.out, report.SectionHeader("STACK TRACES", ""))
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := io.Copy(o.out, f); err != nil {
		o.logger.Warn("cannot inline stack traces", "error", err)
	}
}

// phaseRootCollections runs the privileged task group and the per-namespace
// mount tables while the run still has its credentials.
func (o *Orchestrator) phaseRootCollections(ctx context.Context) error {
	if err := o.runSpecs(ctx, o.tasks.Root); err != nil {
		return err
	}
	if !o.runner.Privileged() {
		return nil
	}

	procs, err := proc.List(o.procRoot)
	if err != nil {
		o.logger.Debug("cannot enumerate processes for mountinfo", "error", err)
		return nil
	}
	for _, p := range proc.DistinctMountNamespaces(o.procRoot, procs) {
		if o.consentDenied() {
			return errConsentDenied
		}
		title := fmt.Sprintf("MOUNTINFO (pid %d)", p.PID)
		path := filepath.Join(o.procRoot, strconv.Itoa(p.PID), "mountinfo")
		if _, err := o.runner.RunFile(ctx, title, path, task.Options{}); err != nil {
			return err
		}
	}
	return nil
}

// phaseDropPrivileges irreversibly lowers the run's credentials once every
// root-only collection is done.
func (o *Orchestrator) phaseDropPrivileges(_ context.Context) error {
	if !o.dropPrivileges || o.cfg.DryRun {
		return nil
	}
	uid, gid := task.DefaultDropCredential()
	if err := task.DropPrivileges(uid, gid); err != nil {
		return err
	}
	o.logger.Info("dropped privileges", "uid", uid, "gid", gid)
	return nil
}

// phaseRemainingDumps is the bulk of the run: the normal task group, the
// external device collector, crash dumps, and capture directories.
func (o *Orchestrator) phaseRemainingDumps(ctx context.Context) error {
	if err := o.runSpecs(ctx, o.tasks.Normal); err != nil {
		return err
	}
	if err := o.collectServiceDumps(ctx); err != nil {
		return err
	}
	o.collectDeviceDumps(ctx)
	if o.consentDenied() {
		return errConsentDenied
	}
	if err := o.collectCrashDumps(ctx); err != nil {
		return err
	}
	o.captureDirectories()
	return nil
}

// collectServiceDumps captures structured service dumps, each as its own
// entry under proto/. The body must stay raw for downstream decoders, so
// output bypasses the banner-framed report sink. Plain-text runs skip these:
// a binary body has no place in a flat report.
func (o *Orchestrator) collectServiceDumps(ctx context.Context) error {
	if o.arch == nil {
		return nil
	}
	for i, svc := range o.tasks.Services {
		if o.consentDenied() {
			return errConsentDenied
		}
		opts := task.Options{Timeout: svc.Timeout}
		if opts.Timeout == 0 {
			opts.Timeout = config.DefaultServiceDumpTimeout
		}

		tmp := filepath.Join(o.workDir, fmt.Sprintf("service-%d.bin", i))
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		res, err := o.runner.RunCapture(ctx, svc.Name, svc.Command, opts, f)
		f.Close()
		if err != nil {
			return err
		}
		if res.Outcome != task.OutcomeOK {
			o.logger.Warn("service dump discarded",
				"service", svc.Name,
				"outcome", res.Outcome.String(),
			)
			continue
		}
		if info, err := os.Stat(tmp); err != nil || info.Size() == 0 {
			continue
		}
		deadline := time.Now().Add(config.DefaultEntryAddTimeout)
		if err := o.arch.AddEntryFromFile(svc.EntryName(), tmp, deadline); err != nil {
			o.logger.Warn("cannot archive service dump", "service", svc.Name, "error", err)
		}
	}
	return nil
}

// collectDeviceDumps runs the external collector under its bounded join.
// Whatever it produces is archived; whatever it fails to produce is not a
// run failure.
func (o *Orchestrator) collectDeviceDumps(ctx context.Context) {
	if o.gatherer == nil || o.cfg.DryRun {
		return
	}
	slots, err := o.gatherer.Gather(ctx, o.workDir,
		[]string{"device_dump.txt", "device_dump.bin"})
	if err != nil {
		o.logger.Warn("device collection failed", "error", err)
		return
	}
	for _, slot := range slots {
		if o.arch != nil {
			deadline := time.Now().Add(config.DefaultEntryAddTimeout)
			if err := o.arch.AddEntryFromFile(slot.Name, slot.Path, deadline); err != nil {
				o.logger.Warn("cannot archive device dump", "slot", slot.Name, "error", err)
			}
			continue
		}
		if filepath.Ext(slot.Name) == ".txt" {
			if _, err := o.runner.RunFile(ctx, "DEVICE DUMP", slot.Path, task.Options{}); err != nil {
				o.logger.Warn("cannot inline device dump", "error", err)
			}
		}
	}
}

// collectCrashDumps inlines the newest crash dump into the main report and
// archives the rest. Plain-text runs only look at recent dumps; the archive
// keeps the full set.
func (o *Orchestrator) collectCrashDumps(ctx context.Context) error {
	window := time.Duration(0)
	if o.arch == nil {
		window = config.DefaultRecentDumpWindow
	}
	for _, dir := range o.tasks.CrashDumpDirs {
		entries, err := dumps.Scan(dir, window, time.Now())
		if err != nil {
			o.logger.Warn("crash dump scan failed", "dir", dir, "error", err)
			continue
		}
		if newest, ok := dumps.Newest(entries); ok {
			title := fmt.Sprintf("RECENT CRASH DUMP (%s)", newest.Path)
			if _, err := o.runner.RunFile(ctx, title, newest.Path, task.Options{}); err != nil {
				return err
			}
		}
		if o.arch == nil {
			continue
		}
		for _, e := range entries {
			name := "crashdumps/" + filepath.Base(e.Path)
			deadline := time.Now().Add(config.DefaultEntryAddTimeout)
			if err := o.arch.AddEntryFromFile(name, e.Path, deadline); err != nil {
				o.logger.Warn("cannot archive crash dump", "path", e.Path, "error", err)
			}
		}
	}
	return nil
}

// captureDirectories mirrors configured directory trees into the archive
// under FS/ with their original layout.
func (o *Orchestrator) captureDirectories() {
	if o.arch == nil {
		return
	}
	for _, dir := range o.tasks.CaptureDirs {
		files, err := dumps.WalkFiles(dir)
		if err != nil {
			o.logger.Warn("capture directory walk failed", "dir", dir, "error", err)
			continue
		}
		for _, f := range files {
			name := "FS" + filepath.ToSlash(f)
			deadline := time.Now().Add(config.DefaultEntryAddTimeout)
			if err := o.arch.AddEntryFromFile(name, f, deadline); err != nil {
				o.logger.Warn("cannot archive captured file", "path", f, "error", err)
			}
		}
	}
}

// runSpecs executes one task group sequentially, checking consent between
// tasks so a denial inside a long group takes effect promptly.
func (o *Orchestrator) runSpecs(ctx context.Context, specs []config.TaskSpec) error {
	for _, spec := range specs {
		if o.consentDenied() {
			return errConsentDenied
		}
		opts := task.Options{
			Timeout:      spec.Timeout,
			RequiresRoot: spec.RequiresRoot,
			AlwaysRun:    spec.AlwaysRun,
		}
		if opts.Timeout == 0 {
			opts.Timeout = config.DefaultCommandTimeout
		}

		var res task.Result
		var err error
		if spec.File != "" {
			res, err = o.runner.RunFile(ctx, spec.Title, spec.File, opts)
		} else {
			res, err = o.runner.RunCommand(ctx, spec.Title, spec.Command, opts)
		}
		if err != nil {
			return err
		}
		if res.Outcome == task.OutcomeTimedOut {
			o.timedOut = append(o.timedOut, spec.Title)
		}
	}
	return nil
}

// takeScreenshot captures the screen next to the report. Best effort; a
// headless host simply has no screenshot.
func (o *Orchestrator) takeScreenshot(ctx context.Context) {
	if len(o.cfg.ScreenshotCommand) == 0 {
		return
	}
	path := filepath.Join(o.workDir, o.baseName+".png")
	argv := append(append([]string(nil), o.cfg.ScreenshotCommand...), path)
	res, err := o.runner.RunCommand(ctx, "SCREENSHOT", argv,
		task.Options{Timeout: config.DefaultServiceDumpTimeout})
	if err != nil || res.Outcome != task.OutcomeOK {
		return
	}
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		o.screenshotPath = path
	}
}

func (o *Orchestrator) consentDenied() bool {
	return o.gate != nil && o.gate.IsDenied()
}

func (o *Orchestrator) vibrate(ctx context.Context, pulses int) {
	if o.vibrator == nil || !o.cfg.Haptics {
		return
	}
	_ = o.vibrator.Vibrate(ctx, pulses)
}

func (o *Orchestrator) broadcast(ctx context.Context, event string, extras map[string]string) {
	if o.broadcaster == nil || !o.cfg.Broadcast {
		return
	}
	if err := o.broadcaster.Broadcast(ctx, event, extras); err != nil {
		o.logger.Debug("broadcast failed", "event", event, "error", err)
	}
}
