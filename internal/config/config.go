package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
// These values are calibrated against the time budgets of a full diagnostic
// run on a loaded host; most were inherited from long-observed field defaults.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "sysdump"

	// DefaultFormatVersion is the bugreport format version written to the
	// version.txt archive entry. Consumers parse this to decide how to
	// interpret the archive layout, so bump it only on layout changes.
	DefaultFormatVersion = "2.0"

	// DefaultCommandTimeout applies to diagnostic commands that don't carry
	// their own timeout in the task table. 10 seconds is enough for almost
	// every process/network listing while keeping a hung tool from stalling
	// the whole run.
	DefaultCommandTimeout = 10 * time.Second

	// DefaultServiceDumpTimeout applies to structured service dumps, which
	// routinely take longer than plain commands because the dumped service
	// may itself be collecting data.
	DefaultServiceDumpTimeout = 30 * time.Second

	// DefaultConsentTimeout is how long the pipeline is willing to wait for
	// the user to answer the consent dialog before treating the request as
	// unresolved. The artifact is kept locally in that case, so a generous
	// value only delays forwarding, never data collection.
	DefaultConsentTimeout = 30 * time.Second

	// DefaultBoardTimeout is the hard completion deadline for the vendor
	// board collector (T1). A vendor hook that hasn't finished by then is
	// forcibly restarted.
	DefaultBoardTimeout = 30 * time.Second

	// DefaultBoardKillGrace is the additional grace period (T2) after the
	// forced restart before the pipeline moves on regardless of outcome.
	DefaultBoardKillGrace = 10 * time.Second

	// DefaultRuntimeTraceTimeout is the per-process budget for dumping a
	// managed-runtime stack; runtimes answer trace requests quickly or not
	// at all, so a short timeout loses little.
	DefaultRuntimeTraceTimeout = 5 * time.Second

	// DefaultNativeTraceTimeout is the per-process budget for native stack
	// unwinding, which has to attach and walk frames and is therefore given
	// a longer leash.
	DefaultNativeTraceTimeout = 20 * time.Second

	// DefaultRecentDumpWindow bounds how old a crash dump may be to still be
	// inlined into a plain-text report. Archived reports always capture the
	// full history instead.
	DefaultRecentDumpWindow = 30 * time.Minute

	// DefaultEntryAddTimeout bounds streaming one already-collected artifact
	// into the archive. Local copies finish in milliseconds; the bound covers
	// artifacts sitting on a stalled network or fuse mount.
	DefaultEntryAddTimeout = 30 * time.Second
)

// Config holds all options for one bugreport run.
// It is populated from CLI flags plus the optional YAML task file and passed
// through the application by dependency injection rather than global state.
type Config struct {
	// OutputDir is where the report, archive, and screenshot are written.
	// Defaults to the XDG data directory for sysdump.
	OutputDir string

	// AddDate appends a timestamp suffix to generated file names (-d).
	AddDate bool

	// Zip produces a zip archive instead of a bare text report (-z).
	Zip bool

	// Screenshot captures a screenshot alongside the report (-p).
	Screenshot bool

	// StreamSocket, when set, streams the main report to this unix socket
	// instead of writing files (-s).
	StreamSocket string

	// ControlSocket, when set, is the unix socket that receives the
	// line-oriented BEGIN/PROGRESS/OK/FAIL control protocol (-S).
	// Requires Zip. Implies ProgressUpdates.
	ControlSocket string

	// Haptics enables the start/end haptic feedback pulses. Disabled by -q.
	Haptics bool

	// Broadcast sends start/finish notifications through the broadcaster (-B).
	Broadcast bool

	// ProgressUpdates enables percent-complete notifications (-P).
	// Requires Broadcast.
	ProgressUpdates bool

	// RemoteMode marks the run as remotely requested (-R): the finished
	// notification carries a SHA-256 hash of the archive so the remote
	// requester can verify integrity. Requires Zip, AddDate, and Broadcast;
	// mutually exclusive with ProgressUpdates.
	RemoteMode bool

	// FormatVersion is the requested bugreport format version (-V).
	FormatVersion string

	// HeaderOnly prints the report header and exits (-v).
	HeaderOnly bool

	// Verbose enables debug-level logging.
	Verbose bool

	// DryRun skips all command execution and file dumping; sections are
	// emitted with placeholder bodies. Used by tests and by callers probing
	// the task table.
	DryRun bool

	// ForwardPath, when set, is where the final artifact is copied after the
	// user approves sharing. Forwarding is what triggers the consent flow.
	ForwardPath string

	// CallerIdentity names the requester shown in the consent dialog.
	// Only meaningful together with ForwardPath.
	CallerIdentity string

	// ConsentTimeout bounds the single blocking wait for a pending consent
	// decision just before forwarding.
	ConsentTimeout time.Duration

	// TaskFile is an optional YAML file overriding the built-in task table.
	TaskFile string

	// StatsPath is the progress-statistics file used to calibrate the
	// per-run duration estimate. Empty disables persistence.
	StatsPath string

	// HistoryDir is the directory holding the run-history database.
	// Empty disables history recording.
	HistoryDir string

	// AuthorizerCommand is the external program implementing the consent
	// dialog. It receives the caller identity as its argument and reports
	// approval through its exit code.
	AuthorizerCommand []string

	// BoardCommand is the vendor board-dump hook. It receives the output
	// slot paths as arguments.
	BoardCommand []string

	// BroadcastCommand is the notification sender prefix; action and
	// key=value extras are appended per notification.
	BroadcastCommand []string

	// VibrateCommand emits one haptic pulse per invocation. Empty disables
	// haptics regardless of the Haptics flag.
	VibrateCommand []string

	// ScreenshotCommand captures the screen to the path given as its last
	// argument.
	ScreenshotCommand []string

	// BacktraceCommand dumps one process's stack to stdout. The target pid
	// and trace kind ("runtime" or "native") are appended as arguments.
	BacktraceCommand []string

	// RuntimeBinaries are executable paths whose processes are treated as
	// managed-runtime during stack-trace collection.
	RuntimeBinaries []string

	// NativeAllowlist are executable path prefixes whose processes get
	// native stack traces. Everything else is skipped.
	NativeAllowlist []string
}

// NewConfig creates a Config with default values.
// Many defaults are non-zero, so relying on zero values would be a trap;
// this constructor also documents what the defaults are.
func NewConfig() *Config {
	return &Config{
		OutputDir:         XDGDataDir(),
		Haptics:           true,
		FormatVersion:     DefaultFormatVersion,
		ConsentTimeout:    DefaultConsentTimeout,
		StatsPath:         filepath.Join(XDGStateDir(), "sysdump-stats.txt"),
		HistoryDir:        XDGDataDir(),
		AuthorizerCommand: []string{"sysdump-consent"},
		BroadcastCommand:  []string{"notify-send"},
		ScreenshotCommand: []string{"screencap", "-p"},
		BacktraceCommand:  []string{"sysdump-backtrace"},
		RuntimeBinaries:   []string{"/usr/bin/java", "/usr/lib/jvm"},
		NativeAllowlist:   []string{"/usr/sbin/", "/usr/libexec/"},
	}
}

// XDGDataDir returns the XDG data directory for sysdump.
// On Linux: ~/.local/share/sysdump.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGStateDir returns the XDG state directory for sysdump.
// On Linux: ~/.local/state/sysdump.
func XDGStateDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}

// XDGConfigDir returns the XDG config directory for sysdump.
// On Linux: ~/.config/sysdump.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks whether the flag combination is coherent.
// It is called once after CLI parsing, before any collection starts, so a
// bad combination fails fast with exit code 1 rather than mid-run.
//
// The first error found is returned; fixing one error often makes the
// others irrelevant.
func (c *Config) Validate() error {
	if c.ControlSocket != "" && !c.Zip {
		return ErrControlSocketNeedsZip
	}
	if c.ProgressUpdates && !c.Broadcast {
		return ErrProgressNeedsBroadcast
	}
	if c.RemoteMode && (c.ProgressUpdates || !c.Broadcast || !c.Zip || !c.AddDate) {
		return ErrRemoteModeCombination
	}
	if c.ForwardPath != "" && !c.Zip {
		return ErrForwardNeedsZip
	}
	if c.StreamSocket != "" && (c.Zip || c.AddDate || c.ProgressUpdates || c.Broadcast) {
		return ErrSocketModeExclusive
	}
	if c.ConsentTimeout <= 0 {
		return ErrInvalidConsentTimeout
	}
	return nil
}

// OutputToFile reports whether the run produces local files (as opposed to
// streaming the report over a socket).
func (c *Config) OutputToFile() bool {
	return c.StreamSocket == ""
}
