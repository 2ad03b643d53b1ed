package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskSpec describes one named collection task from the task table.
// A task either runs a command or copies a file; exactly one of Command and
// File must be set. TaskSpecs are immutable once loaded and consumed once
// per run by the pipeline.
type TaskSpec struct {
	// Title is the section header written to the main report.
	Title string `yaml:"title"`

	// Command is the process invocation, argv style.
	Command []string `yaml:"command,omitempty"`

	// File is the path to copy verbatim into the report.
	File string `yaml:"file,omitempty"`

	// Timeout bounds the task. Zero means DefaultCommandTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// RequiresRoot schedules the task before privileges are dropped.
	RequiresRoot bool `yaml:"requires_root,omitempty"`

	// AlwaysRun bypasses dry-run gating; used for tasks whose output is
	// needed to make the report parseable at all.
	AlwaysRun bool `yaml:"always_run,omitempty"`

	// Weight is the progress cost estimate in seconds. Zero derives the
	// weight from the timeout.
	Weight int `yaml:"weight,omitempty"`
}

// Service dump priorities. Priority is part of the entry name so consumers
// can pick the tier they need without opening every entry.
const (
	// ServicePriorityNormal is the default tier.
	ServicePriorityNormal = ""
	// ServicePriorityCritical marks dumps consumers read first.
	ServicePriorityCritical = "critical"
	// ServicePriorityHigh marks dumps read before the normal tier.
	ServicePriorityHigh = "high"
)

// ServiceSpec describes one structured service dump. Unlike a TaskSpec, its
// output is not framed with banners: the command's stdout is stored raw as
// its own archive entry, so binary encodings survive intact.
type ServiceSpec struct {
	// Name identifies the service and becomes part of the entry name.
	Name string `yaml:"name"`

	// Command is the process invocation, argv style.
	Command []string `yaml:"command"`

	// Timeout bounds the dump. Zero means DefaultServiceDumpTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Priority is one of "", "critical", or "high".
	Priority string `yaml:"priority,omitempty"`
}

// EntryName returns the archive entry for the dump:
// proto/<name>.proto, with _CRITICAL or _HIGH appended to the name for the
// elevated tiers.
func (s ServiceSpec) EntryName() string {
	name := s.Name
	switch strings.ToLower(s.Priority) {
	case ServicePriorityCritical:
		name += "_CRITICAL"
	case ServicePriorityHigh:
		name += "_HIGH"
	}
	return "proto/" + name + ".proto"
}

// TaskTable groups the collection tasks by pipeline phase.
type TaskTable struct {
	// Critical tasks run first, before anything can disturb system state.
	Critical []TaskSpec `yaml:"critical"`

	// Root tasks need elevated privileges and run before the privilege drop.
	Root []TaskSpec `yaml:"root"`

	// Normal tasks make up the bulk of the report and run unprivileged.
	Normal []TaskSpec `yaml:"normal"`

	// LogCapture is the system log dump, run once early and once late in
	// the pipeline so the report carries both the pre-run state and the
	// activity caused by the run itself.
	LogCapture *TaskSpec `yaml:"log_capture,omitempty"`

	// LogSinceArg is the argument prefix appended to the second log capture
	// to restrict it to entries newer than the first one.
	LogSinceArg string `yaml:"log_since_arg,omitempty"`

	// CaptureDirs are directory trees copied into the archive under FS/.
	CaptureDirs []string `yaml:"capture_dirs,omitempty"`

	// CrashDumpDirs are scanned for crash dumps that are archived as
	// individual entries.
	CrashDumpDirs []string `yaml:"crash_dump_dirs,omitempty"`

	// Services are structured service dumps stored raw under proto/.
	// Archive-only: plain-text runs skip them.
	Services []ServiceSpec `yaml:"services,omitempty"`
}

// validate rejects task specs that name both or neither of command and file.
func (t *TaskTable) validate() error {
	check := func(group string, specs []TaskSpec) error {
		for _, s := range specs {
			hasCmd := len(s.Command) > 0
			hasFile := s.File != ""
			if hasCmd == hasFile {
				return fmt.Errorf("%w: task %q in group %q", ErrAmbiguousTask, s.Title, group)
			}
		}
		return nil
	}
	for group, specs := range map[string][]TaskSpec{
		"critical": t.Critical, "root": t.Root, "normal": t.Normal,
	} {
		if err := check(group, specs); err != nil {
			return err
		}
	}
	if t.LogCapture != nil {
		if err := check("log_capture", []TaskSpec{*t.LogCapture}); err != nil {
			return err
		}
		if t.LogCapture.File != "" {
			return fmt.Errorf("%w: log_capture must be a command", ErrAmbiguousTask)
		}
	}
	for _, s := range t.Services {
		if s.Name == "" || len(s.Command) == 0 {
			return fmt.Errorf("%w: service %q needs a name and a command", ErrInvalidService, s.Name)
		}
		switch strings.ToLower(s.Priority) {
		case ServicePriorityNormal, ServicePriorityCritical, ServicePriorityHigh:
		default:
			return fmt.Errorf("%w: service %q has unknown priority %q", ErrInvalidService, s.Name, s.Priority)
		}
	}
	return nil
}

// LoadTaskTable reads a YAML task table from path, or returns the built-in
// default table when path is empty. A file that exists but fails to parse is
// an error rather than a silent fallback; a half-applied task table would
// produce a report that looks complete but isn't.
func LoadTaskTable(path string) (*TaskTable, error) {
	if path == "" {
		return DefaultTaskTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task table: %w", err)
	}

	var table TaskTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse task table %s: %w", path, err)
	}
	if err := table.validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// DefaultTaskTable returns the portable Linux diagnostic task set.
// The table intentionally favors short, widely available tools; host-specific
// additions belong in a user task file, not here.
func DefaultTaskTable() *TaskTable {
	return &TaskTable{
		Critical: []TaskSpec{
			{Title: "UPTIME", Command: []string{"uptime"}, Timeout: 1 * time.Second, AlwaysRun: true},
			{Title: "MEMORY INFO", File: "/proc/meminfo"},
			{Title: "CPU INFO", Command: []string{"top", "-b", "-n", "1"}},
			{Title: "PROCESSES AND THREADS", Command: []string{"ps", "-eLf"}},
		},
		Root: []TaskSpec{
			{Title: "DETAILED SOCKET STATE", Command: []string{"ss", "-eionptu"}, RequiresRoot: true},
			{Title: "IPTABLES", Command: []string{"iptables", "-L", "-nvx"}, RequiresRoot: true},
			{Title: "IP6TABLES", Command: []string{"ip6tables", "-L", "-nvx"}, RequiresRoot: true},
			{Title: "LIST OF OPEN FILES", Command: []string{"lsof"}, RequiresRoot: true, Timeout: 30 * time.Second},
		},
		Normal: []TaskSpec{
			{Title: "VIRTUAL MEMORY STATS", File: "/proc/vmstat"},
			{Title: "SLAB INFO", File: "/proc/slabinfo"},
			{Title: "ZONEINFO", File: "/proc/zoneinfo"},
			{Title: "PAGETYPEINFO", File: "/proc/pagetypeinfo"},
			{Title: "BUDDYINFO", File: "/proc/buddyinfo"},
			{Title: "KERNEL LOG", Command: []string{"dmesg", "-T"}, Timeout: 30 * time.Second},
			{Title: "NETSTAT", Command: []string{"netstat", "-nW"}},
			{Title: "IP ADDRESSES", Command: []string{"ip", "addr", "show"}},
			{Title: "IP RULES", Command: []string{"ip", "rule", "show"}},
			{Title: "ROUTE TABLE", Command: []string{"ip", "route", "show", "table", "all"}},
			{Title: "ARP CACHE", Command: []string{"ip", "-4", "neigh", "show"}},
			{Title: "IPv6 ND CACHE", Command: []string{"ip", "-6", "neigh", "show"}},
			{Title: "MULTICAST ADDRESSES", Command: []string{"ip", "maddr"}},
			{Title: "FILESYSTEMS & FREE SPACE", Command: []string{"df", "-h"}},
			{Title: "LSMOD", Command: []string{"lsmod"}},
			{Title: "PRINTENV", Command: []string{"printenv"}},
			{Title: "PSI cpu", File: "/proc/pressure/cpu"},
			{Title: "PSI memory", File: "/proc/pressure/memory"},
			{Title: "PSI io", File: "/proc/pressure/io"},
			{Title: "INTERRUPTS", File: "/proc/interrupts"},
			{Title: "KERNEL CMDLINE", File: "/proc/cmdline", AlwaysRun: true},
		},
		LogCapture: &TaskSpec{
			Title:   "SYSTEM LOG",
			Command: []string{"journalctl", "--no-pager", "-b"},
			Timeout: 30 * time.Second,
		},
		LogSinceArg: "--since=",
		CaptureDirs: []string{
			"/var/log/sysdump",
		},
		CrashDumpDirs: []string{
			"/var/crash",
		},
	}
}
