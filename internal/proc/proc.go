package proc

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a process for stack trace collection.
type Kind int

const (
	// KindIrrelevant processes are not traced.
	KindIrrelevant Kind = iota
	// KindRuntime processes run under a managed runtime and dump quickly.
	KindRuntime
	// KindNative processes are natively compiled allowlist matches; their
	// traces need an external unwinder and a longer budget.
	KindNative
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindRuntime:
		return "runtime"
	case KindNative:
		return "native"
	default:
		return "irrelevant"
	}
}

// Process is one live process as seen under /proc.
type Process struct {
	PID  int
	Exe  string // resolved executable path; empty when unreadable
	Comm string
}

// List enumerates live processes under procRoot (normally "/proc"), sorted
// by pid. Entries that disappear mid-scan are skipped; /proc is inherently
// racy.
func List(procRoot string) ([]Process, error) {
	dirents, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}

	procs := make([]Process, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		p := Process{PID: pid}
		if exe, err := os.Readlink(filepath.Join(procRoot, d.Name(), "exe")); err == nil {
			p.Exe = exe
		}
		if comm, err := os.ReadFile(filepath.Join(procRoot, d.Name(), "comm")); err == nil {
			p.Comm = strings.TrimSpace(string(comm))
		}
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

// Classifier decides which processes get traced and how.
type Classifier struct {
	runtimeBinaries map[string]struct{}
	nativePrefixes  []string
}

// NewClassifier creates a Classifier. runtimeBinaries are matched against
// the executable's full path and basename; nativeAllowlist entries are
// matched as path prefixes.
func NewClassifier(runtimeBinaries, nativeAllowlist []string) *Classifier {
	runtime := make(map[string]struct{}, len(runtimeBinaries))
	for _, b := range runtimeBinaries {
		runtime[b] = struct{}{}
	}
	return &Classifier{
		runtimeBinaries: runtime,
		nativePrefixes:  append([]string(nil), nativeAllowlist...),
	}
}

// Classify returns the trace kind for p. A process with an unreadable
// executable link is irrelevant: without the path there is nothing to
// match, and tracing it would most likely fail anyway.
func (c *Classifier) Classify(p Process) Kind {
	if p.Exe == "" {
		return KindIrrelevant
	}
	if _, ok := c.runtimeBinaries[p.Exe]; ok {
		return KindRuntime
	}
	if _, ok := c.runtimeBinaries[filepath.Base(p.Exe)]; ok {
		return KindRuntime
	}
	for _, prefix := range c.nativePrefixes {
		if strings.HasPrefix(p.Exe, prefix) {
			return KindNative
		}
	}
	return KindIrrelevant
}

// DistinctMountNamespaces returns one representative pid per distinct mount
// namespace, in pid order. Mount tables are identical within a namespace,
// so dumping one member covers them all.
func DistinctMountNamespaces(procRoot string, procs []Process) []Process {
	seen := make(map[string]struct{})
	var out []Process
	for _, p := range procs {
		ns, err := os.Readlink(filepath.Join(procRoot, strconv.Itoa(p.PID), "ns", "mnt"))
		if err != nil {
			continue
		}
		if _, dup := seen[ns]; dup {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, p)
	}
	return out
}
