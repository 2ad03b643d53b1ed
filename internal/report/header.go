package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Header holds the identification block written at the top of the main
// entry. All fields are plain strings so tests can construct headers
// without touching the host.
type Header struct {
	Timestamp     time.Time
	Hostname      string
	Kernel        string
	Uptime        time.Duration
	FormatVersion string
	DryRun        bool
}

// CollectHeader gathers host identification for the report header. Every
// field is best-effort: a host where /proc is restricted still gets a
// header, just a sparser one.
func CollectHeader(formatVersion string, dryRun bool) Header {
	h := Header{
		Timestamp:     time.Now(),
		FormatVersion: formatVersion,
		DryRun:        dryRun,
	}
	if name, err := os.Hostname(); err == nil {
		h.Hostname = name
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		h.Kernel = strings.Join([]string{
			unix.ByteSliceToString(uts.Sysname[:]),
			unix.ByteSliceToString(uts.Release[:]),
			unix.ByteSliceToString(uts.Version[:]),
			unix.ByteSliceToString(uts.Machine[:]),
		}, " ")
	}
	if up, err := readUptime("/proc/uptime"); err == nil {
		h.Uptime = up
	}
	return h
}

// WriteTo writes the header block. It implements io.WriterTo so the header
// can be streamed straight into the main entry.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 56)

	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "== sysdump: %s\n", h.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "%s\n\n", rule)

	if h.Hostname != "" {
		fmt.Fprintf(&b, "Host: %s\n", h.Hostname)
	}
	if h.Kernel != "" {
		fmt.Fprintf(&b, "Kernel: %s\n", h.Kernel)
	}
	if h.Uptime > 0 {
		fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(h.Uptime))
	}
	fmt.Fprintf(&b, "Report format version: %s\n", h.FormatVersion)
	if h.DryRun {
		fmt.Fprintf(&b, "Dry run: 1\n")
	}
	fmt.Fprintf(&b, "\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// readUptime parses the first field of /proc/uptime (seconds since boot).
func readUptime(path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty uptime file: %s", path)
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid uptime %q: %w", fields[0], err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// formatUptime renders an uptime as "up N days, HH:MM:SS".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("up %d days, %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("up %02d:%02d:%02d", hours, minutes, seconds)
}
