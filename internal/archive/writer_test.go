package archive

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// readArchive opens the finished archive and returns entry contents by name.
func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("archive is not readable: %v", err)
	}
	defer zr.Close()

	entries := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("cannot open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("cannot read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = string(data)
	}
	return entries
}

// TestSanitizeEntryName tests the extension blocklist.
func TestSanitizeEntryName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"report.exe":       "report.exe.renamed",
		"report.EXE":       "report.EXE.renamed",
		"setup.Bat":        "setup.Bat.renamed",
		"notes.txt":        "notes.txt",
		"main_entry.txt":   "main_entry.txt",
		"FS/proc/meminfo":  "FS/proc/meminfo",
		"archive.jar":      "archive.jar.renamed",
		"noextension":      "noextension",
		"trace.sys":        "trace.sys.renamed",
		"weird.exe.txt":    "weird.exe.txt",
		"double.txt.vbs":   "double.txt.vbs.renamed",
		"dir.exe/safe.txt": "dir.exe/safe.txt",
	}
	for name, want := range cases {
		if got := SanitizeEntryName(name); got != want {
			t.Errorf("SanitizeEntryName(%q): got %q, expected %q", name, got, want)
		}
	}
}

// TestWriterEntries tests normal entry streaming and naming.
func TestWriterEntries(t *testing.T) {
	t.Parallel()

	t.Run("streams files and text entries in order", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		src := filepath.Join(dir, "meminfo")
		if err := os.WriteFile(src, []byte("MemTotal: 1024 kB\n"), 0600); err != nil {
			t.Fatal(err)
		}

		w, err := NewWriter(filepath.Join(dir, "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.AddEntryFromFile("FS/proc/meminfo", src, time.Time{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.AddTextEntry("version.txt", "2.0\n"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		entries := readArchive(t, w.Path())
		if got := entries["FS/proc/meminfo"]; got != "MemTotal: 1024 kB\n" {
			t.Errorf("file entry content: got %q", got)
		}
		if got := entries["version.txt"]; got != "2.0\n" {
			t.Errorf("text entry content: got %q", got)
		}

		names := w.EntryNames()
		if len(names) != 2 || names[0] != "FS/proc/meminfo" || names[1] != "version.txt" {
			t.Errorf("entry order: got %v", names)
		}
	})

	t.Run("blocked extension is renamed", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		w, err := NewWriter(filepath.Join(dir, "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.AddEntryFromReader("report.exe", strings.NewReader("MZ"), time.Now(), time.Time{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.AddTextEntry("notes.txt", "fine"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		entries := readArchive(t, w.Path())
		if _, ok := entries["report.exe.renamed"]; !ok {
			t.Errorf("expected report.exe.renamed, entries: %v", w.EntryNames())
		}
		if _, ok := entries["report.exe"]; ok {
			t.Error("blocked name must not appear unrenamed")
		}
		if _, ok := entries["notes.txt"]; !ok {
			t.Error("expected notes.txt untouched")
		}
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		defer w.Finalize()

		if err := w.AddTextEntry("", "x"); !errors.Is(err, ErrEmptyEntryName) {
			t.Errorf("got %v, expected ErrEmptyEntryName", err)
		}
	})

	t.Run("missing source file is an error, archive stays valid", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		w, err := NewWriter(filepath.Join(dir, "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.AddEntryFromFile("ghost.txt", filepath.Join(dir, "absent"), time.Time{}); err == nil {
			t.Error("expected error for missing source")
		}
		if err := w.AddTextEntry("after.txt", "still works"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := readArchive(t, w.Path())["after.txt"]; !ok {
			t.Error("archive must stay writable after a failed add")
		}
	})
}

// neverEnding yields data forever; it simulates a descriptor that does not
// reach EOF within its budget.
type neverEnding struct{}

func (neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

// blockedSource blocks inside Read until released; it simulates a pipe or
// device node with no data pending.
type blockedSource struct {
	release chan struct{}
}

func (b *blockedSource) Read(p []byte) (int, error) {
	<-b.release
	return 0, io.EOF
}

// TestWriterDeadline tests timeout-bounded streaming.
func TestWriterDeadline(t *testing.T) {
	t.Parallel()

	t.Run("expired deadline finalizes a partial entry", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(20 * time.Millisecond)
		err = w.AddEntryFromReader("huge.log", neverEnding{}, time.Now(), deadline)
		if !errors.Is(err, ErrEntryTimeout) {
			t.Fatalf("got %v, expected ErrEntryTimeout", err)
		}

		// The run continues: later entries and finalization must succeed,
		// and the archive must open cleanly with the partial entry present.
		if err := w.AddTextEntry("next.txt", "ok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		entries := readArchive(t, w.Path())
		if _, ok := entries["huge.log"]; !ok {
			t.Error("partial entry must still be present")
		}
		if entries["next.txt"] != "ok" {
			t.Error("entry after timeout must be intact")
		}
	})

	t.Run("source blocked inside Read cannot outlive the deadline", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}

		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		err = w.AddEntryFromReader("stuck.log", &blockedSource{release: release}, time.Now(), time.Now().Add(50*time.Millisecond))
		if !errors.Is(err, ErrEntryTimeout) {
			t.Fatalf("got %v, expected ErrEntryTimeout", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("timeout took %v, expected it bounded by the budget", elapsed)
		}

		if err := w.AddTextEntry("next.txt", "ok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		entries := readArchive(t, w.Path())
		if _, ok := entries["stuck.log"]; !ok {
			t.Error("the timed-out entry must still be present")
		}
		if entries["next.txt"] != "ok" {
			t.Error("entry after timeout must be intact")
		}
	})

	t.Run("zero deadline disables the budget", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.AddEntryFromReader("small.txt", strings.NewReader("data"), time.Now(), time.Time{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// TestWriterFinalize tests the terminal state.
func TestWriterFinalize(t *testing.T) {
	t.Parallel()

	t.Run("writes after finalize are rejected", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.AddTextEntry("late.txt", "x"); !errors.Is(err, ErrFinalized) {
			t.Errorf("got %v, expected ErrFinalized", err)
		}
	})

	t.Run("finalize is idempotent", func(t *testing.T) {
		t.Parallel()

		w, err := NewWriter(filepath.Join(t.TempDir(), "out.zip"))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := w.Finalize(); err != nil {
			t.Errorf("second finalize: got %v, expected nil", err)
		}
	})
}
