package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
)

// chunkSize is the unit of deadline-gated streaming. Reads run on a
// separate goroutine and are joined against the remaining budget, so a
// source that blocks inside Read cannot hold its entry past the deadline.
const chunkSize = 64 * 1024

// blockedExtensions lists extensions that mail and upload filters commonly
// reject. Matching entries are stored under "<name>.renamed" instead.
var blockedExtensions = map[string]struct{}{
	".ade": {}, ".adp": {}, ".bat": {}, ".chm": {}, ".cmd": {}, ".com": {},
	".cpl": {}, ".exe": {}, ".hta": {}, ".ins": {}, ".isp": {}, ".jar": {},
	".jse": {}, ".lib": {}, ".lnk": {}, ".mde": {}, ".msc": {}, ".msp": {},
	".mst": {}, ".pif": {}, ".scr": {}, ".sct": {}, ".shb": {}, ".sys": {},
	".vb": {}, ".vbe": {}, ".vbs": {}, ".vxd": {}, ".wsc": {}, ".wsf": {},
	".wsh": {},
}

// SanitizeEntryName returns the archive-safe form of name: when the
// extension is on the blocklist (case-insensitive), ".renamed" is appended;
// otherwise the name is returned unchanged.
func SanitizeEntryName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if _, blocked := blockedExtensions[ext]; blocked {
		return name + ".renamed"
	}
	return name
}

// Writer streams entries into a single zip archive. Entries are written
// strictly one at a time; every Add method fully finalizes its entry before
// returning, on success, I/O error, and timeout alike.
type Writer struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	zw        *zip.Writer
	finalized bool
	entries   []string
	level     int
	logger    *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithCompressionLevel overrides the deflate level.
func WithCompressionLevel(level int) Option {
	return func(w *Writer) {
		w.level = level
	}
}

// WithLogger sets a custom logger for the writer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates the archive file at p and prepares it for streaming.
// Diagnostic output is large and mostly text, so the fast deflate level wins
// over the default on every host we measured.
func NewWriter(p string, opts ...Option) (*Writer, error) {
	w := &Writer{
		path:  p,
		level: flate.BestSpeed,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	w.file = f
	w.zw = zip.NewWriter(f)
	w.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, w.level)
	})
	return w, nil
}

// Path returns the location of the archive file.
func (w *Writer) Path() string {
	return w.path
}

// EntryNames returns the names of all entries written so far, in order.
func (w *Writer) EntryNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, len(w.entries))
	copy(names, w.entries)
	return names
}

// AddEntryFromFile streams the file at src into an entry called name,
// carrying over the source's modification time. A zero deadline disables
// the time budget.
func (w *Writer) AddEntryFromFile(name, src string, deadline time.Time) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	mtime := time.Now()
	if info, err := f.Stat(); err == nil {
		mtime = info.ModTime()
	}
	return w.AddEntryFromReader(name, f, mtime, deadline)
}

// AddEntryFromReader streams r into an entry called name in fixed-size
// chunks. When deadline is non-zero, every read is bounded by the remaining
// budget, even when the source blocks inside Read; on expiry the partial
// entry is finalized and ErrEntryTimeout is returned. The entry is finalized
// on every exit path.
func (w *Writer) AddEntryFromReader(name string, r io.Reader, mtime, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ew, err := w.openEntryLocked(name, mtime)
	if err != nil {
		return err
	}

	// The zip writer finalizes the open entry when the next one starts or
	// the archive closes, so returning here, with the entry full, partial,
	// or empty, always leaves the archive structurally valid.
	if deadline.IsZero() {
		if _, err := io.Copy(ew, r); err != nil {
			return fmt.Errorf("failed to read source of entry %s: %w", name, err)
		}
		return nil
	}

	// Reads happen on their own goroutine so that a source blocked inside
	// Read is abandoned, not waited on. The abandoned goroutine exits the
	// next time Read returns; for file sources the caller closing the file
	// forces that return.
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			buf := make([]byte, chunkSize)
			n, rerr := r.Read(buf)
			select {
			case chunks <- chunk{data: buf[:n], err: rerr}:
			case <-stop:
				return
			}
			if rerr != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var written int64
	for {
		select {
		case c := <-chunks:
			if len(c.data) > 0 {
				if _, werr := ew.Write(c.data); werr != nil {
					return fmt.Errorf("failed to write entry %s: %w", name, werr)
				}
				written += int64(len(c.data))
			}
			if c.err == io.EOF {
				return nil
			}
			if c.err != nil {
				return fmt.Errorf("failed to read source of entry %s: %w", name, c.err)
			}
		case <-timer.C:
			w.logger.Warn("archive entry timed out",
				"entry", name,
				"bytes", written,
			)
			return fmt.Errorf("%w: %s", ErrEntryTimeout, name)
		}
	}
}

// AddTextEntry writes literal content as an entry called name, with no
// deadline.
func (w *Writer) AddTextEntry(name, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ew, err := w.openEntryLocked(name, time.Now())
	if err != nil {
		return err
	}
	if _, err := io.WriteString(ew, content); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}
	return nil
}

func (w *Writer) openEntryLocked(name string, mtime time.Time) (io.Writer, error) {
	if w.finalized {
		return nil, ErrFinalized
	}
	if name == "" {
		return nil, ErrEmptyEntryName
	}

	safe := SanitizeEntryName(name)
	if safe != name {
		w.logger.Info("renamed blocked entry", "from", name, "to", safe)
	}
	hdr := &zip.FileHeader{
		Name:     safe,
		Method:   zip.Deflate,
		Modified: mtime,
	}
	ew, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", safe, err)
	}
	w.entries = append(w.entries, safe)
	return ew, nil
}

// Finalize writes the central directory and closes the archive file. No
// further writes are permitted afterward. Finalize is idempotent.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return nil
	}
	w.finalized = true

	zerr := w.zw.Close()
	cerr := w.file.Close()
	if zerr != nil {
		return fmt.Errorf("failed to finalize archive: %w", zerr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close archive file: %w", cerr)
	}
	return nil
}
