package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
)

// Estimation bounds and defaults.
const (
	// DefaultMax is the expected total cost used when no valid statistics
	// are available, in progress units (roughly seconds of task budget).
	DefaultMax = 5000

	// DefaultGrowthFactor is applied to the maximum whenever actual progress
	// overtakes it. A 10% cushion keeps the percentage from pinning at 100
	// while the run is still going.
	DefaultGrowthFactor = 1.1

	// MaxRuns bounds the persisted run count; a larger value indicates a
	// corrupt stats file.
	MaxRuns = 1000

	// MaxAverage bounds the persisted average maximum; a larger value
	// indicates a corrupt stats file.
	MaxAverage = 100000
)

// ErrMalformedStats is returned by Load when the stats file cannot be parsed
// as two integers. Out-of-range values are not an error: they invalidate the
// seed and fall back to DefaultMax.
var ErrMalformedStats = errors.New("malformed stats file")

// Reporter receives percent-complete notifications.
// Implementations fan out to the control socket and the caller's listener.
type Reporter func(progress, max, percent int)

// Estimator tracks completion of one run against a learned maximum.
//
// All methods are safe for concurrent use: progress is mutated by the
// orchestrator goroutine, with one exception, the external device
// collector's completion path, which also reports elapsed cost.
type Estimator struct {
	mu sync.Mutex

	// path is the stats file; empty disables persistence.
	path string

	progress     int
	max          int
	initialMax   int
	growthFactor float64

	// runs and averageMax are the persisted statistics loaded from path.
	runs       int
	averageMax int

	// lastReportedPercent enforces monotonic reporting: listeners only see
	// strictly increasing percentages.
	lastReportedPercent int

	reporter Reporter
	logger   *slog.Logger
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithGrowthFactor overrides the growth factor. Values <= 1 are ignored.
func WithGrowthFactor(f float64) Option {
	return func(e *Estimator) {
		if f > 1 {
			e.growthFactor = f
		}
	}
}

// WithReporter sets the percent-complete notification sink.
func WithReporter(r Reporter) Option {
	return func(e *Estimator) {
		e.reporter = r
	}
}

// WithLogger sets a custom logger for the estimator.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// NewEstimator creates an Estimator seeded from the stats file at path.
// An empty path disables persistence and seeds DefaultMax. A missing,
// unreadable, or invalid stats file also seeds DefaultMax; statistics are a
// calibration aid, never a reason to fail a bugreport.
func NewEstimator(path string, opts ...Option) *Estimator {
	e := &Estimator{
		path:         path,
		max:          DefaultMax,
		initialMax:   DefaultMax,
		growthFactor: DefaultGrowthFactor,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if path != "" {
		if err := e.Load(); err != nil {
			e.logger.Warn("could not load progress stats", "path", path, "error", err)
		}
	}
	return e
}

// Load parses the stats file: one line, two whitespace-separated integers
// (runCount, averageMax). The average seeds the run's maximum when both
// fields are in range; either field out of range invalidates the whole seed
// and DefaultMax is used instead.
func (e *Estimator) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}

	var runs, average int
	if _, err := fmt.Sscanf(string(data), "%d %d", &runs, &average); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedStats, e.path)
	}

	e.runs = runs
	e.averageMax = average
	if runs <= 0 || average <= 0 || runs > MaxRuns || average > MaxAverage {
		e.logger.Warn("stats out of range, using default max",
			"runs", runs,
			"average", average,
			"default", DefaultMax,
		)
		e.initialMax = DefaultMax
	} else {
		e.initialMax = average
	}
	e.max = e.initialMax
	return nil
}

// Inc adds delta (in progress units) to the run's progress. When progress
// overtakes the maximum, the maximum grows by the growth factor and Inc
// returns true. Negative deltas are ignored.
func (e *Estimator) Inc(delta int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if delta < 0 {
		return false
	}
	e.progress += delta
	if e.progress > e.max {
		oldMax := e.max
		e.max = int(math.Floor(float64(e.progress) * e.growthFactor))
		e.logger.Debug("adjusting max progress", "old", oldMax, "new", e.max)
		return true
	}
	return false
}

// Get returns the current progress.
func (e *Estimator) Get() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Max returns the current maximum, which never shrinks within a run.
func (e *Estimator) Max() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}

// InitialMax returns the maximum the run started with.
func (e *Estimator) InitialMax() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialMax
}

// Percent returns the completion percentage, clamped to [0, 100].
func (e *Estimator) Percent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.percentLocked()
}

func (e *Estimator) percentLocked() int {
	if e.max <= 0 {
		return 0
	}
	percent := 100 * e.progress / e.max
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// Add increments progress by delta and notifies the reporter, but only when
// the percentage strictly increased since the last notification. Repeated or
// backward percentages are never reported.
func (e *Estimator) Add(delta int) {
	e.mu.Lock()
	e.incLocked(delta)
	report, progress, max, percent := e.shouldReportLocked()
	reporter := e.reporter
	e.mu.Unlock()

	if report && reporter != nil {
		reporter(progress, max, percent)
	}
}

func (e *Estimator) incLocked(delta int) {
	if delta < 0 {
		return
	}
	e.progress += delta
	if e.progress > e.max {
		e.max = int(math.Floor(float64(e.progress) * e.growthFactor))
	}
}

func (e *Estimator) shouldReportLocked() (bool, int, int, int) {
	percent := e.percentLocked()
	if e.lastReportedPercent > 0 && percent <= e.lastReportedPercent {
		return false, 0, 0, 0
	}
	e.lastReportedPercent = percent
	return true, e.progress, e.max, percent
}

// Save folds the run's final progress into the cumulative average and
// persists (runs+1, newAverage). A no-op when persistence is disabled.
func (e *Estimator) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.path == "" {
		return nil
	}

	total := e.runs*e.averageMax + e.progress
	runs := e.runs + 1
	average := int(math.Floor(float64(total) / float64(runs)))

	e.logger.Info("saving progress stats",
		"path", e.path,
		"runs", runs,
		"average", average,
	)
	content := fmt.Sprintf("%d %d\n", runs, average)
	if err := os.WriteFile(e.path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}
