package device

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default bounds on the collector join.
const (
	// DefaultWaitTimeout is the completion window granted before the
	// collector is forcibly restarted.
	DefaultWaitTimeout = 30 * time.Second

	// DefaultKillGrace is the additional wait after a forced restart.
	DefaultKillGrace = 10 * time.Second
)

// Collector produces diagnostics into pre-opened output slots.
type Collector interface {
	// Collect writes into the slots and returns when done. It runs on its
	// own goroutine; a Collect that never returns is tolerated.
	Collect(ctx context.Context, slots []*os.File) error

	// ForceRestart tears the collector down after it missed its window.
	ForceRestart() error
}

// CostReporter receives the elapsed collection cost in progress units.
type CostReporter interface {
	Add(delta int)
}

// Slot is one non-empty collector output, ready for archiving.
type Slot struct {
	Name string
	Path string
}

// Gatherer runs a Collector under the two-deadline join.
type Gatherer struct {
	collector   Collector
	waitTimeout time.Duration
	killGrace   time.Duration
	cost        CostReporter
	logger      *slog.Logger
}

// Option configures a Gatherer.
type Option func(*Gatherer)

// WithWaitTimeout overrides the completion window.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Gatherer) {
		if d > 0 {
			g.waitTimeout = d
		}
	}
}

// WithKillGrace overrides the post-restart grace period.
func WithKillGrace(d time.Duration) Option {
	return func(g *Gatherer) {
		if d > 0 {
			g.killGrace = d
		}
	}
}

// WithCostReporter sets the progress sink charged on completion.
func WithCostReporter(c CostReporter) Option {
	return func(g *Gatherer) {
		g.cost = c
	}
}

// WithLogger sets a custom logger for the gatherer.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatherer) {
		g.logger = logger
	}
}

// NewGatherer creates a Gatherer around collector.
func NewGatherer(collector Collector, opts ...Option) *Gatherer {
	g := &Gatherer{
		collector:   collector,
		waitTimeout: DefaultWaitTimeout,
		killGrace:   DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Gather creates one output file per name under dir, runs the collector
// against them, and returns the slots that ended up non-empty. Empty or
// unreadable slots are discarded silently. Gather never blocks longer than
// the completion window plus the grace period; a completely unresponsive
// collector yields zero slots and a nil error.
func (g *Gatherer) Gather(ctx context.Context, dir string, names []string) ([]Slot, error) {
	files := make([]*os.File, 0, len(names))
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		paths = append(paths, path)
	}

	start := time.Now()
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.collector.Collect(egctx, files)
	})

	done := make(chan error, 1)
	go func() {
		err := eg.Wait()
		if g.cost != nil {
			// The collector may finish after the orchestrator has moved
			// on; the estimator serializes this late update internally.
			g.cost.Add(int(time.Since(start).Seconds()))
		}
		done <- err
	}()

	completed := g.join(done)
	if !completed {
		g.logger.Warn("device collector missed its window",
			"wait", g.waitTimeout,
			"grace", g.killGrace,
		)
	}

	// Close our handles regardless; a still-running collector keeps its
	// own duplicated descriptors.
	for _, f := range files {
		if err := f.Close(); err != nil {
			g.logger.Debug("slot close failed", "path", f.Name(), "error", err)
		}
	}

	var slots []Slot
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			g.logger.Debug("discarding empty slot", "path", path)
			continue
		}
		slots = append(slots, Slot{Name: names[i], Path: path})
	}
	g.logger.Info("device collection finished",
		"completed", completed,
		"slots", len(slots),
		"elapsed", time.Since(start),
	)
	return slots, nil
}

// join waits for completion under the two chained deadlines and reports
// whether the collector actually finished.
func (g *Gatherer) join(done <-chan error) bool {
	wait := time.NewTimer(g.waitTimeout)
	defer wait.Stop()

	select {
	case err := <-done:
		if err != nil {
			g.logger.Warn("device collector failed", "error", err)
		}
		return true
	case <-wait.C:
	}

	if err := g.collector.ForceRestart(); err != nil {
		g.logger.Warn("device collector restart failed", "error", err)
	}

	grace := time.NewTimer(g.killGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		if err != nil {
			g.logger.Warn("device collector failed after restart", "error", err)
		}
		return true
	case <-grace.C:
		return false
	}
}
