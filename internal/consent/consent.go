package consent

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the consent state observed by the pipeline.
type Status int

// Consent statuses. Pending, Approved, and Denied are stored states;
// Unresolved is derived by WaitForResolution when Pending outlives its
// budget and is never stored, because the external authorizer might still
// resolve the request later.
const (
	// StatusPending means no decision has arrived yet.
	StatusPending Status = iota

	// StatusApproved means the user explicitly approved sharing.
	StatusApproved

	// StatusDenied means the user explicitly denied sharing.
	StatusDenied

	// StatusUnresolved is reported by bounded waits that expired while the
	// stored state was still Pending.
	StatusUnresolved
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Request identifies one authorization request to the external authorizer.
type Request struct {
	// CallerIdentity names the requester shown in the consent dialog.
	CallerIdentity string

	// RequestedAt is when the request was issued.
	RequestedAt time.Time

	// Timeout is how long callers are willing to regard the request as
	// worth waiting for. It does not expire the stored state.
	Timeout time.Duration
}

// Resolver receives the asynchronous decision from an Authorizer.
type Resolver interface {
	// OnApproved records an explicit approval.
	OnApproved()

	// OnDenied records an explicit denial.
	OnDenied()
}

// Authorizer is the external user-authorization service.
// AuthorizeReport must not block: the decision is delivered later through
// the Resolver, possibly never.
type Authorizer interface {
	// AuthorizeReport triggers the consent dialog. A returned error means
	// the authorizer is unreachable; the gate stays Pending forever.
	AuthorizeReport(req Request, r Resolver) error

	// CancelAuthorization withdraws a pending request, best effort.
	CancelAuthorization(req Request) error
}

// Gate tracks the authorization result for one run and exposes the
// cooperative cancellation checks used at pipeline checkpoints.
//
// The stored state transitions Pending->Approved or Pending->Denied exactly
// once and never reverts. All methods are safe for concurrent use; the
// authorizer resolves from its own goroutine.
type Gate struct {
	mu        sync.Mutex
	status    Status
	requested bool
	req       Request

	authorizer Authorizer
	logger     *slog.Logger

	// pollInterval is how often bounded waits re-check the stored state.
	pollInterval time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets a custom logger for the gate.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithPollInterval overrides the bounded-wait poll interval. Tests use this
// to keep waits short.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// NewGate creates a Gate backed by the given authorizer.
func NewGate(authorizer Authorizer, opts ...Option) *Gate {
	g := &Gate{
		status:       StatusPending,
		authorizer:   authorizer,
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// RequestAuthorization triggers the external authorization call and returns
// immediately; the result is delivered later through OnApproved/OnDenied.
// An unreachable authorizer is logged and otherwise ignored: the gate stays
// Pending and the pipeline proceeds without forwarding.
func (g *Gate) RequestAuthorization(identity string, timeout time.Duration) {
	req := Request{
		CallerIdentity: identity,
		RequestedAt:    time.Now(),
		Timeout:        timeout,
	}

	g.mu.Lock()
	g.requested = true
	g.req = req
	g.mu.Unlock()

	if err := g.authorizer.AuthorizeReport(req, g); err != nil {
		g.logger.Warn("consent authorizer unreachable; proceeding without forwarding",
			"caller", identity,
			"error", err,
		)
	}
}

// OnApproved records an explicit approval. Late or duplicate resolutions
// after a terminal state are ignored.
func (g *Gate) OnApproved() {
	g.resolve(StatusApproved)
}

// OnDenied records an explicit denial. Late or duplicate resolutions after
// a terminal state are ignored.
func (g *Gate) OnDenied() {
	g.resolve(StatusDenied)
}

func (g *Gate) resolve(s Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != StatusPending {
		return
	}
	g.status = s
	g.logger.Info("user consent resolved", "status", s.String())
}

// Requested reports whether an authorization request was issued this run.
func (g *Gate) Requested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requested
}

// Result returns the currently known stored status without blocking.
func (g *Gate) Result() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// IsDenied reports whether the user has explicitly denied consent.
// It is false while the request is pending or was never issued.
func (g *Gate) IsDenied() bool {
	return g.Result() == StatusDenied
}

// Elapsed returns how long ago the authorization request was issued.
// Zero if no request was issued.
func (g *Gate) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.requested {
		return 0
	}
	return time.Since(g.req.RequestedAt)
}

// WaitForResolution blocks up to remaining, polling the stored state, and
// returns Approved, Denied, or Unresolved. The stored state is not modified
// on expiry: a later resolution is still honored if observed before the
// process exits.
func (g *Gate) WaitForResolution(remaining time.Duration) Status {
	deadline := time.Now().Add(remaining)
	for {
		if s := g.Result(); s != StatusPending {
			return s
		}
		left := time.Until(deadline)
		if left <= 0 {
			return StatusUnresolved
		}
		if left < g.pollInterval {
			time.Sleep(left)
		} else {
			time.Sleep(g.pollInterval)
		}
	}
}

// Cancel sends a best-effort cancellation to the external authorizer.
// Used when the pipeline decides to proceed without waiting further, so the
// consent dialog does not outlive the run.
func (g *Gate) Cancel() {
	g.mu.Lock()
	requested := g.requested
	req := g.req
	g.mu.Unlock()

	if !requested {
		return
	}
	if err := g.authorizer.CancelAuthorization(req); err != nil {
		g.logger.Debug("unable to cancel consent request", "error", err)
	}
}
