// Package session derives the dashboard's authentication state from the auth
// and health checks and from 401s surfaced anywhere in the client.
package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

// State is the session state.
type State int

// Session states
const (
	StateUnresolved State = iota
	StateAuthenticated
	StateUnauthenticated
	StateAuthDisabled
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthDisabled:
		return "auth_disabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reasons passed to Hooks.SessionEnded
const (
	ReasonLogout       = "logout"
	ReasonUnauthorized = "unauthorized"
	ReasonNoSession    = "no_session"
)

// AnonymousAdmin is the operator assumed when the daemon runs with auth mode none.
var AnonymousAdmin = models.Operator{Username: "anonymous", Role: models.RoleAdmin}

// Hooks are the effects of state changes. They run on the goroutine that fed
// the input, after the gate's lock is released.
type Hooks struct {
	// SessionEnded fires once per entry into Unauthenticated. It is where the
	// cache is reset, the feed torn down and the login view shown.
	SessionEnded func(reason string)
	// StateChanged fires on every transition.
	StateChanged func(from, to State)
}

// Session is a snapshot of the gate.
type Session struct {
	State         State
	Operator      *models.Operator
	AuthSettled   bool
	HealthSettled bool
}

// Settled reports whether both checks have answered at least once.
func (s Session) Settled() bool {
	return s.AuthSettled && s.HealthSettled
}

// Gate is the session state machine. It is safe for concurrent use; each input
// is applied in one critical section.
type Gate struct {
	mu            sync.Mutex
	state         State
	operator      *models.Operator
	authSettled   bool
	healthSettled bool

	hooks Hooks
	log   zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// NewGate returns a gate in the Unresolved state.
func NewGate(hooks Hooks, opts ...Option) *Gate {
	g := &Gate{state: StateUnresolved, hooks: hooks, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// transition is a state change decided under the lock and announced after it.
type transition struct {
	from, to State
	reason   string
}

// AuthResolved feeds the result of GET /v1/auth/me. A 401 settles the check as
// "no session"; other failures leave it unsettled so the check can be retried.
func (g *Gate) AuthResolved(op *models.Operator, err error) {
	g.mu.Lock()
	var tr *transition
	switch {
	case g.state == StateAuthDisabled:
		g.authSettled = true
	case err == nil && op != nil:
		g.authSettled = true
		o := *op
		g.operator = &o
		tr = g.moveLocked(StateAuthenticated, "")
	case err == nil || api.IsUnauthorized(err):
		g.authSettled = true
		g.operator = nil
		tr = g.moveLocked(StateUnauthenticated, ReasonNoSession)
	default:
		g.log.Warn().Err(err).Msg("auth check failed")
	}
	g.mu.Unlock()
	g.announce(tr)
}

// HealthResolved feeds the result of GET /v1/health. Auth mode none moves the
// gate to AuthDisabled for the rest of its life.
func (g *Gate) HealthResolved(h *models.Health, err error) {
	g.mu.Lock()
	g.healthSettled = true
	var tr *transition
	if err == nil && h != nil && h.AuthDisabled() && g.state != StateAuthDisabled {
		admin := AnonymousAdmin
		g.operator = &admin
		tr = g.moveLocked(StateAuthDisabled, "")
	}
	if err != nil {
		g.log.Warn().Err(err).Msg("health check failed")
	}
	g.mu.Unlock()
	g.announce(tr)
}

// Unauthorized reports a 401 from any request. source names the request for the log.
func (g *Gate) Unauthorized(source string) {
	g.mu.Lock()
	var tr *transition
	switch g.state {
	case StateAuthDisabled:
		g.log.Warn().Str("source", source).Msg("401 while auth is disabled, ignoring")
	case StateUnauthenticated:
	default:
		g.log.Info().Str("source", source).Msg("session expired")
		g.authSettled = true
		g.operator = nil
		tr = g.moveLocked(StateUnauthenticated, ReasonUnauthorized)
	}
	g.mu.Unlock()
	g.announce(tr)
}

// Logout ends the session on operator request.
func (g *Gate) Logout() {
	g.mu.Lock()
	var tr *transition
	if g.state != StateAuthDisabled {
		g.operator = nil
		g.authSettled = true
		tr = g.moveLocked(StateUnauthenticated, ReasonLogout)
	}
	g.mu.Unlock()
	g.announce(tr)
}

// LoginSucceeded records a successful POST /v1/auth/login.
func (g *Gate) LoginSucceeded(op models.Operator) {
	g.mu.Lock()
	var tr *transition
	if g.state != StateAuthDisabled {
		g.operator = &op
		g.authSettled = true
		tr = g.moveLocked(StateAuthenticated, "")
	}
	g.mu.Unlock()
	g.announce(tr)
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a snapshot of the gate.
func (g *Gate) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Session{State: g.state, AuthSettled: g.authSettled, HealthSettled: g.healthSettled}
	if g.operator != nil {
		op := *g.operator
		s.Operator = &op
	}
	return s
}

// Permissions returns what the current operator may do.
func (g *Gate) Permissions() Permissions {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.operator == nil {
		return Permissions{}
	}
	return PermissionsFor(g.operator.Role)
}

func (g *Gate) moveLocked(to State, reason string) *transition {
	if g.state == to {
		return nil
	}
	tr := &transition{from: g.state, to: to, reason: reason}
	g.state = to
	return tr
}

func (g *Gate) announce(tr *transition) {
	if tr == nil {
		return
	}
	g.log.Info().Str("from", tr.from.String()).Str("to", tr.to.String()).Str("reason", tr.reason).Msg("session state changed")
	if g.hooks.StateChanged != nil {
		g.hooks.StateChanged(tr.from, tr.to)
	}
	if tr.to == StateUnauthenticated && g.hooks.SessionEnded != nil {
		g.hooks.SessionEnded(tr.reason)
	}
}
