package session

import "github.com/hervehildenbrand/prefixd-sync/pkg/models"

// Decision is what a protected view should do.
type Decision int

// Decisions
const (
	// Wait shows a loading state; nothing protected is rendered yet.
	Wait Decision = iota
	Render
	RedirectLogin
	Forbidden
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case RedirectLogin:
		return "redirect_login"
	case Forbidden:
		return "forbidden"
	}
	return "unknown"
}

// Requirement is what a view needs. The zero value admits any session.
type Requirement struct {
	Role models.OperatorRole
}

// Decide gates a view. Nothing renders or redirects until both checks have
// settled, except under AuthDisabled which the health check alone decides.
func (g *Gate) Decide(req Requirement) Decision {
	s := g.Session()
	switch s.State {
	case StateAuthDisabled:
		return Render
	case StateUnresolved:
		return Wait
	}
	if !s.Settled() {
		return Wait
	}
	if s.State == StateUnauthenticated || s.Operator == nil {
		return RedirectLogin
	}
	if req.Role != "" && !s.Operator.Role.Includes(req.Role) {
		return Forbidden
	}
	return Render
}

// Permissions lists the actions the dashboard gates by role.
type Permissions struct {
	Role models.OperatorRole

	IsAdmin    bool
	IsOperator bool
	IsViewer   bool

	CanWithdraw       bool
	CanManageSafelist bool
	CanManageUsers    bool
	CanReloadConfig   bool
}

// PermissionsFor maps a role to its permissions.
func PermissionsFor(role models.OperatorRole) Permissions {
	admin := role == models.RoleAdmin
	return Permissions{
		Role:              role,
		IsAdmin:           admin,
		IsOperator:        role.Includes(models.RoleOperator),
		IsViewer:          role.Includes(models.RoleViewer),
		CanWithdraw:       role.Includes(models.RoleOperator),
		CanManageSafelist: admin,
		CanManageUsers:    admin,
		CanReloadConfig:   admin,
	}
}
