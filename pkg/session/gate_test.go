package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

type recorder struct {
	mu      sync.Mutex
	ended   []string
	changes [][2]State
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		SessionEnded: func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, reason)
		},
		StateChanged: func(from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, [2]State{from, to})
		},
	}
}

func (r *recorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ended)
}

var (
	operator = &models.Operator{ID: "op-1", Username: "alice", Role: models.RoleOperator}
	health   = &models.Health{Status: "ok", AuthMode: models.AuthModeCredentials}
	unauth   = &api.Error{Kind: api.KindUnauthorized, Status: 401}
)

func TestWaitsForBothChecks(t *testing.T) {
	g := NewGate(Hooks{})
	assert.Equal(t, Wait, g.Decide(Requirement{}))

	g.AuthResolved(operator, nil)
	assert.Equal(t, StateAuthenticated, g.State())
	assert.Equal(t, Wait, g.Decide(Requirement{}), "health not settled")

	g.HealthResolved(health, nil)
	assert.Equal(t, Render, g.Decide(Requirement{}))
}

func TestNoPrematureRedirect(t *testing.T) {
	rec := &recorder{}
	g := NewGate(rec.hooks())

	g.AuthResolved(nil, unauth)
	assert.Equal(t, StateUnauthenticated, g.State())
	assert.Equal(t, Wait, g.Decide(Requirement{}))

	g.HealthResolved(nil, errors.New("connection refused"))
	assert.Equal(t, RedirectLogin, g.Decide(Requirement{}))
	assert.Equal(t, []string{ReasonNoSession}, rec.ended)
}

func TestTransientAuthFailureStaysUnresolved(t *testing.T) {
	g := NewGate(Hooks{})
	g.HealthResolved(health, nil)
	g.AuthResolved(nil, &api.Error{Kind: api.KindTransient, Status: 503})

	assert.Equal(t, StateUnresolved, g.State())
	assert.Equal(t, Wait, g.Decide(Requirement{}))
	assert.False(t, g.Session().AuthSettled)
}

func TestAuthDisabledIsPermanent(t *testing.T) {
	rec := &recorder{}
	g := NewGate(rec.hooks())

	g.HealthResolved(&models.Health{AuthMode: models.AuthModeNone}, nil)
	assert.Equal(t, StateAuthDisabled, g.State())
	assert.Equal(t, Render, g.Decide(Requirement{Role: models.RoleAdmin}))

	g.Unauthorized("stats")
	g.Logout()
	g.AuthResolved(nil, unauth)
	g.HealthResolved(health, nil)

	assert.Equal(t, StateAuthDisabled, g.State())
	assert.Empty(t, rec.ended)
	perms := g.Permissions()
	assert.True(t, perms.IsAdmin)
	assert.True(t, perms.CanReloadConfig)
	assert.Equal(t, "anonymous", g.Session().Operator.Username)
}

func TestSessionEndsOnceUnderConcurrentUnauthorized(t *testing.T) {
	rec := &recorder{}
	g := NewGate(rec.hooks())
	g.AuthResolved(operator, nil)
	g.HealthResolved(health, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Unauthorized("mitigations")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.endedCount())
	assert.Equal(t, []string{ReasonUnauthorized}, rec.ended)
	assert.Equal(t, RedirectLogin, g.Decide(Requirement{}))
	assert.Nil(t, g.Session().Operator)
}

func TestLoginAfterLogout(t *testing.T) {
	rec := &recorder{}
	g := NewGate(rec.hooks())
	g.HealthResolved(health, nil)
	g.AuthResolved(operator, nil)

	g.Logout()
	g.Logout()
	assert.Equal(t, []string{ReasonLogout}, rec.ended)

	g.LoginSucceeded(models.Operator{Username: "bob", Role: models.RoleAdmin})
	assert.Equal(t, StateAuthenticated, g.State())
	assert.Equal(t, Render, g.Decide(Requirement{Role: models.RoleAdmin}))

	g.Unauthorized("events")
	assert.Equal(t, []string{ReasonLogout, ReasonUnauthorized}, rec.ended)

	require.Len(t, rec.changes, 4)
	assert.Equal(t, [2]State{StateUnresolved, StateAuthenticated}, rec.changes[0])
	assert.Equal(t, [2]State{StateAuthenticated, StateUnauthenticated}, rec.changes[3])
}

func TestForbiddenByRole(t *testing.T) {
	g := NewGate(Hooks{})
	g.HealthResolved(health, nil)
	g.AuthResolved(&models.Operator{Username: "v", Role: models.RoleViewer}, nil)

	assert.Equal(t, Render, g.Decide(Requirement{}))
	assert.Equal(t, Render, g.Decide(Requirement{Role: models.RoleViewer}))
	assert.Equal(t, Forbidden, g.Decide(Requirement{Role: models.RoleOperator}))
}

func TestPermissionsFor(t *testing.T) {
	tests := []struct {
		role models.OperatorRole
		want Permissions
	}{
		{models.RoleAdmin, Permissions{Role: models.RoleAdmin, IsAdmin: true, IsOperator: true, IsViewer: true,
			CanWithdraw: true, CanManageSafelist: true, CanManageUsers: true, CanReloadConfig: true}},
		{models.RoleOperator, Permissions{Role: models.RoleOperator, IsOperator: true, IsViewer: true, CanWithdraw: true}},
		{models.RoleViewer, Permissions{Role: models.RoleViewer, IsViewer: true}},
		{"", Permissions{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.want, PermissionsFor(tt.role))
		})
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "auth_disabled", StateAuthDisabled.String())
	assert.Equal(t, "redirect_login", RedirectLogin.String())
}
