package api

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

// MitigationQuery filters GET /v1/mitigations. The zero value lists everything.
type MitigationQuery struct {
	Status     []models.MitigationStatus
	CustomerID string
	Limit      int
	Offset     int
}

// IsZero reports whether the query applies no filter.
func (q MitigationQuery) IsZero() bool {
	return len(q.Status) == 0 && q.CustomerID == "" && q.Limit == 0 && q.Offset == 0
}

// Values encodes the query string.
func (q MitigationQuery) Values() url.Values {
	v := url.Values{}
	if len(q.Status) > 0 {
		statuses := make([]string, len(q.Status))
		for i, s := range q.Status {
			statuses[i] = string(s)
		}
		sort.Strings(statuses)
		v.Set("status", strings.Join(statuses, ","))
	}
	if q.CustomerID != "" {
		v.Set("customer_id", q.CustomerID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// EventQuery pages GET /v1/events.
type EventQuery struct {
	Limit  int
	Offset int
}

// IsZero reports whether the query applies no paging.
func (q EventQuery) IsZero() bool {
	return q.Limit == 0 && q.Offset == 0
}

// Values encodes the query string.
func (q EventQuery) Values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// Health fetches daemon health, including the configured auth mode.
func (c *Client) Health(ctx context.Context) (models.Health, error) {
	var h models.Health
	err := c.Do(ctx, http.MethodGet, "/v1/health", nil, nil, &h)
	return h, err
}

// Stats fetches global counters.
func (c *Client) Stats(ctx context.Context) (models.Stats, error) {
	var s models.Stats
	err := c.Do(ctx, http.MethodGet, "/v1/stats", nil, nil, &s)
	return s, err
}

// Mitigations lists mitigations.
func (c *Client) Mitigations(ctx context.Context, q MitigationQuery) (models.MitigationList, error) {
	var l models.MitigationList
	err := c.Do(ctx, http.MethodGet, "/v1/mitigations", q.Values(), nil, &l)
	return l, err
}

// Mitigation fetches one mitigation.
func (c *Client) Mitigation(ctx context.Context, id string) (models.Mitigation, error) {
	var m models.Mitigation
	err := c.Do(ctx, http.MethodGet, "/v1/mitigations/"+url.PathEscape(id), nil, nil, &m)
	return m, err
}

// Events lists ingested events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (models.EventList, error) {
	var l models.EventList
	err := c.Do(ctx, http.MethodGet, "/v1/events", q.Values(), nil, &l)
	return l, err
}

// Safelist lists protected prefixes.
func (c *Client) Safelist(ctx context.Context) ([]models.SafelistEntry, error) {
	var entries []models.SafelistEntry
	err := c.Do(ctx, http.MethodGet, "/v1/safelist", nil, nil, &entries)
	return entries, err
}

// Pops lists points of presence.
func (c *Client) Pops(ctx context.Context) ([]models.PopInfo, error) {
	var pops []models.PopInfo
	err := c.Do(ctx, http.MethodGet, "/v1/pops", nil, nil, &pops)
	return pops, err
}

// ConfigSettings fetches the running daemon configuration.
func (c *Client) ConfigSettings(ctx context.Context) (models.ConfigSettings, error) {
	var s models.ConfigSettings
	err := c.Do(ctx, http.MethodGet, "/v1/config/settings", nil, nil, &s)
	return s, err
}

// ConfigPlaybooks fetches the loaded playbooks.
func (c *Client) ConfigPlaybooks(ctx context.Context) (models.Playbooks, error) {
	var p models.Playbooks
	err := c.Do(ctx, http.MethodGet, "/v1/config/playbooks", nil, nil, &p)
	return p, err
}

// AlertingConfig fetches alert destinations.
func (c *Client) AlertingConfig(ctx context.Context) (models.AlertingConfig, error) {
	var a models.AlertingConfig
	err := c.Do(ctx, http.MethodGet, "/v1/config/alerting", nil, nil, &a)
	return a, err
}

// TestAlerting sends a test notification to every destination.
func (c *Client) TestAlerting(ctx context.Context) (models.AlertingTestResponse, error) {
	var r models.AlertingTestResponse
	err := c.Do(ctx, http.MethodPost, "/v1/config/alerting/test", nil, nil, &r)
	return r, err
}

// ReloadConfig asks the daemon to hot-reload inventory and playbooks.
func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/v1/config/reload", nil, nil, nil)
}

// Me is the auth check; it fails with KindUnauthorized when no session exists.
func (c *Client) Me(ctx context.Context) (models.Operator, error) {
	var op models.Operator
	err := c.Do(ctx, http.MethodGet, "/v1/auth/me", nil, nil, &op)
	return op, err
}

// Login opens a session; the session cookie is kept in the client's jar.
func (c *Client) Login(ctx context.Context, username, password string) (models.Operator, error) {
	body := map[string]string{"username": username, "password": password}
	var op models.Operator
	err := c.Do(ctx, http.MethodPost, "/v1/auth/login", nil, body, &op)
	return op, err
}

// Logout closes the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil, nil)
}
