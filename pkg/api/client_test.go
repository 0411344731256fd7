package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"unauthorized", http.StatusUnauthorized, KindUnauthorized},
		{"forbidden", http.StatusForbidden, KindClientError},
		{"not found", http.StatusNotFound, KindClientError},
		{"server error", http.StatusInternalServerError, KindTransient},
		{"bad gateway", http.StatusBadGateway, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})

			_, err := c.Stats(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	srv.Close()

	_, err = c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Health(ctx)
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
}

func TestCredentialsAttached(t *testing.T) {
	var gotAuth, gotClient, gotCookie string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "prefixd_session", Value: "abc", Path: "/"})
			json.NewEncoder(w).Encode(models.Operator{ID: "op-1", Username: "alice", Role: models.RoleAdmin})
		default:
			gotAuth = r.Header.Get("Authorization")
			gotClient = r.Header.Get(ClientIDHeader)
			if ck, err := r.Cookie("prefixd_session"); err == nil {
				gotCookie = ck.Value
			}
			json.NewEncoder(w).Encode(models.Operator{ID: "op-1", Username: "alice", Role: models.RoleAdmin})
		}
	}, WithToken("tok"), WithClientID("inst-7"))

	op, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, op.Role)

	_, err = c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "inst-7", gotClient)
	assert.Equal(t, "abc", gotCookie)

	h := c.AuthHeader()
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Contains(t, h.Get("Cookie"), "prefixd_session=abc")
}

func TestMitigationsQuery(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/mitigations", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"mitigations":[{"mitigation_id":"mit-1","status":"active","customer_id":null,
			"victim_ip":"203.0.113.10","vector":"udp_flood","action_type":"discard","rate_bps":null,
			"created_at":"2026-01-02T03:04:05Z","expires_at":"2026-01-02T04:04:05Z","scope_hash":"h"}],"count":1}`))
	})

	list, err := c.Mitigations(context.Background(), MitigationQuery{
		Status: []models.MitigationStatus{models.StatusEscalated, models.StatusActive},
		Limit:  50,
	})
	require.NoError(t, err)
	assert.Equal(t, "limit=50&status=active%2Cescalated", gotQuery)
	require.Len(t, list.Mitigations, 1)
	assert.Equal(t, "mit-1", list.Mitigations[0].ID)
	assert.Equal(t, 1, list.Count)
}

func TestDecodeFailureIsClientError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})
	_, err := c.Pops(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindClientError, KindOf(err))
}

func TestReloadConfigNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/config/reload", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, c.ReloadConfig(context.Background()))
}

func TestNewClientRejectsScheme(t *testing.T) {
	_, err := NewClient("ws://prefixd:8080")
	assert.Error(t, err)
}
