// Package dashboard wires the api client, resource cache, realtime channel,
// reconciler and session gate into one client-side sync core.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/cache"
	"github.com/hervehildenbrand/prefixd-sync/pkg/config"
	"github.com/hervehildenbrand/prefixd-sync/pkg/logging"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
	"github.com/hervehildenbrand/prefixd-sync/pkg/session"
)

// Resource keys that are not part of the realtime feed.
const (
	KeyHealth          = "health"
	KeyStats           = "stats"
	KeySafelist        = "safelist"
	KeyPops            = "pops"
	KeyConfigSettings  = "config-settings"
	KeyConfigPlaybooks = "config-playbooks"
	KeyAlertingConfig  = "config-alerting"
)

// ErrLoginRequired is returned by Start when the daemon has no session for us.
var ErrLoginRequired = errors.New("login required")

// Deps are the collaborators injected into a Dashboard.
type Deps struct {
	Logger     zerolog.Logger
	InstanceID string
	HTTPClient *http.Client
	// Observers receive every reconciled feed event (journal, mirror, bus).
	Observers []reconcile.Observer
	// OnSessionEnded is where the embedding application shows its login view.
	OnSessionEnded func(reason string)
}

// Dashboard owns every component of one client session.
type Dashboard struct {
	cfg  *config.Config
	log  zerolog.Logger
	deps Deps

	api        *api.Client
	cache      *cache.Cache
	gate       *session.Gate
	reconciler *reconcile.Reconciler

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	channel    *realtime.Channel
	cancelFeed context.CancelFunc
	feedDone   chan struct{}
}

// New builds a dashboard. Nothing touches the network before Start.
func New(cfg *config.Config, deps Deps) (*Dashboard, error) {
	d := &Dashboard{cfg: cfg, log: deps.Logger, deps: deps, ctx: context.Background()}

	opts := []api.Option{
		api.WithToken(cfg.Token),
		api.WithClientID(deps.InstanceID),
	}
	if deps.HTTPClient != nil {
		opts = append(opts, api.WithHTTPClient(deps.HTTPClient))
	} else {
		opts = append(opts, api.WithTimeout(cfg.Cache.RequestTimeout))
	}
	client, err := api.NewClient(cfg.DaemonURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	d.api = client

	d.gate = session.NewGate(session.Hooks{
		SessionEnded: d.sessionEnded,
		StateChanged: d.sessionChanged,
	}, session.WithLogger(logging.Component(d.log, "session")))

	d.cache = cache.New(
		cache.WithLogger(logging.Component(d.log, "cache")),
		cache.WithUnauthorized(func(key string, err error) { d.gate.Unauthorized(key) }),
	)

	ropts := []reconcile.Option{
		reconcile.WithLogger(logging.Component(d.log, "reconcile")),
		reconcile.WithEventsLimit(cfg.EventsLimit),
	}
	for _, o := range deps.Observers {
		ropts = append(ropts, reconcile.WithObserver(o))
	}
	d.reconciler = reconcile.New(d.cache, ropts...)
	return d, nil
}

// Start runs the auth and health checks and, once a session exists (or auth is
// disabled), opens the realtime feed. The feed lives until Stop, Logout or a 401.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.ctx = ctx
	d.mu.Unlock()

	// Checks run together; health is fed first so an auth-disabled daemon
	// never reports a missing session.
	var (
		wg        sync.WaitGroup
		health    models.Health
		healthErr error
		op        models.Operator
		authErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		health, healthErr = d.api.Health(ctx)
	}()
	go func() {
		defer wg.Done()
		op, authErr = d.api.Me(ctx)
	}()
	wg.Wait()

	if healthErr != nil {
		d.gate.HealthResolved(nil, healthErr)
	} else {
		d.cache.Mutate(KeyHealth, health)
		d.gate.HealthResolved(&health, nil)
	}
	if authErr != nil {
		d.gate.AuthResolved(nil, authErr)
	} else {
		d.gate.AuthResolved(&op, nil)
	}

	switch d.gate.State() {
	case session.StateAuthenticated, session.StateAuthDisabled:
		d.startFeed()
		return nil
	case session.StateUnauthenticated:
		return ErrLoginRequired
	}
	if authErr != nil {
		return fmt.Errorf("auth check: %w", authErr)
	}
	return fmt.Errorf("health check: %w", healthErr)
}

// Stop tears down the feed and the cache.
func (d *Dashboard) Stop() {
	d.stopFeed()
	d.cache.Close()
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Login authenticates with username and password.
func (d *Dashboard) Login(ctx context.Context, username, password string) (models.Operator, error) {
	op, err := d.api.Login(ctx, username, password)
	if err != nil {
		return models.Operator{}, err
	}
	d.gate.LoginSucceeded(op)
	return op, nil
}

// Logout ends the session on the daemon and locally. The local session ends
// even when the daemon cannot be reached.
func (d *Dashboard) Logout(ctx context.Context) error {
	err := d.api.Logout(ctx)
	if err != nil && !api.IsUnauthorized(err) {
		d.log.Warn().Err(err).Msg("daemon logout failed, ending local session anyway")
	} else {
		err = nil
	}
	d.gate.Logout()
	return err
}

// Session returns a snapshot of the session gate.
func (d *Dashboard) Session() session.Session { return d.gate.Session() }

// Decide gates a protected view.
func (d *Dashboard) Decide(req session.Requirement) session.Decision { return d.gate.Decide(req) }

// Permissions returns what the current operator may do.
func (d *Dashboard) Permissions() session.Permissions { return d.gate.Permissions() }

// FeedState returns the realtime connection state, or Disconnected when no feed is open.
func (d *Dashboard) FeedState() realtime.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == nil {
		return realtime.StateDisconnected
	}
	return d.channel.State()
}

// Focus signals that the view regained the foreground.
func (d *Dashboard) Focus() { d.cache.Focus() }

// NetworkReconnected signals that connectivity came back.
func (d *Dashboard) NetworkReconnected() { d.cache.Reconnect() }

// Counters gathers statistics from every component.
func (d *Dashboard) Counters() map[string]interface{} {
	stats := map[string]interface{}{
		"session":   d.gate.State().String(),
		"cache":     d.cache.Stats(),
		"reconcile": d.reconciler.Stats(),
	}
	d.mu.Lock()
	if d.channel != nil {
		stats["feed"] = d.channel.Stats()
	}
	d.mu.Unlock()
	return stats
}

func (d *Dashboard) sessionChanged(from, to session.State) {
	if to == session.StateAuthenticated || to == session.StateAuthDisabled {
		d.startFeed()
	}
}

// sessionEnded drops everything the old session could see.
func (d *Dashboard) sessionEnded(reason string) {
	d.log.Info().Str("reason", reason).Msg("session ended, clearing cache and closing feed")
	d.stopFeed()
	d.cache.Reset()
	if d.deps.OnSessionEnded != nil {
		d.deps.OnSessionEnded(reason)
	}
}

func (d *Dashboard) channelConfig() realtime.Config {
	rc := d.cfg.Realtime
	return realtime.Config{
		URL:            d.cfg.WebSocketURL(),
		Header:         d.api.AuthHeader,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Jitter:         rc.Jitter,
		PingInterval:   rc.PingInterval,
		ReadTimeout:    rc.ReadTimeout,
		OnUnauthorized: func(err error) {
			// Called on the channel's own goroutine, which stopFeed waits for.
			go d.gate.Unauthorized("feed")
		},
		Logger: logging.Component(d.log, "realtime"),
	}
}

func (d *Dashboard) startFeed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.channel != nil {
		return
	}
	ch := realtime.NewChannel(d.channelConfig())
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	d.channel = ch
	d.cancelFeed = cancel
	d.feedDone = done

	go func() {
		defer close(done)
		if err := d.reconciler.Run(ctx, ch.Items()); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn().Err(err).Msg("reconciler stopped")
		}
	}()
	ch.Start()
}

func (d *Dashboard) stopFeed() {
	d.mu.Lock()
	ch, cancel, done := d.channel, d.cancelFeed, d.feedDone
	d.channel, d.cancelFeed, d.feedDone = nil, nil, nil
	d.mu.Unlock()
	if ch == nil {
		return
	}
	ch.Stop()
	cancel()
	<-done
}
