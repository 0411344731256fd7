package dashboard

import (
	"context"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/cache"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
)

// options builds cache options for a resource from the configuration.
// Slow resources never revalidate on focus.
func (d *Dashboard) options(resource string, slow bool, merge cache.MergeFunc) cache.Options {
	c := d.cfg.Cache
	return cache.Options{
		RefreshInterval:       d.cfg.RefreshInterval(resource, slow),
		RevalidateOnFocus:     !slow && d.cfg.FocusRevalidate(resource),
		RevalidateOnReconnect: true,
		DedupingWindow:        c.DedupingWindow,
		RetryCount:            c.RetryCount,
		RetryBaseDelay:        c.RetryBaseDelay,
		Merge:                 merge,
	}
}

// Health subscribes to daemon health.
func (d *Dashboard) Health() *cache.Subscription {
	return d.cache.Subscribe(KeyHealth, func(ctx context.Context) (interface{}, error) {
		return d.api.Health(ctx)
	}, d.options(KeyHealth, false, nil))
}

// Stats subscribes to aggregate mitigation statistics.
func (d *Dashboard) Stats() *cache.Subscription {
	return d.cache.Subscribe(KeyStats, func(ctx context.Context) (interface{}, error) {
		return d.api.Stats(ctx)
	}, d.options(KeyStats, false, nil))
}

// Mitigations subscribes to a mitigation list. The zero query is the list the
// feed patches in place; filtered lists are revalidated on every feed change.
func (d *Dashboard) Mitigations(q api.MitigationQuery) *cache.Subscription {
	return d.cache.Subscribe(reconcile.MitigationsKey(q), func(ctx context.Context) (interface{}, error) {
		return d.api.Mitigations(ctx, q)
	}, d.options(reconcile.KeyMitigations, false, reconcile.MergeMitigations))
}

// Mitigation subscribes to one mitigation.
func (d *Dashboard) Mitigation(id string) *cache.Subscription {
	return d.cache.Subscribe(reconcile.MitigationKey(id), func(ctx context.Context) (interface{}, error) {
		return d.api.Mitigation(ctx, id)
	}, d.options("mitigation", false, reconcile.MergeMitigation))
}

// Events subscribes to attack events. The zero query fetches the configured
// events limit.
func (d *Dashboard) Events(q api.EventQuery) *cache.Subscription {
	fetch := q
	if fetch.IsZero() {
		fetch.Limit = d.cfg.EventsLimit
	}
	return d.cache.Subscribe(reconcile.EventsKey(q), func(ctx context.Context) (interface{}, error) {
		return d.api.Events(ctx, fetch)
	}, d.options(reconcile.KeyEvents, false, reconcile.MergeEvents))
}

// Safelist subscribes to the safelist.
func (d *Dashboard) Safelist() *cache.Subscription {
	return d.cache.Subscribe(KeySafelist, func(ctx context.Context) (interface{}, error) {
		return d.api.Safelist(ctx)
	}, d.options(KeySafelist, false, nil))
}

// Pops subscribes to the POP topology, which changes rarely.
func (d *Dashboard) Pops() *cache.Subscription {
	return d.cache.Subscribe(KeyPops, func(ctx context.Context) (interface{}, error) {
		return d.api.Pops(ctx)
	}, d.options(KeyPops, true, nil))
}

// ConfigSettings subscribes to the redacted daemon settings.
func (d *Dashboard) ConfigSettings() *cache.Subscription {
	return d.cache.Subscribe(KeyConfigSettings, func(ctx context.Context) (interface{}, error) {
		return d.api.ConfigSettings(ctx)
	}, d.options(KeyConfigSettings, true, nil))
}

// ConfigPlaybooks subscribes to the playbooks.
func (d *Dashboard) ConfigPlaybooks() *cache.Subscription {
	return d.cache.Subscribe(KeyConfigPlaybooks, func(ctx context.Context) (interface{}, error) {
		return d.api.ConfigPlaybooks(ctx)
	}, d.options(KeyConfigPlaybooks, true, nil))
}

// AlertingConfig subscribes to the alerting destinations.
func (d *Dashboard) AlertingConfig() *cache.Subscription {
	return d.cache.Subscribe(KeyAlertingConfig, func(ctx context.Context) (interface{}, error) {
		return d.api.AlertingConfig(ctx)
	}, d.options(KeyAlertingConfig, true, nil))
}

// ReloadConfig asks the daemon to reload its configuration, then refreshes the
// settings and playbooks views.
func (d *Dashboard) ReloadConfig(ctx context.Context) error {
	if err := d.api.ReloadConfig(ctx); err != nil {
		d.actionFailed("reload", err)
		return err
	}
	d.cache.Revalidate(KeyConfigSettings)
	d.cache.Revalidate(KeyConfigPlaybooks)
	return nil
}

// TestAlerting sends a test notification to every alerting destination.
func (d *Dashboard) TestAlerting(ctx context.Context) (models.AlertingTestResponse, error) {
	resp, err := d.api.TestAlerting(ctx)
	if err != nil {
		d.actionFailed("alerting-test", err)
	}
	return resp, err
}

// actionFailed routes a 401 from an operator action to the session gate.
func (d *Dashboard) actionFailed(source string, err error) {
	if api.IsUnauthorized(err) {
		d.gate.Unauthorized(source)
		return
	}
	d.log.Warn().Err(err).Str("action", source).Msg("action failed")
}
