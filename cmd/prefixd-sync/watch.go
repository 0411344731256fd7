package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/bus"
	"github.com/hervehildenbrand/prefixd-sync/pkg/cache"
	"github.com/hervehildenbrand/prefixd-sync/pkg/dashboard"
	"github.com/hervehildenbrand/prefixd-sync/pkg/journal"
	"github.com/hervehildenbrand/prefixd-sync/pkg/logging"
	"github.com/hervehildenbrand/prefixd-sync/pkg/mirror"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
	"github.com/hervehildenbrand/prefixd-sync/pkg/session"
)

func watchCmd() *cobra.Command {
	var (
		redisURL      string
		databaseURL   string
		natsURL       string
		mirrorPrefix  string
		username      string
		statsInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live view of mitigations and events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			if redisURL != "" {
				e.cfg.RedisURL = redisURL
			}
			if databaseURL != "" {
				e.cfg.DatabaseURL = databaseURL
			}
			if natsURL != "" {
				e.cfg.NATSURL = natsURL
			}
			return runWatch(e, mirrorPrefix, username, statsInterval)
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis", "", "Redis URL to mirror the reconciled view into (optional)")
	cmd.Flags().StringVar(&databaseURL, "database", "", "PostgreSQL URL to journal feed events into (optional)")
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS URL to publish feed events on (optional)")
	cmd.Flags().StringVar(&mirrorPrefix, "mirror-prefix", "prefixd", "Redis key prefix of the mirror")
	cmd.Flags().StringVar(&username, "username", "", "Log in with this user when the daemon has no session (password from PREFIXD_SYNC_PASSWORD)")
	cmd.Flags().DurationVar(&statsInterval, "stats", 30*time.Second, "Stats logging interval")
	return cmd
}

func runWatch(e *env, mirrorPrefix, username string, statsInterval time.Duration) error {
	log := e.log
	cfg := e.cfg
	log.Info().Str("daemon", cfg.DaemonURL).Msg("prefixd-sync starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var observers []reconcile.Observer

	// PostgreSQL journal (optional)
	var jw *journal.Writer
	if cfg.DatabaseURL != "" {
		w, err := journal.NewWriter(ctx, cfg.DatabaseURL, e.instance, logging.Component(log, "journal"))
		if err != nil {
			log.Warn().Err(err).Msg("journal disabled: database connection failed")
		} else {
			jw = w
			jw.Start()
			observers = append(observers, jw)
			log.Info().Msg("journal writer started")
		}
	}

	// Redis mirror (optional)
	var mr *mirror.Mirror
	if cfg.RedisURL != "" {
		client, err := mirror.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("mirror disabled: redis connection failed")
		} else {
			defer client.Close()
			mr = mirror.New(client, mirrorPrefix, logging.Component(log, "mirror"))
			observers = append(observers, mr)
			log.Info().Str("prefix", mirrorPrefix).Msg("redis mirror enabled")
		}
	}

	// NATS bus (optional)
	var pub *bus.Publisher
	if cfg.NATSURL != "" {
		p, err := bus.NewPublisher(cfg.NATSURL, e.instance, logging.Component(log, "bus"))
		if err != nil {
			log.Warn().Err(err).Msg("bus disabled: NATS connection failed")
		} else {
			pub = p
			observers = append(observers, pub)
		}
	}

	ended := make(chan string, 1)
	d, err := dashboard.New(cfg, dashboard.Deps{
		Logger:     log,
		InstanceID: e.instance,
		Observers:  observers,
		OnSessionEnded: func(reason string) {
			if reason == session.ReasonNoSession {
				return
			}
			select {
			case ended <- reason:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	err = d.Start(ctx)
	if errors.Is(err, dashboard.ErrLoginRequired) && username != "" {
		_, err = d.Login(ctx, username, os.Getenv("PREFIXD_SYNC_PASSWORD"))
	}
	if err != nil {
		d.Stop()
		return fmt.Errorf("start: %w", err)
	}
	s := d.Session()
	if s.Operator != nil {
		log.Info().Str("state", s.State.String()).Str("operator", s.Operator.Username).Str("role", string(s.Operator.Role)).Msg("session ready")
	}

	// Keep the feed-backed views subscribed so they poll and reconcile.
	mitigations := d.Mitigations(api.MitigationQuery{})
	events := d.Events(api.EventQuery{})
	health := d.Health()
	stats := d.Stats()
	defer func() {
		for _, sub := range []*cache.Subscription{mitigations, events, health, stats} {
			sub.Unsubscribe()
		}
	}()

	if mr != nil {
		go mr.Follow(ctx, mitigations)
	}

	// Start stats logger
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logStats(e, d, mitigations, events, jw, mr, pub)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt or the end of the session
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	var result error
	select {
	case <-sigChan:
		log.Info().Msg("shutting down")
	case reason := <-ended:
		result = fmt.Errorf("session ended: %s", reason)
		log.Error().Str("reason", reason).Msg("session ended, log in again to resume")
	}

	cancel()
	d.Stop()
	if jw != nil {
		jw.Stop()
	}
	if mr != nil {
		mr.Close()
	}
	if pub != nil {
		pub.Close()
	}

	log.Info().Interface("final", d.Counters()).Msg("stopped")
	return result
}

func logStats(e *env, d *dashboard.Dashboard, mitigations, events *cache.Subscription, jw *journal.Writer, mr *mirror.Mirror, pub *bus.Publisher) {
	ev := e.log.Info().Str("feed", d.FeedState().String())
	if list, ok := mitigations.Snapshot().Value.(models.MitigationList); ok {
		live := 0
		for _, m := range list.Mitigations {
			if m.Status.IsLive() {
				live++
			}
		}
		ev = ev.Int("mitigations", len(list.Mitigations)).Int("live", live)
	}
	if list, ok := events.Snapshot().Value.(models.EventList); ok {
		ev = ev.Int("events", len(list.Events))
	}
	ev = ev.Interface("reconcile", d.Counters()["reconcile"])
	if jw != nil {
		ev = ev.Interface("journal", jw.Stats())
	}
	if mr != nil {
		ev = ev.Interface("mirror", mr.Stats())
	}
	if pub != nil {
		ev = ev.Interface("bus", pub.Stats())
	}
	ev.Msg("STATS")
}
