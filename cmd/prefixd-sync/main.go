// prefixd-sync - real-time client of a prefixd BGP FlowSpec daemon.
//
// It keeps a local view of mitigations and attack events converged with the
// daemon by combining polling with the daemon's WebSocket feed, and can mirror
// that view into Redis, journal it in PostgreSQL and fan it out over NATS.
//
// Usage:
//
//	prefixd-sync watch --url=http://prefixd:8080 --redis=redis://localhost:6379
//	prefixd-sync status
//	prefixd-sync export mitigations -o mitigations.csv
//	prefixd-sync tail --nats=nats://localhost:4222
//
// Environment variables (alternative to flags):
//
//	PREFIXD_SYNC_URL       - Daemon base URL
//	PREFIXD_SYNC_TOKEN     - Bearer token
//	PREFIXD_SYNC_REDIS     - Redis URL for the mirror
//	PREFIXD_SYNC_DATABASE  - PostgreSQL URL for the journal
//	PREFIXD_SYNC_NATS      - NATS URL for the event bus
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/config"
	"github.com/hervehildenbrand/prefixd-sync/pkg/logging"
)

// Global flags
var (
	configPath string
	urlFlag    string
	tokenFlag  string
	logLevel   string
	logFormat  string
)

func main() {
	root := &cobra.Command{
		Use:           "prefixd-sync",
		Short:         "Real-time sync client for the prefixd FlowSpec daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
	root.PersistentFlags().StringVar(&urlFlag, "url", "", "Daemon base URL (overrides config)")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")

	root.AddCommand(watchCmd(), statusCmd(), exportCmd(), tailCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand starts from.
type env struct {
	cfg      *config.Config
	log      zerolog.Logger
	instance string
}

// setup loads the configuration, applies flag overrides and builds the logger.
func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if urlFlag != "" {
		cfg.DaemonURL = urlFlag
	}
	if tokenFlag != "" {
		cfg.Token = tokenFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instance := uuid.NewString()
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = logging.NewJSON(os.Stderr, cfg.LogLevel, instance)
	} else {
		log = logging.New(cfg.LogLevel, instance)
	}
	return &env{cfg: cfg, log: log, instance: instance}, nil
}

// client builds a one-shot API client for commands that do not need the feed.
func (e *env) client() (*api.Client, error) {
	return api.NewClient(e.cfg.DaemonURL,
		api.WithToken(e.cfg.Token),
		api.WithClientID(e.instance),
		api.WithTimeout(e.cfg.Cache.RequestTimeout),
	)
}
