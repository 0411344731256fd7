package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/csvexport"
	"github.com/hervehildenbrand/prefixd-sync/pkg/journal"
	"github.com/hervehildenbrand/prefixd-sync/pkg/logging"
	"github.com/hervehildenbrand/prefixd-sync/pkg/mirror"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

// Sources of the status command
const (
	sourceDaemon  = "daemon"
	sourceMirror  = "mirror"
	sourceJournal = "journal"
)

func statusCmd() *cobra.Command {
	var (
		source       string
		mirrorPrefix string
		all          bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print daemon health, statistics and mitigations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.Cache.RequestTimeout)
			defer cancel()

			switch source {
			case sourceDaemon:
				return statusFromDaemon(ctx, e, all, os.Stdout)
			case sourceMirror:
				if e.cfg.RedisURL == "" {
					return fmt.Errorf("--source=mirror needs a Redis URL (PREFIXD_SYNC_REDIS)")
				}
				client, err := mirror.Connect(ctx, e.cfg.RedisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				ms, err := mirror.ReadMitigations(ctx, client, mirrorPrefix)
				if err != nil {
					return err
				}
				renderMitigations(os.Stdout, filterLive(ms, all))
				return nil
			case sourceJournal:
				if e.cfg.DatabaseURL == "" {
					return fmt.Errorf("--source=journal needs a database URL (PREFIXD_SYNC_DATABASE)")
				}
				w, err := journal.NewWriter(ctx, e.cfg.DatabaseURL, e.instance, logging.Component(e.log, "journal"))
				if err != nil {
					return err
				}
				states, err := w.States(ctx)
				if err != nil {
					return err
				}
				renderStates(os.Stdout, states, all)
				return nil
			}
			return fmt.Errorf("unknown source %q (want daemon, mirror or journal)", source)
		},
	}
	cmd.Flags().StringVar(&source, "source", sourceDaemon, "Where to read mitigations from: daemon, mirror or journal")
	cmd.Flags().StringVar(&mirrorPrefix, "mirror-prefix", "prefixd", "Redis key prefix of the mirror")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include expired and withdrawn mitigations")
	return cmd
}

func statusFromDaemon(ctx context.Context, e *env, all bool, out io.Writer) error {
	client, err := e.client()
	if err != nil {
		return err
	}
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Fprintf(out, "daemon %s  version=%s pop=%s bgp=%s auth=%s uptime=%s\n",
		h.Status, h.Version, h.Pop, upDown(h.BGPSessionUp), h.AuthMode,
		(time.Duration(h.UptimeSeconds) * time.Second).String())

	st, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(out, "active=%d total=%d events=%d\n\n", st.TotalActive, st.TotalMitigations, st.TotalEvents)

	q := api.MitigationQuery{}
	if !all {
		q.Status = []models.MitigationStatus{models.StatusPending, models.StatusActive, models.StatusEscalated}
	}
	list, err := client.Mitigations(ctx, q)
	if err != nil {
		return fmt.Errorf("mitigations: %w", err)
	}
	renderMitigations(out, list.Mitigations)
	return nil
}

func filterLive(ms []models.Mitigation, all bool) []models.Mitigation {
	if all {
		return ms
	}
	out := ms[:0:0]
	for _, m := range ms {
		if m.Status.IsLive() {
			out = append(out, m)
		}
	}
	return out
}

func renderMitigations(out io.Writer, ms []models.Mitigation) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Status", "Victim", "Vector", "Action", "Rate", "Expires"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, m := range ms {
		table.Append([]string{
			m.ID,
			string(m.Status),
			m.VictimIP,
			m.Vector,
			m.ActionType,
			rate(m.RateBps),
			csvexport.Field(m.ExpiresAt),
		})
	}
	table.Render()
}

func renderStates(out io.Writer, states []journal.MitigationState, all bool) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Status", "Victim", "Vector", "Version", "Last seen"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, s := range states {
		if !all && !s.Status.IsLive() {
			continue
		}
		table.Append([]string{
			s.MitigationID,
			string(s.Status),
			s.VictimIP,
			s.Vector,
			csvexport.Field(s.Version),
			csvexport.Field(s.LastSeenAt),
		})
	}
	table.Render()
}

func rate(bps *int64) string {
	if bps == nil {
		return "-"
	}
	return strconv.FormatInt(*bps, 10)
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}
