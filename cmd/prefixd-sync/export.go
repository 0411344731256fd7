package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
	"github.com/hervehildenbrand/prefixd-sync/pkg/csvexport"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

func exportCmd() *cobra.Command {
	var (
		output   string
		statuses string
		customer string
		limit    int
	)
	cmd := &cobra.Command{
		Use:       "export {mitigations|events}",
		Short:     "Export mitigations or events as CSV",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"mitigations", "events"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			client, err := e.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.Cache.RequestTimeout)
			defer cancel()

			var headers []string
			var rows [][]string
			switch args[0] {
			case "mitigations":
				q := api.MitigationQuery{CustomerID: customer, Limit: limit}
				for _, s := range strings.Split(statuses, ",") {
					if s = strings.TrimSpace(s); s != "" {
						st := models.MitigationStatus(s)
						if !st.Valid() {
							return fmt.Errorf("unknown status %q", s)
						}
						q.Status = append(q.Status, st)
					}
				}
				list, err := client.Mitigations(ctx, q)
				if err != nil {
					return err
				}
				headers, rows = csvexport.Mitigations(list.Mitigations)
			case "events":
				if limit == 0 {
					limit = e.cfg.EventsLimit
				}
				list, err := client.Events(ctx, api.EventQuery{Limit: limit})
				if err != nil {
					return err
				}
				headers, rows = csvexport.Events(list.Events)
			}

			if output == "" || output == "-" {
				if err := csvexport.Write(os.Stdout, headers, rows); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout)
				return nil
			}
			if err := csvexport.WriteFile(output, headers, rows); err != nil {
				return err
			}
			e.log.Info().Str("file", output).Int("rows", len(rows)).Msg("exported")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	cmd.Flags().StringVar(&statuses, "status", "", "Comma-separated mitigation statuses to export")
	cmd.Flags().StringVar(&customer, "customer", "", "Only mitigations of this customer")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of rows")
	return cmd
}
