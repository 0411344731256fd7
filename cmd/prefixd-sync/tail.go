package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/prefixd-sync/pkg/bus"
	"github.com/hervehildenbrand/prefixd-sync/pkg/logging"
)

func tailCmd() *cobra.Command {
	var (
		natsURL string
		subject string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print feed events published by watching instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			if natsURL == "" {
				natsURL = e.cfg.NATSURL
			}
			if natsURL == "" {
				return fmt.Errorf("tail needs a NATS URL (--nats or PREFIXD_SYNC_NATS)")
			}

			enc := json.NewEncoder(os.Stdout)
			sub, err := bus.Subscribe(natsURL, subject, logging.Component(e.log, "bus"), func(subj string, msg bus.Message) {
				if err := enc.Encode(struct {
					Subject string `json:"subject"`
					bus.Message
				}{subj, msg}); err != nil {
					e.log.Warn().Err(err).Msg("write failed")
				}
			})
			if err != nil {
				return err
			}
			defer sub.Close()
			e.log.Info().Str("subject", subject).Msg("tailing")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS URL")
	cmd.Flags().StringVar(&subject, "subject", bus.SubjectAll, "Subject to follow")
	return cmd
}
