package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convertly/convertly/pkg/poller"
	"github.com/convertly/convertly/pkg/remote"
	"github.com/convertly/convertly/pkg/status"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <operation-id>",
		Short: "Poll a provider operation until it settles",
		Long: `Poll the payment provider for a single operation and print each
observed status. Polling backs off adaptively and stops on the first
terminal status, on the attempt cap, or on interrupt.`,
		Example: `  # Watch a payment operation
  convertly watch pay_4f8d12

  # Against a different provider endpoint
  convertly watch pay_4f8d12 --config staging.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := remote.NewClient(remote.ClientConfig{
				BaseURL: cfg.Provider.BaseURL,
				Timeout: cfg.Provider.Timeout,
			})
			if err != nil {
				return err
			}

			done := make(chan status.Status, 1)

			p := poller.New(status.PollTarget{ID: args[0], EntityKey: args[0]}, client.FetchStatus, poller.Config{
				InitialInterval:   cfg.Polling.InitialInterval,
				MaxInterval:       cfg.Polling.MaxInterval,
				BackoffMultiplier: cfg.Polling.BackoffMultiplier,
				MaxAttempts:       cfg.Polling.MaxAttempts,
				OnStatus: func(s status.Status) {
					fmt.Printf("status: %s\n", s)
					if s.IsTerminal() {
						done <- s
					}
				},
				OnError: func(err error) {
					log.Warn().Err(err).Msg("Poll attempt failed")
				},
				OnGiveUp: func(s status.Status) {
					fmt.Printf("gave up after %d attempts: %s\n", cfg.Polling.MaxAttempts, s)
					done <- s
				},
			})

			p.Start()
			defer p.Stop()

			select {
			case final := <-done:
				if final == status.StatusTimeout {
					return fmt.Errorf("operation %s did not settle", args[0])
				}
				return nil
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}

	return cmd
}
