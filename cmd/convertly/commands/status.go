package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convertly/convertly/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var showPayments bool

	cmd := &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the persisted status of an order",
		Example: `  # Show an order
  convertly status 6f1c9a2e-...

  # Include its payments, as JSON
  convertly status 6f1c9a2e-... --payments --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			if err := db.Init(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			order, err := db.GetOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var payments []*stores.Payment
			if showPayments {
				payments, err = db.ListPaymentsByOrder(cmd.Context(), order.ID)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				out := map[string]interface{}{"order": order}
				if showPayments {
					out["payments"] = payments
				}
				return enc.Encode(out)
			}

			fmt.Printf("Order:    %s\n", order.ID)
			fmt.Printf("Document: %s (%s -> %s)\n", order.DocumentName, order.SourceFormat, order.TargetFormat)
			fmt.Printf("Status:   %s\n", order.Status)
			fmt.Printf("Amount:   %d %s\n", order.AmountCents, order.Currency)
			for _, p := range payments {
				fmt.Printf("Payment:  %s  %s  (%s)\n", p.ID, p.Status, p.Provider)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPayments, "payments", false, "include the order's payments")

	return cmd
}
