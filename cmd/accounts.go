package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailharvest/config"
	"github.com/dhcgn/mailharvest/source"
)

// NewAccountsCmd lists the accounts of the configured mail source.
func NewAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts available in the mail source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			src, err := OpenSource(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			accounts, err := src.Accounts(cmd.Context())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			if len(accounts) == 0 {
				pterm.Warning.Println("No accounts found")
				return nil
			}

			items := make([]pterm.BulletListItem, 0, len(accounts))
			for _, address := range accounts {
				text := address
				if cfg.Account != "" && source.SameAddress(address, cfg.Account) {
					text += " (selected)"
				}
				items = append(items, pterm.BulletListItem{Level: 0, Text: text})
			}
			return pterm.DefaultBulletList.WithItems(items).Render()
		},
	}
}
