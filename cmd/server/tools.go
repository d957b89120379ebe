package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/prebuilt"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (port %s, sandbox %s)\n", cfg.Server.Port, cfg.Sandbox.RemoteURL)
			return nil
		},
	}
}

func newExpandPrebuiltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand-prebuilt <uri>",
		Short: "Print the script a prebuilt logic URI expands to",
		Example: `  adselection expand-prebuilt 'ad-selection-prebuilt://ad-selection/highest-bid-wins/?reportingUrl=https://seller.example/report'
  adselection expand-prebuilt 'ad-selection-prebuilt://ad-selection-from-outcomes/waterfall-mediation-truncation/?bidFloor=bid_floor'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := prebuilt.NewGenerator(true).Generate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), script)
			return nil
		},
	}
}
