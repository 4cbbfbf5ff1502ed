package main

import (
	"fmt"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token for identity-scoped channels")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the realtime base URL in ~/.livesync/config.toml",
	Long:  "Initialize the livesync CLI by storing the realtime base URL (ws://, wss://, http:// or https://).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := livesync.NewEndpoints(args[0], ""); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if initToken != "" {
			cfg.Default.Token = initToken
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Base URL saved to %s\n", path)
		return nil
	},
}
