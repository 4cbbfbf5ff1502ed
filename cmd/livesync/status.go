package main

import (
	"fmt"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var statusProbe time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusProbe, "probe", 0, "try connecting to the any-tournament channel for this long")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and resolved endpoints",
	Long:  "Display the current configuration, the resolved channel URLs and, with --probe, whether the realtime server accepts a connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Origin:      %s\n", valueOrDefault(cfg.Default.Origin, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}

		eps, err := endpointsFromConfig(cfg)
		if err != nil {
			fmt.Fprintf(out, "\nEndpoints: %v\n", err)
			return nil
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Endpoints:")
		fmt.Fprintf(out, "  Tournament:  %s\n", eps.Tournament(1))
		fmt.Fprintf(out, "  Any:         %s\n", eps.Tournaments())
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Me:          %s\n", eps.Me(maskKey(cfg.Default.Token)))
		}

		if statusProbe <= 0 {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		opened := make(chan struct{}, 1)
		opts := append(registryOptions(cfg, newLogger(cmd.ErrOrStderr())),
			livesync.WithStateHook(func(url string, from, to livesync.State) {
				if to == livesync.StateOpen {
					select {
					case opened <- struct{}{}:
					default:
					}
				}
			}))
		reg := livesync.NewRegistry(opts...)
		defer reg.Reset()

		sub, err := reg.Subscribe(eps.Tournaments(), func(livesync.Message) {})
		if err != nil {
			return err
		}
		defer sub.Close()

		select {
		case <-opened:
			fmt.Fprintln(out, "  Connection:  open")
		case <-time.After(statusProbe):
			st, _ := reg.Stats(eps.Tournaments())
			fmt.Fprintf(out, "  Connection:  not open after %s (state %s, %d attempts)\n", statusProbe, st.State, st.Dials)
		}
		return nil
	},
}
