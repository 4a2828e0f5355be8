package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the effective configuration, check API health and try a socket handshake.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, khanasathi.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		connected, degraded, err := cfg.pollIntervals()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Polling:     %s connected / %s degraded\n",
			durationOrDefault(connected, khanasathi.DefaultPollConnected),
			durationOrDefault(degraded, khanasathi.DefaultPollDegraded))

		client, err := newClient(cfg)
		if err != nil {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Fprintf(out, "  API:         unreachable (%v)\n", err)
			return nil
		}
		fmt.Fprintln(out, "  API:         ok")

		rt := client.Realtime(&khanasathi.RealtimeConfig{NoReconnect: true})
		if err := rt.Connect(ctx, client.Token()); err != nil {
			fmt.Fprintf(out, "  Socket:      failed (%v)\n", err)
			return nil
		}
		defer rt.Disconnect()
		self := rt.Self()
		fmt.Fprintf(out, "  Socket:      connected as %s (%s)\n", self.Username, valueOrDefault(self.Role, "no role"))
		return nil
	},
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
