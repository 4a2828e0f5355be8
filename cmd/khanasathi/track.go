package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

func init() {
	rootCmd.AddCommand(trackCmd)
}

var trackCmd = &cobra.Command{
	Use:   "track <orderId>",
	Short: "Follow an order's tracking state",
	Long:  "Print the tracking snapshot of an order every time it changes. Press Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		connected, degraded, err := cfg.pollIntervals()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := client.Realtime(nil)
		defer rt.Disconnect()
		if err := rt.Connect(ctx, client.Token()); err != nil {
			logger.Warn().Err(err).Msg("socket unavailable, polling")
		}
		rooms := khanasathi.NewRegistry(rt, logger)
		defer rooms.Close()

		out := cmd.OutOrStdout()
		session := khanasathi.NewTrackingSession(khanasathi.TrackingSessionConfig{
			OrderID:       args[0],
			API:           client.Orders(),
			Transport:     rt,
			Registry:      rooms,
			PollConnected: connected,
			PollDegraded:  degraded,
			OnChange:      func(s khanasathi.TrackingSnapshot) { printSnapshot(out, s) },
			Logger:        &logger,
		})
		defer session.Close()

		if err := session.Open(ctx); err != nil {
			fmt.Fprintf(out, "-- %v (retrying in the background)\n", err)
		}

		<-ctx.Done()
		return nil
	},
}

func printSnapshot(w io.Writer, s khanasathi.TrackingSnapshot) {
	fmt.Fprintf(w, "%s  order %s  %s", s.UpdatedAt.Local().Format("15:04:05"), s.OrderID, s.Status)
	if s.Rider != nil {
		fmt.Fprintf(w, "  rider %s", s.Rider.Name)
	}
	if s.Location != nil {
		fmt.Fprintf(w, "  at %.5f,%.5f", s.Location.Lat, s.Location.Lng)
	}
	fmt.Fprintln(w)
}
