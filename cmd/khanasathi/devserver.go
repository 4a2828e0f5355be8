package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nispal155/khanasathi/sdk/golang/internal/devserver"
)

var (
	devserverAddr string
	devserverSeed []string
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "", "Listen address (default :8080, or devserver.addr)")
	devserverCmd.Flags().StringSliceVar(&devserverSeed, "seed-order", nil, "Order ids to create as tracked orders")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory development server",
	Long:  "Serve the chat and tracking REST routes and the /ws event socket from memory.\nAny non-empty token is accepted, in the form <userId>[:<username>[:<role>]].",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		addr := devserverAddr
		if addr == "" {
			addr = valueOrDefault(cfg.Devserver.Addr, ":8080")
		}

		srv := devserver.New(logger)
		for _, id := range devserverSeed {
			srv.SetTracking(devserver.Tracking{OrderID: id, Status: "placed"})
		}

		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpSrv.ListenAndServe()
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "devserver listening on %s\n", addr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.DropConnections()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
