package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deltastream/deltastream/internal/gateway"
)

// gatewayCmd runs one fan-out gateway instance.
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a fan-out gateway instance",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	c, s, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	hub := gateway.NewHub(c, s, cfg.SessionQueueSize)
	server := gateway.NewServer(hub, cfg.GatewayAddr)

	errCh := make(chan error, 2)
	go func() { errCh <- hub.Run(ctx) }()
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("gateway shut down cleanly")
	return nil
}
