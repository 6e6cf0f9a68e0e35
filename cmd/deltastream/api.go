package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deltastream/deltastream/internal/api"
)

// apiCmd runs the read-only query API.
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the read-only query API",
	RunE:  runAPI,
}

func runAPI(cmd *cobra.Command, args []string) error {
	c, s, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	server := api.NewServer(s, c, cfg.APIAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("query API shut down cleanly")
	return nil
}
