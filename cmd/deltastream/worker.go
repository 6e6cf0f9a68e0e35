package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/enrich"
	"github.com/deltastream/deltastream/internal/ingest"
	"github.com/deltastream/deltastream/internal/store"
)

// workerCmd runs the ingest subscriber and the enrichment worker pool in
// one process.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingest subscriber and enrichment worker pool",
	RunE:  runWorker,
}

// connect opens the cache and store; every subcommand needs both.
func connect() (*cache.Adapter, *store.Store, error) {
	c, err := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: %w", err)
	}
	s, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	return c, s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	b := broker.New(c.Client(), time.Duration(cfg.VisibilitySeconds)*time.Second)
	pool := enrich.NewPool(b, c, enrich.NewProcessor(c, s), cfg.WorkerCount)
	sub := ingest.New(c, b, s, ingest.Config{
		HighWatermark: cfg.QueueHighWater,
		LowWatermark:  cfg.QueueLowWater,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- pool.Run(ctx) }()
	go func() { errCh <- sub.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			<-errCh
			return err
		}
	}
	<-errCh
	log.Info().Msg("worker shut down cleanly")
	return nil
}
