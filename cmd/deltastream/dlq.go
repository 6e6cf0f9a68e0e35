package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/dlq"
)

var dlqLimit int64

// dlqCmd groups the dead-letter queue operator commands.
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print dead-lettered tasks as JSON",
	RunE:  runDLQList,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Requeue every dead-lettered task onto the broker",
	RunE:  runDLQReplay,
}

func init() {
	dlqListCmd.Flags().Int64Var(&dlqLimit, "limit", 100, "Maximum entries to print")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	c, s, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := dlq.List(ctx, c, dlqLimit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	c, s, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b := broker.New(c.Client(), time.Duration(cfg.VisibilitySeconds)*time.Second)
	replayed, err := dlq.Replay(ctx, c, b)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d tasks\n", replayed)
	return nil
}
