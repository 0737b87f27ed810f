package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/catalog/projections"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [projection]",
	Short: "Rebuild a projection from the event log",
	Long:  `Reset a projection and replay every stored event into it. A running worker picks up the new position on its next batch.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	name := projections.ProductViewProjection
	if len(args) == 1 {
		name = args[0]
	}
	o, ok := projections.NewRegistry(a.orchestrator).Get(name)
	if !ok {
		return fmt.Errorf("unknown projection %q", name)
	}

	start := time.Now()
	replayed, err := o.RebuildProjection(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("projection", name).
		Int("events", replayed).
		Dur("duration", time.Since(start)).
		Msg("Rebuild completed")
	return nil
}
