package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/catalog/idempotency"
	"example.com/backstage/services/catalog/messaging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that advances projections, consumes Service Bus commands and purges expired idempotency records`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.orchestrator.Run(ctx)
	})

	if cfg.Azure.Enabled {
		bus, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer func() {
			if err := bus.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to close Service Bus client")
			}
		}()

		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.CommandQueue).Msg("Starting Azure Service Bus processor")
			return bus.StartConsumers(ctx, cfg.Azure.CommandQueue, messaging.NewProcessor(a.commands))
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if _, err := idempotency.ScheduleCleanup(ctx, scheduler, a.idem, cfg.Idempotency.CleanupInterval); err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
