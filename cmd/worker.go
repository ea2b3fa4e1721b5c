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

	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/projections"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker: projection/saga event dispatch, saga deadline scanning and failed-write recovery`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Committed events flow to projections and active sagas
	processor := projections.NewProcessor(
		c.relational,
		[]projections.Sink{c.projections, c.sagas},
		cfg.ProjectionInterval,
		cfg.ProjectionBatch,
	)
	g.Go(func() error {
		processor.Start(ctx)
		<-ctx.Done()
		processor.Stop()
		return nil
	})

	// Failed store writes heal out of band
	g.Go(func() error {
		consumer := coordinator.NewFailedWriteConsumer(c.bus, c.coordinator)
		log.Info().Msg("Starting failed-write consumer")
		return consumer.Run(ctx)
	})

	// Saga step deadlines fire as synthetic timeout events
	g.Go(func() error {
		log.Info().Dur("interval", cfg.SagaTimeoutScan).Msg("Starting saga deadline scanner")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.SagaTimeoutScan),
			gocron.NewTask(func() {
				expired, err := c.sagas.ExpireDeadlines(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Failed to scan saga deadlines")
					return
				}
				if expired > 0 {
					log.Info().Int("expired", expired).Msg("Saga step deadlines fired")
				}
			}),
		)
		if err != nil {
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
