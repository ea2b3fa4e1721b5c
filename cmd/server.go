package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/payhub/services/ledger/api"
	"example.com/payhub/services/ledger/handlers"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	log.Info().Msg("Starting server")

	c, err := buildComponents(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}

	server := api.NewServer(cfg, c.commandBus, c.queryBus, c.eventLog, c.projections, c.sagas, c.snapshots, c.coordinator, c.tracer)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Queued commands take the same dispatch path as HTTP ones
	commandProcessor := handlers.NewCommandProcessor(c.bus, c.commandBus, cfg.AzureCommandQueueName)
	go func() {
		if err := commandProcessor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Command processor error")
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if c.redisCache != nil {
		if err := c.redisCache.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if c.tracer != nil {
		c.tracer.Close()
	}

	log.Info().Msg("Server exited properly")
}
