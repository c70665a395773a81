package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/warehouse/services/requisition/config"
	"example.com/warehouse/services/requisition/internal/database"
	"example.com/warehouse/services/requisition/internal/messaging"
	"example.com/warehouse/services/requisition/internal/metrics"
	"example.com/warehouse/services/requisition/internal/repositories"
	"example.com/warehouse/services/requisition/internal/search"
	"example.com/warehouse/services/requisition/internal/services"
	"example.com/warehouse/services/requisition/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume stock intake events and re-evaluate requests waiting on stock`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client
	var searchClient search.Client
	if elasticClient, err := search.NewElasticClient(cfg.Elastic); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	} else {
		searchClient = elasticClient
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories and services
	requestRepo := repositories.NewRequestRepository(db, readOnlyDB)
	stockRepo := repositories.NewStockRepository(db, readOnlyDB)
	itemRepo := repositories.NewItemRepository(db, readOnlyDB)
	employeeRepo := repositories.NewEmployeeRepository(db, readOnlyDB)
	requestService := services.NewRequestService(requestRepo, stockRepo, itemRepo, employeeRepo, searchClient, metricsCollector, tracer)

	// Initialize Azure Service Bus client
	azureBus, err := messaging.NewAzureServiceBus(cfg.Azure)
	if err != nil {
		return err
	}
	processor := messaging.NewProcessor(requestService)

	// Start the service bus processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
		return azureBus.ProcessMessages(ctx, processor.ProcessMessage)
	})

	// Start the awaiting-stock sweep as a fallback for missed intake events
	g.Go(func() error {
		log.Info().Msg("Starting awaiting-stock sweep job as fallback mechanism")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Every 5 minutes is enough: the queue consumer handles the
		// common path, this only catches events that never arrived.
		_, err = scheduler.NewJob(
			gocron.DurationJob(5*time.Minute),
			gocron.NewTask(func() {
				promoted, err := requestService.SweepAwaitingStock(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Awaiting-stock sweep failed")
					return
				}
				if promoted > 0 {
					log.Info().Int("promoted", promoted).Msg("Awaiting-stock sweep promoted requests")
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

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
