package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/warehouse/services/requisition/config"
	"example.com/warehouse/services/requisition/internal/api"
	"example.com/warehouse/services/requisition/internal/cache"
	"example.com/warehouse/services/requisition/internal/database"
	"example.com/warehouse/services/requisition/internal/metrics"
	"example.com/warehouse/services/requisition/internal/repositories"
	"example.com/warehouse/services/requisition/internal/search"
	"example.com/warehouse/services/requisition/internal/services"
	"example.com/warehouse/services/requisition/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling stock request lifecycle and reporting endpoints`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
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
	batchService := services.NewBatchService(requestService, metricsCollector, tracer)
	queryService := services.NewQueryService(requestRepo, redisCache, searchClient, tracer)

	// Initialize and start the server
	server := api.NewServer(cfg, requestService, batchService, queryService, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
