/**
 * @description
 * This is the main entry point for the marketplace-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, message brokers, repositories, the application
 * services, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadflow/marketplace-service/internal/api"
	"github.com/leadflow/marketplace-service/internal/app"
	"github.com/leadflow/marketplace-service/internal/config"
	"github.com/leadflow/marketplace-service/internal/store"
	mqrabbit "github.com/leadflow/marketplace-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting marketplace-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer used by the ingestion endpoint and the
	// post-delivery metrics refresh.
	rabbitProducer, err := mqrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer rabbitProducer.Close()
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")

	// Redis backs the ingestion rate limiter. Missing or unreachable Redis
	// degrades to unlimited ingestion rather than blocking startup.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; ingestion rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; ingestion rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; ingestion rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the application services.
	ledgerService := app.NewLedgerService(repository)
	listingService := app.NewListingService(repository)
	subscriptionService := app.NewSubscriptionService(repository, ledgerService)
	distributionService := app.NewDistributionService(repository, rabbitProducer, nil)
	metricsService := app.NewMetricsService(repository)

	var rateLimiter *app.RedisIngestRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisIngestRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	marketplaceHandlers := api.NewMarketplaceHandlers(
		ledgerService,
		listingService,
		subscriptionService,
		distributionService,
		metricsService,
		rateLimiter,
		cfg.IngestRateLimitPerMinute,
	)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/marketplace", api.MarketplaceRoutes(marketplaceHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the queue consumers: lead distribution and metrics refresh.
	rabbitConsumer, err := mqrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	distributionConsumer := app.NewDistributionConsumer(distributionService)
	if err := rabbitConsumer.Consume(mqrabbit.ConsumeOptions{
		Exchange:    app.MarketplaceExchange,
		Queue:       cfg.DistributionQueue,
		RoutingKey:  app.RoutingKeyLeadDistribution,
		Prefetch:    cfg.DistributionPrefetch,
		MaxAttempts: cfg.MaxDeliveryAttempts,
		Handler:     distributionConsumer.HandleMessage,
		OnExhausted: distributionConsumer.HandleExhausted,
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"distribution consumer start failed\" err=%v", err)
	}

	metricsConsumer := app.NewMetricsConsumer(metricsService)
	if err := rabbitConsumer.Consume(mqrabbit.ConsumeOptions{
		Exchange:    app.MarketplaceExchange,
		Queue:       cfg.MetricsQueue,
		RoutingKey:  app.RoutingKeyMetricsRefresh,
		Prefetch:    cfg.MetricsPrefetch,
		MaxAttempts: 1,
		Handler:     metricsConsumer.HandleMessage,
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"metrics consumer start failed\" err=%v", err)
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
