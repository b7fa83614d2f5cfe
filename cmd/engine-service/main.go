package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudweav/jobcore/internal/api/handler"
	"github.com/cloudweav/jobcore/internal/api/router"
	"github.com/cloudweav/jobcore/internal/config"
	"github.com/cloudweav/jobcore/internal/engine"
	"github.com/cloudweav/jobcore/internal/engine/join"
	"github.com/cloudweav/jobcore/internal/engine/storage"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
	"github.com/cloudweav/jobcore/internal/events"
	"github.com/cloudweav/jobcore/shared/logger"
	"github.com/cloudweav/jobcore/shared/postgresql"
	"github.com/cloudweav/jobcore/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("ENGINE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/engine-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	nodeID := cfg.Engine.NodeID
	if nodeID == "" {
		nodeID = newNodeID()
	}

	appLogger.Info("Starting engine service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("node_id", nodeID),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client; each node consumes its own transient queue
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, nodeID, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Wire the engine
	store := storage.New(dbClient.DB(), appLogger.Logger)
	notifier := events.NewBusNotifier(rabbitClient, nodeID, appLogger.Logger)
	registry := prometheus.NewRegistry()
	monitor := engine.NewMonitor(cfg.Engine.HeartbeatWarnAfter, appLogger.Logger)

	queues := syncqueue.NewManager(store, store,
		syncqueue.Policy{
			AllowSameKind:  cfg.Queue.SameKindSet(),
			SecondaryLimit: cfg.Queue.SecondaryLimit,
		},
		syncqueue.Config{
			EnqueueRetries:    cfg.Engine.EnqueueRetries,
			EnqueueRetryDelay: cfg.Engine.EnqueueRetryDelay,
		},
		appLogger.Logger,
	)

	eng := engine.New(
		engine.Config{
			NodeID:                 nodeID,
			PoolSize:               cfg.Engine.PoolSize,
			DrainInterval:          cfg.Engine.DrainInterval,
			DrainBatch:             cfg.Engine.DrainBatch,
			WakeupScanInterval:     cfg.Engine.WakeupScanInterval,
			WakeupScanBatch:        cfg.Engine.WakeupScanBatch,
			HeartbeatScanInterval:  cfg.Engine.HeartbeatScanInterval,
			HeartbeatWarnAfter:     cfg.Engine.HeartbeatWarnAfter,
			ReaperInterval:         cfg.Engine.ReaperInterval,
			ReaperBatch:            cfg.Engine.ReaperBatch,
			JobRetention:           cfg.Engine.JobRetention,
			BlockedCancelThreshold: cfg.Engine.BlockedCancelThreshold,
		},
		engine.Deps{
			Jobs:     store,
			Queues:   queues,
			Joins:    join.NewRegistry(store, store, appLogger.Logger),
			Notifier: notifier,
			Locker:   store,
			Monitor:  monitor,
			Metrics:  engine.NewMetrics(registry, monitor),
			Logger:   appLogger.Logger,
		},
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := eng.Start(runCtx); err != nil {
		dbClient.Close()
		rabbitClient.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Feed bus events to local waiters
	go func() {
		if err := notifier.Run(runCtx); err != nil {
			appLogger.Error("Job state consumer stopped",
				slog.Any("error", err),
			)
		}
	}()

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, eng, dbClient, registry)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Engine service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down engine service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Engine drains its worker pool before the clients close
	eng.Stop()
	runCancel()

	if err := rabbitClient.Close(); err != nil {
		appLogger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
	}
	if err := dbClient.Close(); err != nil {
		appLogger.Error("Failed to close database connection",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Engine service shutdown complete")
	return nil
}

// newNodeID derives a cluster-unique identity for this process
func newNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client for the job state bus
func initRabbitMQ(cfg *config.RabbitMQConfig, nodeID string, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         fmt.Sprintf("%s.%s", cfg.Exchange.Name, nodeID),
		QueueAutoDelete:   true,
		QueueExclusive:    true,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, eng *engine.Engine, dbClient *postgresql.Client, registry *prometheus.Registry) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:   logger,
		Engine:   eng,
		DBClient: dbClient,
		Registry: registry,
	}

	return router.SetupRouter(handlerDeps)
}
