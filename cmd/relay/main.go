package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eventrelay/internal/config"
	"eventrelay/internal/domain"
	events_handler "eventrelay/internal/handler/events"
	ops_http "eventrelay/internal/handler/http/ops"
	"eventrelay/internal/housekeeping"
	"eventrelay/internal/inbox"
	"eventrelay/internal/infrastructure/database"
	kafka_infra "eventrelay/internal/infrastructure/kafka"
	"eventrelay/internal/metrics"
	"eventrelay/internal/outbox"
	deadletter_pg "eventrelay/internal/repository/deadletter_repo/postgres"
	inbox_pg "eventrelay/internal/repository/inbox_repo/postgres"
	outbox_pg "eventrelay/internal/repository/outbox_repo/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Relay service starting...")

	metrics.Register()

	db := connectWithRetry(cfg, appLogger)
	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.")
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetDBMigrationConnectionString())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed.")

	kafkaBrokers := cfg.GetKafkaBrokers()
	requiredTopics := []string{cfg.KafkaPublishTopic}
	if cfg.KafkaConsumeTopic != "" {
		requiredTopics = append(requiredTopics, cfg.KafkaConsumeTopic)
	}
	topicCtx, topicCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer topicCancel()
	if err := kafka_infra.EnsureTopics(topicCtx, kafkaBrokers, requiredTopics, appLogger); err != nil {
		appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
	}

	outboxRepo := outbox_pg.NewOutboxRepository(db)
	inboxRepo := inbox_pg.NewInboxRepository(db)
	deadLetterRepo := deadletter_pg.NewDeadLetterRepository(db)
	txManager := database.NewTxManager(db)
	writer := outbox.NewWriter(outboxRepo)

	types := outbox.NewTypeRegistry()
	for _, eventType := range cfg.RegisteredEventTypes {
		types.Register(eventType, func() any { return &map[string]any{} })
	}
	if len(cfg.RegisteredEventTypes) == 0 {
		appLogger.Warn("no event types registered; any claimed outbox message will be dead-lettered as unknown")
	}

	publisher := kafka_infra.NewPublisher(kafkaBrokers, cfg.KafkaPublishTopic,
		appLogger.With(zap.String("component", "KafkaPublisher")))
	defer func() {
		if err := publisher.Close(); err != nil {
			appLogger.Error("Error closing Kafka publisher", zap.Error(err))
		}
	}()

	retry := outbox.NewRetryPolicy(cfg.BackoffBase, cfg.BackoffCap, cfg.OutboxMaxAttempts)
	processor := outbox.NewProcessor(
		outboxRepo,
		publisher,
		types,
		retry,
		outbox.ProcessorConfig{
			PollInterval:   cfg.OutboxPollInterval,
			BatchSize:      cfg.OutboxBatchSize,
			ClaimTTL:       cfg.OutboxClaimTTL,
			PublishTimeout: cfg.OutboxPublishTimeout,
		},
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)

	replayer := outbox.NewReplayer(txManager, writer, deadLetterRepo,
		appLogger.With(zap.String("component", "Replayer")))

	janitor := housekeeping.NewJanitor(
		outboxRepo, inboxRepo, deadLetterRepo,
		cfg.CleanupInterval, cfg.OutboxRetention, cfg.InboxRetention,
		appLogger.With(zap.String("component", "Janitor")),
	)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	ops_http.RegisterRoutes(router, outboxRepo, deadLetterRepo, replayer, processor.Wake, appLogger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go processor.Run(ctxMain)
	go janitor.Run(ctxMain)

	var pool *inbox.Pool
	var consumer *kafka_infra.Consumer
	var consumerDone chan struct{}
	if cfg.KafkaConsumeTopic != "" {
		dispatcher := inbox.NewDispatcher(txManager, inboxRepo,
			appLogger.With(zap.String("component", "InboxDispatcher")))
		registry := inbox.NewRegistry()

		audit := events_handler.NewAuditHandler(appLogger.With(zap.String("component", "AuditHandler")))
		for _, eventType := range cfg.AuditedEventTypes {
			registry.Register(eventType, audit)
		}

		pool = inbox.NewPool(cfg.ConsumerWorkers, cfg.ConsumerQueueSize,
			func(ctx context.Context, msg domain.ConsumedMessage) error {
				handlers := registry.HandlersFor(msg.Type)
				if len(handlers) == 0 {
					appLogger.Debug("no handlers for event type, acknowledging",
						zap.String("type", msg.Type), zap.String("message_id", msg.ID))
					return nil
				}
				for _, handler := range handlers {
					if err := dispatcher.Dispatch(ctx, msg, handler); err != nil {
						return err
					}
				}
				return nil
			},
			appLogger.With(zap.String("component", "ConsumerPool")),
		)
		pool.Start(ctxMain)

		consumer = kafka_infra.NewConsumer(kafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaConsumeTopic,
			appLogger.With(zap.String("component", "KafkaConsumer")))
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctxMain, pool.Submit); err != nil && ctxMain.Err() == nil {
				appLogger.Error("Kafka consumer failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down relay service...")

	cancelMain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	}

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			appLogger.Error("Error closing Kafka consumer", zap.Error(err))
		}
		// The consumer goroutine must stop submitting before the pool's
		// queues close.
		<-consumerDone
	}
	if pool != nil {
		pool.Close()
	}

	appLogger.Info("Relay service shut down.")
}

func connectWithRetry(cfg *config.Config, logger *zap.Logger) *sql.DB {
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	const maxRetries = 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err := database.NewPostgresDB(dbConfig)
		if err == nil {
			logger.Info("Connected to PostgreSQL database")
			return db
		}
		logger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...",
			i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}
	return nil
}
