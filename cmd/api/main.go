package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/trainingload/internal/api"
	"example.com/trainingload/internal/auth"
	"example.com/trainingload/internal/config"
	"example.com/trainingload/internal/domain"
	applog "example.com/trainingload/internal/log"
	"example.com/trainingload/internal/outbox"
	"example.com/trainingload/internal/persistence/memory"
	"example.com/trainingload/internal/persistence/postgres"
	"example.com/trainingload/internal/training"
	httptransport "example.com/trainingload/internal/transport/http"
)

type repository interface {
	domain.ActivityRepository
	domain.SnapshotRepository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := applog.New("training-api", cfg.Debug)
	if err != nil {
		return err
	}
	defer applog.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo       repository
		background sync.WaitGroup
	)
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		repo = memory.NewRepository()
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		repo = postgres.NewRepository(pool)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.Named("outbox")),
		)
		go dispatcher.Start(ctx)
		defer dispatcher.Wait()

		if cfg.DLQEmbedded {
			manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger.Named("dlq"))
			background.Add(1)
			go func() {
				defer background.Done()
				manager.Start(ctx, cfg.DLQPollInterval, cfg.DLQBatchSize)
			}()
		}
	}

	service := training.NewService(repo, repo,
		training.WithLogger(logger.Named("training")),
		training.WithRefreshTimeout(cfg.RefreshTimeout),
	)

	mux := http.NewServeMux()
	api.NewHandler(service, logger.Named("api")).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.RefreshTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.CORS(cfg.CORSOrigin, httptransport.RequestLogger(logger, authMiddleware.Wrap(mux))))

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("training-api listening", "address", cfg.HTTPAddress, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Errorw("server error", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
	background.Wait()
	return nil
}
