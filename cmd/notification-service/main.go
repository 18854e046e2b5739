package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/task-sagas/internal/notification-service/app"
	"github.com/jcmexdev/task-sagas/internal/notification-service/httpx"
	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/cache"
	"github.com/jcmexdev/task-sagas/internal/pkg/config"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/task-sagas/internal/pkg/workerpool"
)

const serviceName = "notification-service"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Notification service: the participant of the task saga",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Consume task_created and publish notification outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(serviceName, configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := telemetry.InitLogger(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	// The outcome cache is optional: without Redis a redelivered task_created
	// is decided again.
	var outcomes cache.Cache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, "notification")
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, outcomes will not be cached", "addr", cfg.RedisAddr, "error", err)
		} else {
			outcomes = redisCache
		}
	}

	client := broker.New(broker.Config{
		URL:                cfg.Broker.URL,
		MaxRetries:         cfg.Broker.MaxRetries,
		RetryDelay:         cfg.Broker.RetryDelay,
		ExponentialBackoff: cfg.Broker.ExponentialBackoff,
		ConfirmTimeout:     cfg.Broker.ConfirmTimeout,
		ReconnectPerSecond: cfg.Broker.ReconnectPerSecond,
		Exchanges:          []string{events.TaskEventsExchange, events.NotificationEventsExchange},
	}, broker.WithLogger(logger))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		client.Wait()
	}()

	seed := uint64(time.Now().UnixNano())
	policy := app.FailureRate(cfg.Notification.FailureRate, rand.New(rand.NewPCG(seed, seed>>1)))
	participant := app.NewParticipant(policy, app.LogNotifier{Logger: logger}, client, outcomes, cfg.Notification.OutcomeTTL, logger)
	router := app.NewRouter(participant, logger)
	if err := router.Listen(ctx, client); err != nil {
		return err
	}

	pool := workerpool.New("notification-events", cfg.Workers.Size, cfg.Workers.QueueDepth, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(router, pool, logger), cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("notification service HTTP running", "addr", cfg.HTTPAddr, "failure_rate", cfg.Notification.FailureRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), pool.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
