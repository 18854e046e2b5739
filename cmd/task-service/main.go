package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/task-sagas/internal/coordinator"
	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	sagalogsqlite "github.com/jcmexdev/task-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/config"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/task-sagas/internal/pkg/workerpool"
	tasksqlite "github.com/jcmexdev/task-sagas/internal/task-service/adapters/sqlite"
	"github.com/jcmexdev/task-sagas/internal/task-service/app"
	"github.com/jcmexdev/task-sagas/internal/task-service/httpx"
)

const serviceName = "task-service"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Task service: creates tasks and coordinates the notification saga",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outcome consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(serviceName, configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(newSagaLogsCommand(&configPath))
	return root
}

func newSagaLogsCommand(configPath *string) *cobra.Command {
	var (
		limit      int
		sagaID     string
		stuckAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "saga-logs",
		Short: "Print saga log entries as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(serviceName, *configPath)
			if err != nil {
				return err
			}
			db, err := sagalogsqlite.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			logs, err := sagalogsqlite.New(db)
			if err != nil {
				return err
			}

			var entries []sagalog.Entry
			switch {
			case sagaID != "":
				entries, err = logs.History(cmd.Context(), sagaID)
			case stuckAfter > 0:
				entries, err = logs.Stuck(cmd.Context(), time.Now().Add(-stuckAfter))
			default:
				entries, err = logs.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of most recent entries")
	cmd.Flags().StringVar(&sagaID, "saga", "", "print the full history of one saga")
	cmd.Flags().DurationVar(&stuckAfter, "stuck-after", 0, "list sagas with no terminal entry for at least this long")
	return cmd
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

	db, err := sagalogsqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	logs, err := sagalogsqlite.New(db)
	if err != nil {
		return err
	}
	tasks, err := tasksqlite.New(db)
	if err != nil {
		return err
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

	saga := coordinator.NewTaskCreationSaga(tasks, logs, client, logger)
	compensation := coordinator.NewCompensationHandler(tasks, logs, logger, coordinator.DefaultPublishGrace)
	router := app.NewRouter(compensation, logger)
	if err := router.Listen(ctx, client); err != nil {
		return err
	}

	pool := workerpool.New("task-events", cfg.Workers.Size, cfg.Workers.QueueDepth, logger)
	handler := httpx.NewHandler(saga, tasks, logs, router, pool, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler, cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("task service HTTP running", "addr", cfg.HTTPAddr)
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
