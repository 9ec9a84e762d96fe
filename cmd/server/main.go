package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"seo-agents/backend/internal/api"
	"seo-agents/backend/internal/config"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/internal/eventbus"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/mcp"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "seo-agents",
		Short:         "Agent workflow orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	root.AddCommand(serveCmd(), workerCmd(), dispatcherCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "seo-agents"})
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"addr", cfg.Server.Addr,
	)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var runWorker, runDispatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" && (!runWorker || !runDispatcher) {
				return errors.New("memory storage requires the worker and dispatcher to run in the serve process")
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			if runWorker {
				if _, err := a.scheduler.Resync(ctx); err != nil {
					logger.Warn("Schedule resync failed", "error", err)
				}
				g.Go(func() error { return a.worker.Run(ctx) })
			}
			if runDispatcher {
				g.Go(func() error { return a.dispatcher.Run(ctx) })
			}

			server := newHTTPServer(a, logger)
			g.Go(func() error {
				logger.Info("Server starting", "address", server.Addr)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("Shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server shutdown error", "error", err)
					return server.Close()
				}
				logger.Info("Server stopped gracefully")
				return nil
			})
			return ignoreCanceled(g.Wait())
		},
	}
	cmd.Flags().BoolVar(&runWorker, "worker", true, "Also run the job worker in this process")
	cmd.Flags().BoolVar(&runDispatcher, "dispatcher", true, "Also run the outbox dispatcher in this process")
	return cmd
}

func newHTTPServer(a *app, logger *logging.Logger) *http.Server {
	e := api.NewServer(a.flows, eventbus.NewStreamHandler(a.bus, logger), logger, a.ready).New()

	mcpServer := mcp.NewServer(a.flows)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	return &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket and SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run stage and schedule jobs from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("a standalone worker requires postgres storage")
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.scheduler.Resync(ctx)
			if err != nil {
				return fmt.Errorf("failed to resync schedules: %w", err)
			}
			logger.Info("Worker starting", "active_triggers", n, "concurrency", cfg.Queue.Concurrency)
			return ignoreCanceled(a.worker.Run(ctx))
		},
	}
}

func dispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Relay outbox events to subscribers and webhooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("a standalone dispatcher requires postgres storage")
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("Dispatcher starting", "poll_interval", cfg.Outbox.PollInterval)
			return ignoreCanceled(a.dispatcher.Run(ctx))
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, err := database.Connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(ctx, pool, logger)
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
