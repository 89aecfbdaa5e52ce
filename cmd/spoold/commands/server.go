package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/spoold/internal/api"
	"github.com/busybox42/spoold/internal/counter"
	"github.com/busybox42/spoold/internal/expr"
	"github.com/busybox42/spoold/internal/logging"
	"github.com/busybox42/spoold/internal/queue"
	"github.com/busybox42/spoold/internal/storage"
	"github.com/busybox42/spoold/internal/throttle"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the spoold queue daemon",
	Long:  `Start the queue daemon: scheduler, delivery workers and admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer() error {
	logger, closeLog, err := logging.Setup(logging.Options{
		Type:   cfg.Logging.Type,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	bundle := cfg.Build()
	for _, buildErr := range bundle.Errors {
		logger.Warn("configuration entry dropped", "error", buildErr)
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer func() { _ = store.Close() }()

	counters, err := counter.Factory(counter.Config{
		Type:     cfg.Counters.Type,
		Name:     "queue",
		Host:     cfg.Counters.Host,
		Port:     cfg.Counters.Port,
		Password: cfg.Counters.Password,
		Database: cfg.Counters.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to create counter store: %w", err)
	}
	if err := counters.Connect(); err != nil {
		return fmt.Errorf("failed to connect counter store: %w", err)
	}
	defer func() { _ = counters.Close() }()

	eval := expr.DefaultEvaluator{}
	guard := throttle.NewGuard(counters, eval, logger)
	resolver := queue.NewResolver(bundle.Catalog, eval)
	spool := queue.NewSpool(store, guard, resolver, bundle.Quotas, counters, logger)
	dsn := queue.NewDSNBuilder(resolver, store, logger, cfg.Server.Hostname)
	transport := queue.WrapTransportWithBreaker(
		queue.NewSMTPTransport(store, logger, cfg.Server.Hostname), logger)

	tick, err := time.ParseDuration(cfg.Queue.Tick)
	if err != nil || tick <= 0 {
		tick = time.Second
	}

	manager := queue.NewManager(queue.ManagerConfig{
		Spool:     spool,
		Store:     store,
		Resolver:  resolver,
		Guard:     guard,
		Limiters:  bundle.Outbound,
		DSN:       dsn,
		Transport: transport,
		Logger:    logger,
		Tick:      tick,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return manager.Run(ctx) })

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API.Listen, store, spool, bundle.Catalog, logger)
		group.Go(apiServer.Start)
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return apiServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("queue daemon started", "hostname", cfg.Server.Hostname, "tick", tick.String())
	return group.Wait()
}

func openStore() (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite", "":
		return storage.OpenSQLite(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}
