package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/api"
	"github.com/hupe1980/indexshard/config"
	"github.com/hupe1980/indexshard/metrics"
	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/shardstate"
	"github.com/hupe1980/indexshard/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover the shard and serve it over HTTP",
	Long: `Recover the configured shard from its store and translog, mark it
started and serve it on the admin listener until SIGINT or SIGTERM.

Changes to the index section of the configuration file are applied to the
running shard without a restart.

Examples:
  # Serve with the default configuration file
  shardctl serve

  # Serve from a MinIO bucket with debug logging
  INDEXSHARD_STORAGE_BACKEND=minio INDEXSHARD_LOGGING_LEVEL=DEBUG shardctl serve -c shard.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	states, err := openStateStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	if states != nil {
		defer states.Close()
	}

	settings, err := cfg.Index.Settings()
	if err != nil {
		return err
	}
	tlogOpts, err := cfg.Translog.Options(cfg.TranslogDir())
	if err != nil {
		return err
	}

	rc := resource.NewController(cfg.Resources.Controller())
	indexingMemory := resource.NewIndexingMemory(int64(cfg.Resources.IndexingBuffer), logger.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	routing, err := initialRouting(ctx, cfg, states)
	if err != nil {
		return err
	}

	opts := []indexshard.Option{
		indexshard.WithLogger(logger),
		indexshard.WithSettings(settings),
		indexshard.WithTranslog(tlogOpts),
		indexshard.WithRoutingEntry(routing),
		indexshard.WithResources(rc),
		indexshard.WithIndexingMemory(indexingMemory),
		indexshard.WithShardLock(cfg.Shard.DataDir),
	}
	if cfg.Server.Metrics {
		opts = append(opts, indexshard.WithMetricsObserver(metrics.NewObserver(reg)))
	}
	if states != nil {
		opts = append(opts, indexshard.WithStateStore(states, cfg.Shard.IndexUUID))
	}

	st := store.New(blobs, func(o *store.Options) {
		o.Resources = rc
		o.Logger = logger.Logger
	})
	shard, err := indexshard.New(cfg.Shard.ID, st, opts...)
	if err != nil {
		return err
	}

	if err := shard.RecoverFromStore(ctx); err != nil {
		_ = shard.Close(context.Background(), "recovery failed", false)
		return err
	}
	if err := shard.UpdateRoutingEntry(ctx, shard.RoutingEntry().MoveToStarted(), true); err != nil {
		_ = shard.Close(context.Background(), "start failed", false)
		return err
	}

	if err := config.Watch(configFile, logger.Logger, func(next *config.Config) {
		s, err := next.Index.Settings()
		if err != nil {
			logger.Warn("ignoring invalid index settings", "error", err)
			return
		}
		shard.UpdateSettings(s)
	}); err != nil {
		logger.Warn("configuration changes will not be applied", "error", err)
	}

	go watchIdle(ctx, shard)

	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics {
		gatherer = reg
	}
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewRouter(shard, api.RouterConfig{Logger: logger, Gatherer: gatherer}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving shard", "shard", cfg.Shard.ID, "listen", cfg.Server.Listen, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(
		srv.Shutdown(shutdownCtx),
		shard.Close(shutdownCtx, "shutdown", true),
	)
}

// initialRouting starts from the persisted routing version so that the first
// started routing is recorded as a version change.
func initialRouting(ctx context.Context, cfg *config.Config, states shardstate.Store) (indexshard.RoutingEntry, error) {
	routing := indexshard.RoutingEntry{
		ShardID:      cfg.Shard.ID,
		Primary:      cfg.Shard.Primary,
		AllocationID: cfg.Shard.AllocationID,
		Version:      1,
		State:        indexshard.RoutingInitializing,
	}
	if states == nil {
		return routing, nil
	}
	prev, err := states.Load(ctx, cfg.Shard.ID)
	switch {
	case errors.Is(err, shardstate.ErrNotFound):
		return routing, nil
	case err != nil:
		return routing, fmt.Errorf("failed to load shard state: %w", err)
	}
	routing.Version = prev.Version
	if routing.AllocationID == "" {
		routing.AllocationID = prev.AllocationID
	}
	return routing, nil
}

// watchIdle flushes the shard once it stops receiving writes.
func watchIdle(ctx context.Context, shard *indexshard.IndexShard) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shard.CheckIdle(ctx, 0)
		}
	}
}
