package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/api"
	"github.com/charlesng35/pawsync/internal/app"
	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/database"
	"github.com/charlesng35/pawsync/internal/partition"
	"github.com/charlesng35/pawsync/internal/realtime"
	"github.com/charlesng35/pawsync/internal/replication"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/internal/strategy"
	"github.com/charlesng35/pawsync/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pawsync-syncd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.WithModule("syncd")

	localDB, err := database.Open(database.Config{
		Driver: "sqlite",
		Path:   cfg.Local.Path,
		DSN:    cfg.Local.DSN,
	})
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	if err := database.AutoMigrateLocal(localDB); err != nil {
		return err
	}

	remoteDB, err := database.Open(database.Config{
		Driver:   cfg.Remote.Driver,
		DSN:      cfg.Remote.DSN,
		Host:     cfg.Remote.Host,
		Port:     cfg.Remote.Port,
		User:     cfg.Remote.User,
		Password: cfg.Remote.Password,
		Name:     cfg.Remote.Database,
		Options:  cfg.Remote.Options,
	})
	if err != nil {
		return fmt.Errorf("open remote store: %w", err)
	}

	tracker := store.NewConnectivityTracker(cfg.Cache.RetryAfter)
	hub := realtime.NewHub()
	defer hub.Close()

	if cfg.Feed.Enabled {
		bridge := realtime.NewFeedBridge(cfg.Feed.URL, hub, tracker)
		bridge.Start(ctx)
		defer bridge.Stop()
	}

	local, err := store.NewLocalStore(localDB)
	if err != nil {
		return err
	}
	remote, err := store.NewSQLRemoteStore(remoteDB, hub, tracker)
	if err != nil {
		return err
	}

	cacheEngine, err := cache.NewEngine(local, remote, tracker)
	if err != nil {
		return err
	}

	sweeper, err := cache.NewSweeper(local,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithSchedule(cfg.Cache.SweepSchedule),
	)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start cache sweeper: %w", err)
	}
	defer sweeper.Stop()

	specs := collectionSpecs(cfg)

	repl, err := replication.NewEngine(local, local, remote, specs,
		replication.WithBatchSize(cfg.Sync.BatchSize),
		replication.WithOverlapWindow(cfg.Sync.OverlapWindow),
		replication.WithPullConcurrency(cfg.Sync.PullConcurrency),
		replication.WithDebounce(cfg.Sync.Debounce),
		replication.WithPullSchedule(cfg.Sync.PullSchedule),
	)
	if err != nil {
		return err
	}
	if err := repl.Start(ctx); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	defer repl.Stop()

	partitions, err := partition.NewManager(local, remote, specs)
	if err != nil {
		return err
	}
	if err := partitions.SetupRealtimeSync(ctx); err != nil {
		return err
	}
	defer partitions.Stop()

	if len(cfg.Partition.Keys) > 0 {
		if err := partitions.SetActiveKeys(ctx, cfg.Partition.Keys); err != nil {
			log.Warn("initial partition backfill incomplete", zap.Error(err))
		}
	}

	router, err := strategy.NewRouter(cacheEngine, repl, remote)
	if err != nil {
		return err
	}

	engine, err := api.NewRouter(cacheEngine, router, tabDescriptors(cfg, log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func collectionSpecs(cfg *app.Config) []replication.CollectionSpec {
	specs := make([]replication.CollectionSpec, 0, len(cfg.Collections))
	for _, c := range cfg.Collections {
		specs = append(specs, replication.CollectionSpec{
			Name:           c.Name,
			RemoteTable:    c.RemoteTable,
			IDField:        c.IDField,
			NameField:      c.NameField,
			ParentField:    c.ParentField,
			PartitionField: c.PartitionField,
			UpdatedField:   c.UpdatedField,
			DeletedField:   c.DeletedField,
		})
	}
	return specs
}

func tabDescriptors(cfg *app.Config, log *zap.Logger) map[string]strategy.Descriptor {
	tabs := make(map[string]strategy.Descriptor, len(cfg.Tabs))
	for name, raw := range cfg.Tabs {
		descriptor, err := strategy.DecodeDescriptor(raw)
		if err != nil {
			log.Error("invalid tab descriptor, skipping", zap.String("tab", name), zap.Error(err))
			continue
		}
		tabs[name] = descriptor
	}
	return tabs
}
