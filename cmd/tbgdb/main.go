// Package main wires together the archiver service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/api"
	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/changefeed/sinks"
	"github.com/mostpan/tbgdb/internal/clock/system"
	"github.com/mostpan/tbgdb/internal/config"
	"github.com/mostpan/tbgdb/internal/fetcher/tbg"
	"github.com/mostpan/tbgdb/internal/logging"
	"github.com/mostpan/tbgdb/internal/metrics"
	"github.com/mostpan/tbgdb/internal/planner"
	"github.com/mostpan/tbgdb/internal/reconcile"
	"github.com/mostpan/tbgdb/internal/search"
	"github.com/mostpan/tbgdb/internal/store"
	memorystore "github.com/mostpan/tbgdb/internal/store/memory"
	postgresstore "github.com/mostpan/tbgdb/internal/store/postgres"
	sqlitestore "github.com/mostpan/tbgdb/internal/store/sqlite"
	"github.com/mostpan/tbgdb/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	rebuildIndex := flag.Bool("rebuild-index", false, "Rebuild the search index from stored messages and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	// The hub is created before the store so every committed mutation flows
	// through it; sinks are registered further down via the same instance.
	streamSink := sinks.NewStreamSink()
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}

	var (
		entityStore store.EntityStore
		hub         *changefeed.Hub
	)
	newHub := func(searchSinks ...changefeed.Sink) *changefeed.Hub {
		all := append([]changefeed.Sink{
			sinks.NewLogSink(logger.Named("changes")),
			promSink,
			streamSink,
		}, searchSinks...)
		return changefeed.NewHub(changefeed.Config{Logger: logger.Named("changefeed")}, all...)
	}

	// The search builder needs the store and the store needs the hub, so the
	// hub is assembled in two steps: open the store against a late-bound
	// emitter, then register the builder.
	var emitter lateEmitter
	switch cfg.Store.Backend {
	case "sqlite":
		entityStore, err = sqlitestore.Open(cfg.Store.Path, &emitter)
	case "postgres":
		entityStore, err = postgresstore.New(ctx, postgresstore.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		}, &emitter)
	case "memory":
		entityStore = memorystore.New(&emitter)
	default:
		logger.Fatal("unknown store backend", zap.String("backend", cfg.Store.Backend))
	}
	if err != nil {
		logger.Fatal("store init failed", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer func() {
		if cerr := entityStore.Close(); cerr != nil {
			logger.Error("store close failed", zap.Error(cerr))
		}
	}()

	indexBuilder := search.NewBuilder(entityStore, logger.Named("search"))
	hub = newHub(indexBuilder)
	emitter.set(hub)

	if *rebuildIndex {
		if err := indexBuilder.Rebuild(ctx); err != nil {
			logger.Fatal("search index rebuild failed", zap.Error(err))
		}
		logger.Info("search index rebuilt")
		if err := hub.Close(context.Background()); err != nil {
			logger.Error("changefeed close failed", zap.Error(err))
		}
		return
	}

	fetcher, err := tbg.New(tbg.Config{
		BaseURL:   cfg.Forum.BaseURL,
		Username:  cfg.Forum.Username,
		Password:  cfg.Forum.Password,
		UserAgent: cfg.Forum.UserAgent,
		Timeout:   cfg.ForumTimeout(),
	})
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}

	plan := planner.New(entityStore, clock, logger.Named("planner"), planner.Config{
		RatePerSecond:   cfg.Crawl.RatePerSecond,
		Burst:           cfg.Crawl.Burst,
		BoardsRecheck:   cfg.BoardsRecheck(),
		FullReverify:    cfg.Crawl.FullReverify,
		DiscoveryProbes: cfg.Crawl.DiscoveryProbes,
		ScanDepth:       cfg.Crawl.ScanDepth,
	})
	runID, err := plan.BeginRun(ctx)
	if err != nil {
		logger.Fatal("begin crawl run failed", zap.Error(err))
	}
	logger.Info("crawl run started", zap.String("run", runID))

	reconciler := reconcile.New(entityStore, clock, logger.Named("reconcile"))

	workerCfg := worker.Config{
		BatchSize:    cfg.Crawl.BatchSize,
		IdleWait:     cfg.IdleWait(),
		FullReverify: cfg.Crawl.FullReverify,
	}
	var wg sync.WaitGroup
	for i := 0; i < cfg.Crawl.Workers; i++ {
		w := worker.New(fetcher, reconciler, plan, entityStore, clock, logger.Named("worker").With(zap.Int("index", i)), workerCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker exited", zap.Error(err))
				stop()
			}
		}()
	}

	apiServer := api.NewServer(entityStore, streamSink, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("changefeed close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// lateEmitter lets the store be constructed before the hub exists. Events
// emitted before set() are dropped, which only happens during startup when
// nothing writes.
type lateEmitter struct {
	mu  sync.RWMutex
	hub *changefeed.Hub
}

func (e *lateEmitter) set(h *changefeed.Hub) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hub = h
}

// Emit forwards the event to the hub once it is wired.
func (e *lateEmitter) Emit(evt changefeed.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.hub != nil {
		e.hub.Emit(evt)
	}
}
