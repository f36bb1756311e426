package pruner

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/ledgerx/pkg/config"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
	"github.com/canopy-network/ledgerx/pkg/db/postgres/lease"
	"github.com/canopy-network/ledgerx/pkg/db/postgres/ledger"
	"github.com/canopy-network/ledgerx/pkg/indexer/pruner"
	"github.com/canopy-network/ledgerx/pkg/logging"
	"github.com/canopy-network/ledgerx/pkg/metrics"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/scheduler"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const pruneJob = "pruner"

// App runs the pruner on a cron schedule under a lease, so any number of
// replicas can be deployed and only one prunes at a time.
type App struct {
	Config    *config.Config
	Store     *ledger.Store
	Manager   *partition.Manager
	Pruner    *pruner.Pruner
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Server    *http.Server
	Logger    *zap.Logger

	// lastTick is the unix millisecond time of the last successful tick.
	lastTick atomic.Int64
	failing  atomic.Bool
}

// Tick runs one pruning pass and records its outcome for /readyz.
func (a *App) Tick(ctx context.Context) error {
	reports, err := a.Pruner.Tick(ctx)
	if err != nil {
		a.failing.Store(true)
		return err
	}
	a.failing.Store(false)
	a.lastTick.Store(time.Now().UnixMilli())

	for _, r := range reports {
		if r.Deleted == 0 && r.Retired == 0 && !r.ReaderAdvanced {
			continue
		}
		a.Logger.Info("Pruned",
			zap.String("pipeline", r.Pipeline),
			zap.Int64("reader_lo", r.ReaderLo),
			zap.Int64("pruner_hi", r.PrunerHi),
			zap.Int64("deleted", r.Deleted),
			zap.Int("retired", r.Retired),
			zap.Bool("complete", r.Complete),
		)
	}
	return nil
}

// SetupServer exposes liveness, readiness and metrics.
func (a *App) SetupServer() {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if a.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)

	a.Server = &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Start blocks until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("Pruner server listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Pruner server failed", zap.Error(err))
		}
	}()
	a.Scheduler.Start()

	<-ctx.Done()
	a.Stop()
}

func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	a.Scheduler.Stop(shutdownCtx)
	a.Pruner.Close()
	a.Manager.Close()
	_ = a.Store.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize wires the pruner from the environment and LEDGERX_CONFIG.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	store, err := ledger.New(ctx, logger, cfg.Database, *postgres.GetPoolConfigForComponent("pruner"))
	if err != nil {
		logger.Fatal("Unable to initialize ledger database", zap.Error(err))
	}

	scheme, err := partition.NewScheme(cfg.Partitions.Spans)
	if err != nil {
		logger.Fatal("Invalid partition scheme", zap.Error(err))
	}
	manager := partition.NewManager(store, scheme, logger, partition.ManagerConfig{
		Lookahead:        cfg.Partitions.Lookahead,
		ShardConcurrency: cfg.Partitions.ShardConcurrency,
	})

	pipelines := make(map[string]pruner.PipelineConfig)
	for _, p := range cfg.EnabledPipelines() {
		pc := cfg.Pipelines[p.Name]
		pipelines[p.Name] = pruner.PipelineConfig{
			Retention:       pc.Retention,
			Delay:           pc.Delay,
			FirstCheckpoint: pc.FirstCheckpoint,
		}
	}
	m := metrics.New()
	p, err := pruner.New(store, manager, logger, pruner.Config{
		Pipelines:        pipelines,
		MaxChunkSize:     cfg.Pruner.MaxChunkSize,
		DeleteRPS:        cfg.Pruner.DeleteRPS,
		ShardConcurrency: cfg.Pruner.ShardConcurrency,
	}, pruner.WithMetrics(m))
	if err != nil {
		logger.Fatal("Unable to create pruner", zap.Error(err))
	}

	leases, err := lease.New(store.Pool)
	if err != nil {
		logger.Fatal("Unable to create lease store", zap.Error(err))
	}
	if err := leases.EnsureSchema(ctx); err != nil {
		logger.Fatal("Unable to create lease table", zap.Error(err))
	}

	app := &App{
		Config:  cfg,
		Store:   store,
		Manager: manager,
		Pruner:  p,
		Metrics: m,
		Logger:  logger,
		Scheduler: scheduler.New(leases, logger, scheduler.Config{
			LeaseTTL: cfg.Pruner.LeaseTTL,
		}),
	}
	if err := app.Scheduler.Add(ctx, pruneJob, cfg.Pruner.Cron, app.Tick); err != nil {
		logger.Fatal("Unable to schedule pruner", zap.Error(err))
	}
	app.SetupServer()
	return app
}
