package indexer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/ledgerx/app/indexer/controller"
	"github.com/canopy-network/ledgerx/pkg/config"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
	"github.com/canopy-network/ledgerx/pkg/db/postgres/lease"
	"github.com/canopy-network/ledgerx/pkg/db/postgres/ledger"
	"github.com/canopy-network/ledgerx/pkg/indexer/committer"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/indexer/snapshot"
	"github.com/canopy-network/ledgerx/pkg/logging"
	"github.com/canopy-network/ledgerx/pkg/metrics"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/redis"
	"github.com/canopy-network/ledgerx/pkg/scheduler"
	"github.com/canopy-network/ledgerx/pkg/source"
	"go.uber.org/zap"
)

const snapshotJob = "objects-snapshot"

type runner struct {
	committer *committer.Committer
	source    source.Source
}

type App struct {
	Config    *config.Config
	Store     *ledger.Store
	Manager   *partition.Manager
	Status    *pipeline.Registry
	Hub       *controller.Hub
	Notifier  *redis.Client
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Pool      pond.Pool
	Server    *http.Server
	Logger    *zap.Logger

	runners []runner
}

// Start runs every committer, the snapshot schedule and the admin server.
// It blocks until ctx is canceled or every committer has stopped.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("Admin server listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	if a.Scheduler != nil {
		a.Scheduler.Start()
	}

	group := a.Pool.NewGroup()
	for _, r := range a.runners {
		group.Submit(func() {
			defer func() { _ = r.source.Close() }()
			// A failed pipeline stays failed in the status registry; the others keep going.
			if err := r.committer.Run(ctx, r.source); err != nil {
				a.Logger.Error("Pipeline stopped with error", zap.String("pipeline", r.committer.Pipeline()), zap.Error(err))
			}
		})
	}
	done := make(chan struct{})
	if len(a.runners) > 0 {
		go func() {
			_ = group.Wait()
			close(done)
		}()
	}

	select {
	case <-ctx.Done():
		if len(a.runners) > 0 {
			<-done
		}
	case <-done:
		a.Logger.Info("All pipelines stopped")
	}
	a.Stop()
}

// Stop shuts down the server and scheduler and releases connections.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	if a.Scheduler != nil {
		a.Scheduler.Stop(shutdownCtx)
	}
	a.Pool.StopAndWait()
	a.Manager.Close()
	if a.Notifier != nil {
		_ = a.Notifier.Close()
	}
	_ = a.Store.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize wires the indexer from the environment and LEDGERX_CONFIG.
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

	store, err := ledger.New(ctx, logger, cfg.Database, *postgres.GetPoolConfigForComponent("indexer"))
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
	if err := manager.EnsureShards(ctx); err != nil {
		logger.Fatal("Unable to create shard tables", zap.Error(err))
	}

	app := &App{
		Config:  cfg,
		Store:   store,
		Manager: manager,
		Status:  pipeline.NewRegistry(),
		Hub:     controller.NewHub(),
		Metrics: metrics.New(),
		Logger:  logger,
	}

	opts := []committer.Option{
		committer.WithStatus(app.Status),
		committer.WithNotifier(app.Hub),
		committer.WithMetrics(app.Metrics),
	}
	if cfg.Redis.Enabled {
		app.Notifier, err = redis.NewClient(ctx, logger, redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		opts = append(opts, committer.WithNotifier(app.Notifier))
	}

	app.runners = app.newRunners(opts)
	if len(app.runners) > 0 {
		app.Pool = pond.NewPool(len(app.runners))
	} else {
		app.Pool = pond.NewPool(1)
	}

	if cfg.Snapshot.Enabled {
		app.Scheduler = app.newSnapshotScheduler(ctx)
	}

	ctrl := controller.NewController(store, manager, app.Status, app.Hub, logger)
	ctrl.Metrics = app.Metrics.Handler()
	app.Server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ctrl.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app
}

// newRunners builds one committer per enabled pipeline. The stdio driver
// reads stdin once and fans each checkpoint out to every pipeline.
func (a *App) newRunners(opts []committer.Option) []runner {
	cfg := a.Config
	var pipelines []pipeline.Pipeline
	for _, p := range cfg.EnabledPipelines() {
		if !p.Compacted {
			pipelines = append(pipelines, p)
		}
	}

	var shared []source.Source
	if source.IsStdio(cfg.Source.Driver) && len(pipelines) > 0 {
		stdin, err := source.New(source.Config{Driver: source.DriverStdio, Reader: os.Stdin})
		if err != nil {
			a.Logger.Fatal("Unable to open stdin source", zap.Error(err))
		}
		shared = source.Tee(stdin, len(pipelines))
	}

	runners := make([]runner, 0, len(pipelines))
	for i, p := range pipelines {
		pc := cfg.Pipelines[p.Name]
		c, err := committer.New(a.Store, a.Manager, a.Logger, committer.Config{
			Pipeline:        p,
			FirstCheckpoint: pc.FirstCheckpoint,
			BatchSize:       pc.BatchSize,
			CollectInterval: pc.CollectInterval,
		}, opts...)
		if err != nil {
			a.Logger.Fatal("Unable to create committer", zap.String("pipeline", p.Name), zap.Error(err))
		}

		var src source.Source
		if shared != nil {
			src = shared[i]
		} else {
			src, err = source.New(source.Config{
				Driver:   cfg.Source.Driver,
				Brokers:  cfg.Source.Brokers,
				Group:    cfg.Group(p.Name),
				Topic:    cfg.Source.Topic,
				KafkaTLS: cfg.Source.KafkaTLS,
			})
			if err != nil {
				a.Logger.Fatal("Unable to open checkpoint source", zap.String("pipeline", p.Name), zap.Error(err))
			}
		}

		a.Status.Set(p.Name, pipeline.StateStarting)
		runners = append(runners, runner{committer: c, source: src})
	}
	return runners
}

func (a *App) newSnapshotScheduler(ctx context.Context) *scheduler.Scheduler {
	leases, err := lease.New(a.Store.Pool)
	if err != nil {
		a.Logger.Fatal("Unable to create lease store", zap.Error(err))
	}
	if err := leases.EnsureSchema(ctx); err != nil {
		a.Logger.Fatal("Unable to create lease table", zap.Error(err))
	}

	compactor, err := snapshot.New(a.Store, a.Logger, snapshot.Config{
		Lag:             a.Config.Snapshot.Lag,
		MaxStep:         a.Config.Snapshot.MaxStep,
		FirstCheckpoint: a.Config.Pipelines[pipeline.Objects].FirstCheckpoint,
	})
	if err != nil {
		a.Logger.Fatal("Invalid snapshot configuration", zap.Error(err))
	}

	sched := scheduler.New(leases, a.Logger, scheduler.Config{LeaseTTL: 2 * time.Minute})
	err = sched.Add(ctx, snapshotJob, a.Config.Snapshot.Cron, func(ctx context.Context) error {
		res, err := compactor.Advance(ctx)
		if err != nil {
			a.Status.Failed(pipeline.ObjectsSnapshot, err)
			return err
		}
		if res.Advanced {
			a.Metrics.ObserveSnapshot(res.To)
		}
		a.Status.Set(pipeline.ObjectsSnapshot, pipeline.StateRunning)
		return nil
	})
	if err != nil {
		a.Logger.Fatal("Unable to schedule snapshot compactor", zap.Error(err))
	}
	a.Status.Set(pipeline.ObjectsSnapshot, pipeline.StateStarting)
	return sched
}
