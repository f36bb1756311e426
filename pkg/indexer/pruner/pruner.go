// Package pruner moves reader watermarks forward and deletes rows no reader
// can see any more.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/metrics"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxChunkSize     = 10_000
	DefaultShardConcurrency = 8
)

// Store is the part of the ledger store the pruner touches.
type Store interface {
	db.WatermarkStore
	db.PruneStore
}

// PipelineConfig is the retention policy of one pipeline.
type PipelineConfig struct {
	// Retention is how many checkpoints below checkpoint_hi_inclusive are
	// kept. Zero keeps everything; registered readers can only hold data back.
	Retention int64
	// Delay is how long readers get to finish with data below a new reader_lo
	// before it is deleted.
	Delay time.Duration
	// FirstCheckpoint stands in for reader_lo while the pipeline has no watermark.
	FirstCheckpoint int64
}

type Config struct {
	// Pipelines lists the active pipelines. Only their rows are pruned and
	// only their reader watermarks protect shared families.
	Pipelines        map[string]PipelineConfig
	MaxChunkSize     int
	DeleteRPS        float64
	DeleteBurst      int
	ShardConcurrency int
	Retry            retry.Config
}

// Report summarizes one pipeline of one tick.
type Report struct {
	Pipeline        string
	ReaderAdvanced  bool
	ReaderLo        int64
	PrunerHi        int64
	Deleted         int64
	Retired         int
	Waiting         bool
	Complete        bool
	FamilyFrontiers map[entities.Entity]int64
}

type Pruner struct {
	store   Store
	manager *partition.Manager
	logger  *zap.Logger
	cfg     Config
	active  []pipeline.Pipeline
	limiter *rate.Limiter
	pool    pond.Pool
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Pruner)

func WithClock(now func() time.Time) Option {
	return func(p *Pruner) { p.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pruner) { p.metrics = m }
}

func New(store Store, manager *partition.Manager, logger *zap.Logger, cfg Config, opts ...Option) (*Pruner, error) {
	var active []pipeline.Pipeline
	for _, pl := range pipeline.All() {
		if _, ok := cfg.Pipelines[pl.Name]; ok {
			active = append(active, pl)
		}
	}
	if len(active) != len(cfg.Pipelines) {
		for name := range cfg.Pipelines {
			if _, err := pipeline.ByName(name); err != nil {
				return nil, fmt.Errorf("%w: %v", db.ErrInvalidInput, err)
			}
		}
	}
	for name, pc := range cfg.Pipelines {
		if pc.Retention < 0 || pc.Delay < 0 {
			return nil, fmt.Errorf("%w: %s retention and delay must not be negative", db.ErrInvalidInput, name)
		}
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.ShardConcurrency <= 0 {
		cfg.ShardConcurrency = DefaultShardConcurrency
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	limit := rate.Inf
	if cfg.DeleteRPS > 0 {
		limit = rate.Limit(cfg.DeleteRPS)
	}
	burst := cfg.DeleteBurst
	if burst <= 0 {
		burst = max(1, int(cfg.DeleteRPS))
	}

	p := &Pruner{
		store:   store,
		manager: manager,
		logger:  logger,
		cfg:     cfg,
		active:  active,
		limiter: rate.NewLimiter(limit, burst),
		pool:    pond.NewPool(cfg.ShardConcurrency, pond.WithQueueSize(entities.ShardCount)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close waits for in-flight shard deletes.
func (p *Pruner) Close() {
	p.pool.StopAndWait()
}

// Tick runs one pruning pass over every active pipeline, then drops the
// partitions the pass detached. Reader watermarks of all pipelines move
// before anything is deleted, so shared families see current frontiers. A
// failing pipeline does not stop the others.
func (p *Pruner) Tick(ctx context.Context) ([]Report, error) {
	var errs []error
	advanced := make(map[string]bool, len(p.active))
	for _, pl := range p.active {
		moved, err := p.UpdateReaderWatermark(ctx, pl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("Reader step failed", zap.String("pipeline", pl.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s reader step: %w", pl.Name, err))
		}
		advanced[pl.Name] = moved
	}

	reports := make([]Report, 0, len(p.active))
	for _, pl := range p.active {
		r, err := p.prune(ctx, pl)
		r.ReaderAdvanced = advanced[pl.Name]
		reports = append(reports, r)
		p.metrics.ObservePrune(pl.Name, r.Deleted, r.Retired, r.ReaderLo, r.PrunerHi)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			p.logger.Warn("Pruning pass failed", zap.String("pipeline", pl.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", pl.Name, err))
		}
	}

	for _, pl := range p.active {
		for _, e := range pl.Prunable() {
			n, err := p.manager.DropRetired(ctx, e)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if n > 0 {
				p.logger.Info("Dropped retired partitions", zap.String("entity", string(e)), zap.Int("count", n))
			}
		}
	}
	return reports, errors.Join(errs...)
}

func (p *Pruner) pipelineConfig(name string) PipelineConfig {
	return p.cfg.Pipelines[name]
}

// UpdateReaderWatermark moves reader_lo of pl to the lowest of its retention
// window and its registered readers. It only moves once the pruner caught up
// with the previous reader_lo, so the delay applies to every advance.
func (p *Pruner) UpdateReaderWatermark(ctx context.Context, pl pipeline.Pipeline) (bool, error) {
	wm, err := p.store.GetWatermark(ctx, pl.Name)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pc := p.pipelineConfig(pl.Name)
	if pc.Delay > 0 && wm.PrunerHi < wm.ReaderLo {
		return false, nil
	}

	retention := pc.Retention
	if pl.Compacted && retention == 0 {
		// a compacted pipeline never reads below its own frontier
		retention = 1
	}
	candidate := wm.ReaderLo
	if retention > 0 {
		candidate = max(candidate, wm.CheckpointHiInclusive-retention+1)
	}
	readers, err := p.store.ListReaders(ctx, pl.Name)
	if err != nil {
		return false, fmt.Errorf("list readers: %w", err)
	}
	for _, r := range readers {
		candidate = min(candidate, r.ReaderLo)
	}
	candidate = min(candidate, wm.CheckpointHiInclusive)
	if candidate <= wm.ReaderLo {
		return false, nil
	}

	epochLo := wm.EpochLo
	marks, err := p.store.CheckpointMarks(ctx, candidate)
	switch {
	case err == nil:
		epochLo = marks.EpochHiInclusive
	case errors.Is(err, db.ErrNotFound):
	default:
		return false, fmt.Errorf("epoch of checkpoint %d: %w", candidate, err)
	}

	moved, err := p.store.SetReaderWatermark(ctx, pl.Name, candidate, epochLo, p.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if moved {
		p.logger.Info("Reader watermark advanced",
			zap.String("pipeline", pl.Name),
			zap.Int64("from", wm.ReaderLo),
			zap.Int64("to", candidate),
			zap.Int64("epoch_lo", epochLo))
	}
	return moved, nil
}

// readerLos returns reader_lo of every active pipeline.
func (p *Pruner) readerLos(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(p.active))
	for _, pl := range p.active {
		wm, err := p.store.GetWatermark(ctx, pl.Name)
		switch {
		case err == nil:
			out[pl.Name] = wm.ReaderLo
		case errors.Is(err, db.ErrNotFound):
			out[pl.Name] = p.pipelineConfig(pl.Name).FirstCheckpoint
		default:
			return nil, err
		}
	}
	return out, nil
}

// PrunePipeline runs the reader step of pl and prunes it.
func (p *Pruner) PrunePipeline(ctx context.Context, pl pipeline.Pipeline) (Report, error) {
	advanced, err := p.UpdateReaderWatermark(ctx, pl)
	if err != nil {
		return Report{Pipeline: pl.Name}, fmt.Errorf("reader step: %w", err)
	}
	rep, err := p.prune(ctx, pl)
	rep.ReaderAdvanced = advanced
	return rep, err
}

// prune deletes, once the delay passed, the rows of pl's families that no
// active pipeline needs. pruner_hi moves only when every family was pruned
// up to its frontier.
func (p *Pruner) prune(ctx context.Context, pl pipeline.Pipeline) (Report, error) {
	log := p.logger.With(zap.String("pipeline", pl.Name))
	rep := Report{Pipeline: pl.Name, FamilyFrontiers: make(map[entities.Entity]int64)}

	wm, err := p.store.GetWatermark(ctx, pl.Name)
	if errors.Is(err, db.ErrNotFound) {
		rep.Complete = true
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	rep.ReaderLo = wm.ReaderLo
	rep.PrunerHi = wm.PrunerHi
	if wm.PrunerHi >= wm.ReaderLo {
		rep.Complete = true
		return rep, nil
	}
	if due := time.UnixMilli(wm.PrunerTimestampMs).Add(p.pipelineConfig(pl.Name).Delay); p.now().Before(due) {
		rep.Waiting = true
		log.Debug("Waiting for readers", zap.Time("due", due))
		return rep, nil
	}

	los, err := p.readerLos(ctx)
	if err != nil {
		return rep, err
	}

	frontier := wm.ReaderLo
	complete := true
	var errs []error
	for _, e := range pl.Prunable() {
		safe := wm.ReaderLo
		for _, name := range pipeline.Dependents(e, p.active) {
			safe = min(safe, los[name])
		}
		frontier = min(frontier, safe)
		rep.FamilyFrontiers[e] = safe
		if safe <= wm.PrunerHi {
			continue
		}

		key, err := p.keyFor(ctx, e, safe)
		if errors.Is(err, db.ErrNotFound) {
			log.Info("Frontier not translatable yet",
				zap.String("entity", string(e)),
				zap.Int64("checkpoint", safe))
			complete = false
			continue
		}
		if err != nil {
			errs = append(errs, err)
			complete = false
			continue
		}

		deleted, retired, err := p.pruneFamily(ctx, e, key)
		rep.Deleted += deleted
		rep.Retired += retired
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s below %d: %w", e, key, err))
			complete = false
		}
	}
	if !complete {
		return rep, errors.Join(errs...)
	}

	if frontier > wm.PrunerHi {
		if err := p.store.SetPrunerWatermark(ctx, pl.Name, wm.PrunerHi, frontier); err != nil {
			log.Error("Failed to advance pruner watermark",
				zap.Int64("expected", wm.PrunerHi),
				zap.Int64("pruner_hi", frontier),
				zap.Error(err))
			return rep, err
		}
		rep.PrunerHi = frontier
		log.Info("Pruner watermark advanced",
			zap.Int64("pruner_hi", frontier),
			zap.Int64("deleted", rep.Deleted),
			zap.Int("retired_partitions", rep.Retired))
	}
	rep.Complete = true
	return rep, nil
}

// keyFor translates a checkpoint frontier into e's key space.
func (p *Pruner) keyFor(ctx context.Context, e entities.Entity, cp int64) (int64, error) {
	switch e.Spec().KeySpace {
	case entities.KeyCheckpoint:
		return cp, nil
	case entities.KeyTransaction:
		return p.store.TxLoForCheckpoint(ctx, cp)
	default:
		return 0, fmt.Errorf("%w: %s has no prunable key", db.ErrInvalidInput, e)
	}
}

func (p *Pruner) pruneFamily(ctx context.Context, e entities.Entity, below int64) (int64, int, error) {
	switch e.Spec().Scheme {
	case entities.SchemeRange:
		retired, err := p.manager.RetirePartitionsBelow(ctx, e, below)
		if err != nil {
			return 0, len(retired), err
		}
		parts, err := p.manager.Straddling(ctx, e, below)
		if err != nil {
			return 0, len(retired), err
		}
		var total int64
		for _, part := range parts {
			n, err := p.deleteChunks(ctx, e, e.PartitionTable(part.Index), below)
			total += n
			if err != nil {
				return total, len(retired), err
			}
		}
		return total, len(retired), nil

	case entities.SchemeShard:
		n, err := p.pruneShards(ctx, e, below)
		return n, 0, err

	default:
		n, err := p.deleteChunks(ctx, e, e.TableName(), below)
		return n, 0, err
	}
}

func (p *Pruner) pruneShards(ctx context.Context, e entities.Entity, below int64) (int64, error) {
	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var (
		total atomic.Int64
		mu    sync.Mutex
		errs  []error
	)
	for i := 0; i < entities.ShardCount; i++ {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			n, err := p.deleteChunks(groupCtx, e, e.ShardTable(i), below)
			total.Add(n)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return total.Load(), err
	}
	return total.Load(), errors.Join(errs...)
}

// deleteChunks deletes rows of table below the key in bounded chunks until a
// chunk comes back short. A table that does not exist has nothing to delete.
func (p *Pruner) deleteChunks(ctx context.Context, e entities.Entity, table string, below int64) (int64, error) {
	var total int64
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return total, err
		}
		var n int64
		err := retry.WithBackoff(ctx, p.cfg.Retry, p.logger, "delete "+table, func() error {
			var err error
			n, err = p.store.DeleteBelow(ctx, db.DeleteRequest{
				Entity: e,
				Table:  table,
				Below:  below,
				Limit:  p.cfg.MaxChunkSize,
			})
			if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrInvalidInput) {
				return retry.Permanent(err)
			}
			return err
		})
		if errors.Is(err, db.ErrNotFound) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(p.cfg.MaxChunkSize) {
			return total, nil
		}
	}
}
