// Package committer writes checkpoint batches of one pipeline and advances
// its watermark in the same transaction.
package committer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/transform"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/canopy-network/ledgerx/pkg/metrics"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/retry"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize       = 100
	DefaultCollectInterval = 500 * time.Millisecond
)

// Notifier is told about every watermark advance. Delivery is best effort.
type Notifier interface {
	PublishWatermark(ctx context.Context, ev types.WatermarkAdvanced) error
}

type Config struct {
	Pipeline pipeline.Pipeline
	// FirstCheckpoint is the checkpoint an empty pipeline starts at.
	FirstCheckpoint int64
	BatchSize       int
	CollectInterval time.Duration
	Retry           retry.Config
}

// Result describes one Commit call.
type Result struct {
	Pipeline string
	// First and Last bound the checkpoints written, after skipping the committed prefix.
	First   int64
	Last    int64
	Skipped int
	Rows    int
	// Digest identifies the written content; replaying a batch yields the same digest.
	Digest [32]byte
	// Watermark is the committer's view after the commit. Its high marks are
	// current; reader_lo and pruner_hi are as last loaded from the store.
	Watermark admin.Watermark
	// NoOp is set when every checkpoint of the batch was already committed.
	NoOp bool
}

type Option func(*Committer)

// WithNotifier adds n to the notifiers told about each advance. May be repeated.
func WithNotifier(n Notifier) Option {
	return func(c *Committer) { c.notifiers = append(c.notifiers, n) }
}

func WithStatus(r *pipeline.Registry) Option {
	return func(c *Committer) { c.status = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Committer) { c.metrics = m }
}

// Committer is the single writer of a pipeline. Commit and Run must not be
// called concurrently on the same Committer.
type Committer struct {
	store     db.CommitStore
	manager   *partition.Manager
	logger    *zap.Logger
	cfg       Config
	notifiers []Notifier
	status    *pipeline.Registry
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	loaded bool
	wm     *admin.Watermark
}

func New(store db.CommitStore, manager *partition.Manager, logger *zap.Logger, cfg Config, opts ...Option) (*Committer, error) {
	if cfg.Pipeline.Name == "" || len(cfg.Pipeline.Families) == 0 {
		return nil, fmt.Errorf("%w: pipeline without families", db.ErrInvalidInput)
	}
	if cfg.Pipeline.Compacted {
		return nil, fmt.Errorf("%w: %s is written by the snapshot compactor", db.ErrInvalidInput, cfg.Pipeline.Name)
	}
	if cfg.FirstCheckpoint < 0 {
		return nil, fmt.Errorf("%w: first checkpoint %d", db.ErrInvalidInput, cfg.FirstCheckpoint)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = DefaultCollectInterval
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = retry.CommitConfig()
	}
	c := &Committer{
		store:   store,
		manager: manager,
		logger:  logger.With(zap.String("pipeline", cfg.Pipeline.Name)),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Committer) Pipeline() string {
	return c.cfg.Pipeline.Name
}

// Watermark returns the last watermark this committer observed, nil before the first commit.
func (c *Committer) Watermark(ctx context.Context) (*admin.Watermark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return nil, err
	}
	if c.wm == nil {
		return nil, nil
	}
	wm := *c.wm
	return &wm, nil
}

func (c *Committer) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	wm, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.wm = wm
	c.loaded = true
	return nil
}

func (c *Committer) fetch(ctx context.Context) (*admin.Watermark, error) {
	wm, err := c.store.GetWatermark(ctx, c.cfg.Pipeline.Name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watermark of %s: %w", c.cfg.Pipeline.Name, err)
	}
	return wm, nil
}

func (c *Committer) next() int64 {
	if c.wm == nil {
		return c.cfg.FirstCheckpoint
	}
	return c.wm.Next()
}

// Commit writes batch and advances the watermark to its last checkpoint.
//
// The batch must be ordered and contiguous. Checkpoints at or below the
// committed watermark are skipped, so replaying a batch is a no-op. A batch
// that does not continue the watermark returns db.ErrSequenceGap.
func (c *Committer) Commit(ctx context.Context, batch []*types.CheckpointData) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{Pipeline: c.cfg.Pipeline.Name, NoOp: true}
	if len(batch) == 0 {
		return res, nil
	}
	for i, cp := range batch {
		if cp == nil {
			return res, fmt.Errorf("%w: nil checkpoint at %d", types.ErrMalformedCheckpoint, i)
		}
		if i > 0 && cp.Summary.SequenceNumber != batch[i-1].Summary.SequenceNumber+1 {
			return res, fmt.Errorf("%w: %s batch jumps from %d to %d", db.ErrSequenceGap,
				c.cfg.Pipeline.Name, batch[i-1].Summary.SequenceNumber, cp.Summary.SequenceNumber)
		}
	}
	if err := c.loadLocked(ctx); err != nil {
		return res, err
	}

	next := c.next()
	for res.Skipped < len(batch) && batch[res.Skipped].Summary.SequenceNumber < next {
		res.Skipped++
	}
	if res.Skipped == len(batch) {
		if c.wm != nil {
			res.Watermark = *c.wm
		}
		c.logger.Debug("Batch already committed",
			zap.Int64("first", batch[0].Summary.SequenceNumber),
			zap.Int64("last", batch[len(batch)-1].Summary.SequenceNumber))
		return res, nil
	}
	remaining := batch[res.Skipped:]
	if first := remaining[0].Summary.SequenceNumber; first != next {
		return res, fmt.Errorf("%w: %s expects checkpoint %d, got %d", db.ErrSequenceGap, c.cfg.Pipeline.Name, next, first)
	}

	ws, err := transform.Build(c.cfg.Pipeline.Families, remaining)
	if err != nil {
		return res, fmt.Errorf("build %s write set: %w", c.cfg.Pipeline.Name, err)
	}
	writes, err := c.manager.Scheme().Route(ws)
	if err != nil {
		return res, fmt.Errorf("route %s write set: %w", c.cfg.Pipeline.Name, err)
	}

	var committed *admin.Watermark
	op := fmt.Sprintf("commit %s [%d, %d]", c.cfg.Pipeline.Name, ws.First, ws.Last)
	err = retry.WithBackoff(ctx, c.cfg.Retry, c.logger, op, func() error {
		wm, err := c.attempt(ctx, ws, writes)
		if err != nil {
			return err
		}
		committed = wm
		return nil
	})
	if err != nil {
		return res, err
	}

	c.wm = committed
	res.NoOp = false
	res.First = ws.First
	res.Last = ws.Last
	res.Rows = ws.RowCount()
	res.Digest = ws.Digest()
	res.Watermark = *committed
	return res, nil
}

// attempt runs one commit try. Errors that retrying cannot fix are wrapped with retry.Permanent.
func (c *Committer) attempt(ctx context.Context, ws *transform.WriteSet, writes []db.TableWrite) (*admin.Watermark, error) {
	if err := c.manager.EnsureWrites(ctx, writes); err != nil {
		if errors.Is(err, db.ErrPartitionRetired) || errors.Is(err, partition.ErrInvalidKey) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	err := c.store.Commit(ctx, db.CommitRequest{
		Pipeline:        c.cfg.Pipeline.Name,
		Expected:        c.wm,
		FirstCheckpoint: c.cfg.FirstCheckpoint,
		Marks:           ws.Marks,
		Writes:          writes,
	})
	switch {
	case err == nil:
		var wm admin.Watermark
		if c.wm == nil {
			wm = admin.Initial(c.cfg.Pipeline.Name, c.cfg.FirstCheckpoint, ws.Marks)
		} else {
			wm = c.wm.WithHighMarks(ws.Marks)
		}
		return &wm, nil

	case errors.Is(err, db.ErrPartitionNotReady):
		// someone dropped or detached a table behind the cache
		for _, e := range touched(writes) {
			c.manager.Invalidate(e)
		}
		return nil, err

	case errors.Is(err, db.ErrWatermarkConflict):
		// The previous attempt may have committed before its response was lost.
		cur, ferr := c.fetch(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if cur != nil && cur.CheckpointHiInclusive >= ws.Last {
			c.logger.Warn("Batch found committed after conflict",
				zap.Int64("last", ws.Last),
				zap.Int64("checkpoint_hi", cur.CheckpointHiInclusive))
			return cur, nil
		}
		return nil, retry.Permanent(err)

	case errors.Is(err, db.ErrPartitionRetired),
		errors.Is(err, db.ErrInvariant),
		errors.Is(err, db.ErrSequenceGap),
		errors.Is(err, db.ErrInvalidInput):
		return nil, retry.Permanent(err)

	default:
		return nil, err
	}
}

func touched(writes []db.TableWrite) []entities.Entity {
	seen := make(map[entities.Entity]struct{})
	var out []entities.Entity
	for _, w := range writes {
		if _, ok := seen[w.Entity]; ok {
			continue
		}
		seen[w.Entity] = struct{}{}
		out = append(out, w.Entity)
	}
	return out
}
