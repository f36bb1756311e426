// Package snapshot maintains objects_snapshot, the state of every live object
// as of a checkpoint that trails the objects pipeline by a fixed lag.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"go.uber.org/zap"
)

// ReaderName is the reader the compactor registers on the objects pipeline.
const ReaderName = "objects_snapshot"

type Config struct {
	// Lag is how many checkpoints the snapshot stays behind objects.
	Lag int64
	// MaxStep bounds how many checkpoints one Advance folds in. Zero means no bound.
	MaxStep int64
	// FirstCheckpoint is where objects history starts. The first advance
	// needs all of it.
	FirstCheckpoint int64
}

type Result struct {
	// From is exclusive, To inclusive. From is -1 on the first advance.
	From     int64
	To       int64
	Advanced bool
}

type Compactor struct {
	store  db.SnapshotStore
	logger *zap.Logger
	cfg    Config
}

func New(store db.SnapshotStore, logger *zap.Logger, cfg Config) (*Compactor, error) {
	if cfg.Lag < 0 || cfg.MaxStep < 0 || cfg.FirstCheckpoint < 0 {
		return nil, fmt.Errorf("%w: snapshot lag, step and first checkpoint must not be negative", db.ErrInvalidInput)
	}
	return &Compactor{
		store:  store,
		logger: logger.With(zap.String("pipeline", pipeline.ObjectsSnapshot)),
		cfg:    cfg,
	}, nil
}

func (c *Compactor) watermark(ctx context.Context, name string) (*admin.Watermark, error) {
	wm, err := c.store.GetWatermark(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return wm, err
}

// Advance folds objects_history up to objects.checkpoint_hi_inclusive - lag
// into objects_snapshot. The compactor stays registered as a reader of
// objects at its frontier so the history it still needs is not pruned.
func (c *Compactor) Advance(ctx context.Context) (Result, error) {
	res := Result{From: -1}

	src, err := c.watermark(ctx, pipeline.Objects)
	if err != nil {
		return res, fmt.Errorf("load objects watermark: %w", err)
	}
	if src == nil {
		return res, nil
	}
	cur, err := c.watermark(ctx, pipeline.ObjectsSnapshot)
	if err != nil {
		return res, fmt.Errorf("load snapshot watermark: %w", err)
	}

	// The first advance folds history from the first checkpoint on, so an
	// objects pipeline that was already pruned cannot seed a snapshot.
	need := c.cfg.FirstCheckpoint
	if cur != nil {
		res.From = cur.CheckpointHiInclusive
		need = cur.CheckpointHiInclusive + 1
	} else if src.PrunerHi > need {
		return res, fmt.Errorf("%w: objects history pruned below %d, first snapshot needs %d",
			db.ErrBelowReaderLo, src.PrunerHi, need)
	}
	// Pin history first; this fails if it is already gone.
	if err := c.store.RegisterReader(ctx, pipeline.Objects, ReaderName, need); err != nil {
		return res, fmt.Errorf("register snapshot reader at %d: %w", need, err)
	}

	target := src.CheckpointHiInclusive - c.cfg.Lag
	if c.cfg.MaxStep > 0 {
		target = min(target, res.From+c.cfg.MaxStep)
	}
	res.To = target
	if target < 0 || target <= res.From {
		return res, nil
	}

	marks, err := c.store.CheckpointMarks(ctx, target)
	if errors.Is(err, db.ErrNotFound) {
		// checkpoints are not indexed here or already pruned
		marks = admin.HighMarks{CheckpointHiInclusive: target, EpochHiInclusive: src.EpochLo, TxHi: -1}
	} else if err != nil {
		return res, fmt.Errorf("marks of checkpoint %d: %w", target, err)
	}

	if err := c.store.AdvanceSnapshot(ctx, db.SnapshotRequest{
		Pipeline: pipeline.ObjectsSnapshot,
		Expected: cur,
		Marks:    marks,
	}); err != nil {
		return res, fmt.Errorf("advance snapshot to %d: %w", target, err)
	}
	res.Advanced = true

	if err := c.store.RegisterReader(ctx, pipeline.Objects, ReaderName, target+1); err != nil {
		// the snapshot moved; a stale registration only holds extra history back
		c.logger.Warn("Failed to move snapshot reader", zap.Int64("lo", target+1), zap.Error(err))
	}
	c.logger.Info("Snapshot advanced", zap.Int64("from", res.From), zap.Int64("to", target))
	return res, nil
}
