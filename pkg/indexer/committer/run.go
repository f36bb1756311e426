package committer

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/canopy-network/ledgerx/pkg/source"
	"go.uber.org/zap"
)

// Run consumes src until it is exhausted, ctx is cancelled or a commit fails
// for good. Deliveries are acked only after the checkpoints they carry are
// committed, so a cancelled batch is redelivered on restart.
//
// Run returns nil on exhaustion and cancellation.
func (c *Committer) Run(ctx context.Context, src source.Source) error {
	c.setState(pipeline.StateRunning)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries := make(chan source.Delivery)
	srcErr := make(chan error, 1)
	go func() {
		defer close(deliveries)
		for {
			d, err := src.Next(pumpCtx)
			if err != nil {
				srcErr <- err
				return
			}
			select {
			case deliveries <- d:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()

	pending := make([]source.Delivery, 0, c.cfg.BatchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := c.flush(ctx, pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Committer stopped", zap.Int("unacked", len(pending)))
			c.setState(pipeline.StateStopped)
			return nil

		case <-ticker.C:
			if err := flush(); err != nil {
				return c.halt(ctx, err)
			}

		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			pending = append(pending, d)
			if len(pending) >= c.cfg.BatchSize {
				if err := flush(); err != nil {
					return c.halt(ctx, err)
				}
			}

		case err := <-srcErr:
			if errors.Is(err, io.EOF) {
				if err := flush(); err != nil {
					return c.halt(ctx, err)
				}
				c.logger.Info("Source exhausted")
				c.setState(pipeline.StateStopped)
				return nil
			}
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("Checkpoint source failed", zap.Error(err))
			return c.halt(ctx, err)
		}
	}
}

func (c *Committer) halt(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.setState(pipeline.StateStopped)
		return nil
	}
	c.logger.Error("Pipeline halted", zap.Error(err))
	if c.status != nil {
		c.status.Failed(c.cfg.Pipeline.Name, err)
	}
	return err
}

// flush commits the pending deliveries as one batch. Duplicate deliveries of
// a checkpoint are committed once and acked all.
func (c *Committer) flush(ctx context.Context, pending []source.Delivery) error {
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Checkpoint.Summary.SequenceNumber < pending[j].Checkpoint.Summary.SequenceNumber
	})
	batch := make([]*types.CheckpointData, 0, len(pending))
	for _, d := range pending {
		if n := len(batch); n > 0 && batch[n-1].Summary.SequenceNumber == d.Checkpoint.Summary.SequenceNumber {
			continue
		}
		batch = append(batch, d.Checkpoint)
	}

	start := c.now()
	res, err := c.Commit(ctx, batch)
	if err != nil {
		return err
	}

	for _, d := range pending {
		if err := d.Ack(ctx); err != nil {
			c.logger.Warn("Failed to ack delivery",
				zap.Int64("checkpoint", d.Checkpoint.Summary.SequenceNumber),
				zap.Error(err))
		}
	}
	if res.NoOp {
		return nil
	}

	took := c.now().Sub(start)
	c.logger.Info("Committed batch",
		zap.Int64("first", res.First),
		zap.Int64("last", res.Last),
		zap.Int("skipped", res.Skipped),
		zap.Int("rows", res.Rows),
		zap.Duration("took", took))
	c.metrics.ObserveCommit(c.cfg.Pipeline.Name, int(res.Last-res.First+1), res.Rows, res.Last, took)

	at := c.now()
	if c.status != nil {
		c.status.Committed(c.cfg.Pipeline.Name, res.Watermark.HighMarks(), at)
	}
	if len(c.notifiers) == 0 {
		return nil
	}
	ev := types.WatermarkAdvanced{
		Event:     types.WatermarkAdvancedEvent,
		Pipeline:  c.cfg.Pipeline.Name,
		First:     res.First,
		Last:      res.Last,
		Timestamp: at,
		HighMarks: res.Watermark.HighMarks(),
	}
	for _, n := range c.notifiers {
		if err := n.PublishWatermark(ctx, ev); err != nil {
			c.logger.Warn("Failed to publish watermark", zap.Int64("last", res.Last), zap.Error(err))
		}
	}
	return nil
}

func (c *Committer) setState(state pipeline.State) {
	if c.status != nil {
		c.status.Set(c.cfg.Pipeline.Name, state)
	}
}
