package admin

import (
	"errors"
	"fmt"
)

const WatermarksTableName = "watermarks"

// ErrInvariant is returned when a watermark would violate
// pruner_hi <= reader_lo <= checkpoint_hi_inclusive.
var ErrInvariant = errors.New("watermark invariant violated")

// Watermark is the progress of one pipeline.
//
// The high marks (epoch_hi_inclusive, checkpoint_hi_inclusive, tx_hi,
// timestamp_ms) are written only by the committer. reader_lo, epoch_lo,
// pruner_timestamp_ms and pruner_hi are written only by the pruner.
// ReaderLo and PrunerHi are checkpoint sequence numbers; PrunerHi is exclusive.
type Watermark struct {
	Pipeline              string `json:"pipeline"`
	EpochHiInclusive      int64  `json:"epoch_hi_inclusive"`
	CheckpointHiInclusive int64  `json:"checkpoint_hi_inclusive"`
	// TxHi is the last transaction sequence number committed, -1 before the first transaction.
	TxHi              int64 `json:"tx_hi"`
	TimestampMs       int64 `json:"timestamp_ms"`
	EpochLo           int64 `json:"epoch_lo"`
	ReaderLo          int64 `json:"reader_lo"`
	PrunerTimestampMs int64 `json:"pruner_timestamp_ms"`
	PrunerHi          int64 `json:"pruner_hi"`
}

// Validate checks pruner_hi <= reader_lo <= checkpoint_hi_inclusive.
func (w Watermark) Validate() error {
	if w.PrunerHi > w.ReaderLo {
		return fmt.Errorf("%w: %s pruner_hi %d > reader_lo %d", ErrInvariant, w.Pipeline, w.PrunerHi, w.ReaderLo)
	}
	if w.ReaderLo > w.CheckpointHiInclusive {
		return fmt.Errorf("%w: %s reader_lo %d > checkpoint_hi %d", ErrInvariant, w.Pipeline, w.ReaderLo, w.CheckpointHiInclusive)
	}
	if w.TxHi < -1 {
		return fmt.Errorf("%w: %s tx_hi %d", ErrInvariant, w.Pipeline, w.TxHi)
	}
	return nil
}

// Next is the checkpoint the pipeline expects to commit next.
func (w Watermark) Next() int64 {
	return w.CheckpointHiInclusive + 1
}

// HighMarks is the committer-owned part of a watermark.
type HighMarks struct {
	EpochHiInclusive      int64 `json:"epoch_hi_inclusive"`
	CheckpointHiInclusive int64 `json:"checkpoint_hi_inclusive"`
	TxHi                  int64 `json:"tx_hi"`
	TimestampMs           int64 `json:"timestamp_ms"`
}

// Initial returns the watermark of a pipeline whose first commit is marks and
// which started at firstCheckpoint. Nothing below firstCheckpoint exists, so
// reader_lo and pruner_hi start there.
func Initial(pipeline string, firstCheckpoint int64, marks HighMarks) Watermark {
	return Watermark{
		Pipeline:              pipeline,
		EpochHiInclusive:      marks.EpochHiInclusive,
		CheckpointHiInclusive: marks.CheckpointHiInclusive,
		TxHi:                  marks.TxHi,
		TimestampMs:           marks.TimestampMs,
		ReaderLo:              firstCheckpoint,
		PrunerHi:              firstCheckpoint,
	}
}

// WithHighMarks returns w with the committer-owned columns replaced.
func (w Watermark) WithHighMarks(m HighMarks) Watermark {
	w.EpochHiInclusive = m.EpochHiInclusive
	w.CheckpointHiInclusive = m.CheckpointHiInclusive
	w.TxHi = m.TxHi
	w.TimestampMs = m.TimestampMs
	return w
}

// HighMarks returns the committer-owned columns of w.
func (w Watermark) HighMarks() HighMarks {
	return HighMarks{
		EpochHiInclusive:      w.EpochHiInclusive,
		CheckpointHiInclusive: w.CheckpointHiInclusive,
		TxHi:                  w.TxHi,
		TimestampMs:           w.TimestampMs,
	}
}
