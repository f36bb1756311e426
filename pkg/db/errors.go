package db

import (
	"errors"

	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
)

var (
	// ErrSequenceGap means a batch does not continue the committed watermark.
	// It is fatal for the pipeline.
	ErrSequenceGap = errors.New("checkpoint sequence gap")
	// ErrWatermarkConflict means a compare-and-set on a watermark found a
	// different value than expected, usually a second writer.
	ErrWatermarkConflict = errors.New("watermark conflict")
	// ErrPartitionNotReady means a row targets a partition or shard that does not exist yet.
	ErrPartitionNotReady = errors.New("partition not ready")
	// ErrPartitionRetired means a partition was detached and cannot receive rows again.
	ErrPartitionRetired = errors.New("partition retired")
	// ErrInvariant means an update would break pruner_hi <= reader_lo <= checkpoint_hi.
	ErrInvariant = admin.ErrInvariant
	// ErrBelowReaderLo means a reader asked for data that may already be pruned.
	ErrBelowReaderLo = errors.New("below reader_lo")
	ErrNotFound      = errors.New("not found")
	// ErrNotOwner is returned when renewing or releasing a lease held by someone else.
	ErrNotOwner     = errors.New("lease not owned")
	ErrInvalidInput = errors.New("invalid input")
)
