package transform

import (
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Checkpoint maps a checkpoint summary into its row.
func Checkpoint(cp *types.CheckpointData) *indexer.Checkpoint {
	s := cp.Summary
	digests := make([][]byte, len(cp.Transactions))
	for i, tx := range cp.Transactions {
		digests[i] = tx.Digest
	}

	row := &indexer.Checkpoint{
		SequenceNumber:           s.SequenceNumber,
		CheckpointDigest:         s.Digest,
		Epoch:                    s.Epoch,
		NetworkTotalTransactions: s.NetworkTotalTransactions,
		PreviousCheckpointDigest: s.PreviousDigest,
		EndOfEpoch:               s.EndOfEpoch,
		TxDigests:                digests,
		TimestampMs:              s.TimestampMs,
		TotalGasCost:             s.GasCost.Total(),
		ComputationCost:          s.GasCost.ComputationCost,
		StorageCost:              s.GasCost.StorageCost,
		StorageRebate:            s.GasCost.StorageRebate,
		NonRefundableStorageFee:  s.GasCost.NonRefundableStorageFee,
		CheckpointCommitments:    s.Commitments,
		ValidatorSignature:       s.ValidatorSignature,
		EndOfEpochData:           s.EndOfEpochData,
	}
	if len(cp.Transactions) > 0 {
		lo := cp.FirstTxSequenceNumber()
		hi := s.NetworkTotalTransactions - 1
		row.MinTxSequenceNumber = &lo
		row.MaxTxSequenceNumber = &hi
	}
	return row
}

// CpWatermark maps a checkpoint to the transaction range it owns.
func CpWatermark(cp *types.CheckpointData) *indexer.PrunerCpWatermark {
	return &indexer.PrunerCpWatermark{
		CheckpointSequenceNumber: cp.Summary.SequenceNumber,
		MinTxSequenceNumber:      cp.FirstTxSequenceNumber(),
		MaxTxSequenceNumber:      cp.Summary.NetworkTotalTransactions - 1,
	}
}

func (b *builder) checkpoint(cp *types.CheckpointData) {
	if b.wants(entities.Checkpoints) {
		b.add(entities.Checkpoints, Checkpoint(cp))
	}
	if b.wants(entities.PrunerCpWatermark) {
		b.add(entities.PrunerCpWatermark, CpWatermark(cp))
	}
}
