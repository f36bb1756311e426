package indexer

// Checkpoint is one row of the checkpoints table. Immutable once written.
type Checkpoint struct {
	SequenceNumber           int64    `json:"sequence_number"`
	CheckpointDigest         []byte   `json:"checkpoint_digest"`
	Epoch                    int64    `json:"epoch"`
	NetworkTotalTransactions int64    `json:"network_total_transactions"`
	PreviousCheckpointDigest []byte   `json:"previous_checkpoint_digest,omitempty"`
	EndOfEpoch               bool     `json:"end_of_epoch"`
	TxDigests                [][]byte `json:"tx_digests"`
	TimestampMs              int64    `json:"timestamp_ms"`
	TotalGasCost             int64    `json:"total_gas_cost"`
	ComputationCost          int64    `json:"computation_cost"`
	StorageCost              int64    `json:"storage_cost"`
	StorageRebate            int64    `json:"storage_rebate"`
	NonRefundableStorageFee  int64    `json:"non_refundable_storage_fee"`
	CheckpointCommitments    []byte   `json:"checkpoint_commitments"`
	ValidatorSignature       []byte   `json:"validator_signature"`
	EndOfEpochData           []byte   `json:"end_of_epoch_data,omitempty"`
	// Nil when the checkpoint carries no transactions.
	MinTxSequenceNumber *int64 `json:"min_tx_sequence_number,omitempty"`
	MaxTxSequenceNumber *int64 `json:"max_tx_sequence_number,omitempty"`
}

func (c *Checkpoint) Values() []any {
	return []any{
		c.SequenceNumber, c.CheckpointDigest, c.Epoch, c.NetworkTotalTransactions,
		c.PreviousCheckpointDigest, c.EndOfEpoch, c.TxDigests, c.TimestampMs,
		c.TotalGasCost, c.ComputationCost, c.StorageCost, c.StorageRebate,
		c.NonRefundableStorageFee, c.CheckpointCommitments, c.ValidatorSignature,
		c.EndOfEpochData, c.MinTxSequenceNumber, c.MaxTxSequenceNumber,
	}
}

// PrunerCpWatermark maps a checkpoint to the transaction range it owns. The
// pruner uses it to turn a checkpoint frontier into a transaction frontier.
// For a checkpoint without transactions MaxTxSequenceNumber = MinTxSequenceNumber - 1.
type PrunerCpWatermark struct {
	CheckpointSequenceNumber int64 `json:"checkpoint_sequence_number"`
	MinTxSequenceNumber      int64 `json:"min_tx_sequence_number"`
	MaxTxSequenceNumber      int64 `json:"max_tx_sequence_number"`
}

func (p *PrunerCpWatermark) Values() []any {
	return []any{p.CheckpointSequenceNumber, p.MinTxSequenceNumber, p.MaxTxSequenceNumber}
}
