package indexer

// Transaction is one row of the transactions family.
type Transaction struct {
	TxSequenceNumber         int64    `json:"tx_sequence_number"`
	TransactionDigest        []byte   `json:"transaction_digest"`
	RawTransaction           []byte   `json:"raw_transaction"`
	RawEffects               []byte   `json:"raw_effects"`
	CheckpointSequenceNumber int64    `json:"checkpoint_sequence_number"`
	TimestampMs              int64    `json:"timestamp_ms"`
	ObjectChanges            [][]byte `json:"object_changes"`
	BalanceChanges           [][]byte `json:"balance_changes"`
	Events                   [][]byte `json:"events"`
	TransactionKind          int16    `json:"transaction_kind"`
	SuccessCommandCount      int16    `json:"success_command_count"`
}

func (t *Transaction) Values() []any {
	return []any{
		t.TxSequenceNumber, t.TransactionDigest, t.RawTransaction, t.RawEffects,
		t.CheckpointSequenceNumber, t.TimestampMs, t.ObjectChanges, t.BalanceChanges,
		t.Events, t.TransactionKind, t.SuccessCommandCount,
	}
}
