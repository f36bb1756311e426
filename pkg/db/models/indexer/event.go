package indexer

// Event is one row of the events family, keyed by (tx_sequence_number, event_sequence_number).
type Event struct {
	TxSequenceNumber    int64    `json:"tx_sequence_number"`
	EventSequenceNumber int64    `json:"event_sequence_number"`
	TransactionDigest   []byte   `json:"transaction_digest"`
	Senders             [][]byte `json:"senders"`
	Package             []byte   `json:"package"`
	Module              string   `json:"module"`
	EventType           string   `json:"event_type"`
	TimestampMs         int64    `json:"timestamp_ms"`
	Bcs                 []byte   `json:"bcs"`
	Sender              []byte   `json:"sender,omitempty"`
}

func (e *Event) Values() []any {
	return []any{
		e.TxSequenceNumber, e.EventSequenceNumber, e.TransactionDigest, e.Senders,
		e.Package, e.Module, e.EventType, e.TimestampMs, e.Bcs, e.Sender,
	}
}
