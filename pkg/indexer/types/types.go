package types

import (
	"errors"
	"fmt"
)

// ErrMalformedCheckpoint is returned for checkpoint data that cannot be indexed.
var ErrMalformedCheckpoint = errors.New("malformed checkpoint")

// CheckpointData is a decoded checkpoint as delivered by the source. Decoding
// the wire format happens upstream; the indexer consumes this shape.
type CheckpointData struct {
	Summary      CheckpointSummary `json:"summary"`
	Transactions []TransactionData `json:"transactions"`
}

type GasCostSummary struct {
	ComputationCost         int64 `json:"computationCost"`
	StorageCost             int64 `json:"storageCost"`
	StorageRebate           int64 `json:"storageRebate"`
	NonRefundableStorageFee int64 `json:"nonRefundableStorageFee"`
}

// Total is computation + storage - rebate.
func (g GasCostSummary) Total() int64 {
	return g.ComputationCost + g.StorageCost - g.StorageRebate
}

type CheckpointSummary struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Digest         []byte `json:"digest"`
	PreviousDigest []byte `json:"previousDigest,omitempty"`
	Epoch          int64  `json:"epoch"`
	// NetworkTotalTransactions counts every transaction up to and including this checkpoint.
	NetworkTotalTransactions int64          `json:"networkTotalTransactions"`
	TimestampMs              int64          `json:"timestampMs"`
	GasCost                  GasCostSummary `json:"gasCost"`
	EndOfEpoch               bool           `json:"endOfEpoch"`
	EndOfEpochData           []byte         `json:"endOfEpochData,omitempty"`
	Commitments              []byte         `json:"commitments,omitempty"`
	ValidatorSignature       []byte         `json:"validatorSignature,omitempty"`
}

type MoveCall struct {
	Package  []byte `json:"package"`
	Module   string `json:"module"`
	Function string `json:"function"`
}

// StructTag identifies a Move struct type.
type StructTag struct {
	Address []byte `json:"address"`
	Module  string `json:"module"`
	Name    string `json:"name"`
	// TypeParams is the rendered type argument list, e.g. "<0x2::sui::SUI>". Empty when not generic.
	TypeParams string `json:"typeParams,omitempty"`
}

// String renders the canonical type string 0x<address>::<module>::<name><params>.
func (s StructTag) String() string {
	return fmt.Sprintf("0x%x::%s::%s%s", s.Address, s.Module, s.Name, s.TypeParams)
}

// Instantiation is the name with its type parameters.
func (s StructTag) Instantiation() string {
	return s.Name + s.TypeParams
}

type EventData struct {
	// PackageID and Module identify the emitting call.
	PackageID []byte    `json:"packageId"`
	Module    string    `json:"module"`
	Type      StructTag `json:"type"`
	Sender    []byte    `json:"sender"`
	Bcs       []byte    `json:"bcs"`
}

type ObjectChange struct {
	ObjectID    []byte     `json:"objectId"`
	Version     int64      `json:"version"`
	Status      int16      `json:"status"`
	Digest      []byte     `json:"digest,omitempty"`
	OwnerType   int16      `json:"ownerType"`
	OwnerID     []byte     `json:"ownerId,omitempty"`
	Type        *StructTag `json:"type,omitempty"`
	Serialized  []byte     `json:"serialized,omitempty"`
	CoinType    *string    `json:"coinType,omitempty"`
	CoinBalance *int64     `json:"coinBalance,omitempty"`
	DfKind      *int16     `json:"dfKind,omitempty"`
}

type PackageData struct {
	PackageID  []byte `json:"packageId"`
	OriginalID []byte `json:"originalId"`
	Version    int64  `json:"version"`
	Bytes      []byte `json:"bytes"`
}

type TransactionData struct {
	Digest              []byte     `json:"digest"`
	RawTransaction      []byte     `json:"rawTransaction"`
	RawEffects          []byte     `json:"rawEffects"`
	Kind                int16      `json:"kind"`
	SuccessCommandCount int16      `json:"successCommandCount"`
	Sender              []byte     `json:"sender"`
	Recipients          [][]byte   `json:"recipients,omitempty"`
	InputObjects        [][]byte   `json:"inputObjects,omitempty"`
	ChangedObjects      [][]byte   `json:"changedObjects,omitempty"`
	AffectedAddresses   [][]byte   `json:"affectedAddresses,omitempty"`
	AffectedObjects     [][]byte   `json:"affectedObjects,omitempty"`
	MoveCalls           []MoveCall `json:"moveCalls,omitempty"`
	// ObjectChanges and BalanceChanges are the raw serialized change records.
	ObjectChanges  [][]byte       `json:"objectChanges,omitempty"`
	BalanceChanges [][]byte       `json:"balanceChanges,omitempty"`
	Events         []EventData    `json:"events,omitempty"`
	Objects        []ObjectChange `json:"objects,omitempty"`
	Packages       []PackageData  `json:"packages,omitempty"`
}

// FirstTxSequenceNumber is the global sequence number of the checkpoint's first transaction.
func (c *CheckpointData) FirstTxSequenceNumber() int64 {
	return c.Summary.NetworkTotalTransactions - int64(len(c.Transactions))
}

// Validate checks the fields the indexer relies on.
func (c *CheckpointData) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrMalformedCheckpoint)
	}
	if c.Summary.SequenceNumber < 0 {
		return fmt.Errorf("%w: negative sequence number %d", ErrMalformedCheckpoint, c.Summary.SequenceNumber)
	}
	if c.FirstTxSequenceNumber() < 0 {
		return fmt.Errorf("%w: checkpoint %d has %d transactions but network total %d",
			ErrMalformedCheckpoint, c.Summary.SequenceNumber, len(c.Transactions), c.Summary.NetworkTotalTransactions)
	}
	for i, tx := range c.Transactions {
		for _, o := range tx.Objects {
			if len(o.ObjectID) == 0 {
				return fmt.Errorf("%w: checkpoint %d tx %d has an object change without id",
					ErrMalformedCheckpoint, c.Summary.SequenceNumber, i)
			}
		}
	}
	return nil
}
