package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstTxSequenceNumber(t *testing.T) {
	cp := &CheckpointData{
		Summary:      CheckpointSummary{SequenceNumber: 3, NetworkTotalTransactions: 10},
		Transactions: make([]TransactionData, 4),
	}
	assert.Equal(t, int64(6), cp.FirstTxSequenceNumber())
	require.NoError(t, cp.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cp   *CheckpointData
	}{
		{"nil", nil},
		{"negative sequence", &CheckpointData{Summary: CheckpointSummary{SequenceNumber: -1}}},
		{"more txs than network total", &CheckpointData{
			Summary:      CheckpointSummary{NetworkTotalTransactions: 1},
			Transactions: make([]TransactionData, 2),
		}},
		{"object without id", &CheckpointData{
			Summary:      CheckpointSummary{NetworkTotalTransactions: 1},
			Transactions: []TransactionData{{Objects: []ObjectChange{{Version: 1}}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cp.Validate()
			require.True(t, errors.Is(err, ErrMalformedCheckpoint), "got %v", err)
		})
	}
}

func TestStructTag(t *testing.T) {
	tag := StructTag{Address: []byte{0x02}, Module: "coin", Name: "Coin", TypeParams: "<0x2::sui::SUI>"}
	assert.Equal(t, "0x02::coin::Coin<0x2::sui::SUI>", tag.String())
	assert.Equal(t, "Coin<0x2::sui::SUI>", tag.Instantiation())
}

func TestGasTotal(t *testing.T) {
	g := GasCostSummary{ComputationCost: 10, StorageCost: 5, StorageRebate: 3}
	assert.Equal(t, int64(12), g.Total())
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "ledgerx:events:watermark.advanced", GetWatermarkChannel("events"))
}
