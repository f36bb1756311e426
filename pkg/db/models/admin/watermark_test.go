package admin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatermarkValidate(t *testing.T) {
	tests := []struct {
		name string
		wm   Watermark
		ok   bool
	}{
		{"fresh", Watermark{Pipeline: "p", TxHi: -1}, true},
		{"ordered", Watermark{Pipeline: "p", CheckpointHiInclusive: 2000, ReaderLo: 500, PrunerHi: 500, TxHi: 10}, true},
		{"pruner above reader", Watermark{Pipeline: "p", CheckpointHiInclusive: 2000, ReaderLo: 400, PrunerHi: 500}, false},
		{"reader above hi", Watermark{Pipeline: "p", CheckpointHiInclusive: 10, ReaderLo: 11}, false},
		{"bad tx_hi", Watermark{Pipeline: "p", TxHi: -2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wm.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, ErrInvariant))
		})
	}
}

func TestInitialStartsAtFirstCheckpoint(t *testing.T) {
	wm := Initial("objects", 10, HighMarks{CheckpointHiInclusive: 12, TxHi: 99, EpochHiInclusive: 1, TimestampMs: 5})
	require.NoError(t, wm.Validate())
	require.Equal(t, int64(10), wm.ReaderLo)
	require.Equal(t, int64(10), wm.PrunerHi)
	require.Equal(t, int64(13), wm.Next())
	require.Equal(t, HighMarks{CheckpointHiInclusive: 12, TxHi: 99, EpochHiInclusive: 1, TimestampMs: 5}, wm.HighMarks())
}

func TestPartitionCovers(t *testing.T) {
	p := Partition{Lo: 100, Hi: 200}
	require.True(t, p.Covers(100))
	require.True(t, p.Covers(199))
	require.False(t, p.Covers(200))
	require.False(t, p.Covers(99))
}
