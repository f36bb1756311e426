package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/stretchr/testify/require"
)

func TestEncodeWatermark(t *testing.T) {
	ev := types.WatermarkAdvanced{
		Event:     types.WatermarkAdvancedEvent,
		Pipeline:  "transactions",
		First:     10,
		Last:      19,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		HighMarks: admin.HighMarks{CheckpointHiInclusive: 19, TxHi: 41},
	}
	payload, values, err := encodeWatermark(ev)
	require.NoError(t, err)

	var decoded types.WatermarkAdvanced
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Equal(t, ev, decoded)

	require.Equal(t, "transactions", values["pipeline"])
	require.Equal(t, "19", values["checkpoint_hi_inclusive"])
	require.Equal(t, "41", values["tx_hi"])
	require.Equal(t, string(payload), values["payload"])
	require.NotContains(t, string(payload), "reader_lo")
	require.Equal(t, "ledgerx:transactions:watermark.advanced", types.GetWatermarkChannel(ev.Pipeline))
}
