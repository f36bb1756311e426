package entities

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNames(t *testing.T) {
	assert.Equal(t, "events_partition_3", Events.PartitionTable(3))
	assert.Equal(t, "objects_history_partition_0", ObjectsHistory.PartitionTable(0))
	assert.Equal(t, "objects_version_00", ObjectsVersion.ShardTable(0))
	assert.Equal(t, "objects_version_ab", ObjectsVersion.ShardTable(0xab))
	assert.Equal(t, "objects_version_ff", ObjectsVersion.ShardTable(255))
	assert.Equal(t, "checkpoints", Checkpoints.TableName())
}

func TestSchemes(t *testing.T) {
	assert.ElementsMatch(t, []Entity{Checkpoints, Transactions, Events, ObjectsHistory}, WithScheme(SchemeRange))
	assert.Equal(t, []Entity{ObjectsVersion}, WithScheme(SchemeShard))

	for _, e := range []Entity{Objects, ObjectsSnapshot, Packages} {
		assert.True(t, e.Spec().Retained, e)
	}
	assert.Equal(t, KeyTransaction, Events.Spec().KeySpace)
	assert.Equal(t, KeyTransaction, TxCallsFun.Spec().KeySpace)
	assert.Equal(t, KeyCheckpoint, ObjectsVersion.Spec().KeySpace)
	assert.Equal(t, "cp_sequence_number", ObjectsVersion.Spec().KeyColumn)
}

func TestIndexPrimaryKeys(t *testing.T) {
	s := TxCallsFun.Spec()
	assert.Equal(t, []string{"package", "module", "func", "sender", "tx_sequence_number"}, s.Columns)
	assert.Equal(t, []string{"package", "module", "func", "tx_sequence_number"}, s.PrimaryKey)

	s = EventSenders.Spec()
	assert.Equal(t, []string{"sender", "tx_sequence_number", "event_sequence_number"}, s.PrimaryKey)

	s = TxSenders.Spec()
	assert.Equal(t, []string{"sender", "tx_sequence_number"}, s.PrimaryKey)
}

func TestEveryPrimaryKeyColumnExists(t *testing.T) {
	for _, e := range All() {
		s := e.Spec()
		require.NotEmpty(t, s.PrimaryKey, e)
		for _, c := range s.PrimaryKey {
			assert.GreaterOrEqual(t, s.ColumnIndex(c), 0, "%s.%s", e, c)
		}
	}
}

func TestFromString(t *testing.T) {
	e, err := FromString("objects_version")
	require.NoError(t, err)
	assert.Equal(t, ObjectsVersion, e)

	_, err = FromString("blocks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity")
}

func TestJSONRoundTripValidates(t *testing.T) {
	var out struct {
		Entity Entity `json:"entity"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"entity":"events"}`), &out))
	assert.Equal(t, Events, out.Entity)

	require.Error(t, json.Unmarshal([]byte(`{"entity":"nope"}`), &out))
}

func TestAllReturnsCopy(t *testing.T) {
	a := All()
	a[0] = "mutated"
	assert.Equal(t, Checkpoints, All()[0])
}

func TestSpecPanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() { Entity("nope").Spec() })
}
