// Package entities is the single source of truth for ledger table families.
//
// Every family carries its partitioning scheme, the column that holds its
// routing/prune key, the column list in write order and its primary key. The
// store, the partition scheme and the pruner all read from this registry, so
// adding a family is a change in one place.
//
// Usage Example:
//
//	spec := entities.Transactions.Spec()
//	table := entities.Transactions.PartitionTable(12) // transactions_partition_12
//	for _, e := range entities.All() {
//	    if e.Spec().Retained {
//	        continue
//	    }
//	    // prune e ...
//	}
//
// All functions and methods in this package are safe for concurrent use.
package entities

import (
	"fmt"
	"sort"
	"strings"
)

// Entity names a table family. A family is one logical table that may be
// physically split into range partitions or hash shards.
type Entity string

// Scheme is how a family is physically laid out.
type Scheme uint8

const (
	// SchemePlain is a single table.
	SchemePlain Scheme = iota
	// SchemeRange is a parent table with children covering [N*span, (N+1)*span).
	SchemeRange
	// SchemeShard is a fixed set of ShardCount tables keyed by the first byte of object_id.
	SchemeShard
)

func (s Scheme) String() string {
	switch s {
	case SchemeRange:
		return "range"
	case SchemeShard:
		return "shard"
	default:
		return "plain"
	}
}

// KeySpace is the sequence a family's key column measures.
type KeySpace uint8

const (
	KeyNone KeySpace = iota
	KeyCheckpoint
	KeyTransaction
)

func (k KeySpace) String() string {
	switch k {
	case KeyCheckpoint:
		return "checkpoint"
	case KeyTransaction:
		return "transaction"
	default:
		return "none"
	}
}

// WriteMode controls conflict handling on insert.
type WriteMode uint8

const (
	// WriteAppend inserts and ignores rows whose primary key already exists.
	WriteAppend WriteMode = iota
	// WriteUpsertNewer replaces an existing row only when VersionColumn increases.
	WriteUpsertNewer
)

// ShardCount is the number of tables of a sharded family. It never grows.
const ShardCount = 256

// Spec describes a table family.
type Spec struct {
	Entity   Entity
	Scheme   Scheme
	KeySpace KeySpace
	// KeyColumn holds the range/prune key. Empty for retained families.
	KeyColumn string
	// RouteColumn picks the shard of a SchemeShard family.
	RouteColumn string
	// VersionColumn guards WriteUpsertNewer.
	VersionColumn string
	Columns       []string
	PrimaryKey    []string
	Mode          WriteMode
	// Retained families are never pruned.
	Retained bool
}

const (
	Checkpoints       Entity = "checkpoints"
	PrunerCpWatermark Entity = "pruner_cp_watermark"

	Transactions        Entity = "transactions"
	TxSenders           Entity = "tx_senders"
	TxRecipients        Entity = "tx_recipients"
	TxCallsPkg          Entity = "tx_calls_pkg"
	TxCallsMod          Entity = "tx_calls_mod"
	TxCallsFun          Entity = "tx_calls_fun"
	TxInputObjects      Entity = "tx_input_objects"
	TxChangedObjects    Entity = "tx_changed_objects"
	TxAffectedAddresses Entity = "tx_affected_addresses"
	TxAffectedObjects   Entity = "tx_affected_objects"

	Events                   Entity = "events"
	EventEmitPackage         Entity = "event_emit_package"
	EventEmitModule          Entity = "event_emit_module"
	EventStructPackage       Entity = "event_struct_package"
	EventStructModule        Entity = "event_struct_module"
	EventStructName          Entity = "event_struct_name"
	EventStructInstantiation Entity = "event_struct_instantiation"
	EventSenders             Entity = "event_senders"

	Objects         Entity = "objects"
	ObjectsHistory  Entity = "objects_history"
	ObjectsVersion  Entity = "objects_version"
	ObjectsSnapshot Entity = "objects_snapshot"

	Packages Entity = "packages"
)

// objectColumns is shared by objects and objects_snapshot.
var objectColumns = []string{
	"object_id", "object_version", "object_digest", "owner_type", "owner_id",
	"object_type", "object_type_package", "object_type_module", "object_type_name",
	"serialized_object", "coin_type", "coin_balance", "df_kind",
}

func txIndex(e Entity, dims ...string) Spec {
	cols := append(append([]string{}, dims...), "tx_sequence_number")
	pk := append(append([]string{}, dims[:len(dims)-1]...), "tx_sequence_number")
	if len(dims) == 1 {
		pk = cols
	}
	return Spec{
		Entity: e, Scheme: SchemePlain, KeySpace: KeyTransaction, KeyColumn: "tx_sequence_number",
		Columns: cols, PrimaryKey: pk,
	}
}

func eventIndex(e Entity, dims ...string) Spec {
	cols := append(append([]string{}, dims...), "tx_sequence_number", "event_sequence_number")
	pk := append(append([]string{}, dims[:len(dims)-1]...), "tx_sequence_number", "event_sequence_number")
	if len(dims) == 1 {
		pk = cols
	}
	return Spec{
		Entity: e, Scheme: SchemePlain, KeySpace: KeyTransaction, KeyColumn: "tx_sequence_number",
		Columns: cols, PrimaryKey: pk,
	}
}

// Index tables carry a trailing "sender" dimension that is not part of the
// primary key, except tx_senders and event_senders whose only dimension is the sender.
var registry = []Spec{
	{
		Entity: Checkpoints, Scheme: SchemeRange, KeySpace: KeyCheckpoint, KeyColumn: "sequence_number",
		Columns: []string{
			"sequence_number", "checkpoint_digest", "epoch", "network_total_transactions",
			"previous_checkpoint_digest", "end_of_epoch", "tx_digests", "timestamp_ms",
			"total_gas_cost", "computation_cost", "storage_cost", "storage_rebate",
			"non_refundable_storage_fee", "checkpoint_commitments", "validator_signature",
			"end_of_epoch_data", "min_tx_sequence_number", "max_tx_sequence_number",
		},
		PrimaryKey: []string{"sequence_number"},
	},
	{
		Entity: PrunerCpWatermark, Scheme: SchemePlain, KeySpace: KeyCheckpoint, KeyColumn: "checkpoint_sequence_number",
		Columns:    []string{"checkpoint_sequence_number", "min_tx_sequence_number", "max_tx_sequence_number"},
		PrimaryKey: []string{"checkpoint_sequence_number"},
	},
	{
		Entity: Transactions, Scheme: SchemeRange, KeySpace: KeyTransaction, KeyColumn: "tx_sequence_number",
		Columns: []string{
			"tx_sequence_number", "transaction_digest", "raw_transaction", "raw_effects",
			"checkpoint_sequence_number", "timestamp_ms", "object_changes", "balance_changes",
			"events", "transaction_kind", "success_command_count",
		},
		PrimaryKey: []string{"tx_sequence_number"},
	},
	txIndex(TxSenders, "sender"),
	txIndex(TxRecipients, "recipient", "sender"),
	txIndex(TxCallsPkg, "package", "sender"),
	txIndex(TxCallsMod, "package", "module", "sender"),
	txIndex(TxCallsFun, "package", "module", "func", "sender"),
	txIndex(TxInputObjects, "object_id", "sender"),
	txIndex(TxChangedObjects, "object_id", "sender"),
	txIndex(TxAffectedAddresses, "affected", "sender"),
	txIndex(TxAffectedObjects, "affected", "sender"),
	{
		Entity: Events, Scheme: SchemeRange, KeySpace: KeyTransaction, KeyColumn: "tx_sequence_number",
		Columns: []string{
			"tx_sequence_number", "event_sequence_number", "transaction_digest", "senders",
			"package", "module", "event_type", "timestamp_ms", "bcs", "sender",
		},
		PrimaryKey: []string{"tx_sequence_number", "event_sequence_number"},
	},
	eventIndex(EventEmitPackage, "package", "sender"),
	eventIndex(EventEmitModule, "package", "module", "sender"),
	eventIndex(EventStructPackage, "package", "sender"),
	eventIndex(EventStructModule, "package", "module", "sender"),
	eventIndex(EventStructName, "package", "module", "type_name", "sender"),
	eventIndex(EventStructInstantiation, "package", "module", "type_instantiation", "sender"),
	eventIndex(EventSenders, "sender"),
	{
		Entity: Objects, Scheme: SchemePlain, Retained: true,
		Columns: objectColumns, PrimaryKey: []string{"object_id"},
		Mode: WriteUpsertNewer, VersionColumn: "object_version",
	},
	{
		Entity: ObjectsHistory, Scheme: SchemeRange, KeySpace: KeyCheckpoint, KeyColumn: "checkpoint_sequence_number",
		Columns: append([]string{"checkpoint_sequence_number", "object_status"}, objectColumns...),
		PrimaryKey: []string{"checkpoint_sequence_number", "object_id", "object_version"},
	},
	{
		Entity: ObjectsVersion, Scheme: SchemeShard, KeySpace: KeyCheckpoint, KeyColumn: "cp_sequence_number",
		RouteColumn: "object_id",
		Columns:     []string{"object_id", "object_version", "cp_sequence_number"},
		PrimaryKey:  []string{"object_id", "object_version"},
	},
	{
		Entity: ObjectsSnapshot, Scheme: SchemePlain, Retained: true,
		Columns:    append(append([]string{}, objectColumns...), "checkpoint_sequence_number"),
		PrimaryKey: []string{"object_id"},
		Mode:       WriteUpsertNewer, VersionColumn: "object_version",
	},
	{
		Entity: Packages, Scheme: SchemePlain, Retained: true,
		Columns:    []string{"package_id", "original_id", "package_version", "move_package", "checkpoint_sequence_number"},
		PrimaryKey: []string{"package_id", "original_id", "package_version"},
	},
}

var (
	specs       map[Entity]Spec
	allEntities []Entity
)

func init() {
	specs = make(map[Entity]Spec, len(registry))
	for _, s := range registry {
		if s.Entity == "" || strings.ContainsAny(string(s.Entity), " .\"") {
			panic(fmt.Sprintf("entities: invalid entity name %q", s.Entity))
		}
		if _, dup := specs[s.Entity]; dup {
			panic(fmt.Sprintf("entities: duplicate entity %q", s.Entity))
		}
		if !s.Retained && s.KeyColumn == "" {
			panic(fmt.Sprintf("entities: prunable entity %q has no key column", s.Entity))
		}
		if s.Scheme == SchemeShard && s.RouteColumn == "" {
			panic(fmt.Sprintf("entities: sharded entity %q has no route column", s.Entity))
		}
		for _, c := range append(append([]string{}, s.PrimaryKey...), s.KeyColumn, s.RouteColumn, s.VersionColumn) {
			if c != "" && s.ColumnIndex(c) < 0 {
				panic(fmt.Sprintf("entities: %q references unknown column %q", s.Entity, c))
			}
		}
		specs[s.Entity] = s
		allEntities = append(allEntities, s.Entity)
	}
}

// String returns the entity name.
func (e Entity) String() string {
	return string(e)
}

// TableName returns the logical table name. For range families this is the
// partitioned parent, for shard families the name prefix.
func (e Entity) TableName() string {
	return string(e)
}

// PartitionTable returns the child table holding range partition index.
//
//	entities.Events.PartitionTable(3) // "events_partition_3"
func (e Entity) PartitionTable(index int64) string {
	return fmt.Sprintf("%s_partition_%d", e, index)
}

// ShardTable returns the table for shard (0..255).
//
//	entities.ObjectsVersion.ShardTable(0xab) // "objects_version_ab"
func (e Entity) ShardTable(shard int) string {
	return fmt.Sprintf("%s_%02x", e, shard)
}

// IsValid returns true if this entity is registered.
func (e Entity) IsValid() bool {
	_, ok := specs[e]
	return ok
}

// Spec returns the family description. It panics on an unknown entity.
func (e Entity) Spec() Spec {
	s, ok := specs[e]
	if !ok {
		panic(fmt.Sprintf("entities: unknown entity %q", e))
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (e Entity) MarshalText() ([]byte, error) {
	return []byte(e), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the value.
func (e *Entity) UnmarshalText(text []byte) error {
	entity := Entity(text)
	if !entity.IsValid() {
		return fmt.Errorf("invalid entity: %q", text)
	}
	*e = entity
	return nil
}

// FromString converts a string to a registered Entity.
func FromString(s string) (Entity, error) {
	entity := Entity(s)
	if !entity.IsValid() {
		return "", fmt.Errorf("unknown entity %q, valid entities: %s", s, strings.Join(AllNames(), ", "))
	}
	return entity, nil
}

// All returns every registered entity in registry order. The slice is a copy.
func All() []Entity {
	out := make([]Entity, len(allEntities))
	copy(out, allEntities)
	return out
}

// AllNames returns entity names sorted alphabetically.
func AllNames() []string {
	names := make([]string, len(allEntities))
	for i, e := range allEntities {
		names[i] = string(e)
	}
	sort.Strings(names)
	return names
}

// WithScheme returns the registered entities laid out with scheme.
func WithScheme(scheme Scheme) []Entity {
	var out []Entity
	for _, e := range allEntities {
		if specs[e].Scheme == scheme {
			out = append(out, e)
		}
	}
	return out
}

// ColumnIndex returns the position of column in Columns or -1.
func (s Spec) ColumnIndex(column string) int {
	for i, c := range s.Columns {
		if c == column {
			return i
		}
	}
	return -1
}
