package indexer

// ObjectStatus is the state an object change leaves an object in.
type ObjectStatus int16

const (
	ObjectCreated ObjectStatus = iota
	ObjectMutated
	ObjectDeleted
	ObjectWrapped
	ObjectUnwrapped
)

// Live reports whether the object still exists at the top level after the change.
func (s ObjectStatus) Live() bool {
	return s != ObjectDeleted && s != ObjectWrapped
}

func (s ObjectStatus) String() string {
	switch s {
	case ObjectCreated:
		return "created"
	case ObjectMutated:
		return "mutated"
	case ObjectDeleted:
		return "deleted"
	case ObjectWrapped:
		return "wrapped"
	case ObjectUnwrapped:
		return "unwrapped"
	default:
		return "unknown"
	}
}

// Object is the state of an object at one version. It is the row of the live
// objects table; ObjectHistory and ObjectSnapshot embed it.
type Object struct {
	ObjectID          []byte  `json:"object_id"`
	ObjectVersion     int64   `json:"object_version"`
	ObjectDigest      []byte  `json:"object_digest,omitempty"`
	OwnerType         int16   `json:"owner_type"`
	OwnerID           []byte  `json:"owner_id,omitempty"`
	ObjectType        *string `json:"object_type,omitempty"`
	ObjectTypePackage []byte  `json:"object_type_package,omitempty"`
	ObjectTypeModule  *string `json:"object_type_module,omitempty"`
	ObjectTypeName    *string `json:"object_type_name,omitempty"`
	SerializedObject  []byte  `json:"serialized_object,omitempty"`
	CoinType          *string `json:"coin_type,omitempty"`
	CoinBalance       *int64  `json:"coin_balance,omitempty"`
	DfKind            *int16  `json:"df_kind,omitempty"`
}

func (o *Object) Values() []any {
	return []any{
		o.ObjectID, o.ObjectVersion, o.ObjectDigest, o.OwnerType, o.OwnerID,
		o.ObjectType, o.ObjectTypePackage, o.ObjectTypeModule, o.ObjectTypeName,
		o.SerializedObject, o.CoinType, o.CoinBalance, o.DfKind,
	}
}

// ObjectHistory is an append-only record of every object version.
type ObjectHistory struct {
	CheckpointSequenceNumber int64        `json:"checkpoint_sequence_number"`
	ObjectStatus             ObjectStatus `json:"object_status"`
	Object
}

func (h *ObjectHistory) Values() []any {
	return append([]any{h.CheckpointSequenceNumber, int16(h.ObjectStatus)}, h.Object.Values()...)
}

// ObjectVersion maps (object_id, object_version) to the checkpoint that produced it.
type ObjectVersion struct {
	ObjectID         []byte `json:"object_id"`
	ObjectVersion    int64  `json:"object_version"`
	CpSequenceNumber int64  `json:"cp_sequence_number"`
}

func (v *ObjectVersion) Values() []any {
	return []any{v.ObjectID, v.ObjectVersion, v.CpSequenceNumber}
}

// ObjectSnapshot is the live state of an object as of the snapshot frontier.
type ObjectSnapshot struct {
	Object
	CheckpointSequenceNumber int64 `json:"checkpoint_sequence_number"`
}

func (s *ObjectSnapshot) Values() []any {
	return append(s.Object.Values(), s.CheckpointSequenceNumber)
}
