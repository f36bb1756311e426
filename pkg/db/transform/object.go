package transform

import (
	"bytes"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Object maps an object change into the object state it leaves behind.
func Object(ch *types.ObjectChange) indexer.Object {
	o := indexer.Object{
		ObjectID:         ch.ObjectID,
		ObjectVersion:    ch.Version,
		ObjectDigest:     ch.Digest,
		OwnerType:        ch.OwnerType,
		OwnerID:          ch.OwnerID,
		SerializedObject: ch.Serialized,
		CoinType:         ch.CoinType,
		CoinBalance:      ch.CoinBalance,
		DfKind:           ch.DfKind,
	}
	if ch.Type != nil {
		full := ch.Type.String()
		module := ch.Type.Module
		name := ch.Type.Name
		o.ObjectType = &full
		o.ObjectTypePackage = ch.Type.Address
		o.ObjectTypeModule = &module
		o.ObjectTypeName = &name
	}
	return o
}

// objectState keeps the newest change per object across a batch.
type objectState struct {
	latest map[string]objectChange
}

type objectChange struct {
	status indexer.ObjectStatus
	object indexer.Object
}

func newObjectState() *objectState {
	return &objectState{latest: make(map[string]objectChange)}
}

func (s *objectState) apply(status indexer.ObjectStatus, o indexer.Object) {
	key := string(o.ObjectID)
	if cur, ok := s.latest[key]; ok && cur.object.ObjectVersion >= o.ObjectVersion {
		return
	}
	s.latest[key] = objectChange{status: status, object: o}
}

// final returns upserts for live objects and tombstones for deleted or
// wrapped ones, ordered by object id.
func (s *objectState) final() ([]indexer.Row, []indexer.Tombstone) {
	ids := make([][]byte, 0, len(s.latest))
	for _, ch := range s.latest {
		ids = append(ids, ch.object.ObjectID)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i], ids[j]) < 0 })

	rows := []indexer.Row{}
	var tombstones []indexer.Tombstone
	for _, id := range ids {
		ch := s.latest[string(id)]
		if ch.status.Live() {
			o := ch.object
			rows = append(rows, &o)
			continue
		}
		tombstones = append(tombstones, indexer.Tombstone{ObjectID: id, Version: ch.object.ObjectVersion})
	}
	return rows, tombstones
}

func (b *builder) objectChanges(cp *types.CheckpointData) {
	seq := cp.Summary.SequenceNumber
	for i := range cp.Transactions {
		for j := range cp.Transactions[i].Objects {
			ch := &cp.Transactions[i].Objects[j]
			status := indexer.ObjectStatus(ch.Status)
			o := Object(ch)

			b.add(entities.ObjectsHistory, &indexer.ObjectHistory{
				CheckpointSequenceNumber: seq,
				ObjectStatus:             status,
				Object:                   o,
			})
			b.add(entities.ObjectsVersion, &indexer.ObjectVersion{
				ObjectID:         ch.ObjectID,
				ObjectVersion:    ch.Version,
				CpSequenceNumber: seq,
			})
			if b.objects != nil {
				b.objects.apply(status, o)
			}
		}
	}
}
