package admin

import "time"

const PartitionsTableName = "partitions"

type PartitionState string

const (
	PartitionAttached PartitionState = "attached"
	PartitionDetached PartitionState = "detached"
	PartitionDropped  PartitionState = "dropped"
)

// Partition is a catalog entry for one child table of a range family. It
// covers keys [Lo, Hi).
type Partition struct {
	Entity     string         `json:"entity"`
	Index      int64          `json:"partition_index"`
	Lo         int64          `json:"lo"`
	Hi         int64          `json:"hi"`
	State      PartitionState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	DetachedAt *time.Time     `json:"detached_at,omitempty"`
}

// Covers reports whether key falls inside the partition range.
func (p Partition) Covers(key int64) bool {
	return key >= p.Lo && key < p.Hi
}
