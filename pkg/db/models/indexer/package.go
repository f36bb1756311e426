package indexer

// Package is a published Move package. Append-only and never pruned.
type Package struct {
	PackageID                []byte `json:"package_id"`
	OriginalID               []byte `json:"original_id"`
	PackageVersion           int64  `json:"package_version"`
	MovePackage              []byte `json:"move_package"`
	CheckpointSequenceNumber int64  `json:"checkpoint_sequence_number"`
}

func (p *Package) Values() []any {
	return []any{p.PackageID, p.OriginalID, p.PackageVersion, p.MovePackage, p.CheckpointSequenceNumber}
}
