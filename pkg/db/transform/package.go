package transform

import (
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

func (b *builder) packages(cp *types.CheckpointData) {
	for i := range cp.Transactions {
		for _, p := range cp.Transactions[i].Packages {
			b.add(entities.Packages, &indexer.Package{
				PackageID:                p.PackageID,
				OriginalID:               p.OriginalID,
				PackageVersion:           p.Version,
				MovePackage:              p.Bytes,
				CheckpointSequenceNumber: cp.Summary.SequenceNumber,
			})
		}
	}
}
