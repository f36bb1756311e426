package source

import (
	"context"
	"io"
	"sync"

	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Slice replays a fixed list of checkpoints and records acks. Used by tests and
// local backfills.
type Slice struct {
	mu    sync.Mutex
	items []*types.CheckpointData
	pos   int
	acked []int64
	// Hold keeps Next blocking after the last item instead of returning io.EOF.
	Hold bool
}

func NewSlice(items ...*types.CheckpointData) *Slice {
	return &Slice{items: items}
}

func (s *Slice) Next(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	if s.pos >= len(s.items) {
		hold := s.Hold
		s.mu.Unlock()
		if !hold {
			return Delivery{}, io.EOF
		}
		<-ctx.Done()
		return Delivery{}, ctx.Err()
	}
	cp := s.items[s.pos]
	s.pos++
	s.mu.Unlock()

	seq := cp.Summary.SequenceNumber
	return Delivery{
		Checkpoint: cp,
		ack: func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acked = append(s.acked, seq)
			return nil
		},
	}, nil
}

// Acked returns the sequence numbers acked so far, in ack order.
func (s *Slice) Acked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acked...)
}

func (s *Slice) Close() error { return nil }
