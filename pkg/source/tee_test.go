package source

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/ledgerx/pkg/indexer/types/typestest"
)

func TestTeeDeliversEverythingToEveryBranch(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	cps := chain.Batch(4, 1)
	src := NewSlice(cps...)
	branches := Tee(src, 2)

	ctx := context.Background()
	results := make(chan []int64, 2)
	for _, b := range branches {
		go func(b Source) {
			var seqs []int64
			for {
				d, err := b.Next(ctx)
				if errors.Is(err, io.EOF) {
					results <- seqs
					return
				}
				if err != nil {
					results <- nil
					return
				}
				seqs = append(seqs, d.Checkpoint.Summary.SequenceNumber)
				_ = d.Ack(ctx)
			}
		}(b)
	}

	want := []int64{0, 1, 2, 3}
	require.Equal(t, want, <-results)
	require.Equal(t, want, <-results)
	require.Equal(t, want, src.Acked())
}

func TestTeeAcksOnlyWhenAllBranchesAck(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	src := NewSlice(chain.Batch(1, 1)...)
	branches := Tee(src, 2)
	ctx := context.Background()

	first := make(chan Delivery, 1)
	go func() {
		d, err := branches[0].Next(ctx)
		if err == nil {
			first <- d
		}
	}()
	second, err := branches[1].Next(ctx)
	require.NoError(t, err)
	d := <-first

	require.NoError(t, d.Ack(ctx))
	require.Empty(t, src.Acked())
	require.NoError(t, second.Ack(ctx))
	require.Equal(t, []int64{0}, src.Acked())
}

func TestTeeSkipsClosedBranch(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	src := NewSlice(chain.Batch(2, 1)...)
	branches := Tee(src, 2)
	ctx := context.Background()

	require.NoError(t, branches[0].Close())
	_, err := branches[0].Next(ctx)
	require.Error(t, err)

	for want := int64(0); want < 2; want++ {
		d, err := branches[1].Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Checkpoint.Summary.SequenceNumber)
		require.NoError(t, d.Ack(ctx))
	}
	_, err = branches[1].Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []int64{0, 1}, src.Acked())
}
