package source

import (
	"context"
	"sync"
	"sync/atomic"
)

type tee struct {
	src    Source
	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	done   chan struct{}
	err    error

	mu       sync.Mutex
	open     int
	branches []*branch
}

type branch struct {
	t         *tee
	ch        chan Delivery
	closed    chan struct{}
	closeOnce sync.Once
}

// Tee splits src into n sources that each see every delivery in order. The
// underlying delivery is acked once every branch acked it; a closed branch
// counts as acked. src is closed when the last branch is closed.
func Tee(src Source, n int) []Source {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tee{src: src, ctx: ctx, cancel: cancel, done: make(chan struct{}), open: n}
	out := make([]Source, n)
	for i := range out {
		b := &branch{t: t, ch: make(chan Delivery), closed: make(chan struct{})}
		t.branches = append(t.branches, b)
		out[i] = b
	}
	return out
}

func (t *tee) pump() {
	defer close(t.done)
	for {
		d, err := t.src.Next(t.ctx)
		if err != nil {
			t.err = err
			return
		}
		var pending atomic.Int32
		pending.Store(int32(len(t.branches)))
		ack := func(ctx context.Context) error {
			if pending.Add(-1) == 0 {
				return d.Ack(ctx)
			}
			return nil
		}
		for _, b := range t.branches {
			select {
			case b.ch <- NewDelivery(d.Checkpoint, ack):
			case <-b.closed:
				_ = ack(t.ctx)
			case <-t.ctx.Done():
				t.err = t.ctx.Err()
				return
			}
		}
	}
}

func (b *branch) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-b.closed:
		return Delivery{}, errClosed
	default:
	}
	b.t.start.Do(func() { go b.t.pump() })
	select {
	case d := <-b.ch:
		return d, nil
	case <-b.t.done:
		return Delivery{}, b.t.err
	case <-b.closed:
		return Delivery{}, errClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (b *branch) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.t.mu.Lock()
		b.t.open--
		last := b.t.open == 0
		b.t.mu.Unlock()
		if last {
			b.t.cancel()
			err = b.t.src.Close()
		}
	})
	return err
}
