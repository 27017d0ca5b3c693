package cmdgraph

import (
	"context"
	"sync"
	"time"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

// readbackPoll is how often Readback.Wait checks for completion.
const readbackPoll = time.Millisecond

// Readback is the future result of Node.Readback. It is fulfilled once the
// list that copies the data has finished on the GPU.
type Readback struct {
	g    *DeviceGroup
	size uint64

	// set during submission
	ref   packet.Ref
	gpu   int
	mem   handle.ResourceHandle
	fence backend.Fence

	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

func newReadback(g *DeviceGroup, ref packet.Ref, size uint64) *Readback {
	return &Readback{g: g, ref: ref, size: size, mem: handle.Invalid, done: make(chan struct{})}
}

func (r *Readback) fulfill(data []byte, err error) {
	r.once.Do(func() {
		r.data, r.err = data, err
		close(r.done)
	})
}

// Ready reports whether the data is available, collecting finished work if
// it is not yet.
func (r *Readback) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
	}
	if err := r.g.checkCompletedLists(false); err != nil {
		Logger().Warn("cmdgraph: checking completed lists", "err", err)
	}
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the data is available or ctx is done.
func (r *Readback) Wait(ctx context.Context) ([]byte, error) {
	if r.Ready() {
		return r.data, r.err
	}
	t := time.NewTicker(readbackPoll)
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return r.data, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			if r.Ready() {
				return r.data, r.err
			}
		}
	}
}

// Size returns the number of bytes read back.
func (r *Readback) Size() uint64 { return r.size }
