// Package barrier computes the memory barriers and queue ownership transfers
// a command list needs, given the accesses its packets make and the
// authoritative per-device resource state table.
//
// Solving happens in two passes. The local pass looks only at one list and
// can run concurrently with the local passes of other lists. The global pass
// resolves the list's first touches against the Table and writes the list's
// final states back; global passes must run in list submission order.
package barrier

import (
	"fmt"
	"sync"

	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// Table is the authoritative state of every buffer and texture of one
// device, as of the end of the last list whose global pass has run.
//
// Table is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	buffers  map[int]desc.ResourceState
	textures map[int]desc.TextureResourceState
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		buffers:  make(map[int]desc.ResourceState),
		textures: make(map[int]desc.TextureResourceState),
	}
}

// RegisterBuffer starts tracking a buffer in the untouched state.
func (t *Table) RegisterBuffer(h handle.ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers[h.ID()] = desc.UnknownState
}

// RegisterTexture starts tracking a texture with mips*arraySize subresources.
func (t *Table) RegisterTexture(h handle.ResourceHandle, mips, arraySize int) {
	if mips < 1 || arraySize < 1 {
		panic(fmt.Sprintf("barrier: texture %s with %d mips and %d slices", h, mips, arraySize))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.textures[h.ID()] = desc.NewTextureResourceState(mips, arraySize)
}

// Unregister stops tracking h.
func (t *Table) Unregister(h handle.ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.Type() == handle.TypeTexture {
		delete(t.textures, h.ID())
	} else {
		delete(t.buffers, h.ID())
	}
}

// Buffer returns the state of buffer id.
func (t *Table) Buffer(id int) desc.ResourceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buffers[id]
}

// SetBuffer overrides the state of buffer id.
func (t *Table) SetBuffer(id int, s desc.ResourceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers[id] = s
}

// Texture returns a copy of the state of texture id.
func (t *Table) Texture(id int) (desc.TextureResourceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.textures[id]
	if !ok {
		return desc.TextureResourceState{}, false
	}
	return ts.Clone(), true
}

// SetTexture overrides every subresource of texture id.
func (t *Table) SetTexture(id int, s desc.ResourceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.textures[id]
	if !ok {
		return
	}
	for i := range ts.States {
		ts.States[i] = s
	}
}

// textureShape returns the mip count and subresource count of texture id.
func (t *Table) textureShape(id int) (mips, subresources int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.textures[id]
	return ts.Mips, len(ts.States), ok
}

// Queue returns the queue that owns resource h, judged by its first
// subresource for textures.
func (t *Table) Queue(h handle.ResourceHandle) desc.QueueType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h.Type() == handle.TypeTexture {
		ts := t.textures[h.ID()]
		if len(ts.States) == 0 {
			return desc.QueueUnknown
		}
		return ts.States[0].Queue
	}
	return t.buffers[h.ID()].Queue
}
