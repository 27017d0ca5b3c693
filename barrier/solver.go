package barrier

import (
	"fmt"
	"slices"

	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// Transfer marks a barrier as one half of a queue ownership transfer.
type Transfer uint8

// Transfer kinds.
const (
	TransferNone Transfer = iota
	TransferAcquire
	TransferRelease
)

func (t Transfer) String() string {
	switch t {
	case TransferAcquire:
		return "Acquire"
	case TransferRelease:
		return "Release"
	default:
		return "None"
	}
}

// BufferBarrier transitions a whole buffer.
type BufferBarrier struct {
	Resource handle.ResourceHandle
	Before   desc.ResourceState
	After    desc.ResourceState
	Transfer Transfer

	draw int
}

// ImageBarrier transitions a rectangular range of texture subresources.
type ImageBarrier struct {
	Resource handle.ResourceHandle
	StartMip int
	MipSize  int
	StartArr int
	ArrSize  int
	Before   desc.ResourceState
	After    desc.ResourceState
	Transfer Transfer

	draw int
}

// MemoryBarriers are the barriers to record before one draw index.
type MemoryBarriers struct {
	Buffers  []BufferBarrier
	Textures []ImageBarrier
}

// Empty reports whether there is nothing to record.
func (m MemoryBarriers) Empty() bool { return len(m.Buffers) == 0 && len(m.Textures) == 0 }

// Options tune the solver.
type Options struct {
	// CommonStateOptimization skips the first-touch barrier of buffers,
	// relying on buffers being usable from the common state.
	CommonStateOptimization bool
}

type jobKind uint8

const (
	jobAccess jobKind = iota
	jobAcquire
	jobRelease
)

type job struct {
	kind     jobKind
	draw     int
	view     handle.ViewResourceHandle
	resource handle.ResourceHandle
	state    desc.ResourceState
	from, to desc.QueueType
}

type span struct {
	buf, bufEnd int
	img, imgEnd int
}

type textureCache struct {
	mips   int
	states []desc.ResourceState
}

func (c *textureCache) arraySize() int { return len(c.states) / c.mips }

// Solver computes the barriers of one command list.
//
// Accesses are added while the list's packets are walked, then LocalPass and
// GlobalPass run in that order. A Solver is not safe for concurrent use.
type Solver struct {
	table *Table
	opts  Options

	draws int
	jobs  []job

	buffers  map[int]*desc.ResourceState
	textures map[int]*textureCache
	touched  []handle.ResourceHandle

	bufferBarriers []BufferBarrier
	imageBarriers  []ImageBarrier
	spans          map[int]span

	// table entries before writeBack, for Rollback
	undoBuffers  map[int]desc.ResourceState
	undoTextures map[int][]desc.ResourceState

	localDone  bool
	globalDone bool
}

// NewSolver creates a solver resolving against table.
func NewSolver(table *Table, opts Options) *Solver {
	return &Solver{
		table:    table,
		opts:     opts,
		buffers:  make(map[int]*desc.ResourceState),
		textures: make(map[int]*textureCache),
		spans:    make(map[int]span),

		undoBuffers:  make(map[int]desc.ResourceState),
		undoTextures: make(map[int][]desc.ResourceState),
	}
}

// Reset clears the solver for another list.
func (s *Solver) Reset() {
	s.draws = 0
	s.jobs = s.jobs[:0]
	clear(s.buffers)
	clear(s.textures)
	s.touched = s.touched[:0]
	s.bufferBarriers = s.bufferBarriers[:0]
	s.imageBarriers = s.imageBarriers[:0]
	clear(s.spans)
	clear(s.undoBuffers)
	clear(s.undoTextures)
	s.localDone = false
	s.globalDone = false
}

// AddDrawCall reserves the next draw index.
func (s *Solver) AddDrawCall() int {
	d := s.draws
	s.draws++
	return d
}

// Draws returns the number of reserved draw indices.
func (s *Solver) Draws() int { return s.draws }

func (s *Solver) checkDraw(draw int) {
	if s.localDone {
		panic("barrier: access added after local pass")
	}
	if draw < 0 || draw >= s.draws {
		panic(fmt.Sprintf("barrier: draw index %d out of range [0, %d)", draw, s.draws))
	}
}

func (s *Solver) touchBuffer(h handle.ResourceHandle) {
	if _, ok := s.buffers[h.ID()]; ok {
		return
	}
	st := desc.UnknownState
	s.buffers[h.ID()] = &st
	s.touched = append(s.touched, h)
}

func (s *Solver) touchTexture(h handle.ResourceHandle) *textureCache {
	if c, ok := s.textures[h.ID()]; ok {
		return c
	}
	mips, n, ok := s.table.textureShape(h.ID())
	if !ok {
		panic(fmt.Sprintf("barrier: texture %s is not registered", h))
	}
	c := &textureCache{mips: mips, states: make([]desc.ResourceState, n)}
	s.textures[h.ID()] = c
	s.touched = append(s.touched, h)
	return c
}

// AddBuffer records that draw accesses the buffer behind view in state.
func (s *Solver) AddBuffer(draw int, view handle.ViewResourceHandle, state desc.ResourceState) {
	s.checkDraw(draw)
	s.touchBuffer(view.Resource)
	s.jobs = append(s.jobs, job{kind: jobAccess, draw: draw, view: view, resource: view.Resource, state: state})
}

// AddTexture records that draw accesses the subresources of view in state.
func (s *Solver) AddTexture(draw int, view handle.ViewResourceHandle, state desc.ResourceState) {
	s.checkDraw(draw)
	s.touchTexture(view.Resource)
	s.jobs = append(s.jobs, job{kind: jobAccess, draw: draw, view: view, resource: view.Resource, state: state})
}

// AddAcquire records that draw takes ownership of h from queue from to queue to.
func (s *Solver) AddAcquire(draw int, h handle.ResourceHandle, from, to desc.QueueType) {
	s.addTransfer(jobAcquire, draw, h, from, to)
}

// AddRelease records that draw gives up ownership of h from queue from to queue to.
func (s *Solver) AddRelease(draw int, h handle.ResourceHandle, from, to desc.QueueType) {
	s.addTransfer(jobRelease, draw, h, from, to)
}

func (s *Solver) addTransfer(kind jobKind, draw int, h handle.ResourceHandle, from, to desc.QueueType) {
	s.checkDraw(draw)
	if h.Type() == handle.TypeTexture {
		s.touchTexture(h)
	} else {
		s.touchBuffer(h)
	}
	s.jobs = append(s.jobs, job{kind: kind, draw: draw, resource: h, from: from, to: to})
}

func needsBarrier(last, next desc.ResourceState) bool {
	if last.Usage != next.Usage || last.Stage != next.Stage || last.Layout != next.Layout {
		return true
	}
	// Consecutive attachment writes are ordered by the render pass itself.
	return last.Usage.Writes() && next.Usage.Writes() &&
		last.Stage&(desc.StageRendertarget|desc.StageDepthStencil) == 0
}

// LocalPass computes barriers from this list's accesses alone. First touches
// produce barriers whose Before state is unknown until GlobalPass.
func (s *Solver) LocalPass() {
	if s.localDone {
		return
	}
	s.localDone = true
	slices.SortStableFunc(s.jobs, func(a, b job) int { return a.draw - b.draw })

	for i := range s.jobs {
		j := &s.jobs[i]
		if j.resource.Type() == handle.TypeTexture {
			s.localTexture(j)
		} else {
			s.localBuffer(j)
		}
	}
	s.reindex()
	slogger().Debug("barrier: local pass",
		"draws", s.draws, "jobs", len(s.jobs),
		"buffers", len(s.bufferBarriers), "textures", len(s.imageBarriers))
}

func (s *Solver) localBuffer(j *job) {
	c := s.buffers[j.resource.ID()]
	switch j.kind {
	case jobAcquire:
		s.bufferBarriers = append(s.bufferBarriers, BufferBarrier{
			Resource: j.resource,
			Before:   c.WithQueue(j.from),
			After:    c.WithQueue(j.to),
			Transfer: TransferAcquire,
			draw:     j.draw,
		})
		c.Queue = j.to
	case jobRelease:
		s.bufferBarriers = append(s.bufferBarriers, BufferBarrier{
			Resource: j.resource,
			Before:   c.WithQueue(j.from),
			After:    c.WithQueue(j.to),
			Transfer: TransferRelease,
			draw:     j.draw,
		})
		c.Queue = j.to
	default:
		next := j.state
		if c.Usage == desc.UsageUnknown {
			if !s.opts.CommonStateOptimization {
				s.bufferBarriers = append(s.bufferBarriers, BufferBarrier{
					Resource: j.resource,
					Before:   desc.UnknownState,
					After:    next.WithQueue(desc.QueueUnknown),
					draw:     j.draw,
				})
			}
		} else if needsBarrier(*c, next) {
			s.bufferBarriers = append(s.bufferBarriers, BufferBarrier{
				Resource: j.resource,
				Before:   c.WithQueue(desc.QueueUnknown),
				After:    next.WithQueue(desc.QueueUnknown),
				draw:     j.draw,
			})
		}
		*c = next
	}
}

type subRun struct {
	mip, startArr, arrSize int
	before                 desc.ResourceState
}

// mergeRuns folds per-mip slice runs into rectangles. Runs arrive ordered by
// mip, so only the last rectangle can absorb the next run.
func mergeRuns(runs []subRun, emit func(startMip, mipSize, startArr, arrSize int, before desc.ResourceState)) {
	type rect struct {
		startMip, mipSize, startArr, arrSize int
		before                               desc.ResourceState
	}
	var rects []rect
	for _, r := range runs {
		if n := len(rects); n > 0 {
			last := &rects[n-1]
			if last.before == r.before && last.startArr == r.startArr && last.arrSize == r.arrSize &&
				last.startMip+last.mipSize == r.mip {
				last.mipSize++
				continue
			}
		}
		rects = append(rects, rect{r.mip, 1, r.startArr, r.arrSize, r.before})
	}
	for _, r := range rects {
		emit(r.startMip, r.mipSize, r.startArr, r.arrSize, r.before)
	}
}

func (s *Solver) localTexture(j *job) {
	c := s.textures[j.resource.ID()]
	if j.kind != jobAccess {
		s.localTransfer(j, c)
		return
	}

	v := j.view
	startMip, mipEnd := v.StartMip(), v.StartMip()+v.MipSize()
	startArr, arrEnd := v.StartArr(), v.StartArr()+v.ArrSize()
	if mipEnd > c.mips || arrEnd > c.arraySize() {
		panic(fmt.Sprintf("barrier: view %s exceeds texture %s (%d mips, %d slices)",
			v, j.resource, c.mips, c.arraySize()))
	}

	next := j.state
	var runs []subRun
	for mip := startMip; mip < mipEnd; mip++ {
		open := false
		for slice := startArr; slice < arrEnd; slice++ {
			idx := slice*c.mips + mip
			last := c.states[idx]
			c.states[idx] = next
			if last.Usage != desc.UsageUnknown && !needsBarrier(last, next) {
				open = false
				continue
			}
			before := last.WithQueue(desc.QueueUnknown)
			if last.Usage == desc.UsageUnknown {
				before = desc.UnknownState
			}
			if open {
				r := &runs[len(runs)-1]
				if r.before == before {
					r.arrSize++
					continue
				}
			}
			runs = append(runs, subRun{mip: mip, startArr: slice, arrSize: 1, before: before})
			open = true
		}
	}
	mergeRuns(runs, func(sm, ms, sa, as int, before desc.ResourceState) {
		s.imageBarriers = append(s.imageBarriers, ImageBarrier{
			Resource: j.resource,
			StartMip: sm,
			MipSize:  ms,
			StartArr: sa,
			ArrSize:  as,
			Before:   before,
			After:    next.WithQueue(desc.QueueUnknown),
			draw:     j.draw,
		})
	})
}

// localTransfer moves ownership of every subresource. Subresources with equal
// states share one barrier; unknown states are resolved in the global pass.
func (s *Solver) localTransfer(j *job, c *textureCache) {
	t := TransferAcquire
	if j.kind == jobRelease {
		t = TransferRelease
	}
	var runs []subRun
	for mip := range c.mips {
		for slice := range c.arraySize() {
			before := c.states[slice*c.mips+mip].WithQueue(desc.QueueUnknown)
			if j.kind == jobAcquire || before.Usage == desc.UsageUnknown {
				before = desc.UnknownState
			}
			if slice > 0 {
				r := &runs[len(runs)-1]
				if r.before == before {
					r.arrSize++
					continue
				}
			}
			runs = append(runs, subRun{mip: mip, startArr: slice, arrSize: 1, before: before})
		}
	}
	mergeRuns(runs, func(sm, ms, sa, as int, before desc.ResourceState) {
		s.imageBarriers = append(s.imageBarriers, ImageBarrier{
			Resource: j.resource,
			StartMip: sm,
			MipSize:  ms,
			StartArr: sa,
			ArrSize:  as,
			Before:   before.WithQueue(j.from),
			After:    before.WithQueue(j.to),
			Transfer: t,
			draw:     j.draw,
		})
	})
	for i := range c.states {
		c.states[i].Queue = j.to
	}
}

// GlobalPass resolves unknown Before states against the table, drops
// barriers that turn out to be no-ops and writes this list's final states
// back to the table. Global passes of one device must run in submission order.
func (s *Solver) GlobalPass() {
	if !s.localDone {
		panic("barrier: global pass before local pass")
	}
	if s.globalDone {
		return
	}
	s.globalDone = true

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	bufs := s.bufferBarriers[:0]
	for _, b := range s.bufferBarriers {
		switch {
		case b.Transfer != TransferNone:
			if b.Before.Usage == desc.UsageUnknown {
				base := s.table.buffers[b.Resource.ID()]
				b.Before = base.WithQueue(b.Before.Queue)
				b.After = base.WithQueue(b.After.Queue)
			}
		case b.Before.Usage == desc.UsageUnknown:
			b.Before = s.table.buffers[b.Resource.ID()].WithQueue(desc.QueueUnknown)
			if b.Before.SameAccess(b.After) {
				continue
			}
		}
		bufs = append(bufs, b)
	}
	s.bufferBarriers = bufs

	var imgs []ImageBarrier
	for _, b := range s.imageBarriers {
		ts := s.table.textures[b.Resource.ID()]
		switch {
		case b.Transfer != TransferNone:
			if b.Before.Usage == desc.UsageUnknown && len(ts.States) > 0 {
				imgs = splitTransfer(imgs, ts, b)
				continue
			}
			imgs = append(imgs, b)
		case b.Before.Usage == desc.UsageUnknown:
			imgs = splitAgainst(imgs, ts, b)
		default:
			imgs = append(imgs, b)
		}
	}
	s.imageBarriers = imgs

	s.writeBack()
	s.reindex()
	slogger().Debug("barrier: global pass",
		"buffers", len(s.bufferBarriers), "textures", len(s.imageBarriers))
}

// splitAgainst patches b with the table states of its range, splitting it
// where the table disagrees and dropping parts already in the after state.
func splitAgainst(out []ImageBarrier, ts desc.TextureResourceState, b ImageBarrier) []ImageBarrier {
	var runs []subRun
	for mip := b.StartMip; mip < b.StartMip+b.MipSize; mip++ {
		open := false
		for slice := b.StartArr; slice < b.StartArr+b.ArrSize; slice++ {
			before := ts.States[ts.Index(mip, slice)].WithQueue(desc.QueueUnknown)
			if before.SameAccess(b.After) {
				open = false
				continue
			}
			if open {
				r := &runs[len(runs)-1]
				if r.before == before {
					r.arrSize++
					continue
				}
			}
			runs = append(runs, subRun{mip: mip, startArr: slice, arrSize: 1, before: before})
			open = true
		}
	}
	mergeRuns(runs, func(sm, ms, sa, as int, before desc.ResourceState) {
		nb := b
		nb.StartMip, nb.MipSize, nb.StartArr, nb.ArrSize = sm, ms, sa, as
		nb.Before = before
		out = append(out, nb)
	})
	return out
}

// splitTransfer fills the unknown states of transfer barrier b from the
// table, one barrier per range of equal state. Nothing is dropped: ownership
// moves even where the layout stays.
func splitTransfer(out []ImageBarrier, ts desc.TextureResourceState, b ImageBarrier) []ImageBarrier {
	var runs []subRun
	for mip := b.StartMip; mip < b.StartMip+b.MipSize; mip++ {
		for slice := b.StartArr; slice < b.StartArr+b.ArrSize; slice++ {
			before := ts.States[ts.Index(mip, slice)].WithQueue(desc.QueueUnknown)
			if slice > b.StartArr {
				r := &runs[len(runs)-1]
				if r.before == before {
					r.arrSize++
					continue
				}
			}
			runs = append(runs, subRun{mip: mip, startArr: slice, arrSize: 1, before: before})
		}
	}
	mergeRuns(runs, func(sm, ms, sa, as int, before desc.ResourceState) {
		nb := b
		nb.StartMip, nb.MipSize, nb.StartArr, nb.ArrSize = sm, ms, sa, as
		nb.Before = before.WithQueue(b.Before.Queue)
		nb.After = before.WithQueue(b.After.Queue)
		out = append(out, nb)
	})
	return out
}

// writeBack stores the cached end-of-list states. Subresources the list never
// accessed keep their state, but still pick up ownership changes.
func (s *Solver) writeBack() {
	merge := func(dst *desc.ResourceState, src desc.ResourceState) {
		switch {
		case src.Usage != desc.UsageUnknown:
			*dst = src
		case src.Queue != desc.QueueUnknown:
			dst.Queue = src.Queue
		}
	}
	for _, h := range s.touched {
		if h.Type() == handle.TypeTexture {
			c := s.textures[h.ID()]
			ts, ok := s.table.textures[h.ID()]
			if !ok {
				continue
			}
			s.undoTextures[h.ID()] = slices.Clone(ts.States)
			for i := range c.states {
				merge(&ts.States[i], c.states[i])
			}
			continue
		}
		st, ok := s.table.buffers[h.ID()]
		if !ok {
			continue
		}
		s.undoBuffers[h.ID()] = st
		merge(&st, *s.buffers[h.ID()])
		s.table.buffers[h.ID()] = st
	}
}

// Rollback restores the table entries the global pass overwrote, for a list
// that never reached its queue. Lists of one device must be rolled back in
// reverse submission order. Resources unregistered meanwhile stay untracked.
func (s *Solver) Rollback() {
	if !s.globalDone {
		return
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	for id, st := range s.undoBuffers {
		if _, ok := s.table.buffers[id]; ok {
			s.table.buffers[id] = st
		}
	}
	for id, states := range s.undoTextures {
		if ts, ok := s.table.textures[id]; ok && len(ts.States) == len(states) {
			copy(ts.States, states)
		}
	}
	slogger().Debug("barrier: rolled back", "buffers", len(s.undoBuffers), "textures", len(s.undoTextures))
	clear(s.undoBuffers)
	clear(s.undoTextures)
}

func (s *Solver) reindex() {
	clear(s.spans)
	for i, b := range s.bufferBarriers {
		sp, ok := s.spans[b.draw]
		if !ok {
			sp.buf = i
		}
		sp.bufEnd = i + 1
		s.spans[b.draw] = sp
	}
	for i, b := range s.imageBarriers {
		sp, ok := s.spans[b.draw]
		if !ok || sp.imgEnd == 0 {
			sp.img = i
		}
		sp.imgEnd = i + 1
		s.spans[b.draw] = sp
	}
}

// HasBarrier reports whether barriers must be recorded before draw.
func (s *Solver) HasBarrier(draw int) bool {
	sp, ok := s.spans[draw]
	return ok && (sp.bufEnd > sp.buf || sp.imgEnd > sp.img)
}

// Barriers returns the barriers to record before draw. The slices alias the
// solver and are valid until Reset.
func (s *Solver) Barriers(draw int) MemoryBarriers {
	sp, ok := s.spans[draw]
	if !ok {
		return MemoryBarriers{}
	}
	return MemoryBarriers{
		Buffers:  s.bufferBarriers[sp.buf:sp.bufEnd],
		Textures: s.imageBarriers[sp.img:sp.imgEnd],
	}
}

// Count returns the total number of barriers.
func (s *Solver) Count() int { return len(s.bufferBarriers) + len(s.imageBarriers) }

// All returns every barrier in draw order.
func (s *Solver) All() MemoryBarriers {
	return MemoryBarriers{Buffers: s.bufferBarriers, Textures: s.imageBarriers}
}
