// Package cmdgraph schedules recorded GPU work across the queues of one or
// more devices.
//
// # Overview
//
// Work is recorded into passes. A pass targets one queue (graphics, compute
// or DMA) of one GPU and records its commands as a compact packet stream.
// Passes are added to a Graph in order, and submitting the graph turns them
// into native command lists with all barriers, queue ownership transfers and
// cross-queue or cross-GPU waits filled in.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/cmdgraph"
//		_ "github.com/gogpu/cmdgraph/backend/software"
//	)
//
//	g, err := cmdgraph.Open("software")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close()
//
//	buf, _ := g.CreateBuffer(desc.BufferDesc{Size: 256})
//
//	gr := g.CreateGraph()
//	upload := gr.CreatePass("upload", desc.QueueDMA, 0)
//	upload.UpdateBuffer(buf, 0, data)
//	gr.AddPass(upload)
//
//	read := gr.CreatePass("read", desc.QueueCompute, 0)
//	rb := read.Readback(buf, 0, 256)
//	gr.AddPass(read)
//
//	if err := g.Submit(ctx, gr); err != nil {
//		log.Fatal(err)
//	}
//	bytes, err := rb.Wait(ctx)
//
// # Scheduling
//
// Submit groups consecutive passes of the same GPU and queue into lists,
// splitting long runs so that lists can be compiled in parallel. For every
// buffer and texture it tracks which queue of each device last used it:
// moving a resource to another queue adds a release to the list that last
// used it, an acquire to the new user and a timeline wait between the two.
// Resources created with CreateSharedBuffer are written by their owning GPU
// only; lists on other GPUs that read them wait on the owner's shared
// timeline.
//
// Barriers are solved in two passes. The local pass runs per list and may
// run concurrently; the global pass runs in submission order against the
// per-device state table, which then reflects the state each resource is
// left in.
//
// # Reclamation
//
// Every graph holds a sequence number from CreateGraph until it finished on
// the GPU or was discarded. Release and ReleaseView defer destruction until
// every graph created before the call has completed.
//
// # Logging
//
// cmdgraph logs through log/slog and is silent by default. See SetLogger.
package cmdgraph
