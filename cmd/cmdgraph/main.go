// Command cmdgraph records a small frame of upload, compute and readback
// passes, submits it repeatedly and prints how the scheduler split it.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/cmdgraph"
	_ "github.com/gogpu/cmdgraph/backend/software"
	_ "github.com/gogpu/cmdgraph/backend/wgpu"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

func main() {
	var (
		backendName = flag.String("backend", "", "backend name (empty selects the best available)")
		passes      = flag.Int("passes", 4, "upload/copy pass pairs per frame")
		frames      = flag.Int("frames", 3, "frames to submit")
		size        = flag.Int("size", 4096, "buffer size in bytes")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *passes < 1 || *size < 1 {
		log.Fatal("-passes and -size must be positive")
	}

	if *verbose {
		cmdgraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	g, err := cmdgraph.Open(*backendName)
	if err != nil {
		log.Fatalf("Failed to open device group: %v", err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			log.Printf("Close: %v", err)
		}
	}()

	if err := run(g, *passes, *frames, uint64(*size)); err != nil { //nolint:gosec // flag value
		log.Fatalf("Failed: %v", err)
	}
}

func run(g *cmdgraph.DeviceGroup, passes, frames int, size uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	staging := make([]handle.ResourceHandle, passes)
	targets := make([]handle.ResourceHandle, passes)
	for i := range passes {
		var err error
		if staging[i], err = g.CreateBuffer(desc.BufferDesc{Label: fmt.Sprintf("staging%d", i), Size: size}); err != nil {
			return err
		}
		if targets[i], err = g.CreateBuffer(desc.BufferDesc{Label: fmt.Sprintf("target%d", i), Size: size}); err != nil {
			return err
		}
	}

	for frame := range frames {
		payload := bytes.Repeat([]byte{byte(frame + 1)}, int(size)) //nolint:gosec // size comes from a flag
		gr := g.CreateGraph()
		for i := range passes {
			up := gr.CreatePass(fmt.Sprintf("upload%d", i), desc.QueueDMA, 0)
			up.UpdateBuffer(staging[i], 0, payload)
			gr.AddPass(up)

			cp := gr.CreatePass(fmt.Sprintf("copy%d", i), desc.QueueCompute, 0)
			cp.Copy(targets[i], 0, staging[i], 0, size)
			gr.AddPass(cp)
		}
		check := gr.CreatePass("check", desc.QueueGraphics, 0)
		rb := check.Readback(targets[passes-1], 0, size)
		gr.AddPass(check)

		if err := g.Submit(ctx, gr); err != nil {
			return err
		}
		data, err := rb.Wait(ctx)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			return fmt.Errorf("frame %d: readback mismatch", frame)
		}
		report(frame, g.Timing())
	}
	return nil
}

func report(frame int, t desc.SubmitTiming) {
	log.Printf("frame %d (graph %d): %d lists, submit %v", frame, t.ID, len(t.Lists), t.Submit.Duration())
	for i, l := range t.Lists {
		log.Printf("  list %d gpu %d %-8s nodes=%d bytes=%d barriers=%d acquires=%d releases=%d waits=%d signal=%d fence=%v",
			i, l.GPU, l.Queue, len(l.Nodes), l.PacketBytes, l.Barriers, l.Acquires, l.Releases, l.Waits, l.Signal, l.Fenced)
	}
}
