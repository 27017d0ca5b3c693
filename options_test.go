package cmdgraph

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.workers != 0 {
		t.Errorf("workers = %d, want 0", o.workers)
	}
	if o.minChunkBytes != DefaultMinChunkBytes {
		t.Errorf("minChunkBytes = %d, want %d", o.minChunkBytes, DefaultMinChunkBytes)
	}
	if o.maxInFlight != DefaultMaxInFlight {
		t.Errorf("maxInFlight = %d, want %d", o.maxInFlight, DefaultMaxInFlight)
	}
	if o.commonState || o.singleThreaded {
		t.Errorf("commonState, singleThreaded = %v, %v, want false, false", o.commonState, o.singleThreaded)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(o options) bool
	}{
		{"workers", WithWorkers(3), func(o options) bool { return o.workers == 3 }},
		{"min chunk", WithMinChunkBytes(128), func(o options) bool { return o.minChunkBytes == 128 }},
		{"min chunk ignores zero", WithMinChunkBytes(0), func(o options) bool { return o.minChunkBytes == DefaultMinChunkBytes }},
		{"max in flight", WithMaxInFlight(8), func(o options) bool { return o.maxInFlight == 8 }},
		{"max in flight ignores negative", WithMaxInFlight(-1), func(o options) bool { return o.maxInFlight == DefaultMaxInFlight }},
		{"common state", WithCommonStateOptimization(true), func(o options) bool { return o.commonState }},
		{"single threaded", WithSingleThreaded(true), func(o options) bool { return o.singleThreaded }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			tt.opt(&o)
			if !tt.check(o) {
				t.Errorf("option %s not applied: %+v", tt.name, o)
			}
		})
	}
}

func TestWithLoggerSetsPackageLogger(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	g := newTestGroup(t, 1, false, WithLogger(custom))
	if Logger() != custom {
		t.Error("WithLogger did not set the package logger")
	}
	if g.GPUs() != 1 {
		t.Errorf("GPUs() = %d, want 1", g.GPUs())
	}
}
