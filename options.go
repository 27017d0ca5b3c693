package cmdgraph

import "log/slog"

// Option configures a DeviceGroup during creation.
//
// Example:
//
//	// Default: one worker per CPU, three graphs in flight
//	g, err := cmdgraph.Open("software")
//
//	// Deterministic single-goroutine scheduling for tests
//	g, err := cmdgraph.Open("software", cmdgraph.WithSingleThreaded(true))
type Option func(*options)

// options holds optional configuration for DeviceGroup creation.
type options struct {
	workers        int
	minChunkBytes  int
	maxInFlight    int
	commonState    bool
	singleThreaded bool
	logger         *slog.Logger
}

// Defaults.
const (
	// DefaultMinChunkBytes is the smallest packet volume worth its own
	// native command list.
	DefaultMinChunkBytes = 64 << 10
	// DefaultMaxInFlight is how many submitted graphs may be pending on the
	// GPU before Submit waits for the oldest.
	DefaultMaxInFlight = 3
)

// defaultOptions returns the default group options.
func defaultOptions() options {
	return options{
		workers:       0, // GOMAXPROCS
		minChunkBytes: DefaultMinChunkBytes,
		maxInFlight:   DefaultMaxInFlight,
	}
}

// WithWorkers sets the number of goroutines that solve barriers and fill
// native lists. Zero or negative means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMinChunkBytes sets the floor of the byte threshold at which
// consecutive passes of one queue are split into separate native lists.
func WithMinChunkBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minChunkBytes = n
		}
	}
}

// WithMaxInFlight sets how many submitted graphs may be pending before
// Submit blocks on the oldest one.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithCommonStateOptimization lets buffers skip the barrier on their first
// use in a list, for backends whose buffers promote implicitly from the
// common state.
func WithCommonStateOptimization(enabled bool) Option {
	return func(o *options) {
		o.commonState = enabled
	}
}

// WithSingleThreaded runs every scheduling stage on the submitting
// goroutine, in list order.
func WithSingleThreaded(enabled bool) Option {
	return func(o *options) {
		o.singleThreaded = enabled
	}
}

// WithLogger sets the package logger, as SetLogger does, when the group is
// created.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
