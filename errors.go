package cmdgraph

import "errors"

// Errors returned by DeviceGroup.
var (
	// ErrClosed is returned by operations on a closed device group.
	ErrClosed = errors.New("cmdgraph: device group closed")

	// ErrNoDevices is returned when a backend opened no devices.
	ErrNoDevices = errors.New("cmdgraph: no devices")

	// ErrInvalidHandle is returned for handles that are not live in the group.
	ErrInvalidHandle = errors.New("cmdgraph: invalid handle")

	// ErrGraphSubmitted is returned when a graph is submitted twice.
	ErrGraphSubmitted = errors.New("cmdgraph: graph already submitted")

	// ErrGraphDiscarded fulfills the readbacks of a discarded graph.
	ErrGraphDiscarded = errors.New("cmdgraph: graph discarded")

	// ErrTimeout is returned when waiting for the GPU took too long.
	ErrTimeout = errors.New("cmdgraph: wait timed out")
)
