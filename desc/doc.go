// Package desc holds the plain data types shared by the recorder, the barrier
// solver, the scheduler and the backends: queue kinds, resource access states,
// resource descriptors and timing records.
package desc
