// Package engine wires all chronoq subsystems together: cluster
// membership, the dispatcher, the worker pool, and the janitor, all sharing
// one store and one transport. It is the embedding surface for
// applications — create an Engine, Start it, and submit jobs through
// CreateJob.
//
// Every node runs the full set of roles. Scaling out means starting more
// engines against the same store and transport: membership spreads the
// partition ring across them, the transport spreads executions, and the
// version gate keeps overlapping work safe.
package engine
