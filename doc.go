// Package chronoq is the core of a distributed job scheduler: jobs are
// submitted with a future execution time (or a recurring cron cadence),
// detected when due by a fleet of dispatchers, handed to exactly one worker
// at a time over an at-least-once transport, executed with bounded retries,
// and tracked through a well-defined lifecycle that survives node crashes.
//
// Chronoq is a library, not a service. Import it, configure a store and a
// transport, and run the engine:
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithTransport(transport.NewMemory()),
//	)
//
// # Architecture
//
// The job store is the single source of truth. Every status-changing write
// is a conditional update gated on the job's version; a losing writer
// observes a conflict and abandons the attempt. That version gate, not the
// partition locks or the transport, is what prevents double execution:
// locks and queue semantics only reduce duplicate work, they never carry
// correctness.
//
// Dispatchers shard due-job polling across time-bucket partitions using a
// consistent hash ring over the live node set. Workers convert at-least-once
// delivery into effectively-once state transitions by acquiring a
// version-gated lease before running, and heartbeat the lease while the
// task executes. The janitor returns jobs with expired leases to the
// schedule so crashed workers never strand work.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package chronoq
