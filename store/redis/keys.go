package redis

// Redis key naming conventions for chronoq data.
// All keys are prefixed with "chronoq:" to avoid collisions.

const keyPrefix = "chronoq:"

// jobKey returns the Hash key for a job entity: chronoq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// idempotencyKey is the Hash mapping idempotency keys to job IDs.
const idempotencyKey = keyPrefix + "idempotency"

// dueKey returns the per-partition Sorted Set of SCHEDULED jobs scored by
// execution time (Unix ms): chronoq:due:{partition}
func dueKey(partition string) string { return keyPrefix + "due:" + partition }

// leasesKey is the Sorted Set of QUEUED/RUNNING jobs scored by lease
// deadline (Unix ms).
const leasesKey = keyPrefix + "leases"

// nodeKey returns the Hash key for a dispatcher node: chronoq:node:{id}
func nodeKey(id string) string { return keyPrefix + "node:" + id }

// nodeIDsKey is the Set tracking all node IDs for enumeration.
const nodeIDsKey = keyPrefix + "node_ids"
