// Package job defines the Job record, its status state machine, and the
// persistence contract every store backend implements.
//
// A Job moves through five statuses:
//
//	SCHEDULED --(dispatcher)--> QUEUED --(worker lease)--> RUNNING
//	RUNNING --(success)--> COMPLETED
//	RUNNING --(failure, budget left)--> SCHEDULED   (attempt_count+1, backoff)
//	RUNNING --(failure, budget spent)--> FAILED
//	QUEUED/RUNNING --(lease expired, janitor)--> SCHEDULED
//
// Every status-changing write is a conditional update gated on the job's
// version. The store rejects a write whose expected version does not match
// the stored value and returns the current record, so the caller can decide
// whether to retry or abandon. This version gate is the sole
// concurrency-control discipline in the system.
package job
