// Package transport defines the at-least-once delivery channel that hands
// due jobs from dispatchers to the worker fleet.
//
// The contract is deliberately narrow: enqueue a job ID, dequeue a delivery,
// acknowledge it when the state transition has been recorded. A delivery
// that is not acknowledged within the visibility timeout is redelivered, so
// the same job ID may arrive more than once; workers resolve duplicates
// through version-gated lease acquisition, never through the transport.
package transport

import (
	"context"

	"github.com/chronoq/chronoq/id"
)

// Delivery is one received message. Exactly one of Ack or Nack should be
// called; neither arriving before the visibility timeout causes redelivery.
type Delivery struct {
	JobID id.JobID

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack marks the delivery as consumed; it will not be redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the delivery to the queue for immediate redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Transport is a durable, at-least-once job handoff queue.
type Transport interface {
	// Enqueue makes the job ID available to the worker fleet. Enqueueing
	// the same ID twice is allowed; duplicate delivery is the consumer's
	// problem by contract.
	Enqueue(ctx context.Context, jobID id.JobID) error

	// Dequeue blocks until a delivery is available or ctx is done. A nil
	// error implies a non-nil delivery.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Close releases transport resources. In-flight deliveries become
	// eligible for redelivery per the visibility timeout.
	Close() error
}
