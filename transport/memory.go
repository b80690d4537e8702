package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chronoq/chronoq/id"
)

const defaultVisibilityTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("chronoq/transport: closed")

// MemoryOption configures the memory transport.
type MemoryOption func(*Memory)

// WithVisibilityTimeout sets how long a dequeued message may remain
// unacknowledged before it is redelivered.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.visibility = d }
}

// Memory is an in-process Transport with visibility-timeout redelivery.
// Safe for concurrent use. Intended for unit testing and development.
type Memory struct {
	visibility time.Duration

	mu       sync.Mutex
	ready    []id.JobID
	inflight map[string]time.Time // job ID -> redelivery deadline
	closed   bool

	// signal is closed and replaced whenever a message becomes ready,
	// waking blocked Dequeue callers.
	signal chan struct{}
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an empty in-process transport.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		visibility: defaultVisibilityTimeout,
		inflight:   make(map[string]time.Time),
		signal:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue makes the job ID available to consumers.
func (m *Memory) Enqueue(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.ready = append(m.ready, jobID)
	m.wakeLocked()
	return nil
}

// Dequeue blocks until a delivery is available or ctx is done.
func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		m.requeueExpiredLocked(time.Now())

		if len(m.ready) > 0 {
			jobID := m.ready[0]
			m.ready = m.ready[1:]
			m.inflight[jobID.String()] = time.Now().Add(m.visibility)
			m.mu.Unlock()

			return &Delivery{
				JobID: jobID,
				ack:   func(context.Context) error { return m.ack(jobID) },
				nack:  func(context.Context) error { return m.nack(jobID) },
			}, nil
		}

		wait := m.signal
		m.mu.Unlock()

		// Wake on a new message, an approaching redelivery deadline, or
		// caller cancellation.
		timer := time.NewTimer(m.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close marks the transport closed and wakes blocked consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.wakeLocked()
	return nil
}

func (m *Memory) ack(jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, jobID.String())
	return nil
}

func (m *Memory) nack(jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[jobID.String()]; !ok {
		return nil
	}
	delete(m.inflight, jobID.String())
	if !m.closed {
		m.ready = append(m.ready, jobID)
		m.wakeLocked()
	}
	return nil
}

// requeueExpiredLocked moves unacknowledged deliveries past their deadline
// back onto the ready queue. Caller holds mu.
func (m *Memory) requeueExpiredLocked(now time.Time) {
	for key, deadline := range m.inflight {
		if deadline.After(now) {
			continue
		}
		delete(m.inflight, key)
		jobID, err := id.Parse(key)
		if err != nil {
			continue
		}
		m.ready = append(m.ready, jobID)
	}
}

// nextWake bounds how long a consumer sleeps so expired in-flight messages
// are eventually requeued even without new enqueues.
func (m *Memory) nextWake() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	wake := m.visibility
	now := time.Now()
	for _, deadline := range m.inflight {
		if d := deadline.Sub(now); d < wake {
			wake = d
		}
	}
	if wake < time.Millisecond {
		wake = time.Millisecond
	}
	return wake
}

func (m *Memory) wakeLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}
