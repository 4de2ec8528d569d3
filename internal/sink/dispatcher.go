// Package sink moves classified events off the ingestion goroutine and fans
// them out to storage and live subscribers.
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("sink: dispatch queue full")
	ErrClosed    = errors.New("sink: dispatcher closed")
)

// Target is the slow side of the pipeline: anything that may block on a
// database or network.
type Target interface {
	Persist(ctx context.Context, kind string, fields map[string]string) error
	Broadcast(ctx context.Context, kind string, payload map[string]string) error
	SetRegistration(ctx context.Context, extension string, registered bool) error
	ResetRegistrations(ctx context.Context, reason string) error
}

type job struct {
	op string
	// control jobs change registration state. Losing one leaves stale rows,
	// so they wait up to ControlWait for room instead of dropping at once.
	control bool
	run     func(ctx context.Context) error
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize  int
	JobTimeout time.Duration
	// ControlWait bounds how long a registration job waits for a free
	// queue slot. Default 1s.
	ControlWait time.Duration
	Logger      zerolog.Logger
}

// Dispatcher queues sink calls and runs them on a single worker, so their
// effects land in event order. Enqueueing a record or broadcast never
// blocks: when the queue is full the call is dropped and counted.
// Registration calls wait at most ControlWait before being dropped.
type Dispatcher struct {
	target      Target
	jobs        chan job
	timeout     time.Duration
	controlWait time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewDispatcher starts the worker. Call Close to drain and stop it.
func NewDispatcher(target Target, opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	controlWait := opts.ControlWait
	if controlWait <= 0 {
		controlWait = time.Second
	}
	d := &Dispatcher{
		target:      target,
		jobs:        make(chan job, size),
		timeout:     timeout,
		controlWait: controlWait,
		log:         opts.Logger.With().Str("component", "dispatcher").Logger(),
		done:        make(chan struct{}),
	}
	go d.work()
	return d
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for j := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.log.Error().Err(err).Str("op", j.op).Msg("sink call failed")
		}
	}
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
	}
	if j.control {
		timer := time.NewTimer(d.controlWait)
		defer timer.Stop()
		select {
		case d.jobs <- j:
			return nil
		case <-timer.C:
		}
		n := d.dropped.Add(1)
		d.log.Error().Str("op", j.op).Uint64("dropped", n).Dur("waited", d.controlWait).
			Msg("dispatch queue full, registration state is now stale")
		return ErrQueueFull
	}
	n := d.dropped.Add(1)
	d.log.Warn().Str("op", j.op).Uint64("dropped", n).Msg("dispatch queue full, dropping")
	return ErrQueueFull
}

// Persist queues a durable write.
func (d *Dispatcher) Persist(kind string, fields map[string]string) error {
	return d.enqueue(job{op: "persist " + kind, run: func(ctx context.Context) error {
		return d.target.Persist(ctx, kind, fields)
	}})
}

// Broadcast queues a live-status push.
func (d *Dispatcher) Broadcast(kind string, payload map[string]string) error {
	return d.enqueue(job{op: "broadcast " + kind, run: func(ctx context.Context) error {
		return d.target.Broadcast(ctx, kind, payload)
	}})
}

// SetRegistration queues a registration transition.
func (d *Dispatcher) SetRegistration(extension string, registered bool) error {
	return d.enqueue(job{op: "registration", control: true, run: func(ctx context.Context) error {
		return d.target.SetRegistration(ctx, extension, registered)
	}})
}

// ResetRegistrations queues a reset of every registration. reason travels
// with the Resync broadcast.
func (d *Dispatcher) ResetRegistrations(reason string) error {
	return d.enqueue(job{op: "reset registrations (" + reason + ")", control: true, run: func(ctx context.Context) error {
		return d.target.ResetRegistrations(ctx, reason)
	}})
}

// Dropped returns how many calls were rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Failed returns how many queued calls returned an error.
func (d *Dispatcher) Failed() uint64 {
	return d.failed.Load()
}

// Pending returns the number of queued calls.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Close stops accepting calls and waits for the queue to drain or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
