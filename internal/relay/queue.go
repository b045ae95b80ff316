package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Sink receives messages drained from a Queue
type Sink interface {
	Deliver(ctx context.Context, message string) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, message string) error

// Deliver calls f
func (f SinkFunc) Deliver(ctx context.Context, message string) error {
	return f(ctx, message)
}

// Fanout delivers every message to all sinks, collecting their errors
type Fanout []Sink

// Deliver implements Sink
func (f Fanout) Deliver(ctx context.Context, message string) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue serializes messages to a sink: FIFO, one delivery in flight.
// A drain goroutine is started on demand and exits when the queue is empty.
type Queue struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	pending []string
	sink    Sink
	busy    bool
	idle    *sync.Cond
}

// NewQueue creates an empty queue; name is used in log messages
func NewQueue(name string) *Queue {
	q := &Queue{
		name:    name,
		timeout: 10 * time.Second,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// SetSink installs the delivery target and drains anything that was waiting.
// A nil sink pauses delivery.
func (q *Queue) SetSink(sink Sink) {
	q.mu.Lock()
	q.sink = sink
	q.kickLocked()
	q.mu.Unlock()
}

// Enqueue appends a message and starts draining if nothing is in flight
func (q *Queue) Enqueue(message string) {
	q.mu.Lock()
	q.pending = append(q.pending, message)
	q.kickLocked()
	q.mu.Unlock()
}

// Len returns the number of messages not yet handed to the sink
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush blocks until the drain loop is idle
func (q *Queue) Flush() {
	q.mu.Lock()
	for q.busy {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue) kickLocked() {
	if q.busy || q.sink == nil || len(q.pending) == 0 {
		return
	}
	q.busy = true
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.sink == nil || len(q.pending) == 0 {
			q.busy = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		message := q.pending[0]
		q.pending[0] = ""
		q.pending = q.pending[1:]
		sink := q.sink
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := sink.Deliver(ctx, message); err != nil {
			log.Printf("Failed to deliver %s message: %v", q.name, err)
		}
		cancel()
	}
}
