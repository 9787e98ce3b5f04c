// Package signalq implements the process-wide pending-signal queue.
// Go's runtime already multiplexes host signals onto a channel, so
// the host signal handler that elkvm would otherwise install with
// sigaction is implemented here as a goroutine draining os/signal
// instead — the idiomatic Go equivalent of novm's own
// platform/utils.SigVcpuInt convention, which likewise never touches
// VM state from the signal handler itself and only flags intent for
// the run loop to act on.
package signalq

import (
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "signalq")

// Queue is a single-producer (the signal-draining goroutine),
// single-consumer (the dispatcher, between run-loop quanta) FIFO of
// pending signal numbers, plus the handler_active flag tracked across
// a guest handler invocation.
//
// Access is protected by a mutex rather than a lock-free ring: the
// consumer only drains it once per quantum and the producer only
// pushes on actual signal delivery, so contention is negligible and
// correctness is easier to see this way than with atomics.
type Queue struct {
	mu            sync.Mutex
	pending       []os.Signal
	handlerActive bool

	ch   chan os.Signal
	done chan struct{}
}

// New returns an empty Queue. Call Start to begin draining host
// signals into it.
func New() *Queue {
	return &Queue{
		ch:   make(chan os.Signal, 64),
		done: make(chan struct{}),
	}
}

// Start registers interest in sigs with the Go runtime and begins a
// goroutine that enqueues every signal it receives. Call Stop to
// unregister and stop the goroutine.
func (q *Queue) Start(sigs ...os.Signal) {
	signal.Notify(q.ch, sigs...)
	go q.drain()
}

// Stop unregisters signal delivery and stops the draining goroutine.
func (q *Queue) Stop() {
	signal.Stop(q.ch)
	close(q.done)
}

func (q *Queue) drain() {
	for {
		select {
		case s := <-q.ch:
			q.enqueue(s)
		case <-q.done:
			return
		}
	}
}

func (q *Queue) enqueue(s os.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, s)
	log.WithField("signal", s).Debug("signalq: signal enqueued")
}

// Pop removes and returns the oldest pending signal, or ok=false if
// the queue is empty. Called by the dispatcher between quanta.
func (q *Queue) Pop() (s os.Signal, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	s, q.pending = q.pending[0], q.pending[1:]
	return s, true
}

// Len reports how many signals are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HandlerActive reports whether a guest signal handler invocation is
// currently outstanding (between the signal frame being pushed and
// the guest's cleanup trampoline issuing EXIT_HANDLER).
func (q *Queue) HandlerActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlerActive
}

// SetHandlerActive sets or clears the handler_active flag.
func (q *Queue) SetHandlerActive(active bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlerActive = active
}
