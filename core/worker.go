package core

import (
	"time"

	"go.uber.org/atomic"
)

// WorkerState represents the lifecycle stage of a worker.
type WorkerState int32

const (
	// WorkerStarting means the worker has not consumed its bootstrap yet
	WorkerStarting WorkerState = iota

	// WorkerRunning means the entry function is executing
	WorkerRunning

	// WorkerTerminated means the entry function returned or panicked
	WorkerTerminated
)

// String returns the string representation of WorkerState.
func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// worker is the shared record behind every handle: the mailbox plus
// liveness. It is reference-counted by handles, in-flight messages and the
// running goroutine, and leaves the runtime's table when the count drops
// to zero.
type worker struct {
	id      uint32
	name    string
	rt      *Runtime
	mailbox *Mailbox
	created time.Time

	state atomic.Int32
	refs  atomic.Int32
	done  chan struct{}
}

func newWorker(rt *Runtime, id uint32, name string, mailbox *Mailbox, refs int32) *worker {
	w := &worker{
		id:      id,
		name:    name,
		rt:      rt,
		mailbox: mailbox,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	w.state.Store(int32(WorkerStarting))
	w.refs.Store(refs)
	return w
}

func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// retain takes a reference unless the record was already reclaimed.
func (w *worker) retain() bool {
	for {
		n := w.refs.Load()
		if n <= 0 {
			return false
		}
		if w.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (w *worker) release() {
	if w.refs.Dec() == 0 {
		w.rt.reclaim(w)
	}
}

// terminate marks the worker dead and closes its mailbox. Queued messages
// are dropped along with their pins.
func (w *worker) terminate() {
	if w.state.Swap(int32(WorkerTerminated)) == int32(WorkerTerminated) {
		return
	}
	w.mailbox.discard()
	w.rt.unname(w)
	close(w.done)
}
