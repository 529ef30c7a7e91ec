package core

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Handle is a counted reference to a worker's mailbox, owned by the heap
// that holds it. It grants sending and liveness checks, never access to the
// worker's heap. Handles may be sent to other workers in messages; the
// receiver gets its own handle to the same worker.
type Handle struct {
	w        *worker
	heap     *heap
	released atomic.Bool
}

// ID returns the worker's numeric id.
func (h *Handle) ID() uint32 {
	return h.w.id
}

// Name returns the worker's name.
func (h *Handle) Name() string {
	return h.w.name
}

// String returns a string representation of the handle.
func (h *Handle) String() string {
	if h.w.name != "" {
		return fmt.Sprintf(":%08x(%s)", h.w.id, h.w.name)
	}
	return fmt.Sprintf(":%08x", h.w.id)
}

// Alive reports whether the worker has not terminated yet.
func (h *Handle) Alive() bool {
	return h.w.State() != WorkerTerminated
}

// State returns the worker's lifecycle stage.
func (h *Handle) State() WorkerState {
	return h.w.State()
}

// Pending returns the number of messages queued for the worker.
func (h *Handle) Pending() int {
	return h.w.mailbox.Len()
}

// Capacity returns the worker's mailbox capacity.
func (h *Handle) Capacity() int {
	return h.w.mailbox.Capacity()
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Send marshals v in the holder's heap and enqueues it for the worker.
//
// The timeout is validated first, then v is marshalled; an Unmarshalable
// value leaves the mailbox untouched. A closed mailbox fails with
// ErrDeadTarget without blocking. A full mailbox fails with ErrWouldBlock
// under NoWait, or waits for room until t expires (ErrTimeout).
func (h *Handle) Send(v any, t Timeout) error {
	if h.released.Load() {
		return errors.Wrapf(ErrReleased, "send to %s", h)
	}
	if err := t.Validate(); err != nil {
		return errors.Wrapf(err, "send to %s with timeout %s", h, t)
	}
	e, err := h.heap.marshal(v)
	if err != nil {
		return errors.Wrapf(err, "send to %s", h)
	}
	if err := h.w.mailbox.pushEnvelope(e, t); err != nil {
		e.release()
		return errors.Wrapf(err, "send to %s", h)
	}
	return nil
}

// Retain returns a new handle to the same worker in the same heap.
func (h *Handle) Retain() (*Handle, error) {
	if h.released.Load() || !h.w.retain() {
		return nil, errors.Wrapf(ErrReleased, "retain %s", h)
	}
	return h.heap.adopt(h.w), nil
}

// Release drops the reference. It never stops the worker. Releasing twice
// is a no-op.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.heap.forget(h)
	h.w.release()
}

// Wait blocks until the worker terminated or ctx is done. It does not
// stop the worker.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the worker terminates.
func (h *Handle) Done() <-chan struct{} {
	return h.w.done
}
