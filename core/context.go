package core

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// EntryFunc is a worker's entry function. It must be bound in the
// runtime's marshal.Bindings so it can cross into the new heap by name.
type EntryFunc func(c *Context) error

// Env is the captured environment handed to a new worker. Every value in
// it must be marshal-safe.
type Env map[string]any

// SpawnOptions configures a new worker.
type SpawnOptions struct {
	// Mailbox capacity; zero selects the runtime default
	Capacity int

	// Worker name; empty selects a short random name
	Name string
}

// Context is a worker's view of the runtime: its own mailbox, its heap
// and handles to its creator and itself. A Context belongs to one worker
// and must not be handed to another one.
type Context struct {
	rt     *Runtime
	w      *worker
	heap   *heap
	parent *Handle
	self   *Handle
	env    Env
	log    commonlog.Logger
}

// Parent returns a handle to the creating worker, nil for the main context.
func (c *Context) Parent() *Handle {
	return c.parent
}

// Self returns a handle to the worker's own mailbox.
func (c *Context) Self() *Handle {
	return c.self
}

// Env returns the environment the worker was spawned with.
func (c *Context) Env() Env {
	return c.env
}

// ID returns the worker's numeric id.
func (c *Context) ID() uint32 {
	return c.w.id
}

// Name returns the worker's name.
func (c *Context) Name() string {
	return c.w.name
}

// Log returns the worker logger.
func (c *Context) Log() commonlog.Logger {
	return c.log
}

// Runtime returns the runtime the worker belongs to.
func (c *Context) Runtime() *Runtime {
	return c.rt
}

// Receive takes the oldest message from the worker's own mailbox and
// decodes it into the worker's heap.
//
// An empty mailbox fails with ErrTimeout under NoWait, or waits for a
// message until t expires. A timed-out receive consumed nothing. A message
// that does not decode is consumed and reported as ErrCorruptMessage.
func (c *Context) Receive(t Timeout) (any, error) {
	return c.ReceiveContext(context.Background(), t)
}

// ReceiveContext is Receive that also gives up when ctx is done.
func (c *Context) ReceiveContext(ctx context.Context, t Timeout) (any, error) {
	e, err := c.w.mailbox.popEnvelope(ctx, t)
	if err != nil {
		return nil, err
	}
	v, err := c.heap.unmarshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "receive in %s", c.self)
	}
	return v, nil
}

// Send sends v to the worker behind h. See Handle.Send.
func (c *Context) Send(h *Handle, v any, t Timeout) error {
	return h.Send(v, t)
}

// Spawn starts a new worker running fn with env and returns a handle to
// it. fn and env are marshalled in this worker's heap first; if that
// fails with ErrUnmarshalable nothing was created.
func (c *Context) Spawn(fn EntryFunc, env Env, opts SpawnOptions) (*Handle, error) {
	return c.rt.spawn(c, fn, env, opts)
}

// Lookup returns a handle in this worker's heap to the live worker
// spawned under name.
func (c *Context) Lookup(name string) (*Handle, error) {
	w := c.rt.lookupName(name)
	if w == nil || w.State() == WorkerTerminated || !w.retain() {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return c.heap.adopt(w), nil
}
