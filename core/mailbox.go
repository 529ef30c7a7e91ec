package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// envelope is one queued message. pins hold a reference on every worker
// whose handle is encoded in data, so those records outlive the transfer.
type envelope struct {
	data []byte
	pins []*worker
}

// release drops the in-flight references. It is called once the receiver
// decoded the message, or when the message is discarded.
func (e *envelope) release() {
	for _, w := range e.pins {
		w.release()
	}
	e.pins = nil
}

// Mailbox is a bounded FIFO of serialized messages with a single consumer.
//
// Pushes wake one parked receiver; pops and Close wake every parked sender.
// A one-shot bootstrap slot sits outside the counted queue so the first
// message of a worker never competes with user capacity.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	queue    []*envelope
	boot     *envelope
	closed   bool

	// readable carries at most one wake-up token for the receiver.
	readable chan struct{}

	// writable is closed and replaced whenever room appears.
	writable chan struct{}

	// receiving serializes consumers.
	receiving chan struct{}

	pushed atomic.Uint64
	popped atomic.Uint64
}

// NewMailbox creates an empty mailbox holding at most capacity messages.
func NewMailbox(capacity int) (*Mailbox, error) {
	if capacity < 1 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "capacity %d", capacity)
	}
	return &Mailbox{
		capacity:  capacity,
		queue:     make([]*envelope, 0, capacity),
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}),
		receiving: make(chan struct{}, 1),
	}, nil
}

// Capacity returns the fixed queue bound.
func (m *Mailbox) Capacity() int {
	return m.capacity
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Closed reports whether the mailbox refuses new messages.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pushed returns the number of messages ever enqueued.
func (m *Mailbox) Pushed() uint64 {
	return m.pushed.Load()
}

// Popped returns the number of messages ever dequeued.
func (m *Mailbox) Popped() uint64 {
	return m.popped.Load()
}

// Push enqueues data. See pushEnvelope.
func (m *Mailbox) Push(data []byte, t Timeout) error {
	return m.pushEnvelope(&envelope{data: data}, t)
}

// Pop dequeues the oldest message. See popEnvelope.
func (m *Mailbox) Pop(t Timeout) ([]byte, error) {
	return m.PopContext(context.Background(), t)
}

// PopContext is Pop that also gives up when ctx is done.
func (m *Mailbox) PopContext(ctx context.Context, t Timeout) ([]byte, error) {
	e, err := m.popEnvelope(ctx, t)
	if err != nil {
		return nil, err
	}
	e.release()
	return e.data, nil
}

// Close stops the mailbox from accepting messages and wakes every waiter.
// Queued messages stay receivable; a receive on an empty closed mailbox
// returns ErrClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Mailbox) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	m.broadcastWritable()
	m.signalReadable()
}

// discard closes the mailbox and drops everything still queued.
func (m *Mailbox) discard() {
	m.mu.Lock()
	m.closeLocked()
	pending := m.queue
	if m.boot != nil {
		pending = append(pending, m.boot)
	}
	m.queue = nil
	m.boot = nil
	m.mu.Unlock()

	for _, e := range pending {
		e.release()
	}
}

// bootstrap places e in the reserved slot. It cannot fail.
func (m *Mailbox) bootstrap(e *envelope) {
	m.mu.Lock()
	m.boot = e
	m.mu.Unlock()
	m.signalReadable()
}

// pushEnvelope appends e when there is room. A full mailbox fails with
// ErrWouldBlock under NoWait, otherwise the caller waits for room until its
// deadline (ErrTimeout) or until the mailbox closes (ErrDeadTarget). On
// failure the queue is unchanged and e still owns its pins.
func (m *Mailbox) pushEnvelope(e *envelope, t Timeout) error {
	if err := t.Validate(); err != nil {
		return err
	}
	w := newWaiter(t)
	defer w.stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrDeadTarget
		}
		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, e)
			m.pushed.Inc()
			m.mu.Unlock()
			m.signalReadable()
			return nil
		}
		if w.dl.nowait {
			m.mu.Unlock()
			return ErrWouldBlock
		}
		room := m.writable
		m.mu.Unlock()

		select {
		case <-room:
		case <-w.expired():
			return ErrTimeout
		}
	}
}

// popEnvelope removes the bootstrap message if present, else the queue
// head. An empty mailbox fails with ErrTimeout under NoWait, otherwise the
// caller waits for a message until its deadline. A closed and empty
// mailbox fails with ErrClosed. Nothing is consumed on failure.
func (m *Mailbox) popEnvelope(ctx context.Context, t Timeout) (*envelope, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	w := newWaiter(t)
	defer w.stop()

	if err := m.acquire(ctx, w); err != nil {
		return nil, err
	}
	defer func() { <-m.receiving }()

	for {
		m.mu.Lock()
		if e := m.boot; e != nil {
			m.boot = nil
			m.mu.Unlock()
			return e, nil
		}
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.popped.Inc()
			m.broadcastWritable()
			m.mu.Unlock()
			return e, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.mu.Unlock()

		if w.dl.nowait {
			return nil, ErrTimeout
		}
		select {
		case <-m.readable:
		case <-w.expired():
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// acquire takes the consumer slot, honouring the caller's deadline.
func (m *Mailbox) acquire(ctx context.Context, w *waiter) error {
	select {
	case m.receiving <- struct{}{}:
		return nil
	default:
	}
	if w.dl.nowait {
		return ErrTimeout
	}
	select {
	case m.receiving <- struct{}{}:
		return nil
	case <-w.expired():
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) signalReadable() {
	select {
	case m.readable <- struct{}{}:
	default:
	}
}

// broadcastWritable must be called with mu held.
func (m *Mailbox) broadcastWritable() {
	close(m.writable)
	m.writable = make(chan struct{})
}
