package core

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/najoast/isoheap/marshal"
)

// handleTag is the CBOR extension tag carrying a worker id.
const handleTag = marshal.TagExtensionBase

var handleType = reflect.TypeOf((*Handle)(nil))

// heap is the private value space of one worker: its own dictionary, the
// codec bound to it and the handles it holds.
type heap struct {
	rt    *Runtime
	dict  *marshal.Dictionary
	codec *marshal.Codec

	mu     sync.Mutex
	held   map[*Handle]struct{}
	closed bool

	// encMu guards pins, which collects the workers referenced by the value
	// being marshalled.
	encMu sync.Mutex
	pins  []*worker
}

func newHeap(rt *Runtime, bindings marshal.Bindings, maxDepth int) (*heap, error) {
	dict, err := marshal.NewDictionary(bindings)
	if err != nil {
		return nil, err
	}
	h := &heap{
		rt:   rt,
		dict: dict,
		held: make(map[*Handle]struct{}),
	}
	if err := dict.Extend(handleTag, handleType, h.encodeHandle, h.decodeHandle); err != nil {
		return nil, err
	}
	h.codec = marshal.NewCodec(dict)
	h.codec.SetMaxDepth(maxDepth)
	return h, nil
}

// marshal serializes v into an envelope that pins every handle it carries.
func (h *heap) marshal(v any) (*envelope, error) {
	h.encMu.Lock()
	h.pins = nil
	data, err := h.codec.Marshal(v)
	pins := h.pins
	h.pins = nil
	h.encMu.Unlock()

	e := &envelope{data: data, pins: pins}
	if err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

// unmarshal decodes e into this heap and drops its in-flight pins.
func (h *heap) unmarshal(e *envelope) (any, error) {
	defer e.release()
	return h.codec.Unmarshal(e.data)
}

func (h *heap) encodeHandle(v any) (any, error) {
	handle := v.(*Handle)
	if handle.released.Load() {
		return nil, errors.Errorf("handle %s was released", handle)
	}
	if !handle.w.retain() {
		return nil, errors.Errorf("worker %s was reclaimed", handle)
	}
	h.pins = append(h.pins, handle.w)
	return int64(handle.w.id), nil
}

func (h *heap) decodeHandle(content any) (any, error) {
	id, ok := content.(int64)
	if !ok || id < 0 || id > int64(^uint32(0)) {
		return nil, errors.Errorf("malformed worker id %v", content)
	}
	w := h.rt.lookup(uint32(id))
	if w == nil || !w.retain() {
		return nil, errors.Errorf("unknown worker %d", id)
	}
	return h.adopt(w), nil
}

// adopt wraps a reference the caller already took on w into a handle owned
// by this heap.
func (h *heap) adopt(w *worker) *Handle {
	handle := &Handle{w: w, heap: h}
	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.held[handle] = struct{}{}
	}
	h.mu.Unlock()

	if closed {
		handle.released.Store(true)
		w.release()
	}
	return handle
}

func (h *heap) forget(handle *Handle) {
	h.mu.Lock()
	delete(h.held, handle)
	h.mu.Unlock()
}

// close releases every handle the heap still holds.
func (h *heap) close() {
	h.mu.Lock()
	h.closed = true
	held := make([]*Handle, 0, len(h.held))
	for handle := range h.held {
		held = append(held, handle)
	}
	h.held = make(map[*Handle]struct{})
	h.mu.Unlock()

	for _, handle := range held {
		handle.Release()
	}
}

// holding returns the number of live handles in the heap.
func (h *heap) holding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}
