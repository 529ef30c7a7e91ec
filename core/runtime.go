package core

import (
	"context"
	goruntime "runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
	"go.uber.org/atomic"

	"github.com/najoast/isoheap/config"
	"github.com/najoast/isoheap/logging"
	"github.com/najoast/isoheap/marshal"
)

// Bootstrap message keys.
const (
	bootFn       = "fn"
	bootEnv      = "env"
	bootCapacity = "cap"
)

// Runtime owns the worker table and the main context. Every heap it
// creates is initialized from the same bindings.
type Runtime struct {
	id       string
	bindings marshal.Bindings

	mu      sync.RWMutex
	cfg     config.RuntimeConfig
	workers map[uint32]*worker
	names   map[string]*worker
	closed  bool

	nextID  atomic.Uint32
	running atomic.Int32
	main    *Context
	wg     sync.WaitGroup

	shutdownOnce sync.Once

	log       commonlog.Logger
	workerLog commonlog.Logger
}

// NewRuntime creates a runtime and its main context. A nil cfg selects
// config.DefaultConfig.
func NewRuntime(cfg *config.Config, bindings marshal.Bindings) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return nil, errors.Wrap(err, "runtime config")
	}

	rt := &Runtime{
		id:        uuid.NewString(),
		bindings:  bindings,
		cfg:       cfg.Runtime,
		workers:   make(map[uint32]*worker),
		names:     make(map[string]*worker),
		log:       logging.GetLogger("runtime"),
		workerLog: logging.GetLogger("worker"),
	}

	mailbox, err := NewMailbox(cfg.Runtime.MainCapacity)
	if err != nil {
		return nil, err
	}
	hp, err := newHeap(rt, bindings, cfg.Runtime.MaxDepth)
	if err != nil {
		return nil, errors.Wrap(err, "bindings")
	}

	// The runtime itself holds one reference on the main record.
	w := newWorker(rt, rt.nextID.Inc(), "main", mailbox, 1)
	w.state.Store(int32(WorkerRunning))
	w.retain()
	rt.names[w.name] = w
	rt.main = &Context{
		rt:   rt,
		w:    w,
		heap: hp,
		self: hp.adopt(w),
		log:  rt.workerLog,
	}

	rt.log.Debugf("runtime %s started, main %s", rt.id, rt.main.self)
	return rt, nil
}

// ID returns the runtime instance id.
func (rt *Runtime) ID() string {
	return rt.id
}

// Main returns the creator context of the process.
func (rt *Runtime) Main() *Context {
	return rt.main
}

// Spawn starts a worker from the main context.
func (rt *Runtime) Spawn(fn EntryFunc, env Env, opts SpawnOptions) (*Handle, error) {
	return rt.spawn(rt.main, fn, env, opts)
}

// Config returns the runtime settings in effect.
func (rt *Runtime) Config() config.RuntimeConfig {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.cfg
}

// Reconfigure applies a reloaded configuration. The log level changes at
// once; runtime settings apply to workers spawned afterwards.
func (rt *Runtime) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reconfigure")
	}
	logging.SetLevel(cfg.Log.Level)

	rt.mu.Lock()
	rt.cfg = cfg.Runtime
	rt.mu.Unlock()

	rt.log.Infof("runtime reconfigured: default capacity %d, max workers %d",
		cfg.Runtime.DefaultCapacity, cfg.Runtime.MaxWorkers)
	return nil
}

// Running returns the number of workers that have not terminated, not
// counting the main context. MaxWorkers bounds this number.
func (rt *Runtime) Running() int {
	return int(rt.running.Load())
}

// Workers returns the number of worker records not yet reclaimed, not
// counting the main context. Terminated workers stay here while handles
// to them are held.
func (rt *Runtime) Workers() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.workers)
}

// Shutdown refuses new spawns, closes the main mailbox, releases every
// handle the main heap holds and waits for running workers until ctx is
// done. Workers are never interrupted.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.mu.Lock()
		rt.closed = true
		rt.mu.Unlock()

		rt.main.w.terminate()
		rt.main.heap.close()
		rt.main.w.release()
		rt.log.Infof("runtime %s shutting down, %d workers", rt.id, rt.Workers())
	})

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rt.log.Info("runtime stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown")
	}
}

func (rt *Runtime) spawn(parent *Context, fn EntryFunc, env Env, opts SpawnOptions) (*Handle, error) {
	capacity := opts.Capacity
	if capacity < 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "spawn with capacity %d", capacity)
	}
	if capacity == 0 {
		capacity = rt.Config().DefaultCapacity
	}

	boot, err := parent.heap.marshal(map[string]any{
		bootFn:       fn,
		bootEnv:      map[string]any(env),
		bootCapacity: capacity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "spawn")
	}

	name, named := opts.Name, opts.Name != ""
	if !named {
		name = uuid.NewString()[:8]
	}
	mailbox, err := NewMailbox(capacity)
	if err != nil {
		boot.release()
		return nil, err
	}

	// The creator stays referenced for the child's Parent handle.
	if !parent.w.retain() {
		boot.release()
		return nil, errors.Wrap(ErrRuntimeClosed, "spawn")
	}
	w, err := rt.register(name, named, mailbox)
	if err != nil {
		parent.w.release()
		boot.release()
		return nil, errors.Wrap(err, "spawn")
	}
	mailbox.bootstrap(boot)

	handle := parent.heap.adopt(w)
	go rt.run(w, parent.w)

	rt.log.Debugf("%s spawned %s with capacity %d", parent.self, handle, capacity)
	return handle, nil
}

// register adds a record for a new worker. The record starts with two
// references: the running goroutine and the creator's handle. Explicit
// names must be unique among live workers, and at most MaxWorkers may be
// running.
func (rt *Runtime) register(name string, named bool, mailbox *Mailbox) (*worker, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	if int(rt.running.Load()) >= rt.cfg.MaxWorkers {
		return nil, errors.Wrapf(ErrTooManyWorkers, "limit %d", rt.cfg.MaxWorkers)
	}
	if _, exists := rt.names[name]; named && exists {
		return nil, errors.Wrapf(ErrNameTaken, "%q", name)
	}

	w := newWorker(rt, rt.nextID.Inc(), name, mailbox, 2)
	rt.workers[w.id] = w
	rt.running.Inc()
	if named {
		rt.names[name] = w
	}
	rt.wg.Add(1)
	return w, nil
}

// unname frees the name of a terminated worker.
func (rt *Runtime) unname(w *worker) {
	rt.mu.Lock()
	if rt.names[w.name] == w {
		delete(rt.names, w.name)
	}
	rt.mu.Unlock()
}

func (rt *Runtime) lookupName(name string) *worker {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.names[name]
}

func (rt *Runtime) lookup(id uint32) *worker {
	if rt.main.w.id == id {
		return rt.main.w
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.workers[id]
}

func (rt *Runtime) reclaim(w *worker) {
	rt.mu.Lock()
	if rt.workers[w.id] == w {
		delete(rt.workers, w.id)
	}
	if rt.names[w.name] == w {
		delete(rt.names, w.name)
	}
	rt.mu.Unlock()
	rt.log.Debugf("reclaimed worker :%08x(%s)", w.id, w.name)
}

// run is the body of a worker goroutine: consume the bootstrap message in
// a fresh heap, call the entry function and tear down.
func (rt *Runtime) run(w *worker, creator *worker) {
	defer rt.wg.Done()

	cfg := rt.Config()
	if cfg.LockOSThread {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
	}

	hp, err := newHeap(rt, rt.bindings, cfg.MaxDepth)
	if err != nil {
		rt.workerLog.Errorf("worker :%08x(%s): %v", w.id, w.name, err)
		creator.release()
		w.terminate()
		rt.running.Dec()
		w.release()
		return
	}

	c := &Context{
		rt:     rt,
		w:      w,
		heap:   hp,
		parent: hp.adopt(creator),
		log:    rt.workerLog,
	}
	w.retain()
	c.self = hp.adopt(w)

	defer func() {
		w.terminate()
		rt.running.Dec()
		hp.close()
		w.release()
		rt.workerLog.Debugf("worker %s terminated", c.self)
	}()

	fn, env, err := rt.bootstrap(c)
	if err != nil {
		rt.workerLog.Warningf("worker %s: bootstrap: %v", c.self, err)
		return
	}
	c.env = env
	w.state.Store(int32(WorkerRunning))

	if err := invoke(fn, c); err != nil {
		rt.workerLog.Warningf("worker %s: %v", c.self, err)
	}
}

// bootstrap receives and decodes the bootstrap message. It is always the
// first message a worker sees.
func (rt *Runtime) bootstrap(c *Context) (EntryFunc, Env, error) {
	v, err := c.Receive(Forever)
	if err != nil {
		return nil, nil, err
	}
	msg, ok := v.(map[string]any)
	if !ok {
		return nil, nil, errors.Wrapf(ErrCorruptMessage, "bootstrap is %T", v)
	}

	var fn EntryFunc
	switch f := msg[bootFn].(type) {
	case EntryFunc:
		fn = f
	case func(*Context) error:
		fn = f
	default:
		return nil, nil, errors.Wrapf(ErrCorruptMessage, "entry function is %T", f)
	}

	var env Env
	switch e := msg[bootEnv].(type) {
	case nil:
	case map[string]any:
		env = e
	default:
		return nil, nil, errors.Wrapf(ErrCorruptMessage, "environment is %T", e)
	}
	return fn, env, nil
}

func invoke(fn EntryFunc, c *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn(c)
}
