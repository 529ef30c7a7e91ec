// Package core implements isolated-heap workers that communicate only by
// copying messages through bounded mailboxes.
//
// Every worker runs on its own goroutine with a private heap: a marshal
// dictionary built from the runtime's bindings plus the handles the worker
// holds. Values never cross heaps by reference. Send marshals a value in
// the sender's heap, Receive unmarshals it in the receiver's heap, and
// shared bindings (entry functions, singletons) are resolved by name on
// arrival.
//
// A worker is started with Spawn, which marshals the entry function and
// its environment before anything is allocated:
//
//	rt, _ := core.NewRuntime(cfg, marshal.Bindings{"pinger": pinger})
//	h, err := rt.Spawn(pinger, core.Env{"count": 10}, core.SpawnOptions{Capacity: 32})
//	v, err := rt.Main().Receive(core.Seconds(1))
//
// Mailboxes are bounded. A full mailbox makes Send fail with ErrWouldBlock
// under NoWait or wait up to the given Timeout; an empty one makes Receive
// fail with ErrTimeout. Sending to a worker whose entry function returned
// fails with ErrDeadTarget.
package core
