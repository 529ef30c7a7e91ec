package core

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/isoheap/config"
	"github.com/najoast/isoheap/marshal"
)

var (
	ping = marshal.Keyword("ping")
	done = marshal.Keyword("done")
	stop = marshal.Keyword("stop")
)

func envInt(c *Context, key string, def int) int {
	if v, ok := c.Env()[key].(int64); ok {
		return int(v)
	}
	return def
}

func envDuration(c *Context, key string) time.Duration {
	if v, ok := c.Env()[key].(float64); ok {
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

// pinger sends count pings to its parent, pauses, then sends done.
func pinger(c *Context) error {
	for i := 0; i < envInt(c, "count", 10); i++ {
		if err := c.Parent().Send(ping, Forever); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(envDuration(c, "pause"))
	return c.Parent().Send(done, Forever)
}

// holder blocks until its gate channel is closed.
func holder(c *Context) error {
	gate, ok := c.Env()["gate"].(chan struct{})
	if !ok {
		return errors.New("no gate")
	}
	<-gate
	return nil
}

// echo answers {reply, value} messages until it receives stop.
func echo(c *Context) error {
	for {
		v, err := c.Receive(Forever)
		if err != nil {
			return err
		}
		msg, ok := v.(map[string]any)
		if !ok {
			continue
		}
		reply, _ := msg["reply"].(*Handle)
		if msg["value"] == stop {
			return nil
		}
		if reply != nil {
			if err := reply.Send(msg["value"], Forever); err != nil {
				return err
			}
			reply.Release()
		}
	}
}

func returner(c *Context) error {
	return nil
}

func panicker(c *Context) error {
	panic("boom")
}

// relay spawns a pinger and forwards everything it sends to the parent.
func relay(c *Context) error {
	child, err := c.Spawn(pinger, Env{"count": 2}, SpawnOptions{Capacity: 4, Name: "grandchild"})
	if err != nil {
		return err
	}
	defer child.Release()
	for {
		v, err := c.Receive(Seconds(5))
		if err != nil {
			return err
		}
		if err := c.Parent().Send(v, Forever); err != nil {
			return err
		}
		if v == done {
			return nil
		}
	}
}

func newTestRuntime(t *testing.T, cfg *config.Config, extra marshal.Bindings) *Runtime {
	t.Helper()
	bindings := marshal.Bindings{
		"test/pinger":   pinger,
		"test/holder":   holder,
		"test/echo":     echo,
		"test/returner": returner,
		"test/panicker": panicker,
		"test/relay":    relay,
	}
	for name, v := range extra {
		bindings[name] = v
	}
	rt, err := NewRuntime(cfg, bindings)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

// gated returns a runtime with a bound gate channel and a function that
// opens it.
func gated(t *testing.T, cfg *config.Config) (*Runtime, Env, func()) {
	t.Helper()
	gate := make(chan struct{})
	rt := newTestRuntime(t, cfg, marshal.Bindings{"test/gate": gate})
	opened := false
	open := func() {
		if !opened {
			opened = true
			close(gate)
		}
	}
	t.Cleanup(open)
	return rt, Env{"gate": gate}, open
}

func waitFor(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestScenarioReceiveTimeout(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)
	main := rt.Main()

	h, err := rt.Spawn(pinger, Env{"count": 10, "pause": 1.5}, SpawnOptions{Capacity: 32})
	require.NoError(t, err)
	defer h.Release()

	for i := 0; i < 10; i++ {
		v, err := main.Receive(Seconds(1))
		require.NoError(t, err, "ping %d", i)
		assert.Equal(t, ping, v)
	}

	_, err = main.Receive(Seconds(1))
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	v, err := main.Receive(Forever)
	require.NoError(t, err)
	assert.Equal(t, done, v)
}

func TestScenarioReceiveForever(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)
	main := rt.Main()

	h, err := rt.Spawn(pinger, Env{"count": 10, "pause": 0.2}, SpawnOptions{Capacity: 32})
	require.NoError(t, err)
	defer h.Release()

	for i := 0; i < 10; i++ {
		v, err := main.Receive(Forever)
		require.NoError(t, err)
		assert.Equal(t, ping, v)
	}
	v, err := main.Receive(Forever)
	require.NoError(t, err)
	assert.Equal(t, done, v)
}

func TestScenarioFullMailbox(t *testing.T) {
	rt, env, open := gated(t, nil)

	h, err := rt.Spawn(holder, env, SpawnOptions{Capacity: 1})
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, h.Send(1, NoWait))
	err = h.Send(2, NoWait)
	assert.True(t, errors.Is(err, ErrWouldBlock), "got %v", err)
	assert.Equal(t, 1, h.Pending())

	start := time.Now()
	err = h.Send(3, Wait(50*time.Millisecond))
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, h.Pending())

	open()
	waitFor(t, h)
}

func TestScenarioDeadTarget(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)

	h, err := rt.Spawn(returner, nil, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()
	waitFor(t, h)

	assert.False(t, h.Alive())
	assert.Equal(t, WorkerTerminated, h.State())
	for _, timeout := range []Timeout{NoWait, Seconds(1), Forever} {
		start := time.Now()
		err := h.Send("hello", timeout)
		assert.True(t, errors.Is(err, ErrDeadTarget), "timeout %s: got %v", timeout, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	}
}

func TestSpawnValidatesBeforeCreating(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)

	f, err := os.CreateTemp(t.TempDir(), "live")
	require.NoError(t, err)
	defer f.Close()

	unbound := func(c *Context) error { return nil }

	tests := []struct {
		name string
		fn   EntryFunc
		env  Env
		opts SpawnOptions
		want error
	}{
		{"unbound entry", unbound, nil, SpawnOptions{}, ErrUnmarshalable},
		{"nil entry", nil, nil, SpawnOptions{}, ErrUnmarshalable},
		{"open file in env", returner, Env{"log": f}, SpawnOptions{}, ErrUnmarshalable},
		{"channel in env", returner, Env{"ch": make(chan int)}, SpawnOptions{}, ErrUnmarshalable},
		{"negative capacity", returner, nil, SpawnOptions{Capacity: -1}, ErrInvalidCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := rt.Spawn(tt.fn, tt.env, tt.opts)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, 0, rt.Workers())
			assert.Len(t, rt.Stats(), 1)
		})
	}
}

func TestSpawnDefaultsAndNames(t *testing.T) {
	rt, env, open := gated(t, nil)

	h, err := rt.Spawn(holder, env, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 10, h.Capacity())
	assert.Len(t, h.Name(), 8)
	assert.Contains(t, h.String(), h.Name())

	svc, err := rt.Spawn(holder, env, SpawnOptions{Name: "svc"})
	require.NoError(t, err)
	defer svc.Release()

	_, err = rt.Spawn(holder, env, SpawnOptions{Name: "svc"})
	assert.True(t, errors.Is(err, ErrNameTaken), "got %v", err)

	found, err := rt.Main().Lookup("svc")
	require.NoError(t, err)
	assert.Equal(t, svc.ID(), found.ID())
	found.Release()

	open()
	waitFor(t, svc)
	_, err = rt.Main().Lookup("svc")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSendUnmarshalableLeavesMailboxUntouched(t *testing.T) {
	rt, env, _ := gated(t, nil)

	h, err := rt.Spawn(holder, env, SpawnOptions{Capacity: 2})
	require.NoError(t, err)
	defer h.Release()

	err = h.Send(map[string]any{"ch": make(chan int)}, NoWait)
	assert.True(t, errors.Is(err, ErrUnmarshalable), "got %v", err)
	assert.Equal(t, 0, h.Pending())

	err = h.Send(1, Seconds(-2))
	assert.True(t, errors.Is(err, ErrInvalidTimeout), "got %v", err)
	assert.Equal(t, 0, h.Pending())
}

func TestPanicTerminatesWorker(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)

	h, err := rt.Spawn(panicker, nil, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()
	waitFor(t, h)

	assert.True(t, errors.Is(h.Send(1, NoWait), ErrDeadTarget))

	// The creator is unaffected.
	require.NoError(t, rt.Main().Self().Send("still here", NoWait))
	v, err := rt.Main().Receive(NoWait)
	require.NoError(t, err)
	assert.Equal(t, "still here", v)
}

func TestHandlesCrossHeaps(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)
	main := rt.Main()

	h, err := rt.Spawn(echo, nil, SpawnOptions{})
	require.NoError(t, err)

	payload := map[string]any{"n": 42, "tags": []string{"a", "b"}}
	require.NoError(t, h.Send(map[string]any{"reply": main.Self(), "value": payload}, Forever))

	v, err := main.Receive(Seconds(5))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(42), "tags": []any{"a", "b"}}, v)

	// A handle received in a message is a new reference to the same worker.
	require.NoError(t, main.Self().Send(map[string]any{"echo": h}, NoWait))
	v, err = main.Receive(NoWait)
	require.NoError(t, err)
	copied, ok := v.(map[string]any)["echo"].(*Handle)
	require.True(t, ok)
	assert.Equal(t, h.ID(), copied.ID())
	assert.NotSame(t, h, copied)

	require.NoError(t, copied.Send(map[string]any{"value": stop}, Forever))
	waitFor(t, h)

	h.Release()
	assert.Equal(t, 1, rt.Workers(), "a live handle keeps the record")
	copied.Release()
	copied.Release()

	require.Eventually(t, func() bool { return rt.Workers() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(copied.Send(1, NoWait), ErrReleased))
}

type fileNote struct {
	File *os.File
	N    int
}

type replyNote struct {
	Reply *Handle
	N     int
}

func TestRegisteredStructsCrossHeaps(t *testing.T) {
	rt := newTestRuntime(t, nil, marshal.Bindings{
		"test/file-note":  marshal.TypeOf(fileNote{}),
		"test/reply-note": marshal.TypeOf(replyNote{}),
	})
	main := rt.Main()

	f, err := os.CreateTemp(t.TempDir(), "note")
	require.NoError(t, err)
	defer f.Close()

	err = main.Self().Send(fileNote{File: f, N: 1}, NoWait)
	assert.True(t, errors.Is(err, ErrUnmarshalable), "got %v", err)
	assert.Equal(t, 0, main.Self().Pending())

	h, err := rt.Spawn(echo, nil, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, main.Self().Send(replyNote{Reply: h, N: 2}, NoWait))
	v, err := main.Receive(NoWait)
	require.NoError(t, err)
	note, ok := v.(replyNote)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, 2, note.N)
	require.NotNil(t, note.Reply)
	assert.True(t, note.Reply.Alive())
	assert.Equal(t, h.ID(), note.Reply.ID())
	assert.NotSame(t, h, note.Reply)

	// The decoded handle is a working reference of its own.
	require.NoError(t, note.Reply.Send(map[string]any{"reply": main.Self(), "value": "hi"}, Forever))
	got, err := main.Receive(Seconds(5))
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	note.Reply.Release()
	assert.True(t, h.Alive())
	require.NoError(t, h.Send(map[string]any{"value": stop}, Forever))
	waitFor(t, h)
}

func TestReleaseDoesNotStopWorker(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)

	h, err := rt.Spawn(pinger, Env{"count": 3}, SpawnOptions{})
	require.NoError(t, err)
	h.Release()

	for i := 0; i < 3; i++ {
		v, err := rt.Main().Receive(Seconds(5))
		require.NoError(t, err)
		assert.Equal(t, ping, v)
	}
	v, err := rt.Main().Receive(Seconds(5))
	require.NoError(t, err)
	assert.Equal(t, done, v)

	require.Eventually(t, func() bool { return rt.Workers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestNestedSpawn(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)

	h, err := rt.Spawn(relay, nil, SpawnOptions{Name: "relay"})
	require.NoError(t, err)
	defer h.Release()

	var got []any
	for i := 0; i < 3; i++ {
		v, err := rt.Main().Receive(Seconds(5))
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []any{ping, ping, done}, got)
	waitFor(t, h)
}

func TestCorruptMessageIsConsumed(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)
	main := rt.Main()

	require.NoError(t, main.w.mailbox.Push([]byte{0xff, 0x00}, NoWait))
	_, err := main.Receive(NoWait)
	assert.True(t, errors.Is(err, ErrCorruptMessage), "got %v", err)

	_, err = main.Receive(NoWait)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestTooManyWorkers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runtime.MaxWorkers = 1
	rt, env, _ := gated(t, cfg)

	h, err := rt.Spawn(holder, env, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()

	_, err = rt.Spawn(holder, env, SpawnOptions{})
	assert.True(t, errors.Is(err, ErrTooManyWorkers), "got %v", err)
	assert.Equal(t, 1, rt.Workers())
}

func TestWorkerLimitCountsRunningWorkers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runtime.MaxWorkers = 2
	rt := newTestRuntime(t, cfg, nil)

	// Dead workers whose handles are still held do not count.
	for i := 0; i < 2; i++ {
		h, err := rt.Spawn(returner, nil, SpawnOptions{})
		require.NoError(t, err)
		defer h.Release()
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, 2, rt.Workers())
	require.Eventually(t, func() bool { return rt.Running() == 0 }, 5*time.Second, 10*time.Millisecond)

	h, err := rt.Spawn(returner, nil, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()
	assert.NoError(t, h.Wait(context.Background()))
}

func TestStats(t *testing.T) {
	rt, env, open := gated(t, nil)

	h, err := rt.Spawn(holder, env, SpawnOptions{Capacity: 4, Name: "held"})
	require.NoError(t, err)
	defer h.Release()
	require.NoError(t, h.Send("queued", NoWait))

	stats := rt.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "main", stats[0].Name)
	assert.Equal(t, 64, stats[0].Capacity)

	assert.Equal(t, "held", stats[1].Name)
	assert.Equal(t, 4, stats[1].Capacity)
	assert.Equal(t, 1, stats[1].Pending)
	assert.Equal(t, uint64(1), stats[1].Sent)
	assert.GreaterOrEqual(t, stats[1].Refs, int32(2))
	assert.False(t, stats[1].CreatedAt.IsZero())

	open()
	waitFor(t, h)
}

func TestReconfigure(t *testing.T) {
	rt, env, _ := gated(t, nil)

	cfg := config.DefaultConfig()
	cfg.Runtime.DefaultCapacity = 3
	require.NoError(t, rt.Reconfigure(cfg))
	assert.Equal(t, 3, rt.Config().DefaultCapacity)

	h, err := rt.Spawn(holder, env, SpawnOptions{})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 3, h.Capacity())

	bad := config.DefaultConfig()
	bad.Runtime.MaxWorkers = 0
	assert.Error(t, rt.Reconfigure(bad))
	assert.Equal(t, 3, rt.Config().DefaultCapacity)
}

func TestNewRuntimeRejectsBadInput(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runtime.MainCapacity = 0
	_, err := NewRuntime(cfg, nil)
	assert.Error(t, err)

	_, err = NewRuntime(nil, marshal.Bindings{"nil": nil})
	assert.Error(t, err)
}

func TestShutdown(t *testing.T) {
	rt, env, open := gated(t, nil)

	h, err := rt.Spawn(holder, env, SpawnOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = rt.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.True(t, h.Alive(), "shutdown never kills workers")

	_, err = rt.Spawn(returner, nil, SpawnOptions{})
	assert.True(t, errors.Is(err, ErrRuntimeClosed), "got %v", err)

	_, err = rt.Main().Receive(NoWait)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)

	open()
	require.NoError(t, rt.Shutdown(context.Background()))
	assert.False(t, h.Alive())
	assert.True(t, h.Released(), "main heap handles are released")
	assert.Equal(t, 0, rt.Workers())
}
