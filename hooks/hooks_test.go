package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener appends its name to a shared log when called.
type recordingListener struct {
	name     string
	priority int
	async    bool
	err      error
	delay    time.Duration
	mu       *sync.Mutex
	calls    *[]string
	fn       func(event HookEvent)
}

func (l *recordingListener) OnEvent(ctx context.Context, event HookEvent) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.fn != nil {
		l.fn(event)
	}
	if l.calls != nil {
		l.mu.Lock()
		*l.calls = append(*l.calls, l.name)
		l.mu.Unlock()
	}
	return l.err
}

func (l *recordingListener) Priority() int { return l.priority }
func (l *recordingListener) IsAsync() bool { return l.async }

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) listener(name string, priority int) *recordingListener {
	return &recordingListener{name: name, priority: priority, mu: &c.mu, calls: &c.calls}
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestIsVetoable(t *testing.T) {
	testCases := []struct {
		event EventType
		want  bool
	}{
		{EventPreWrite, true},
		{EventPreDelete, true},
		{EventPreCompaction, true},
		{EventPreStartEngine, true},
		{EventPreCloseEngine, true},
		{EventPostWrite, false},
		{EventOnCacheMiss, false},
		{EventPostUniqueViolation, false},
	}
	for _, tc := range testCases {
		t.Run(string(tc.event), func(t *testing.T) {
			assert.Equal(t, tc.want, IsVetoable(tc.event))
		})
	}
}

func TestHookManager_PriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var log callLog
	m.Register(EventPreWrite, log.listener("p10", 10))
	m.Register(EventPreWrite, log.listener("p1", 1))
	m.Register(EventPreWrite, log.listener("p5-first", 5))
	m.Register(EventPreWrite, log.listener("p5-second", 5))

	require.NoError(t, m.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{})))
	assert.Equal(t, []string{"p1", "p5-first", "p5-second", "p10"}, log.snapshot())
	assert.Equal(t, 4, m.Listeners(EventPreWrite))
	assert.Zero(t, m.Listeners(EventPostWrite))
}

func TestHookManager_VetoStopsDispatch(t *testing.T) {
	m := NewHookManager(nil)
	var log callLog
	errReject := errors.New("rejected")
	failing := log.listener("p5-reject", 5)
	failing.err = errReject
	m.Register(EventPreDelete, log.listener("p10", 10))
	m.Register(EventPreDelete, log.listener("p1", 1))
	m.Register(EventPreDelete, failing)

	err := m.Trigger(context.Background(), NewPreDeleteEvent(PreDeletePayload{Collection: "users", DocID: "u1"}))
	require.ErrorIs(t, err, errReject)
	assert.Equal(t, []string{"p1", "p5-reject"}, log.snapshot())
}

func TestHookManager_PreWriteMayRewriteDocument(t *testing.T) {
	m := NewHookManager(nil)
	doc := &core.Document{Collection: "users", ID: "u1"}
	m.Register(EventPreWrite, Listen{Fn: func(_ context.Context, event HookEvent) error {
		event.Payload().(PreWritePayload).Document.Set("normalized", core.MustValue(true))
		return nil
	}})

	require.NoError(t, m.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{Document: doc})))
	v, ok := doc.Get("normalized")
	require.True(t, ok)
	b, _ := v.Bool()
	assert.True(t, b)
}

func TestHookManager_AsyncFlagIgnoredForVetoableEvents(t *testing.T) {
	m := NewHookManager(nil)
	var log callLog
	l := log.listener("async-pre", 1)
	l.async = true
	l.delay = 10 * time.Millisecond
	m.Register(EventPreWrite, l)

	require.NoError(t, m.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{})))
	assert.Equal(t, []string{"async-pre"}, log.snapshot(), "ran before Trigger returned")
}

func TestHookManager_PostEventErrorsAreNotReturned(t *testing.T) {
	m := NewHookManager(nil)
	var log callLog
	failing := log.listener("failing", 1)
	failing.err = errors.New("post hook error")
	m.Register(EventPostWrite, failing)
	m.Register(EventPostWrite, log.listener("next", 5))

	require.NoError(t, m.Trigger(context.Background(), NewPostWriteEvent(PostWritePayload{})))
	assert.Equal(t, []string{"failing", "next"}, log.snapshot())
}

func TestHookManager_PanicsBecomeErrors(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventPreWrite, Listen{Fn: func(context.Context, HookEvent) error { panic("boom") }})
	err := m.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	m.Register(EventPostWrite, Listen{Async: true, Fn: func(context.Context, HookEvent) error { panic("async boom") }})
	require.NoError(t, m.Trigger(context.Background(), NewPostWriteEvent(PostWritePayload{})))
	m.Stop()
}

func TestHookManager_AsyncListenerOutlivesCallerContext(t *testing.T) {
	m := NewHookManager(nil)
	got := make(chan error, 1)
	m.Register(EventPostCheckpoint, Listen{Async: true, Fn: func(ctx context.Context, _ HookEvent) error {
		time.Sleep(10 * time.Millisecond)
		got <- ctx.Err()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Trigger(ctx, NewPostCheckpointEvent(PostCheckpointPayload{})))
	cancel()
	m.Stop()
	assert.NoError(t, <-got)
}

func TestHookManager_StopWaitsForAsyncListeners(t *testing.T) {
	m := NewHookManager(nil)
	var done atomic.Bool
	m.Register(EventPostWrite, &recordingListener{
		name:  "slow",
		async: true,
		delay: 30 * time.Millisecond,
		fn:    func(HookEvent) { done.Store(true) },
	})

	require.NoError(t, m.Trigger(context.Background(), NewPostWriteEvent(PostWritePayload{})))
	m.Stop()
	assert.True(t, done.Load())
}

func TestHookManager_Unregister(t *testing.T) {
	m := NewHookManager(nil)
	var log callLog
	a, b := log.listener("a", 1), log.listener("b", 2)
	m.Register(EventPostDelete, a)
	m.Register(EventPostDelete, b)

	assert.True(t, m.Unregister(EventPostDelete, a))
	assert.False(t, m.Unregister(EventPostDelete, a), "already removed")
	assert.False(t, m.Unregister(EventPostDelete, Listen{Fn: func(context.Context, HookEvent) error { return nil }}))

	require.NoError(t, m.Trigger(context.Background(), NewPostDeleteEvent(PostDeletePayload{})))
	assert.Equal(t, []string{"b"}, log.snapshot())
}

func TestHookManager_RegisterDuringTrigger(t *testing.T) {
	m := NewHookManager(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			m.Register(EventOnCacheHit, Listen{Prio: p, Fn: func(context.Context, HookEvent) error { return nil }})
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Trigger(context.Background(), NewOnCacheHitEvent(CachePayload{Key: "users/u1"}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, m.Listeners(EventOnCacheHit))
}

func BenchmarkTrigger_PreWrite_10_Listeners(b *testing.B) {
	m := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		m.Register(EventPreWrite, Listen{Prio: i, Fn: func(context.Context, HookEvent) error { return nil }})
	}
	event := NewPreWriteEvent(PreWritePayload{})
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = m.Trigger(ctx, event)
	}
}
