package hybrid

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luoarch/baileys-store-core-sub002/lib/authstate"
	"github.com/luoarch/baileys-store-core-sub002/lib/codec"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/outbox"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage/memstore"
)

func ptr(v uint64) *uint64 { return &v }

func credsPatch(s string) authstate.Patch {
	return authstate.Patch{Creds: json.RawMessage(s)}
}

// newTestEngine builds an engine over the in-process store and queue. The
// reconciler is not started; tests drain explicitly with Flush.
func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *memstore.Store, *outbox.MemoryQueue) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	cfg := Config{
		Hot:   store.Hot(),
		Cold:  store.Cold(),
		Codec: cdc,
		Queue: queue,
		Clock: clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)
	return engine, store, queue
}

func fakeClockOf(e *Engine) *clockwork.FakeClock {
	return e.cfg.Clock.(*clockwork.FakeClock)
}

func TestCreateReadDelete(t *testing.T) {
	engine, store, queue := newTestEngine(t, nil)
	ctx := context.Background()

	result, err := engine.Set(ctx, "s1", credsPatch(`{"me":"alice"}`), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Version)

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.Version)
	require.JSONEq(t, `{"me":"alice"}`, string(got.Data.Creds))

	require.NoError(t, engine.Flush(ctx))
	require.Equal(t, 1, store.ColdLen())

	require.NoError(t, engine.Delete(ctx, "s1", WriteOptions{}))
	got, err = engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)

	exists, err := engine.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, engine.Flush(ctx))
	require.Equal(t, 0, store.ColdLen())
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestConcurrentConditionalWrites(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{"n":0}`), WriteOptions{})
	require.NoError(t, err)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.Set(ctx, "s1", credsPatch(`{"n":1}`), WriteOptions{
				ExpectedVersion: ptr(1),
			})
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case authstate.IsVersionMismatch(err):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, writers-1, lost)

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
}

func TestPartialKeyUpdate(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", authstate.Patch{
		Creds: json.RawMessage(`{"me":"alice"}`),
		Keys: map[authstate.KeyType]map[string]json.RawMessage{
			authstate.KeyTypePreKey: {
				"1": json.RawMessage(`"k1"`),
				"2": json.RawMessage(`"k2"`),
			},
		},
	}, WriteOptions{})
	require.NoError(t, err)

	// a null value deletes one entry; everything else is untouched
	_, err = engine.Set(ctx, "s1", authstate.Patch{
		Keys: map[authstate.KeyType]map[string]json.RawMessage{
			authstate.KeyTypePreKey: {"2": nil},
		},
	}, WriteOptions{})
	require.NoError(t, err)

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
	require.JSONEq(t, `{"me":"alice"}`, string(got.Data.Creds))
	entries := got.Data.Keys[authstate.KeyTypePreKey]
	require.Contains(t, entries, "1")
	require.NotContains(t, entries, "2")
}

func TestColdOutageConvergence(t *testing.T) {
	engine, store, queue := newTestEngine(t, nil)
	ctx := context.Background()
	clock := fakeClockOf(engine)

	_, err := engine.Set(ctx, "s1", credsPatch(`{"n":0}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Flush(ctx))
	require.Equal(t, 1, store.ColdLen())

	store.SetColdFailing(true)
	for i := range 5 {
		_, err := engine.Set(ctx, "s1", credsPatch(`{"n":`+string(rune('1'+i))+`}`), WriteOptions{})
		require.NoError(t, err)
	}
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, depth)

	// the drain cannot finish while the cold tier is down
	require.Error(t, engine.Flush(ctx))

	store.SetColdFailing(false)
	clock.Advance(time.Minute)
	require.NoError(t, engine.Flush(ctx))

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	doc, err := store.Cold().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(6), doc.Version)
}

func TestFencingTokens(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	result, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{FencingToken: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(100), result.FencingToken)

	_, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{FencingToken: 99})
	require.True(t, authstate.IsFencingTokenStale(err))

	result, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{FencingToken: 101})
	require.NoError(t, err)
	require.Equal(t, uint64(101), result.FencingToken)

	// unfenced writes still pass and preserve the recorded token
	result, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(101), result.FencingToken)
}

func TestCreateOnlyConflict(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{ExpectedVersion: ptr(0)})
	require.NoError(t, err)

	_, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{ExpectedVersion: ptr(0)})
	require.True(t, authstate.IsVersionMismatch(err))
}

func TestGetUnknownSession(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	got, err := engine.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestColdFallbackRepopulatesHot(t *testing.T) {
	engine, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{"me":"alice"}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Flush(ctx))

	// wipe the hot tier; the next read must come back from cold
	require.NoError(t, store.Hot().Delete(ctx, "s1"))
	require.Equal(t, 0, store.HotLen())

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.Version)
	require.Equal(t, 1, store.HotLen())
}

func TestWriteThroughMode(t *testing.T) {
	engine, store, queue := newTestEngine(t, func(cfg *Config) {
		cfg.WriteBehind.Disabled = true
		cfg.WriteBehind.FailOnColdError = true
	})
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	doc, err := store.Cold().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), doc.Version)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestWriteThroughFailsOnColdError(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	engine, err := New(Config{
		Hot:   store.Hot(),
		Cold:  store.Cold(),
		Codec: cdc,
		Queue: queue,
		Clock: clock,
		WriteBehind: WriteBehindConfig{
			Disabled:        true,
			FailOnColdError: true,
		},
		Resilience: ResilienceConfig{RetryBaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	store.SetColdFailing(true)
	_, err = engine.Set(context.Background(), "s1", credsPatch(`{}`), WriteOptions{})
	require.Error(t, err)

	// the hot commit and the outbox entry survive for later convergence
	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	store.SetColdFailing(false)
	require.NoError(t, engine.Flush(context.Background()))
	doc, err := store.Cold().Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), doc.Version)
}

func TestOutboxOverflowBackpressure(t *testing.T) {
	engine, store, queue := newTestEngine(t, func(cfg *Config) {
		cfg.WriteBehind.QueueSize = 10
	})
	ctx := context.Background()

	for i := range 10 {
		_, err := engine.Set(ctx, "s1", credsPatch(`{"n":`+string(rune('0'+i))+`}`), WriteOptions{})
		require.NoError(t, err)
	}
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, depth)

	// the full queue degrades the next write to a synchronous cold write
	_, err = engine.Set(ctx, "s2", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	doc, err := store.Cold().Get(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, uint64(1), doc.Version)

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, depth)
}

func TestEnqueueFailureCompensates(t *testing.T) {
	engine, store, queue := newTestEngine(t, nil)
	ctx := context.Background()

	queue.SetFailing(true)
	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	// the write bypassed the broken outbox and landed in cold directly
	doc, err := store.Cold().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), doc.Version)
}

func TestDeleteTombstoneBlocksResurrection(t *testing.T) {
	engine, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Flush(ctx))
	require.Equal(t, 1, store.ColdLen())

	// delete is committed hot-side only; cold still holds the old document
	require.NoError(t, engine.Delete(ctx, "s1", WriteOptions{}))
	require.Equal(t, 1, store.ColdLen())

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)

	exists, err := engine.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestVersionChainSurvivesDelete(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Delete(ctx, "s1", WriteOptions{}))

	// recreation continues the chain past the tombstone
	result, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.Version)
}

func TestTouchExtendsLifetime(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	clock := fakeClockOf(engine)

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, engine.Touch(ctx, "s1", 2*time.Hour))

	clock.Advance(90 * time.Minute)
	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	clock.Advance(time.Hour)
	got, err = engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTouchMissingSession(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	err := engine.Touch(context.Background(), "nope", time.Hour)
	require.Error(t, err)
}

func TestRejectsInvalidSessionIDs(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	for _, id := range []string{"", "has space", "has\ncontrol"} {
		_, err := engine.Get(ctx, id)
		require.Error(t, err, "id %q", id)
		_, err = engine.Set(ctx, id, credsPatch(`{}`), WriteOptions{})
		require.Error(t, err, "id %q", id)
	}
}

func TestLifecycle(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	engine, err := New(Config{
		Hot:         store.Hot(),
		Cold:        store.Cold(),
		Codec:       cdc,
		Queue:       queue,
		Clock:       clock,
		WriteBehind: WriteBehindConfig{FlushInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Connect(ctx))
	require.True(t, engine.IsHealthy(ctx))

	_, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	// disconnect drains the outbox before returning
	require.NoError(t, engine.Disconnect(ctx))
	doc, err := store.Cold().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), doc.Version)

	_, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.Error(t, err)
}

// gatedHot passes through to the wrapped tier but parks Touch until
// released, so tests can hold a touch open mid-flight.
type gatedHot struct {
	storage.Hot
	entered  chan struct{}
	released chan struct{}
}

func (g *gatedHot) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	g.entered <- struct{}{}
	<-g.released
	return g.Hot.Touch(ctx, sessionID, expiresAt)
}

func TestTouchSerializesWithWrites(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	gate := &gatedHot{
		Hot:      store.Hot(),
		entered:  make(chan struct{}),
		released: make(chan struct{}),
	}
	engine, err := New(Config{
		Hot:   gate,
		Cold:  store.Cold(),
		Codec: cdc,
		Queue: queue,
		Clock: clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	touchDone := make(chan error, 1)
	go func() { touchDone <- engine.Touch(ctx, "s1", time.Hour) }()
	<-gate.entered

	setDone := make(chan error, 1)
	go func() {
		_, err := engine.Set(ctx, "s1", credsPatch(`{"n":1}`), WriteOptions{})
		setDone <- err
	}()

	// the write must wait for the in-flight touch on the same session
	select {
	case err := <-setDone:
		t.Fatalf("write for the session completed while a touch was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.released)
	require.NoError(t, <-touchDone)
	require.NoError(t, <-setDone)

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
}

func TestQueuePublishCountsOnce(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	before := testutil.ToFloat64(metrics.QueuePublishes)
	_, err := engine.Set(context.Background(), "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.QueuePublishes)-before)
}

// gatedCold passes through to the wrapped tier, but while armed its Get
// parks until released or the caller's context ends.
type gatedCold struct {
	storage.Cold
	armed    atomic.Bool
	entered  chan struct{}
	released chan struct{}
}

func (g *gatedCold) Get(ctx context.Context, sessionID string) (*storage.Document, error) {
	if !g.armed.Load() {
		return g.Cold.Get(ctx, sessionID)
	}
	g.entered <- struct{}{}
	select {
	case <-g.released:
		return g.Cold.Get(ctx, sessionID)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func TestColdFallbackSurvivesCallerCancel(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	gate := &gatedCold{
		Cold:     store.Cold(),
		entered:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	engine, err := New(Config{
		Hot:   store.Hot(),
		Cold:  gate,
		Codec: cdc,
		Queue: queue,
		Clock: clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.Set(ctx, "s1", credsPatch(`{"me":"alice"}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Flush(ctx))
	require.NoError(t, store.Hot().Delete(ctx, "s1"))

	gate.armed.Store(true)
	cctx, cancel := context.WithCancel(ctx)
	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Get(cctx, "s1")
		firstDone <- err
	}()
	<-gate.entered

	// cancelling one caller releases only that caller
	cancel()
	require.Error(t, <-firstDone)

	gate.armed.Store(false)
	close(gate.released)

	got, err := engine.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.Version)
}

func TestOperationTimeoutBoundsColdCalls(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := memstore.New(memstore.Config{Clock: clock})
	queue, err := outbox.NewMemoryQueue(outbox.MemoryQueueConfig{Clock: clock})
	require.NoError(t, err)
	cdc, err := codec.New(codec.Config{})
	require.NoError(t, err)

	gate := &gatedCold{
		Cold:     store.Cold(),
		entered:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	gate.armed.Store(true)
	engine, err := New(Config{
		Hot:        store.Hot(),
		Cold:       gate,
		Codec:      cdc,
		Queue:      queue,
		Clock:      clock,
		Resilience: ResilienceConfig{OperationTimeout: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	// the stuck cold read fails the lookup once the timeout elapses
	start := time.Now()
	_, err = engine.Get(context.Background(), "s1")
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestStats(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Set(ctx, "s1", credsPatch(`{}`), WriteOptions{})
	require.NoError(t, err)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.OutboxDepth)
	require.Zero(t, stats.SessionLocks)
}
