package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu      sync.Mutex
	depths  []int
	dropped int
}

func (m *fakeMetrics) UpdateEventQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths = append(m.depths, depth)
}

func (m *fakeMetrics) RecordEventDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *fakeMetrics) droppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

type collectingObserver struct {
	mu     sync.Mutex
	events []Event
	seen   chan struct{}
}

func newCollectingObserver() *collectingObserver {
	return &collectingObserver{seen: make(chan struct{}, 64)}
}

func (o *collectingObserver) OnEvent(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
	o.seen <- struct{}{}
}

func (o *collectingObserver) snapshot() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func waitN(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

func TestQueue_PushBeforeStart_DrainsOnStart(t *testing.T) {
	q := New(4, nil)
	obs := newCollectingObserver()
	q.Subscribe(obs)

	q.Push(Event{Kind: Created, Path: "/a"})
	q.Push(Event{Kind: Written, Path: "/b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitN(t, obs.seen, 2)
	q.Stop()

	got := obs.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].Path)
	assert.Equal(t, "/b", got[1].Path)

	c := q.Counters()
	assert.Equal(t, int64(2), c.Queued)
	assert.Equal(t, int64(2), c.Processed)
	assert.Equal(t, int64(0), c.Dropped)
	assert.Equal(t, 0, c.Pending)
}

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	metrics := &fakeMetrics{}
	q := New(2, metrics)

	q.Push(Event{Kind: Created, Path: "/oldest"})
	q.Push(Event{Kind: Created, Path: "/middle"})
	q.Push(Event{Kind: Created, Path: "/newest"}) // overflows capacity 2, drops /oldest

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, metrics.droppedCount())

	obs := newCollectingObserver()
	q.Subscribe(obs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitN(t, obs.seen, 2)
	q.Stop()

	got := obs.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "/middle", got[0].Path, "oldest entry should have been evicted by overflow")
	assert.Equal(t, "/newest", got[1].Path)

	c := q.Counters()
	assert.Equal(t, int64(1), c.Dropped)
}

func TestQueue_MultipleObserversAllReceiveEvent(t *testing.T) {
	q := New(8, nil)
	obs1 := newCollectingObserver()
	obs2 := newCollectingObserver()
	q.Subscribe(obs1)
	q.Subscribe(obs2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Push(Event{Kind: Renamed, Path: "/x", Path2: "/y"})
	waitN(t, obs1.seen, 1)
	waitN(t, obs2.seen, 1)
	q.Stop()

	require.Len(t, obs1.snapshot(), 1)
	require.Len(t, obs2.snapshot(), 1)
	assert.Equal(t, "/y", obs1.snapshot()[0].Path2)
}

func TestQueue_ObserverFuncAdapter(t *testing.T) {
	q := New(4, nil)
	var got Event
	done := make(chan struct{}, 1)
	q.Subscribe(ObserverFunc(func(e Event) {
		got = e
		done <- struct{}{}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.Push(Event{Kind: Deleted, Path: "/z"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer func never invoked")
	}
	q.Stop()
	assert.Equal(t, Deleted, got.Kind)
	assert.Equal(t, "/z", got.Path)
}

func TestQueue_StopIsIdempotentAndBlocksUntilDrained(t *testing.T) {
	q := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Push(Event{Kind: Read, Path: "/f"})
	q.Stop()
	q.Stop() // must not panic or deadlock on a second call

	assert.Equal(t, int64(1), q.Counters().Processed)
}

func TestQueue_ContextCancelStopsWorker(t *testing.T) {
	q := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	select {
	case <-q.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}

func TestNew_DefaultsCapacityWhenNonPositive(t *testing.T) {
	q := New(0, nil)
	assert.Equal(t, 4096, q.capacity)

	q2 := New(-5, nil)
	assert.Equal(t, 4096, q2.capacity)
}

func TestQueue_CountersReflectPendingBeforeDrain(t *testing.T) {
	q := New(4, nil)
	q.Push(Event{Kind: Created, Path: "/a"})
	q.Push(Event{Kind: Created, Path: "/b"})

	c := q.Counters()
	assert.Equal(t, 2, c.Pending)
	assert.Equal(t, int64(2), c.Queued)
	assert.Equal(t, int64(0), c.Processed)
	assert.Equal(t, 2, q.Len())
}
