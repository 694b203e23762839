// Package events implements the async event queue (spec §4.6): a bounded
// drop-oldest ring fed by FUSE callbacks and drained by a single background
// worker that fans records out to observers (the index writer, the UI).
// Grounded on the single-producer channel-worker idiom the teacher uses for
// its prefetch/cleanup workers (internal/fuse/optimizations.go).
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind tags what happened to a path.
type Kind string

const (
	Created Kind = "created"
	Deleted Kind = "deleted"
	Written Kind = "written"
	Read    Kind = "read"
	Renamed Kind = "renamed"
)

// Event is one tagged record (spec §3 EventQueue).
type Event struct {
	Kind  Kind
	Path  string
	Path2 string // rename destination; empty otherwise
	IsDir bool
}

// Observer receives drained events. index writers and the UI collaborator
// both implement this.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Counters mirrors the spec's queued/processed/dropped/pending tally,
// exposed atomically so UpdateEventQueueDepth/RecordEventDropped-style
// metrics exporters can sample it without a lock.
type Counters struct {
	Queued    int64
	Processed int64
	Dropped   int64
	Pending   int
}

// Metrics receives queue-depth and drop notifications for export. Narrow
// interface so this package doesn't depend on the concrete collector.
type Metrics interface {
	UpdateEventQueueDepth(depth int)
	RecordEventDropped()
}

// Queue is a bounded, drop-oldest, multi-producer/single-consumer ring.
// Producers (FUSE callbacks) call Push without blocking; a single
// background worker drains it and invokes observers in order.
type Queue struct {
	mu   sync.Mutex
	buf  []Event
	head int // next slot to write
	size int // current occupancy

	capacity int

	observers []Observer
	metrics   Metrics
	logger    *slog.Logger

	queued    atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a queue with the given ring capacity (spec default 4096,
// see config.EventsConfig.QueueCapacity).
func New(capacity int, metrics Metrics) *Queue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Queue{
		buf:      make([]Event, capacity),
		capacity: capacity,
		metrics:  metrics,
		logger:   slog.With("component", "events"),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers an observer. Not safe to call concurrently with Start.
func (q *Queue) Subscribe(o Observer) {
	q.observers = append(q.observers, o)
}

// Push enqueues an event without blocking. On overflow the oldest queued
// element is overwritten and the dropped counter increments.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	var dropped bool
	if q.size == q.capacity {
		// Ring is full: overwrite the oldest slot and advance head so the
		// previous second-oldest becomes the new oldest.
		q.buf[q.head] = e
		q.head = (q.head + 1) % q.capacity
		dropped = true
	} else {
		writeIdx := (q.head + q.size) % q.capacity
		q.buf[writeIdx] = e
		q.size++
	}
	q.queued.Add(1)
	if dropped {
		q.dropped.Add(1)
	}
	depth := q.size
	q.mu.Unlock()

	if dropped && q.metrics != nil {
		q.metrics.RecordEventDropped()
	}

	if q.metrics != nil {
		q.metrics.UpdateEventQueueDepth(depth)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Event{}, false
	}
	e := q.buf[q.head]
	q.head = (q.head + 1) % q.capacity
	q.size--
	return e, true
}

// Start launches the single background worker. It returns immediately;
// the worker runs until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		for {
			e, ok := q.pop()
			if !ok {
				break
			}
			q.dispatch(e)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			for {
				e, ok := q.pop()
				if !ok {
					return
				}
				q.dispatch(e)
			}
		case <-q.notify:
		}
	}
}

func (q *Queue) dispatch(e Event) {
	for _, o := range q.observers {
		o.OnEvent(e)
	}
	q.processed.Add(1)
	if q.metrics != nil {
		q.mu.Lock()
		depth := q.size
		q.mu.Unlock()
		q.metrics.UpdateEventQueueDepth(depth)
	}
}

// Stop signals the worker to exit and waits for it to drain, matching the
// spec's "worker is started on mount, joined on unmount". Safe to call
// multiple times.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}

// Counters returns a snapshot of queued/processed/dropped/pending.
func (q *Queue) Counters() Counters {
	q.mu.Lock()
	pending := q.size
	q.mu.Unlock()
	return Counters{
		Queued:    q.queued.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   pending,
	}
}

// Len returns current queue occupancy (the "pending" counter).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
