package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// recorder collects task labels in execution order.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) task(label string) Task {
	return func() {
		r.mu.Lock()
		r.got = append(r.got, label)
		r.mu.Unlock()
	}
}

func (r *recorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestQueue_FlushPreservesOrder(t *testing.T) {
	q := New()
	var r recorder

	require.True(t, q.EnqueueOrRun(r.task("a")))
	require.True(t, q.EnqueueOrRun(r.task("b")))
	require.True(t, q.EnqueueOrRun(r.task("c")))
	require.Equal(t, 3, q.Len())
	require.Empty(t, r.labels(), "nothing runs before flush")

	require.Equal(t, 3, q.Flush())
	require.Equal(t, []string{"a", "b", "c"}, r.labels())
	require.Equal(t, ModePassThrough, q.State())
	require.Zero(t, q.Len())
}

func TestQueue_PassThroughRunsImmediately(t *testing.T) {
	q := New()
	var r recorder

	q.EnqueueOrRun(r.task("a"))
	q.EnqueueOrRun(r.task("b"))
	q.EnqueueOrRun(r.task("c"))
	q.Flush()

	require.False(t, q.EnqueueOrRun(r.task("d")))
	require.Equal(t, []string{"a", "b", "c", "d"}, r.labels())
	require.Zero(t, q.Len(), "backlog stays empty in pass-through")
}

func TestQueue_FlushEmpty(t *testing.T) {
	q := New()
	require.Equal(t, 0, q.Flush())
	require.Equal(t, ModePassThrough, q.State())
}

func TestQueue_SecondFlushIsNoop(t *testing.T) {
	q := New()
	var r recorder
	q.EnqueueOrRun(r.task("a"))

	require.Equal(t, 1, q.Flush())
	require.Equal(t, 0, q.Flush())
	require.Equal(t, []string{"a"}, r.labels())
}

func TestQueue_NilTask(t *testing.T) {
	q := New()
	require.False(t, q.EnqueueOrRun(nil))
	require.Zero(t, q.Len())
}

func TestQueue_ReentrantEnqueue(t *testing.T) {
	q := New()
	var r recorder

	q.EnqueueOrRun(func() {
		r.task("a")()
		require.Equal(t, ModeDraining, q.State())
		require.True(t, q.EnqueueOrRun(r.task("a.child")))
	})
	q.EnqueueOrRun(r.task("b"))

	require.Equal(t, 3, q.Flush())
	require.Equal(t, []string{"a", "b", "a.child"}, r.labels())
	require.Equal(t, ModePassThrough, q.State())
}

func TestQueue_ArrivalsDuringDrain(t *testing.T) {
	q := New()
	var r recorder

	started := make(chan struct{})
	release := make(chan struct{})

	q.EnqueueOrRun(func() {
		close(started)
		<-release
		r.task("first")()
	})
	q.EnqueueOrRun(r.task("second"))

	flushed := make(chan int)
	go func() { flushed <- q.Flush() }()

	<-started
	// The drain is in progress on another goroutine and the lock is free.
	require.Equal(t, ModeDraining, q.State())
	require.True(t, q.EnqueueOrRun(r.task("late-1")))
	require.True(t, q.EnqueueOrRun(r.task("late-2")))
	close(release)

	select {
	case n := <-flushed:
		require.Equal(t, 4, n)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	require.Equal(t, []string{"first", "second", "late-1", "late-2"}, r.labels())

	require.False(t, q.EnqueueOrRun(r.task("after")))
	require.Equal(t, "after", r.labels()[4])
}

func TestQueue_PerProducerFIFO(t *testing.T) {
	const producers = 4
	const perProducer = 200

	q := New()
	var mu sync.Mutex
	seen := make(map[int][]int)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				q.EnqueueOrRun(func() {
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
				})
				if p == 0 && i == perProducer/2 {
					go q.Flush()
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Whatever was still captured gets replayed by the in-flight flush.
	require.Eventually(t, func() bool {
		return q.State() == ModePassThrough
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for p := 0; p < producers; p++ {
		require.Len(t, seen[p], perProducer, "producer %d", p)
		for i, v := range seen[p] {
			require.Equal(t, i, v, "producer %d out of order", p)
		}
	}
}

func TestQueue_PanicIsolation(t *testing.T) {
	q := New()
	var r recorder

	q.EnqueueOrRun(r.task("a"))
	q.EnqueueOrRun(func() { panic("boom") })
	q.EnqueueOrRun(r.task("c"))

	require.NotPanics(t, func() {
		require.Equal(t, 3, q.Flush())
	})
	require.Equal(t, []string{"a", "c"}, r.labels())
	require.Equal(t, ModePassThrough, q.State())
}

func TestQueue_WithRunner(t *testing.T) {
	var routed []Task
	q := New(WithRunner(func(t Task) { routed = append(routed, t) }))
	var r recorder

	q.EnqueueOrRun(r.task("a"))
	q.Flush()
	q.EnqueueOrRun(r.task("b"))

	require.Len(t, routed, 2)
	require.Empty(t, r.labels(), "runner decides when tasks execute")
	for _, task := range routed {
		task()
	}
	require.Equal(t, []string{"a", "b"}, r.labels())
}

func TestQueue_Discard(t *testing.T) {
	q := New()
	var r recorder
	q.EnqueueOrRun(r.task("a"))
	q.EnqueueOrRun(r.task("b"))

	require.Equal(t, 2, q.Discard())
	require.Equal(t, ModeQueueing, q.State())
	require.Equal(t, 0, q.Flush())
	require.Empty(t, r.labels())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "queueing", ModeQueueing.String())
	assert.Equal(t, "draining", ModeDraining.String())
	assert.Equal(t, "pass_through", ModePassThrough.String())
	assert.Equal(t, "unknown", Mode(9).String())
}
