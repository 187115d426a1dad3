package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathQueue_FIFO(t *testing.T) {
	q := newPathQueue()

	for _, p := range []string{"a.sql", "b.sql", "c.sql"} {
		require.True(t, q.Enqueue(p))
	}

	for _, want := range []string{"a.sql", "b.sql", "c.sql"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestPathQueue_CoalescesQueuedPath(t *testing.T) {
	q := newPathQueue()

	q.Enqueue("a.sql")
	q.Enqueue("b.sql")
	q.Enqueue("a.sql")
	assert.Equal(t, 2, q.Len())

	p, _ := q.TryDequeue()
	assert.Equal(t, "a.sql", p)

	// Once dequeued, the path may be queued again.
	q.Enqueue("a.sql")
	assert.Equal(t, 2, q.Len())
}

func TestPathQueue_WaitSignals(t *testing.T) {
	q := newPathQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue("a.sql")
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
	p, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a.sql", p)
}

func TestPathQueue_Close(t *testing.T) {
	q := newPathQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue("a.sql"))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestPathQueue_ConcurrentEnqueue(t *testing.T) {
	q := newPathQueue()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(string(rune('A' + i%26)))
		}()
	}
	wg.Wait()

	assert.Equal(t, 26, q.Len())
}
