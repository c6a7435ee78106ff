package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	for _, want := range []string{"a", "b", "c"} {
		v, err := q.Dequeue(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestDequeueParksUntilEnqueue(t *testing.T) {
	q := New()
	done := make(chan any, 1)
	go func() {
		v, err := q.Dequeue(5 * time.Second)
		require.NoError(t, err)
		done <- v
	}()

	time.Sleep(50 * time.Millisecond)
	q.Enqueue("late")

	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by enqueue")
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	_, err := q.Dequeue(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCloseReleasesParkedWaiter(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close(ReasonClientDisconnect)

	select {
	case err := <-errCh:
		reason, ok := IsClosed(err)
		require.True(t, ok, "expected ClosedError, got %v", err)
		assert.Equal(t, ReasonClientDisconnect, reason)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by close")
	}
}

func TestDequeueOnClosedQueue(t *testing.T) {
	q := New()
	q.Close(ReasonConnectionLost)

	_, err := q.Dequeue(time.Second)
	reason, ok := IsClosed(err)
	require.True(t, ok)
	assert.Equal(t, ReasonConnectionLost, reason)
}

func TestCloseIsIdempotentAndFirstReasonSticks(t *testing.T) {
	q := New()
	q.Close(ReasonRequestComplete)
	q.Close(ReasonConnectionLost)

	_, err := q.Dequeue(time.Second)
	reason, _ := IsClosed(err)
	assert.Equal(t, ReasonRequestComplete, reason)
}

func TestCloseDoesNotRevokeBufferedFrame(t *testing.T) {
	// A close racing a dequeue of an already-buffered frame must not steal
	// the frame from the consumer.
	q := New()
	q.Enqueue("kept")
	v, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
	q.Close(ReasonConnectionLost)
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	q := New()
	q.Close(ReasonRequestComplete)
	q.Enqueue("ghost")
	assert.Equal(t, 0, q.Len())
}

func TestEachFrameDeliveredAtMostOnce(t *testing.T) {
	q := New()
	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			q.Enqueue(i)
		}
	}()

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		v, err := q.Dequeue(time.Second)
		require.NoError(t, err)
		idx := v.(int)
		assert.False(t, seen[idx], "frame %d delivered twice", idx)
		assert.Equal(t, i, idx, "frames out of order")
		seen[idx] = true
	}
}

func TestTimeoutEnqueueRaceSingleOutcome(t *testing.T) {
	// Hammer the timeout/enqueue race: the waiter must observe exactly one
	// outcome, and a frame won by the producer must not vanish.
	for i := 0; i < 50; i++ {
		q := New()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			q.Enqueue("racer")
		}()

		v, err := q.Dequeue(time.Millisecond)
		wg.Wait()
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueTimeout)
			// The frame lost the race to the timer; it must still be
			// buffered for the next dequeue.
			v2, err2 := q.Dequeue(time.Second)
			require.NoError(t, err2)
			assert.Equal(t, "racer", v2)
		} else {
			assert.Equal(t, "racer", v)
		}
	}
}
