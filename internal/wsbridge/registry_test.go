package wsbridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioproxy/StudioProxyAPI/internal/queue"
)

func testSocket(authIndex int) *Socket {
	// A nil conn is fine as long as nothing writes on it.
	return NewSocket(nil, authIndex)
}

func TestCreateQueueReplacesExisting(t *testing.T) {
	r := NewRegistry(nil)
	q1 := r.CreateQueue("req-1", 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := q1.Dequeue(5 * time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q2 := r.CreateQueue("req-1", 1)

	select {
	case err := <-errCh:
		reason, ok := queue.IsClosed(err)
		require.True(t, ok)
		assert.Equal(t, queue.ReasonReplacedOnRetry, reason)
	case <-time.After(time.Second):
		t.Fatal("first queue's waiter not released on replacement")
	}

	idx, ok := r.IdentityByRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.False(t, q2.Closed())
}

func TestOnSocketMessageRoutesFrames(t *testing.T) {
	r := NewRegistry(nil)
	q := r.CreateQueue("req-1", 0)
	s := testSocket(0)

	r.OnSocketMessage(s, []byte(`{"event_type":"response_headers","request_id":"req-1","status":200,"headers":{"content-type":"application/json"}}`))
	r.OnSocketMessage(s, []byte(`{"event_type":"chunk","request_id":"req-1","data":"hello"}`))
	r.OnSocketMessage(s, []byte(`{"event_type":"stream_close","request_id":"req-1"}`))

	v, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	frame := v.(*Frame)
	assert.Equal(t, "response_headers", frame.Type)
	assert.Equal(t, 200, frame.Status)

	v, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v.(*Frame).Data)

	v, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, StreamEnd, v)
}

func TestOnSocketMessageDropsUnknownAndUnmatched(t *testing.T) {
	r := NewRegistry(nil)
	q := r.CreateQueue("req-1", 0)
	s := testSocket(0)

	r.OnSocketMessage(s, []byte(`not json`))
	r.OnSocketMessage(s, []byte(`{"event_type":"chunk"}`))
	r.OnSocketMessage(s, []byte(`{"event_type":"chunk","request_id":"other"}`))
	r.OnSocketMessage(s, []byte(`{"event_type":"mystery","request_id":"req-1"}`))

	assert.Equal(t, 0, q.Len())
}

func TestGraceWindowReconnectCancelsTimer(t *testing.T) {
	var lost atomic.Int32
	r := NewRegistry(func() { lost.Add(1) })
	r.GraceWindow = 50 * time.Millisecond

	s := testSocket(0)
	r.OnSocketOpen(s)
	q := r.CreateQueue("req-1", 0)

	r.OnSocketClose(s)
	assert.True(t, r.GraceActive())

	// Reopen within the window: nothing may be cancelled.
	s2 := testSocket(0)
	r.OnSocketOpen(s2)
	assert.False(t, r.GraceActive())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), lost.Load())
	assert.False(t, q.Closed(), "same-identity reconnect must preserve queues")
}

func TestSocketOpenDropsQueuesOfOtherIdentities(t *testing.T) {
	r := NewRegistry(nil)
	r.GraceWindow = time.Minute

	s := testSocket(0)
	r.OnSocketOpen(s)
	qOld := r.CreateQueue("req-old", 0)
	r.OnSocketClose(s)

	// The manager switched to identity 1; identity 0's queue is dead.
	r.OnSocketOpen(testSocket(1))

	assert.True(t, qOld.Closed())
	reason, _ := queue.IsClosed(func() error { _, err := qOld.Dequeue(time.Millisecond); return err }())
	assert.Equal(t, queue.ReasonConnectionLost, reason)
}

func TestGraceWindowExpiryClosesQueuesAndFiresOnce(t *testing.T) {
	var lost atomic.Int32
	r := NewRegistry(func() { lost.Add(1) })
	r.GraceWindow = 40 * time.Millisecond

	s := testSocket(0)
	r.OnSocketOpen(s)
	q1 := r.CreateQueue("req-1", 0)
	q2 := r.CreateQueue("req-2", 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := q1.Dequeue(5 * time.Second)
		errCh <- err
	}()

	r.OnSocketClose(s)
	time.Sleep(120 * time.Millisecond)

	select {
	case err := <-errCh:
		reason, ok := queue.IsClosed(err)
		require.True(t, ok)
		assert.Equal(t, queue.ReasonConnectionLost, reason)
	default:
		t.Fatal("parked waiter not released on grace expiry")
	}
	assert.True(t, q2.Closed())
	assert.Equal(t, int32(1), lost.Load())
}

func TestGraceCallbackNotReentrant(t *testing.T) {
	r := NewRegistry(nil)
	r.GraceWindow = 30 * time.Millisecond

	var calls atomic.Int32
	reconnected := make(chan struct{})
	r.onConnectionLost = func() {
		calls.Add(1)
		// Simulate the manager restarting the browser and the agent
		// reconnecting while the callback is still running.
		r.OnSocketOpen(testSocket(0))
		close(reconnected)
	}

	s := testSocket(0)
	r.OnSocketOpen(s)
	r.OnSocketClose(s)

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("lost callback never ran")
	}
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSupersededSocketCloseLeavesGraceIdle(t *testing.T) {
	r := NewRegistry(nil)
	r.GraceWindow = time.Minute

	old := testSocket(0)
	r.OnSocketOpen(old)
	replacement := testSocket(0)
	r.OnSocketOpen(replacement)

	// The replaced socket's close must not start the window: the identity is
	// still served by the replacement.
	r.OnSocketClose(old)
	assert.False(t, r.GraceActive())
	got, ok := r.SocketByIdentity(0)
	require.True(t, ok)
	assert.Same(t, replacement, got)

	r.OnSocketClose(replacement)
	assert.True(t, r.GraceActive())
}

func TestRemoveQueue(t *testing.T) {
	r := NewRegistry(nil)
	q := r.CreateQueue("req-1", 2)
	r.RemoveQueue("req-1", queue.ReasonRequestComplete)

	assert.True(t, q.Closed())
	_, ok := r.IdentityByRequest("req-1")
	assert.False(t, ok)

	// Removing twice is harmless.
	r.RemoveQueue("req-1", queue.ReasonRequestComplete)
}

func TestSocketLookup(t *testing.T) {
	r := NewRegistry(nil)
	s := testSocket(3)
	r.OnSocketOpen(s)

	got, ok := r.SocketByIdentity(3)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.True(t, r.Connected())

	r.OnSocketClose(s)
	_, ok = r.SocketByIdentity(3)
	assert.False(t, ok)
}
