package wsbridge

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/queue"
)

// DefaultGraceWindow is how long outstanding queues survive after the last
// agent socket closes before they are cancelled.
const DefaultGraceWindow = 60 * time.Second

// queueEntry binds a request's queue to the identity it was dispatched on.
type queueEntry struct {
	q         *queue.Queue
	authIndex int
}

// Registry maps identities to live agent sockets and request ids to their
// frame queues, and owns the reconnection grace window.
//
// The grace window is a single global timer, not one per identity: the
// switcher keeps a single identity active at a time in this deployment. A
// multi-active-identity deployment must replace it with per-identity timers.
type Registry struct {
	mu          sync.Mutex
	connections map[int]*Socket
	queues      map[string]*queueEntry

	graceTimer *time.Timer

	// GraceWindow is the reconnection grace interval. Mutate only before
	// the first socket activity (tests shorten it).
	GraceWindow time.Duration

	// onConnectionLost runs after the grace window elapses with no socket
	// returning. It may restart the browser and reopen sockets, so it must
	// never fire re-entrantly.
	onConnectionLost func()
	lostInProgress   bool
}

// NewRegistry creates an empty registry. onConnectionLost may be nil.
func NewRegistry(onConnectionLost func()) *Registry {
	return &Registry{
		connections:      make(map[int]*Socket),
		queues:           make(map[string]*queueEntry),
		GraceWindow:      DefaultGraceWindow,
		onConnectionLost: onConnectionLost,
	}
}

// OnSocketOpen records a freshly-connected agent socket for its identity.
// Any running grace timer is cancelled. Queues bound to a different identity
// are closed and dropped: they were dispatched into a session that no longer
// exists. Queues bound to the reconnecting identity survive, so a transient
// socket drop inside the grace window does not kill in-flight requests.
func (r *Registry) OnSocketOpen(s *Socket) {
	r.mu.Lock()
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	stale := make(map[string]*queueEntry)
	for id, entry := range r.queues {
		if entry.authIndex != s.AuthIndex() {
			stale[id] = entry
			delete(r.queues, id)
		}
	}
	if old, ok := r.connections[s.AuthIndex()]; ok && old != s {
		old.Close()
	}
	r.connections[s.AuthIndex()] = s
	r.mu.Unlock()

	for id, entry := range stale {
		log.Debugf("dropping stale queue %s from previous agent session", id)
		entry.q.Close(queue.ReasonConnectionLost)
	}
	log.Infof("agent socket connected for identity %d", s.AuthIndex())
}

// OnSocketMessage routes one raw frame from the agent onto the matching
// request queue. Frames without a known request id and frames of unknown
// type are logged and dropped.
func (r *Registry) OnSocketMessage(s *Socket, data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		log.Warnf("discarding unparseable agent frame: %v", err)
		return
	}
	if frame.RequestID == "" {
		log.Warnf("discarding agent frame without request_id (type %q)", frame.Type)
		return
	}

	r.mu.Lock()
	entry, ok := r.queues[frame.RequestID]
	r.mu.Unlock()
	if !ok {
		log.Debugf("no queue for request %s, dropping %q frame", frame.RequestID, frame.Type)
		return
	}

	switch frame.Type {
	case constant.FrameResponseHeaders, constant.FrameChunk, constant.FrameError:
		entry.q.Enqueue(frame)
	case constant.FrameStreamClose:
		entry.q.Enqueue(StreamEnd)
	default:
		log.Warnf("unknown agent frame type %q for request %s", frame.Type, frame.RequestID)
	}
}

// OnSocketClose removes a closed socket and starts the grace window. If no
// socket reopens before it elapses, every outstanding queue is closed with
// reason "connection_lost" and the connection-lost callback runs once.
// A socket that was already replaced by a newer connection for the same
// identity closes without starting the window: the live replacement means
// nothing was lost.
func (r *Registry) OnSocketClose(s *Socket) {
	r.mu.Lock()
	cur, ok := r.connections[s.AuthIndex()]
	if !ok || cur != s {
		r.mu.Unlock()
		log.Debugf("superseded agent socket for identity %d closed", s.AuthIndex())
		return
	}
	delete(r.connections, s.AuthIndex())
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	window := r.GraceWindow
	r.graceTimer = time.AfterFunc(window, r.onGraceExpired)
	r.mu.Unlock()

	log.Warnf("agent socket for identity %d closed, grace window %s started", s.AuthIndex(), window)
}

// onGraceExpired fires when the grace window elapses without a reconnect.
func (r *Registry) onGraceExpired() {
	r.mu.Lock()
	r.graceTimer = nil
	if len(r.connections) > 0 || r.lostInProgress {
		r.mu.Unlock()
		return
	}
	r.lostInProgress = true
	orphans := r.takeQueuesLocked()
	cb := r.onConnectionLost
	r.mu.Unlock()

	log.Errorf("no agent socket returned within the grace window, cancelling %d queue(s)", len(orphans))
	for _, entry := range orphans {
		entry.q.Close(queue.ReasonConnectionLost)
	}
	if cb != nil {
		cb()
	}

	r.mu.Lock()
	r.lostInProgress = false
	r.mu.Unlock()
}

// takeQueuesLocked detaches and returns all registered queues. Caller holds mu.
func (r *Registry) takeQueuesLocked() map[string]*queueEntry {
	taken := r.queues
	r.queues = make(map[string]*queueEntry)
	return taken
}

// GraceActive reports whether a grace timer is currently running.
func (r *Registry) GraceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graceTimer != nil
}

// ReconnectInProgress reports whether the connection-lost callback is
// currently rebuilding the session.
func (r *Registry) ReconnectInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lostInProgress
}

// CreateQueue registers a new queue for the request id, bound to the given
// identity. A prior queue under the same id is closed with reason
// "replaced_on_retry" and replaced.
func (r *Registry) CreateQueue(requestID string, authIndex int) *queue.Queue {
	q := queue.New()
	r.mu.Lock()
	prev, existed := r.queues[requestID]
	r.queues[requestID] = &queueEntry{q: q, authIndex: authIndex}
	r.mu.Unlock()
	if existed {
		prev.q.Close(queue.ReasonReplacedOnRetry)
	}
	return q
}

// RemoveQueue closes and drops the request's queue. Missing ids are ignored.
func (r *Registry) RemoveQueue(requestID, reason string) {
	r.mu.Lock()
	entry, ok := r.queues[requestID]
	delete(r.queues, requestID)
	r.mu.Unlock()
	if ok {
		entry.q.Close(reason)
	}
}

// SocketByIdentity returns the live socket for an identity, if any.
func (r *Registry) SocketByIdentity(authIndex int) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.connections[authIndex]
	return s, ok
}

// IdentityByRequest returns the identity a request id is currently bound to.
// Retries may rebind a request, so cancellation must consult this rather
// than the switcher's current index.
func (r *Registry) IdentityByRequest(requestID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.queues[requestID]; ok {
		return entry.authIndex, true
	}
	return 0, false
}

// Connected reports whether any agent socket is live.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections) > 0
}

// WaitForSocket polls until a live socket exists for the identity or the
// timeout elapses. Returns the socket, or nil on timeout.
func (r *Registry) WaitForSocket(authIndex int, timeout time.Duration) *Socket {
	deadline := time.Now().Add(timeout)
	for {
		if s, ok := r.SocketByIdentity(authIndex); ok {
			return s
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Broadcast sends a frame on every live socket.
func (r *Registry) Broadcast(f *Frame) {
	r.mu.Lock()
	sockets := make([]*Socket, 0, len(r.connections))
	for _, s := range r.connections {
		sockets = append(sockets, s)
	}
	r.mu.Unlock()
	for _, s := range sockets {
		if err := s.SendJSON(f); err != nil {
			log.Warnf("broadcast to identity %d failed: %v", s.AuthIndex(), err)
		}
	}
}
