package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/authstore"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/queue"
	"github.com/studioproxy/StudioProxyAPI/internal/switcher"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

const (
	busyWait        = 120 * time.Second
	socketWait      = 10 * time.Second
	graceWait       = 60 * time.Second
	socketPollEvery = 500 * time.Millisecond
)

// Fleet is the part of the browser manager the pipeline depends on.
type Fleet interface {
	Started() bool
	LaunchOrSwitchContext(ctx context.Context, id *authstore.Identity) error
	NotifyUserActivity()
}

// Pipeline carries one request from readiness gating through the attempt
// loop. Response shaping lives in stream.go; dialect translation is the
// caller's business.
type Pipeline struct {
	cfg      *config.Config
	registry *wsbridge.Registry
	sw       *switcher.Switcher
	fleet    Fleet
}

// New builds a pipeline.
func New(cfg *config.Config, registry *wsbridge.Registry, sw *switcher.Switcher, fleet Fleet) *Pipeline {
	return &Pipeline{cfg: cfg, registry: registry, sw: sw, fleet: fleet}
}

// StatusError is a pipeline failure with the HTTP status to report.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

func statusErr(status int, format string, args ...any) *StatusError {
	return &StatusError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Result is a successful dispatch: the first frame (response_headers) and
// the queue carrying the rest of the stream.
type Result struct {
	First *wsbridge.Frame
	Queue *queue.Queue
}

// Execute runs the readiness gate, usage counting, queue allocation and the
// attempt loop for one request. On success the caller owns the queue until
// it calls Finalize.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Result, error) {
	p.fleet.NotifyUserActivity()

	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	if req.Generative {
		count := p.sw.IncrementUsage()
		log.Debugf("identity %d usage count: %d", p.sw.CurrentAuthIndex(), count)
	}
	return p.dispatch(ctx, req)
}

// Finalize releases the request's queue and performs the deferred rotation
// when the usage threshold was crossed during the request.
func (p *Pipeline) Finalize(requestID string) {
	p.registry.RemoveQueue(requestID, queue.ReasonRequestComplete)
	if p.sw.ConsumeSwitchFlag() {
		go func() {
			if _, err := p.sw.SwitchToNext(context.Background()); err != nil &&
				!errors.Is(err, switcher.ErrAlreadyInProgress) {
				log.Warnf("deferred rotation failed: %v", err)
			}
		}()
	}
}

// CancelForClient aborts an in-flight request after the HTTP client went
// away: the cancel goes to whichever identity currently owns the request-id
// (retries may have crossed identities), then the queue closes. Never counts
// as a failure.
func (p *Pipeline) CancelForClient(requestID string) {
	if idx, ok := p.registry.IdentityByRequest(requestID); ok {
		if sock, live := p.registry.SocketByIdentity(idx); live {
			if err := sock.SendJSON(wsbridge.CancelFrame(requestID)); err != nil {
				log.Debugf("cancel_request send: %v", err)
			}
		}
	}
	p.registry.RemoveQueue(requestID, queue.ReasonClientDisconnect)
}

// ensureReady implements the readiness gate: recovery when no socket exists,
// then bounded waits for the busy interlock and the socket.
func (p *Pipeline) ensureReady(ctx context.Context) error {
	if _, ok := p.registry.SocketByIdentity(p.sw.CurrentAuthIndex()); !ok {
		if err := p.recover(ctx); err != nil {
			return err
		}
	}
	if !p.sw.WaitUntilIdle(busyWait) {
		return statusErr(http.StatusServiceUnavailable, "identity switch did not settle within %s", busyWait)
	}
	if p.registry.WaitForSocket(p.sw.CurrentAuthIndex(), socketWait) == nil {
		return statusErr(http.StatusServiceUnavailable, "no agent connection available")
	}
	return nil
}

// recover re-establishes an agent socket. A live grace window gets a bounded
// wait for the agent to come back; a cold start rotates to the first viable
// identity; a dead socket on a known identity tries direct recovery in place
// before falling back to rotation.
func (p *Pipeline) recover(ctx context.Context) error {
	if p.sw.PoolSize() == 0 {
		return statusErr(http.StatusServiceUnavailable, "no accounts configured")
	}

	if p.registry.GraceActive() || p.registry.ReconnectInProgress() {
		if p.waitForCurrentSocket(ctx, graceWait) {
			return nil
		}
	}

	current := p.sw.CurrentAuthIndex()
	if p.fleet.Started() && current >= 0 {
		if p.directRecovery(ctx, current) {
			return nil
		}
	}

	if _, err := p.sw.SwitchToNext(ctx); err != nil {
		if errors.Is(err, switcher.ErrAlreadyInProgress) {
			// A concurrent request is already switching; the busy wait in
			// ensureReady picks up the outcome.
			return nil
		}
		return statusErr(http.StatusServiceUnavailable, "no identity could be activated: %v", err)
	}
	return nil
}

// directRecovery relaunches the current identity's context in place. This
// path owns the busy flag itself; it must not go through SwitchToNext,
// which would see the flag it just set and self-reject.
func (p *Pipeline) directRecovery(ctx context.Context, current int) bool {
	id := p.sw.IdentityByIndex(current)
	if id == nil {
		return false
	}
	if !p.sw.SetBusy() {
		return p.waitForCurrentSocket(ctx, busyWait)
	}
	defer p.sw.ClearBusy()

	log.Infof("direct recovery of identity %d", current)
	if err := p.fleet.LaunchOrSwitchContext(ctx, id); err != nil {
		log.Warnf("direct recovery of identity %d failed: %v", current, err)
		return false
	}
	return p.registry.WaitForSocket(current, socketWait) != nil
}

func (p *Pipeline) waitForCurrentSocket(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := p.registry.SocketByIdentity(p.sw.CurrentAuthIndex()); ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(socketPollEvery):
		}
	}
	return false
}

// dispatch runs the attempt loop: send the proxy_request frame, wait for the
// first frame, and classify the outcome. Failed attempts cancel the upstream
// call on the identity that received it, re-create the queue on the
// now-current identity and pause before retrying.
func (p *Pipeline) dispatch(ctx context.Context, req *Request) (*Result, error) {
	boundIndex := p.sw.CurrentAuthIndex()
	q := p.registry.CreateQueue(req.ID, boundIndex)

	// Only the success return hands the queue to the caller; every failure
	// return must unregister it, or late agent frames for this id would
	// buffer into an orphaned queue forever.
	fail := func(status int, format string, args ...any) (*Result, error) {
		p.registry.RemoveQueue(req.ID, queue.ReasonRequestComplete)
		return nil, statusErr(status, format, args...)
	}

	lastStatus := http.StatusServiceUnavailable
	shouldSwitch := false
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		sock, ok := p.registry.SocketByIdentity(boundIndex)
		if !ok {
			return fail(http.StatusServiceUnavailable, "agent connection lost before dispatch")
		}
		if err := sock.SendJSON(BuildProxyFrame(req)); err != nil {
			return fail(http.StatusServiceUnavailable, "failed to reach agent: %v", err)
		}

		value, err := q.Dequeue(queue.DefaultDequeueTimeout)
		switch {
		case err == nil:
			frame, isFrame := value.(*wsbridge.Frame)
			if !isFrame {
				return fail(http.StatusBadGateway, "upstream closed before responding")
			}
			if frame.Type == constant.FrameError || frame.Status >= http.StatusBadRequest {
				lastStatus = frame.Status
				if lastStatus == 0 {
					lastStatus = http.StatusBadGateway
				}
				shouldSwitch = p.sw.RecordFailure(lastStatus)
				immediate := shouldSwitch && p.cfg.IsImmediateSwitchStatus(lastStatus)
				log.Warnf("attempt %d/%d failed with upstream status %d: %s",
					attempt, p.cfg.MaxRetries, lastStatus, frame.Message)
				if immediate {
					p.scheduleRotation()
					return fail(http.StatusServiceUnavailable,
						"upstream rejected the request with status %d", lastStatus)
				}
			} else {
				p.sw.RecordSuccess()
				return &Result{First: frame, Queue: q}, nil
			}

		case errors.Is(err, queue.ErrQueueTimeout):
			lastStatus = http.StatusGatewayTimeout
			shouldSwitch = p.sw.RecordFailure(lastStatus)
			log.Warnf("attempt %d/%d timed out waiting for the agent", attempt, p.cfg.MaxRetries)

		default:
			if reason, closed := queue.IsClosed(err); closed {
				// The socket died or the client left; retrying is pointless
				// and the identity is not at fault.
				return fail(http.StatusServiceUnavailable, "request aborted: %s", reason)
			}
			return fail(http.StatusInternalServerError, "dequeue failed: %v", err)
		}

		if attempt < p.cfg.MaxRetries {
			p.cancelOn(boundIndex, req.ID)
			p.registry.RemoveQueue(req.ID, queue.ReasonRetryNewQueue)
			boundIndex = p.sw.CurrentAuthIndex()
			q = p.registry.CreateQueue(req.ID, boundIndex)
			select {
			case <-ctx.Done():
				return fail(http.StatusServiceUnavailable, "request cancelled")
			case <-time.After(p.cfg.RetryDelay()):
			}
		}
	}

	if shouldSwitch {
		p.scheduleRotation()
	}
	return fail(lastStatus, "upstream did not answer after %d attempts", p.cfg.MaxRetries)
}

// cancelOn aborts the in-flight upstream call on the identity that received
// it, which may differ from the current one after a mid-retry switch.
func (p *Pipeline) cancelOn(authIndex int, requestID string) {
	if sock, ok := p.registry.SocketByIdentity(authIndex); ok {
		if err := sock.SendJSON(wsbridge.CancelFrame(requestID)); err != nil {
			log.Debugf("cancel_request send: %v", err)
		}
	}
}

// scheduleRotation starts a background switch when the failure bookkeeping
// says the identity is done.
func (p *Pipeline) scheduleRotation() {
	go func() {
		if _, err := p.sw.SwitchToNext(context.Background()); err != nil &&
			!errors.Is(err, switcher.ErrAlreadyInProgress) {
			log.Warnf("failure-driven rotation failed: %v", err)
		}
	}()
}
