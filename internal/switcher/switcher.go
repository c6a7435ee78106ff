// Package switcher implements account rotation across the identity pool:
// usage-based rotation, failure-count rotation, immediate-switch status
// codes, and the busy interlock that keeps concurrent recoveries from
// trampling each other.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/authstore"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/usage"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

// ErrAlreadyInProgress is returned when a switch is requested while another
// switch or recovery holds the busy interlock.
var ErrAlreadyInProgress = errors.New("switcher: switch already in progress")

// ErrNoAccounts is returned when the rotation list is empty or every
// identity failed to activate.
var ErrNoAccounts = errors.New("switcher: no usable accounts")

// socketWait is how long a switch waits for the agent socket after asking
// the manager to activate an identity.
const socketWait = 10 * time.Second

// Activator brings an identity from cold state to "agent socket live". The
// browser fleet manager implements it.
type Activator interface {
	LaunchOrSwitchContext(ctx context.Context, id *authstore.Identity) error
}

// Snapshot is a lock-free informational copy of the switcher counters.
// Readers may observe slightly stale values.
type Snapshot struct {
	CurrentAuthIndex int  `json:"current_auth_index"`
	UsageCount       int  `json:"usage_count"`
	FailureCount     int  `json:"failure_count"`
	Busy             bool `json:"busy"`
	Accounts         int  `json:"accounts"`
}

// Switcher owns the rotation pool and the per-identity counters.
type Switcher struct {
	cfg       *config.Config
	registry  *wsbridge.Registry
	activator Activator
	stats     *usage.Store

	mu               sync.Mutex
	identities       []*authstore.Identity
	currentAuthIndex int
	usageCount       int
	failureCount     int
	busy             bool
	needsSwitch      bool
}

// New creates a switcher over the given rotation pool. stats may be nil.
func New(cfg *config.Config, registry *wsbridge.Registry, activator Activator, stats *usage.Store, identities []*authstore.Identity) *Switcher {
	s := &Switcher{
		cfg:              cfg,
		registry:         registry,
		activator:        activator,
		stats:            stats,
		currentAuthIndex: -1,
	}
	s.Reload(identities)
	return s
}

// Reload replaces the rotation list. The list keeps its order and is
// deduplicated by email: operators sometimes save the same account under
// two indices, and rotating between aliases of one account is pointless.
func (s *Switcher) Reload(identities []*authstore.Identity) {
	seen := make(map[string]bool, len(identities))
	pool := make([]*authstore.Identity, 0, len(identities))
	for _, id := range identities {
		email := id.Email()
		if email != "" {
			if seen[email] {
				log.Debugf("identity %d duplicates account %s, excluded from rotation", id.Index, email)
				continue
			}
			seen[email] = true
		}
		pool = append(pool, id)
	}

	s.mu.Lock()
	s.identities = pool
	s.mu.Unlock()
	log.Infof("rotation pool loaded: %d account(s)", len(pool))
}

// CurrentAuthIndex returns the active identity index, or -1 when none is
// active.
func (s *Switcher) CurrentAuthIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAuthIndex
}

// CurrentIdentity returns the active identity, or nil.
func (s *Switcher) CurrentIdentity() *authstore.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityByIndexLocked(s.currentAuthIndex)
}

// IdentityByIndex returns the pool entry with the given auth index, or nil.
func (s *Switcher) IdentityByIndex(index int) *authstore.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityByIndexLocked(index)
}

func (s *Switcher) identityByIndexLocked(index int) *authstore.Identity {
	for _, id := range s.identities {
		if id.Index == index {
			return id
		}
	}
	return nil
}

// PoolSize returns the number of identities in rotation.
func (s *Switcher) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// IncrementUsage counts one generative request against the active identity
// and returns the new count. When the configured switch-on-uses threshold is
// reached, the post-request switch flag is set; actual rotation is deferred
// until the response finishes.
func (s *Switcher) IncrementUsage() int {
	s.mu.Lock()
	s.usageCount++
	count := s.usageCount
	if s.cfg.SwitchOnUses > 0 && count >= s.cfg.SwitchOnUses {
		s.needsSwitch = true
	}
	current := s.currentAuthIndex
	s.mu.Unlock()

	if s.stats != nil && current >= 0 {
		s.stats.RecordRequest(current)
	}
	return count
}

// ConsumeSwitchFlag returns and clears the deferred-rotation flag.
func (s *Switcher) ConsumeSwitchFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	needed := s.needsSwitch
	s.needsSwitch = false
	return needed
}

// RecordSuccess resets the consecutive-failure counter.
func (s *Switcher) RecordSuccess() {
	s.mu.Lock()
	s.failureCount = 0
	s.mu.Unlock()
}

// RecordFailure counts a failed attempt against the active identity and
// reports whether the caller should rotate now: either the status is an
// immediate-switch code, or the consecutive-failure threshold was reached.
func (s *Switcher) RecordFailure(status int) bool {
	s.mu.Lock()
	s.failureCount++
	count := s.failureCount
	current := s.currentAuthIndex
	s.mu.Unlock()

	if s.stats != nil && current >= 0 {
		s.stats.RecordFailure(current)
	}
	if s.cfg.IsImmediateSwitchStatus(status) {
		log.Warnf("status %d is an immediate-switch code, rotating identity", status)
		return true
	}
	if s.cfg.FailureThreshold > 0 && count >= s.cfg.FailureThreshold {
		log.Warnf("%d consecutive failures reached threshold, rotating identity", count)
		return true
	}
	return false
}

// IsBusy reports whether a switch or recovery currently holds the interlock.
func (s *Switcher) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SetBusy acquires the interlock without rotating. Only the pipeline's
// direct-recovery path may call this; it must pair it with ClearBusy and
// must not call SwitchToNext while holding it.
func (s *Switcher) SetBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// ClearBusy releases the interlock taken by SetBusy.
func (s *Switcher) ClearBusy() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// WaitUntilIdle waits for the interlock to clear, polling until the timeout.
func (s *Switcher) WaitUntilIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !s.IsBusy() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// SwitchToNext advances through the rotation list starting after the current
// identity, activating each candidate until one produces a live agent
// socket. On total failure the current index becomes -1. Returns the new
// active index.
func (s *Switcher) SwitchToNext(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return -1, ErrAlreadyInProgress
	}
	s.busy = true
	pool := s.identities
	current := s.currentAuthIndex
	s.mu.Unlock()

	defer s.ClearBusy()

	if len(pool) == 0 {
		s.setCurrent(-1)
		return -1, ErrNoAccounts
	}

	// Find the position of the current identity in the pool so rotation
	// starts right after it. An inactive or unknown index starts from 0.
	start := 0
	for i, id := range pool {
		if id.Index == current {
			start = (i + 1) % len(pool)
			break
		}
	}

	for n := 0; n < len(pool); n++ {
		candidate := pool[(start+n)%len(pool)]
		if err := s.activate(ctx, candidate); err != nil {
			log.Warnf("identity %d failed to activate: %v", candidate.Index, err)
			continue
		}
		s.setCurrent(candidate.Index)
		log.Infof("switched to identity %d (%s)", candidate.Index, candidate.Email())
		return candidate.Index, nil
	}

	s.setCurrent(-1)
	return -1, fmt.Errorf("%w: all %d identities failed to activate", ErrNoAccounts, len(pool))
}

// SwitchToSpecific activates one target identity under the same busy
// semantics as SwitchToNext, without rotation.
func (s *Switcher) SwitchToSpecific(ctx context.Context, index int) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrAlreadyInProgress
	}
	s.busy = true
	target := s.identityByIndexLocked(index)
	s.mu.Unlock()

	defer s.ClearBusy()

	if target == nil {
		return fmt.Errorf("unknown identity index %d", index)
	}
	if err := s.activate(ctx, target); err != nil {
		return err
	}
	s.setCurrent(index)
	return nil
}

// activate asks the manager to bring an identity up and waits for its agent
// socket to reach the registry.
func (s *Switcher) activate(ctx context.Context, id *authstore.Identity) error {
	if err := s.activator.LaunchOrSwitchContext(ctx, id); err != nil {
		return err
	}
	if s.registry.WaitForSocket(id.Index, socketWait) == nil {
		return fmt.Errorf("agent socket for identity %d did not appear within %s", id.Index, socketWait)
	}
	return nil
}

// setCurrent installs a new active index and resets the per-identity
// counters.
func (s *Switcher) setCurrent(index int) {
	s.mu.Lock()
	s.currentAuthIndex = index
	s.usageCount = 0
	s.failureCount = 0
	s.mu.Unlock()
	if s.stats != nil && index >= 0 {
		s.stats.RecordSwitch(index)
	}
}

// Snapshot returns an informational copy of the counters.
func (s *Switcher) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CurrentAuthIndex: s.currentAuthIndex,
		UsageCount:       s.usageCount,
		FailureCount:     s.failureCount,
		Busy:             s.busy,
		Accounts:         len(s.identities),
	}
}
