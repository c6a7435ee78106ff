package switcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioproxy/StudioProxyAPI/internal/authstore"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

// fakeActivator connects a fake socket for every identity it is asked to
// activate, unless the identity index is listed in failing.
type fakeActivator struct {
	registry *wsbridge.Registry
	failing  map[int]bool

	mu        sync.Mutex
	activated []int
}

func (f *fakeActivator) LaunchOrSwitchContext(_ context.Context, id *authstore.Identity) error {
	f.mu.Lock()
	f.activated = append(f.activated, id.Index)
	f.mu.Unlock()
	if f.failing[id.Index] {
		return errors.New("activation failed")
	}
	f.registry.OnSocketOpen(wsbridge.NewSocket(nil, id.Index))
	return nil
}

func (f *fakeActivator) order() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.activated...)
}

func identity(index int, email string) *authstore.Identity {
	return &authstore.Identity{Index: index, State: &authstore.State{AccountName: email}}
}

func newTestSwitcher(t *testing.T, failing map[int]bool, ids ...*authstore.Identity) (*Switcher, *fakeActivator) {
	t.Helper()
	cfg := &config.Config{
		SwitchOnUses:               3,
		FailureThreshold:           2,
		ImmediateSwitchStatusCodes: []int{429},
		MaxRetries:                 3,
	}
	registry := wsbridge.NewRegistry(nil)
	activator := &fakeActivator{registry: registry, failing: failing}
	return New(cfg, registry, activator, nil, ids), activator
}

func TestRotationDedupesByEmail(t *testing.T) {
	s, _ := newTestSwitcher(t, nil,
		identity(0, "a@example.com"),
		identity(1, "A@Example.com "),
		identity(2, "b@example.com"),
		identity(3, ""),
	)
	assert.Equal(t, 3, s.PoolSize())
}

func TestUsageThresholdSetsSwitchFlag(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"), identity(1, "b@x"))

	assert.Equal(t, 1, s.IncrementUsage())
	assert.Equal(t, 2, s.IncrementUsage())
	assert.False(t, s.ConsumeSwitchFlag())
	s.IncrementUsage()
	assert.True(t, s.ConsumeSwitchFlag())
	// Consuming clears the flag.
	assert.False(t, s.ConsumeSwitchFlag())
}

func TestRecordFailureThresholdAndReset(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"))

	assert.False(t, s.RecordFailure(500))
	s.RecordSuccess()
	assert.False(t, s.RecordFailure(500), "success must reset the failure count")
	assert.True(t, s.RecordFailure(500))
}

func TestRecordFailureImmediateSwitchStatus(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"))
	assert.True(t, s.RecordFailure(429), "429 must rotate on the first failure")
}

func TestSwitchToNextAdvancesPastFailures(t *testing.T) {
	s, activator := newTestSwitcher(t, map[int]bool{1: true},
		identity(0, "a@x"), identity(1, "b@x"), identity(2, "c@x"))

	index, err := s.SwitchToNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	index, err = s.SwitchToNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, index, "identity 1 fails to activate and must be skipped")
	assert.Equal(t, []int{0, 1, 2}, activator.order())
}

func TestSwitchToNextAllFail(t *testing.T) {
	s, _ := newTestSwitcher(t, map[int]bool{0: true, 1: true},
		identity(0, "a@x"), identity(1, "b@x"))

	_, err := s.SwitchToNext(context.Background())
	assert.ErrorIs(t, err, ErrNoAccounts)
	assert.Equal(t, -1, s.CurrentAuthIndex())
}

func TestBusyInterlock(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"))

	require.True(t, s.SetBusy())
	assert.False(t, s.SetBusy())

	_, err := s.SwitchToNext(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	s.ClearBusy()
	_, err = s.SwitchToNext(context.Background())
	assert.NoError(t, err)
	assert.False(t, s.IsBusy(), "interlock must clear after a switch")
}

func TestWaitUntilIdle(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"))
	require.True(t, s.SetBusy())

	go func() {
		time.Sleep(150 * time.Millisecond)
		s.ClearBusy()
	}()

	assert.False(t, s.WaitUntilIdle(20*time.Millisecond))
	assert.True(t, s.WaitUntilIdle(2*time.Second))
}

func TestSwitchResetsCounters(t *testing.T) {
	s, _ := newTestSwitcher(t, nil, identity(0, "a@x"), identity(1, "b@x"))
	s.IncrementUsage()
	s.RecordFailure(500)

	_, err := s.SwitchToNext(context.Background())
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.UsageCount)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestSwitchToSpecific(t *testing.T) {
	s, activator := newTestSwitcher(t, nil, identity(0, "a@x"), identity(1, "b@x"))

	require.NoError(t, s.SwitchToSpecific(context.Background(), 1))
	assert.Equal(t, 1, s.CurrentAuthIndex())
	assert.Equal(t, []int{1}, activator.order())

	assert.Error(t, s.SwitchToSpecific(context.Background(), 9))
}
