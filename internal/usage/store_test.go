package usage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRecordAndSnapshot(t *testing.T) {
	s, _ := openTestStore(t)

	s.RecordRequest(0)
	s.RecordRequest(0)
	s.RecordFailure(0)
	s.RecordRequest(1)
	s.RecordSwitch(1)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].Requests)
	assert.Equal(t, int64(1), snap[0].Failures)
	assert.True(t, snap[0].LastSwitch.IsZero())
	assert.Equal(t, int64(1), snap[1].Requests)
	assert.False(t, snap[1].LastSwitch.IsZero())
}

func TestTotalsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := Open(path)
	require.NoError(t, err)
	s.RecordRequest(3)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, int64(1), s.Snapshot()[3].Requests)
}
