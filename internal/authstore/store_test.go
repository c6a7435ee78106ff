package authstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, dir string, index int, body string) {
	t.Helper()
	path := filepath.Join(dir, "auth-"+string(rune('0'+index))+".json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestListOrdersAndSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	writeAuthFile(t, dir, 1, `{"cookies":[],"origins":[],"accountName":"b@example.com"}`)
	writeAuthFile(t, dir, 0, `{"cookies":[],"origins":[],"accountName":"a@example.com"}`)
	writeAuthFile(t, dir, 2, `{broken`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	identities, err := store.List()
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, 0, identities[0].Index)
	assert.Equal(t, "a@example.com", identities[0].Email())
	assert.Equal(t, 1, identities[1].Index)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	writeAuthFile(t, dir, 0, `{"cookies":[{"name":"sid","value":"1","domain":".example.com","path":"/"}],"origins":[],"appUrl":"https://host/apps/abc"}`)
	id, err := store.Load(0)
	require.NoError(t, err)
	assert.Equal(t, "https://host/apps/abc", id.State.AppURL)

	id.State.Cookies[0].Value = "2"
	require.NoError(t, store.Save(id))

	reloaded, err := store.Load(0)
	require.NoError(t, err)
	assert.Equal(t, "2", reloaded.State.Cookies[0].Value)
}

func TestClearAppURLPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	writeAuthFile(t, dir, 0, `{"cookies":[],"origins":[],"appUrl":"https://host/apps/gone"}`)
	id, err := store.Load(0)
	require.NoError(t, err)

	require.NoError(t, store.ClearAppURL(id))
	reloaded, err := store.Load(0)
	require.NoError(t, err)
	assert.Empty(t, reloaded.State.AppURL)
}

func TestSeedStability(t *testing.T) {
	a := &Identity{Index: 0, State: &State{AccountName: " User@Example.COM "}}
	b := &Identity{Index: 7, State: &State{AccountName: "user@example.com"}}
	// The seed follows the normalized email, not the index.
	assert.Equal(t, a.Seed(), b.Seed())

	noEmail := &Identity{Index: 3, State: &State{}}
	assert.Equal(t, uint32(3), noEmail.Seed())
}
