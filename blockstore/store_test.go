package blockstore

import (
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("blocks", WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AddList(t *testing.T) {
	s := openMem(t)

	require.NoError(t, s.Add("alice", "bob"))
	require.NoError(t, s.Add("alice", "carol"))
	require.NoError(t, s.Add("alice", "bob"))
	require.NoError(t, s.Add("bob", "alice"))

	got, err := s.List("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, got)

	got, err = s.List("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got)

	got, err = s.List("nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_IDsWithSeparators(t *testing.T) {
	s := openMem(t)

	require.NoError(t, s.Add("a/b", "c"))
	require.NoError(t, s.Add("a", "b/c"))

	got, err := s.List("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/c"}, got)

	got, err = s.List("a/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got)
}

func TestStore_Remove(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Add("alice", "bob"))

	require.NoError(t, s.Remove("alice", "bob"))
	require.NoError(t, s.Remove("alice", "bob"))

	got, err := s.List("alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ReopenKeepsBlocks(t *testing.T) {
	fs := vfs.NewMem()
	s, err := Open("blocks", WithFS(fs))
	require.NoError(t, err)
	require.NoError(t, s.Add("alice", "bob"))
	require.NoError(t, s.Close())

	s, err = Open("blocks", WithFS(fs))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.List("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got)
}

func TestStore_NilIsEmpty(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Add("alice", "bob"))
	assert.NoError(t, s.Remove("alice", "bob"))
	got, err := s.List("alice")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, s.Close())
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
