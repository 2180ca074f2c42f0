package vault

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShares(t *testing.T) *ShareRegistry {
	t.Helper()
	t.Setenv("FILEVAULT_TEST", "1")
	r, err := NewShareRegistry(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestSharesSetAndQuery(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	require.NoError(t, r.SetShares(fileID, "alice", []string{"bob", "carol"}))

	assert.True(t, r.HasGrant(fileID, "bob"))
	assert.True(t, r.HasGrant(fileID, "carol"))
	assert.False(t, r.HasGrant(fileID, "dave"))
	assert.Equal(t, []string{"bob", "carol"}, r.ListSharees(fileID))
}

func TestSharesFullReplace(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	require.NoError(t, r.SetShares(fileID, "alice", []string{"bob", "carol"}))
	require.NoError(t, r.SetShares(fileID, "alice", []string{"carol", "dave"}))

	// Omitted users lose access, named ones keep or gain it
	assert.False(t, r.HasGrant(fileID, "bob"))
	assert.True(t, r.HasGrant(fileID, "carol"))
	assert.True(t, r.HasGrant(fileID, "dave"))
}

func TestSharesIdempotent(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	grant := []string{"bob", "carol"}
	require.NoError(t, r.SetShares(fileID, "alice", grant))
	require.NoError(t, r.SetShares(fileID, "alice", grant))

	assert.Equal(t, []string{"bob", "carol"}, r.ListSharees(fileID))
}

func TestSharesDuplicatesAndOwner(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	// Duplicates collapse, the owner and empty IDs are never granted
	require.NoError(t, r.SetShares(fileID, "alice", []string{"bob", "bob", "alice", ""}))
	assert.Equal(t, []string{"bob"}, r.ListSharees(fileID))
	assert.False(t, r.HasGrant(fileID, "alice"))
}

func TestSharesEmptyRevokesAll(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	require.NoError(t, r.SetShares(fileID, "alice", []string{"bob"}))
	require.NoError(t, r.SetShares(fileID, "alice", nil))

	assert.False(t, r.HasGrant(fileID, "bob"))
	assert.Empty(t, r.ListSharees(fileID))
}

func TestSharesListSharedWith(t *testing.T) {
	r := newTestShares(t)
	f1, f2, f3 := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, r.SetShares(f1, "alice", []string{"bob"}))
	require.NoError(t, r.SetShares(f2, "alice", []string{"bob", "carol"}))
	require.NoError(t, r.SetShares(f3, "alice", []string{"carol"}))

	got := r.ListSharedWith("bob")
	assert.ElementsMatch(t, []uuid.UUID{f1, f2}, got)
	assert.Empty(t, r.ListSharedWith("dave"))
}

func TestSharesDropFile(t *testing.T) {
	r := newTestShares(t)
	fileID := uuid.New()

	require.NoError(t, r.SetShares(fileID, "alice", []string{"bob"}))
	require.NoError(t, r.DropFile(fileID))

	assert.False(t, r.HasGrant(fileID, "bob"))
	assert.Empty(t, r.ListSharedWith("bob"))
}

func TestSharesPersistence(t *testing.T) {
	t.Setenv("FILEVAULT_TEST", "1")
	dir := t.TempDir()

	r1, err := NewShareRegistry(dir)
	require.NoError(t, err)
	fileID := uuid.New()
	require.NoError(t, r1.SetShares(fileID, "alice", []string{"bob", "carol"}))

	r2, err := NewShareRegistry(dir)
	require.NoError(t, err)
	assert.True(t, r2.HasGrant(fileID, "bob"))
	assert.Equal(t, []string{"bob", "carol"}, r2.ListSharees(fileID))
}
