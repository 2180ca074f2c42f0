package vault

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, defaultQuota int64) *Ledger {
	t.Helper()
	t.Setenv("FILEVAULT_TEST", "1")
	l, err := NewLedger(t.TempDir(), defaultQuota)
	require.NoError(t, err)
	return l
}

func TestLedgerRegister(t *testing.T) {
	l := newTestLedger(t, 1000)

	a, err := l.Register("alice", "Alice", "alice@example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.UserID)
	assert.Equal(t, "Alice", a.Name)
	assert.Equal(t, int64(1000), a.QuotaBytes)

	// Explicit quota overrides the default
	a, err = l.Register("bob", "", "", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.QuotaBytes)
}

func TestLedgerGetUnknown(t *testing.T) {
	l := newTestLedger(t, 0)

	_, err := l.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerReserveCommit(t *testing.T) {
	l := newTestLedger(t, 1000)

	res, err := l.CheckAndReserve("alice", 400)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 400))

	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(400), a.LogicalBytes)
	assert.Equal(t, int64(400), a.PhysicalBytes)
	assert.Equal(t, int64(0), a.SavingsBytes())
}

func TestLedgerCommitDedupHit(t *testing.T) {
	l := newTestLedger(t, 1000)

	res, err := l.CheckAndReserve("alice", 400)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 400))

	// Second upload of identical content: logical charged, physical free
	res, err = l.CheckAndReserve("alice", 400)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, false, 400))

	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(800), a.LogicalBytes)
	assert.Equal(t, int64(400), a.PhysicalBytes)
	assert.Equal(t, int64(400), a.SavingsBytes())
	assert.InDelta(t, 50.0, a.SavingsPercent(), 0.01)
}

func TestLedgerQuotaExceeded(t *testing.T) {
	l := newTestLedger(t, 1000)

	res, err := l.CheckAndReserve("alice", 800)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 800))

	_, err = l.CheckAndReserve("alice", 300)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Usage is unchanged by the failed reserve
	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(800), a.LogicalBytes)
}

func TestLedgerQuotaCountsDedupedUploads(t *testing.T) {
	l := newTestLedger(t, 1000)

	// Dedup does not make uploads free in quota terms: logical size is
	// what the quota is enforced on.
	for i := 0; i < 2; i++ {
		res, err := l.CheckAndReserve("alice", 400)
		require.NoError(t, err)
		require.NoError(t, l.Commit(res, i == 0, 400))
	}

	_, err := l.CheckAndReserve("alice", 400)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestLedgerReservationsBlockHeadroom(t *testing.T) {
	l := newTestLedger(t, 1000)

	res1, err := l.CheckAndReserve("alice", 600)
	require.NoError(t, err)

	// A second in-flight upload cannot also claim the same headroom
	_, err = l.CheckAndReserve("alice", 600)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Cancelling frees it again
	l.Cancel(res1)
	res2, err := l.CheckAndReserve("alice", 600)
	require.NoError(t, err)
	l.Cancel(res2)
}

func TestLedgerCommitTwice(t *testing.T) {
	l := newTestLedger(t, 0)

	res, err := l.CheckAndReserve("alice", 100)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 100))

	err = l.Commit(res, true, 100)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLedgerUnlimitedQuota(t *testing.T) {
	l := newTestLedger(t, 0)

	res, err := l.CheckAndReserve("alice", 1<<40)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 1<<40))
}

func TestLedgerRelease(t *testing.T) {
	l := newTestLedger(t, 0)

	res, err := l.CheckAndReserve("alice", 500)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 500))

	// Delete with last reference: both sides credited
	require.NoError(t, l.Release("alice", 500, true, 500))
	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.LogicalBytes)
	assert.Equal(t, int64(0), a.PhysicalBytes)
}

func TestLedgerReleaseLogicalOnly(t *testing.T) {
	l := newTestLedger(t, 0)

	res, err := l.CheckAndReserve("alice", 500)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 500))

	// Other references remain: physical stays attributed
	require.NoError(t, l.Release("alice", 500, false, 0))
	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.LogicalBytes)
	assert.Equal(t, int64(500), a.PhysicalBytes)
}

func TestLedgerReattribute(t *testing.T) {
	l := newTestLedger(t, 0)

	res, err := l.CheckAndReserve("alice", 300)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, true, 300))
	res, err = l.CheckAndReserve("bob", 300)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res, false, 300))

	require.NoError(t, l.Reattribute("alice", "bob", 300))

	alice, err := l.Get("alice")
	require.NoError(t, err)
	bob, err := l.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), alice.PhysicalBytes)
	assert.Equal(t, int64(300), bob.PhysicalBytes)

	// Global physical total is conserved
	assert.Equal(t, int64(300), l.TotalPhysicalBytes())
}

func TestLedgerPersistence(t *testing.T) {
	t.Setenv("FILEVAULT_TEST", "1")
	dir := t.TempDir()

	l1, err := NewLedger(dir, 1000)
	require.NoError(t, err)
	_, err = l1.Register("alice", "Alice", "", 0)
	require.NoError(t, err)
	res, err := l1.CheckAndReserve("alice", 250)
	require.NoError(t, err)
	require.NoError(t, l1.Commit(res, true, 250))

	l2, err := NewLedger(dir, 1000)
	require.NoError(t, err)
	a, err := l2.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", a.Name)
	assert.Equal(t, int64(250), a.LogicalBytes)
	assert.Equal(t, int64(250), a.PhysicalBytes)
}

func TestLedgerConcurrentReserveQuotaRace(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register("alice", "", "", 100)
	require.NoError(t, err)

	// Quota 100 has headroom for exactly one 61-byte reservation.
	const goroutines = 8
	var wg sync.WaitGroup
	reservations := make([]*Reservation, goroutines)
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			reservations[idx], errs[idx] = l.CheckAndReserve("alice", 61)
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := 0; i < goroutines; i++ {
		if errs[i] == nil {
			granted++
			require.NoError(t, l.Commit(reservations[i], true, 61))
		} else {
			assert.ErrorIs(t, errs[i], ErrQuotaExceeded)
		}
	}
	assert.Equal(t, 1, granted)

	a, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(61), a.LogicalBytes)
	assert.Equal(t, int64(61), a.PhysicalBytes)
}
