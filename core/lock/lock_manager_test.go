package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vedant-j/koshdb/core/storage/page"
	"github.com/vedant-j/koshdb/core/transaction"
)

func setupLockManager(t *testing.T) (*LockManager, *transaction.Manager) {
	t.Helper()
	lm := NewLockManager(nil)
	t.Cleanup(lm.Close)
	return lm, transaction.NewManager(lm, nil)
}

// expectAbort asserts err is an AbortError with the given reason and that
// the transaction ended up aborted.
func expectAbort(t *testing.T, err error, txn *transaction.Transaction, reason transaction.AbortReason) {
	t.Helper()
	var abortErr *transaction.AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, reason, abortErr.Reason)
	require.Equal(t, transaction.Aborted, txn.State())
}

func TestCompatibilityMatrix(t *testing.T) {
	cases := []struct {
		held, req Mode
		want      bool
	}{
		{IntentionShared, IntentionShared, true},
		{IntentionShared, IntentionExclusive, true},
		{IntentionShared, Shared, true},
		{IntentionShared, SharedIntentionExclusive, true},
		{IntentionShared, Exclusive, false},
		{IntentionExclusive, IntentionShared, true},
		{IntentionExclusive, IntentionExclusive, true},
		{IntentionExclusive, Shared, false},
		{IntentionExclusive, SharedIntentionExclusive, false},
		{IntentionExclusive, Exclusive, false},
		{Shared, IntentionShared, true},
		{Shared, IntentionExclusive, false},
		{Shared, Shared, true},
		{Shared, SharedIntentionExclusive, false},
		{Shared, Exclusive, false},
		{SharedIntentionExclusive, IntentionShared, true},
		{SharedIntentionExclusive, IntentionExclusive, false},
		{SharedIntentionExclusive, Shared, false},
		{SharedIntentionExclusive, SharedIntentionExclusive, false},
		{SharedIntentionExclusive, Exclusive, false},
		{Exclusive, IntentionShared, false},
		{Exclusive, IntentionExclusive, false},
		{Exclusive, Shared, false},
		{Exclusive, SharedIntentionExclusive, false},
		{Exclusive, Exclusive, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Compatible(c.held, c.req), "%s vs %s", c.held, c.req)
	}
}

func TestUpgradeGraph(t *testing.T) {
	allowed := map[Mode][]Mode{
		IntentionShared:          {Shared, Exclusive, IntentionExclusive, SharedIntentionExclusive},
		Shared:                   {Exclusive, SharedIntentionExclusive},
		IntentionExclusive:       {Exclusive, SharedIntentionExclusive},
		SharedIntentionExclusive: {Exclusive},
		Exclusive:                {},
	}
	modes := []Mode{IntentionShared, IntentionExclusive, Shared, SharedIntentionExclusive, Exclusive}
	for from, tos := range allowed {
		legal := make(map[Mode]bool)
		for _, to := range tos {
			legal[to] = true
		}
		for _, to := range modes {
			if to == from {
				continue
			}
			require.Equal(t, legal[to], UpgradeAllowed(from, to), "%s -> %s", from, to)
		}
	}
}

func TestLockTableBasicGrantAndUnlock(t *testing.T) {
	lm, tm := setupLockManager(t)

	txn := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn, Shared, 1))
	require.True(t, txn.IsTableSharedLocked(1))

	// Re-requesting the held mode is a no-op.
	require.NoError(t, lm.LockTable(txn, Shared, 1))

	require.NoError(t, lm.UnlockTable(txn, 1))
	require.False(t, txn.IsTableSharedLocked(1))
	require.Equal(t, transaction.Shrinking, txn.State())
}

func TestSharedLocksCoexist(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Shared, 1))
	require.NoError(t, lm.LockTable(b, Shared, 1))
	require.NoError(t, lm.UnlockTable(a, 1))
	require.NoError(t, lm.UnlockTable(b, 1))
}

func TestExclusiveBlocksUntilSharedReleased(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Shared, 1))

	granted := make(chan error, 1)
	go func() {
		granted <- lm.LockTable(b, Exclusive, 1)
	}()

	select {
	case <-granted:
		t.Fatal("X granted while S held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(a, 1))
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("X not granted after S released")
	}
	require.True(t, b.IsTableExclusiveLocked(1))

	// A released S under REPEATABLE_READ: it is shrinking and may not
	// acquire anything new.
	err := lm.LockTable(a, Shared, 2)
	expectAbort(t, err, a, transaction.LockOnShrinking)
}

func TestUpgradeWaitsForConflictingHolder(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Shared, 1))
	require.NoError(t, lm.LockTable(b, Shared, 1))

	granted := make(chan error, 1)
	go func() {
		granted <- lm.LockTable(a, Exclusive, 1)
	}()

	select {
	case <-granted:
		t.Fatal("upgrade granted while another S holder exists")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(b, 1))
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upgrade not granted after conflicting S released")
	}
	require.True(t, a.IsTableExclusiveLocked(1))
	require.False(t, a.IsTableSharedLocked(1))
}

func TestUpgradeImmediateWhenSoleHolder(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Shared, 1))
	require.NoError(t, lm.LockTable(a, Exclusive, 1))
	require.True(t, a.IsTableExclusiveLocked(1))
	require.False(t, a.IsTableSharedLocked(1))
}

func TestIncompatibleUpgradeAborts(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Exclusive, 1))
	err := lm.LockTable(a, Shared, 1)
	expectAbort(t, err, a, transaction.IncompatibleUpgrade)
}

func TestUpgradeConflictAborts(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	c := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Shared, 1))
	require.NoError(t, lm.LockTable(b, Shared, 1))
	require.NoError(t, lm.LockTable(c, Shared, 1))

	// A starts an upgrade and blocks behind B and C.
	aDone := make(chan error, 1)
	go func() {
		aDone <- lm.LockTable(a, Exclusive, 1)
	}()
	time.Sleep(50 * time.Millisecond)

	// B's competing upgrade must abort: the queue's upgrade slot is taken.
	err := lm.LockTable(b, Exclusive, 1)
	expectAbort(t, err, b, transaction.UpgradeConflict)

	// B's abort releases its S lock; with C releasing too, A's upgrade lands.
	tm.Abort(b)
	require.NoError(t, lm.UnlockTable(c, 1))
	select {
	case err := <-aDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upgrade not granted after conflicting holders left")
	}
}

func TestReadUncommittedForbidsSharedModes(t *testing.T) {
	lm, tm := setupLockManager(t)

	for _, mode := range []Mode{Shared, IntentionShared, SharedIntentionExclusive} {
		txn := tm.Begin(transaction.ReadUncommitted)
		err := lm.LockTable(txn, mode, 1)
		expectAbort(t, err, txn, transaction.LockSharedOnReadUncommitted)
	}
}

func TestLockOnShrinking(t *testing.T) {
	lm, tm := setupLockManager(t)

	// READ_COMMITTED: releasing X induces shrinking; X/IX/SIX then abort but
	// S/IS stay legal.
	txn := tm.Begin(transaction.ReadCommitted)
	require.NoError(t, lm.LockTable(txn, Exclusive, 1))
	require.NoError(t, lm.UnlockTable(txn, 1))
	require.Equal(t, transaction.Shrinking, txn.State())

	require.NoError(t, lm.LockTable(txn, Shared, 2))
	require.NoError(t, lm.LockTable(txn, IntentionShared, 3))

	err := lm.LockTable(txn, Exclusive, 4)
	expectAbort(t, err, txn, transaction.LockOnShrinking)
}

func TestUnlockWithoutLockAborts(t *testing.T) {
	lm, tm := setupLockManager(t)

	txn := tm.Begin(transaction.RepeatableRead)
	err := lm.UnlockTable(txn, 9)
	expectAbort(t, err, txn, transaction.AttemptedUnlockButNoLockHeld)
}

func TestRowLockRequiresTableLock(t *testing.T) {
	lm, tm := setupLockManager(t)
	rid := page.RID{PageID: 3, SlotNum: 1}

	txn := tm.Begin(transaction.RepeatableRead)
	err := lm.LockRow(txn, Exclusive, 1, rid)
	expectAbort(t, err, txn, transaction.TableLockNotPresent)

	// Row X needs X/IX/SIX on the table; IS is not enough.
	txn2 := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn2, IntentionShared, 1))
	err = lm.LockRow(txn2, Exclusive, 1, rid)
	expectAbort(t, err, txn2, transaction.TableLockNotPresent)

	// Row S under IS is fine.
	txn3 := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn3, IntentionShared, 1))
	require.NoError(t, lm.LockRow(txn3, Shared, 1, rid))
	require.True(t, txn3.IsRowSharedLocked(1, rid))
}

func TestIntentionLockOnRowAborts(t *testing.T) {
	lm, tm := setupLockManager(t)

	txn := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn, IntentionExclusive, 1))
	err := lm.LockRow(txn, IntentionExclusive, 1, page.RID{PageID: 3})
	expectAbort(t, err, txn, transaction.IntentionLockOnRow)
}

func TestRowUpgradeSharedToExclusive(t *testing.T) {
	lm, tm := setupLockManager(t)
	rid := page.RID{PageID: 5, SlotNum: 2}

	txn := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn, IntentionExclusive, 1))
	require.NoError(t, lm.LockRow(txn, Shared, 1, rid))
	require.NoError(t, lm.LockRow(txn, Exclusive, 1, rid))
	require.True(t, txn.IsRowExclusiveLocked(1, rid))
	require.False(t, txn.IsRowSharedLocked(1, rid))
}

func TestTableUnlockedBeforeUnlockingRows(t *testing.T) {
	lm, tm := setupLockManager(t)
	rid := page.RID{PageID: 5, SlotNum: 2}

	txn := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn, IntentionExclusive, 1))
	require.NoError(t, lm.LockRow(txn, Exclusive, 1, rid))

	err := lm.UnlockTable(txn, 1)
	expectAbort(t, err, txn, transaction.TableUnlockedBeforeUnlockingRows)
}

func TestRowThenTableUnlock(t *testing.T) {
	lm, tm := setupLockManager(t)
	rid := page.RID{PageID: 5, SlotNum: 2}

	txn := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(txn, IntentionExclusive, 1))
	require.NoError(t, lm.LockRow(txn, Exclusive, 1, rid))
	require.NoError(t, lm.UnlockRow(txn, 1, rid))
	require.NoError(t, lm.UnlockTable(txn, 1))
}

func TestCommitReleasesEverything(t *testing.T) {
	lm, tm := setupLockManager(t)
	rid := page.RID{PageID: 5, SlotNum: 2}

	a := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, IntentionExclusive, 1))
	require.NoError(t, lm.LockRow(a, Exclusive, 1, rid))

	// B waits for the row.
	b := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(b, IntentionShared, 1))
	granted := make(chan error, 1)
	go func() {
		granted <- lm.LockRow(b, Shared, 1, rid)
	}()
	select {
	case <-granted:
		t.Fatal("S row granted while X held")
	case <-time.After(50 * time.Millisecond):
	}

	tm.Commit(a)
	require.Equal(t, transaction.Committed, a.State())
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not granted after commit released locks")
	}
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm, tm := setupLockManager(t)
	lm.SetDetectionInterval(10 * time.Millisecond)
	lm.StartCycleDetection()

	a := tm.Begin(transaction.RepeatableRead) // txn 0
	b := tm.Begin(transaction.RepeatableRead) // txn 1, the victim

	require.NoError(t, lm.LockTable(a, Exclusive, 1))
	require.NoError(t, lm.LockTable(b, Exclusive, 2))

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- lm.LockTable(a, Exclusive, 2) }()
	go func() { bDone <- lm.LockTable(b, Exclusive, 1) }()

	// The detector aborts b (largest txn id in the cycle).
	var bErr error
	select {
	case bErr = <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock not broken")
	}
	var abortErr *transaction.AbortError
	require.ErrorAs(t, bErr, &abortErr)
	require.Equal(t, transaction.Aborted, b.State())

	// Rolling b back releases its locks; a's blocked request lands.
	tm.Abort(b)
	select {
	case err := <-aDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor not granted after victim rollback")
	}
	require.Equal(t, transaction.Growing, a.State())
	require.True(t, a.IsTableExclusiveLocked(2))
}

func TestNoFalseDeadlock(t *testing.T) {
	lm, tm := setupLockManager(t)
	lm.SetDetectionInterval(10 * time.Millisecond)
	lm.StartCycleDetection()

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockTable(a, Exclusive, 1))
	granted := make(chan error, 1)
	go func() { granted <- lm.LockTable(b, Exclusive, 1) }()

	// A simple wait is not a cycle; the detector must leave it alone.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, transaction.Growing, b.State())

	require.NoError(t, lm.UnlockTable(a, 1))
	require.NoError(t, <-granted)
}

func TestGrantRequiresHeadOfUngrantedPrefix(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	c := tm.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockTable(a, Shared, 1))

	// B's X waits behind A's S.
	bDone := make(chan error, 1)
	go func() { bDone <- lm.LockTable(b, Exclusive, 1) }()
	time.Sleep(50 * time.Millisecond)

	// C's S is compatible with the granted set but sits behind B in the
	// queue: granting is head-of-ungranted-prefix, so C waits too.
	cDone := make(chan error, 1)
	go func() { cDone <- lm.LockTable(c, Shared, 1) }()
	select {
	case <-cDone:
		t.Fatal("S granted past a blocked X at the head of the queue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(a, 1))
	require.NoError(t, <-bDone)
	require.NoError(t, lm.UnlockTable(b, 1))
	require.NoError(t, <-cDone)
}

func TestAbortedWaiterCleansUp(t *testing.T) {
	lm, tm := setupLockManager(t)

	a := tm.Begin(transaction.RepeatableRead)
	b := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(a, Exclusive, 1))

	bDone := make(chan error, 1)
	go func() { bDone <- lm.LockTable(b, Shared, 1) }()
	time.Sleep(50 * time.Millisecond)

	// An external abort wakes the waiter, which unwinds and fails.
	b.SetState(transaction.Aborted)
	lm.wakeAll()
	err := <-bDone
	require.True(t, errors.As(err, new(*transaction.AbortError)))

	// The abandoned request is gone: a new S request from C is grantable
	// once A releases.
	c := tm.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.UnlockTable(a, 1))
	require.NoError(t, lm.LockTable(c, Shared, 1))
}
