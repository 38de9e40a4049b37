package transaction

import "fmt"

// AbortReason classifies why a transaction was aborted by the lock protocol.
type AbortReason int

const (
	LockSharedOnReadUncommitted AbortReason = iota
	LockOnShrinking
	IncompatibleUpgrade
	UpgradeConflict
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	IntentionLockOnRow
	TableLockNotPresent
	DeadlockAbort
)

func (r AbortReason) String() string {
	switch r {
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case IntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case DeadlockAbort:
		return "DEADLOCK_ABORT"
	}
	return "UNKNOWN"
}

// AbortError is returned whenever the lock manager aborts a transaction. The
// transaction's state has already been set to Aborted when the caller sees it.
type AbortError struct {
	TxnID  TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// NewAbortError marks the transaction aborted and returns the typed error.
func NewAbortError(txn *Transaction, reason AbortReason) *AbortError {
	txn.SetState(Aborted)
	return &AbortError{TxnID: txn.ID(), Reason: reason}
}
