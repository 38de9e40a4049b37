// Package transaction holds the transaction record shared by the lock
// manager and its callers: identity, isolation level, two-phase state, and
// the per-mode sets of table and row locks the transaction currently holds.
package transaction

import (
	"sync"

	"github.com/vedant-j/koshdb/core/storage/page"
)

// TxnID identifies a transaction. Ids are assigned monotonically, so a larger
// id always means a younger transaction.
type TxnID int64

// InvalidTxnID marks "no transaction", e.g. an empty upgrading slot.
const InvalidTxnID TxnID = -1

// TableOID identifies a table.
type TableOID uint32

// IsolationLevel selects which lock-protocol rules apply to a transaction.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	}
	return "UNKNOWN"
}

// State is the two-phase locking state of a transaction. Growing transitions
// to Shrinking on the first unlock the isolation level treats as
// shrinking-inducing; Committed and Aborted are terminal.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Transaction is the in-memory record of one transaction. The lock manager
// mutates the lock sets as it grants and releases locks, not always under the
// queue latch; the state is additionally read and written by the deadlock
// detector, so every access goes through the transaction's own mutex.
type Transaction struct {
	id        TxnID
	isolation IsolationLevel

	mu    sync.Mutex
	state State

	sharedTableLocks                   map[TableOID]struct{}
	exclusiveTableLocks                map[TableOID]struct{}
	intentionSharedTableLocks          map[TableOID]struct{}
	intentionExclusiveTableLocks       map[TableOID]struct{}
	sharedIntentionExclusiveTableLocks map[TableOID]struct{}

	sharedRowLocks    map[TableOID]map[page.RID]struct{}
	exclusiveRowLocks map[TableOID]map[page.RID]struct{}
}

// New creates a transaction in the Growing state.
func New(id TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:        id,
		isolation: isolation,
		state:     Growing,

		sharedTableLocks:                   make(map[TableOID]struct{}),
		exclusiveTableLocks:                make(map[TableOID]struct{}),
		intentionSharedTableLocks:          make(map[TableOID]struct{}),
		intentionExclusiveTableLocks:       make(map[TableOID]struct{}),
		sharedIntentionExclusiveTableLocks: make(map[TableOID]struct{}),

		sharedRowLocks:    make(map[TableOID]map[page.RID]struct{}),
		exclusiveRowLocks: make(map[TableOID]map[page.RID]struct{}),
	}
}

func (t *Transaction) ID() TxnID                 { return t.id }
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// State returns the current two-phase state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction. Committed and Aborted are terminal;
// once reached, further transitions are ignored.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Committed || t.state == Aborted {
		return
	}
	t.state = s
}

// --- table lock set membership, used by the lock manager ---

func (t *Transaction) IsTableSharedLocked(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedTableLocks[oid]
	return ok
}

func (t *Transaction) IsTableExclusiveLocked(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveTableLocks[oid]
	return ok
}

func (t *Transaction) IsTableIntentionSharedLocked(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.intentionSharedTableLocks[oid]
	return ok
}

func (t *Transaction) IsTableIntentionExclusiveLocked(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.intentionExclusiveTableLocks[oid]
	return ok
}

func (t *Transaction) IsTableSharedIntentionExclusiveLocked(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedIntentionExclusiveTableLocks[oid]
	return ok
}

// AddSharedTableLock through RemoveSharedIntentionExclusiveTableLock keep the
// per-mode table sets in step with the grants the lock manager hands out.

func (t *Transaction) AddSharedTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedTableLocks[oid] = struct{}{}
}

func (t *Transaction) AddExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveTableLocks[oid] = struct{}{}
}

func (t *Transaction) AddIntentionSharedTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intentionSharedTableLocks[oid] = struct{}{}
}

func (t *Transaction) AddIntentionExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intentionExclusiveTableLocks[oid] = struct{}{}
}

func (t *Transaction) AddSharedIntentionExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedIntentionExclusiveTableLocks[oid] = struct{}{}
}

func (t *Transaction) RemoveSharedTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedTableLocks, oid)
}

func (t *Transaction) RemoveExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusiveTableLocks, oid)
}

func (t *Transaction) RemoveIntentionSharedTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.intentionSharedTableLocks, oid)
}

func (t *Transaction) RemoveIntentionExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.intentionExclusiveTableLocks, oid)
}

func (t *Transaction) RemoveSharedIntentionExclusiveTableLock(oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedIntentionExclusiveTableLocks, oid)
}

// --- row lock sets ---

// AddSharedRowLock records the row in the transaction's S row set.
func (t *Transaction) AddSharedRowLock(oid TableOID, rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sharedRowLocks[oid] == nil {
		t.sharedRowLocks[oid] = make(map[page.RID]struct{})
	}
	t.sharedRowLocks[oid][rid] = struct{}{}
}

// AddExclusiveRowLock records the row in the transaction's X row set.
func (t *Transaction) AddExclusiveRowLock(oid TableOID, rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exclusiveRowLocks[oid] == nil {
		t.exclusiveRowLocks[oid] = make(map[page.RID]struct{})
	}
	t.exclusiveRowLocks[oid][rid] = struct{}{}
}

// RemoveSharedRowLock drops the row from the S row set.
func (t *Transaction) RemoveSharedRowLock(oid TableOID, rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedRowLocks[oid], rid)
}

// RemoveExclusiveRowLock drops the row from the X row set.
func (t *Transaction) RemoveExclusiveRowLock(oid TableOID, rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusiveRowLocks[oid], rid)
}

// IsRowSharedLocked reports whether the transaction holds S on the row.
func (t *Transaction) IsRowSharedLocked(oid TableOID, rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedRowLocks[oid][rid]
	return ok
}

// IsRowExclusiveLocked reports whether the transaction holds X on the row.
func (t *Transaction) IsRowExclusiveLocked(oid TableOID, rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveRowLocks[oid][rid]
	return ok
}

// HoldsRowLocksOnTable reports whether any row lock on the table is still
// held. Table unlock is illegal while this is true.
func (t *Transaction) HoldsRowLocksOnTable(oid TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sharedRowLocks[oid]) > 0 || len(t.exclusiveRowLocks[oid]) > 0
}

// SharedRowLockSnapshot returns a copy of the S row set, for release-all.
func (t *Transaction) SharedRowLockSnapshot() map[TableOID][]page.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshotRowLocks(t.sharedRowLocks)
}

// ExclusiveRowLockSnapshot returns a copy of the X row set, for release-all.
func (t *Transaction) ExclusiveRowLockSnapshot() map[TableOID][]page.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshotRowLocks(t.exclusiveRowLocks)
}

// TableLockSnapshot returns every table the transaction holds a lock on,
// across all five modes.
func (t *Transaction) TableLockSnapshot() []TableOID {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[TableOID]struct{})
	for _, set := range []map[TableOID]struct{}{
		t.sharedTableLocks, t.exclusiveTableLocks,
		t.intentionSharedTableLocks, t.intentionExclusiveTableLocks,
		t.sharedIntentionExclusiveTableLocks,
	} {
		for oid := range set {
			seen[oid] = struct{}{}
		}
	}
	oids := make([]TableOID, 0, len(seen))
	for oid := range seen {
		oids = append(oids, oid)
	}
	return oids
}

func snapshotRowLocks(src map[TableOID]map[page.RID]struct{}) map[TableOID][]page.RID {
	out := make(map[TableOID][]page.RID, len(src))
	for oid, rids := range src {
		if len(rids) == 0 {
			continue
		}
		list := make([]page.RID, 0, len(rids))
		for rid := range rids {
			list = append(list, rid)
		}
		out[oid] = list
	}
	return out
}
