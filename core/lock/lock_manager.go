package lock

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/vedant-j/koshdb/internal/telemetry"

	"github.com/vedant-j/koshdb/core/storage/page"
	"github.com/vedant-j/koshdb/core/transaction"
)

// DefaultDetectionInterval is how often the deadlock detector scans the
// waits-for graph unless configured otherwise.
const DefaultDetectionInterval = 50 * time.Millisecond

// request is one entry in a lock-request queue.
type request struct {
	txn     *transaction.Transaction
	mode    Mode
	oid     transaction.TableOID
	rid     page.RID
	isRow   bool
	granted bool
}

// requestQueue holds the FIFO request list for one object. upgrading is the
// single transaction currently upgrading its lock on this object, or
// InvalidTxnID.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  *list.List // of *request
	upgrading transaction.TxnID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{
		requests:  list.New(),
		upgrading: transaction.InvalidTxnID,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// findByTxn returns the element holding txn's request, granted or not.
// Must be called with q.mu held.
func (q *requestQueue) findByTxn(id transaction.TxnID) *list.Element {
	for elem := q.requests.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*request).txn.ID() == id {
			return elem
		}
	}
	return nil
}

// insert places req in the queue: upgrades go to the head of the ungranted
// region, everything else to the tail. Must be called with q.mu held.
func (q *requestQueue) insert(req *request, upgrade bool) {
	if !upgrade {
		q.requests.PushBack(req)
		return
	}
	for elem := q.requests.Front(); elem != nil; elem = elem.Next() {
		if !elem.Value.(*request).granted {
			q.requests.InsertBefore(req, elem)
			return
		}
	}
	q.requests.PushBack(req)
}

// canGrant requires compatibility with every granted request and requires req
// to be the first ungranted request. Must be called with q.mu held.
func (q *requestQueue) canGrant(req *request) bool {
	for elem := q.requests.Front(); elem != nil; elem = elem.Next() {
		r := elem.Value.(*request)
		if r.granted {
			if !Compatible(r.mode, req.mode) {
				return false
			}
			continue
		}
		return r == req
	}
	return false
}

// LockManager hands out hierarchical locks to transactions. Map mutexes only
// guard queue lookup; each queue has its own mutex and condition variable and
// waiters block there. The map mutex is always released before waiting.
type LockManager struct {
	tableMu     sync.Mutex
	tableQueues map[transaction.TableOID]*requestQueue
	rowMu       sync.Mutex
	rowQueues   map[page.RID]*requestQueue

	detectionInterval time.Duration
	stopCh            chan struct{}
	stopOnce          sync.Once

	logger  *zap.Logger
	metrics *internaltelemetry.LockMetrics
}

// NewLockManager creates a lock manager. Cycle detection does not run until
// StartCycleDetection is called.
func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		tableQueues:       make(map[transaction.TableOID]*requestQueue),
		rowQueues:         make(map[page.RID]*requestQueue),
		detectionInterval: DefaultDetectionInterval,
		stopCh:            make(chan struct{}),
		logger:            logger,
	}
}

// SetDetectionInterval overrides the deadlock detection period. Call before
// StartCycleDetection.
func (lm *LockManager) SetDetectionInterval(d time.Duration) {
	lm.detectionInterval = d
}

// AttachMetrics wires the manager's counters to a telemetry instrument
// bundle. Without it the manager records nothing.
func (lm *LockManager) AttachMetrics(m *internaltelemetry.LockMetrics) {
	lm.metrics = m
}

// checkLockValidity enforces the isolation-level acquire rules. It aborts the
// transaction and returns the typed error on violation.
func (lm *LockManager) checkLockValidity(txn *transaction.Transaction, mode Mode) error {
	switch txn.Isolation() {
	case transaction.ReadUncommitted:
		if mode == Shared || mode == IntentionShared || mode == SharedIntentionExclusive {
			return transaction.NewAbortError(txn, transaction.LockSharedOnReadUncommitted)
		}
		if txn.State() == transaction.Shrinking {
			return transaction.NewAbortError(txn, transaction.LockOnShrinking)
		}
	case transaction.ReadCommitted:
		if txn.State() == transaction.Shrinking &&
			(mode == Exclusive || mode == IntentionExclusive || mode == SharedIntentionExclusive) {
			return transaction.NewAbortError(txn, transaction.LockOnShrinking)
		}
	case transaction.RepeatableRead:
		if txn.State() == transaction.Shrinking {
			return transaction.NewAbortError(txn, transaction.LockOnShrinking)
		}
	}
	return nil
}

// LockTable acquires mode on the table for txn, blocking until the lock is
// granted or the transaction is aborted. Re-requesting the held mode is a
// no-op; requesting a different mode is treated as an upgrade.
func (lm *LockManager) LockTable(txn *transaction.Transaction, mode Mode, oid transaction.TableOID) error {
	if err := lm.checkLockValidity(txn, mode); err != nil {
		return err
	}

	lm.tableMu.Lock()
	q, ok := lm.tableQueues[oid]
	if !ok {
		q = newRequestQueue()
		lm.tableQueues[oid] = q
	}
	q.mu.Lock()
	lm.tableMu.Unlock()

	isUpgrade := false
	if elem := q.findByTxn(txn.ID()); elem != nil {
		held := elem.Value.(*request)
		if held.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if !UpgradeAllowed(held.mode, mode) {
			q.mu.Unlock()
			return transaction.NewAbortError(txn, transaction.IncompatibleUpgrade)
		}
		if q.upgrading != transaction.InvalidTxnID {
			q.mu.Unlock()
			return transaction.NewAbortError(txn, transaction.UpgradeConflict)
		}
		q.requests.Remove(elem)
		removeTableLockSet(txn, held.mode, oid)
		q.upgrading = txn.ID()
		isUpgrade = true
	}

	req := &request{txn: txn, mode: mode, oid: oid}
	q.insert(req, isUpgrade)

	if err := lm.waitForGrant(txn, q, req, isUpgrade); err != nil {
		return err
	}
	addTableLockSet(txn, mode, oid)
	q.mu.Unlock()
	lm.logger.Debug("table lock granted",
		zap.Int64("txn_id", int64(txn.ID())), zap.Stringer("mode", mode), zap.Uint32("oid", uint32(oid)))
	return nil
}

// waitForGrant blocks on the queue's condition variable until the request can
// be granted or the transaction is aborted externally. Called and returns
// with q.mu held on success; on abort q.mu has been released.
func (lm *LockManager) waitForGrant(txn *transaction.Transaction, q *requestQueue, req *request, isUpgrade bool) error {
	waited := false
	for !q.canGrant(req) {
		if !waited {
			waited = true
			if lm.metrics != nil {
				lm.metrics.WaitsCounter.Add(context.Background(), 1)
				lm.metrics.WaitersUpDownCounter.Add(context.Background(), 1)
			}
		}
		q.cond.Wait()
		if txn.State() == transaction.Aborted {
			if elem := q.findByTxn(txn.ID()); elem != nil && elem.Value.(*request) == req {
				q.requests.Remove(elem)
			}
			if isUpgrade {
				q.upgrading = transaction.InvalidTxnID
			}
			q.cond.Broadcast()
			q.mu.Unlock()
			if lm.metrics != nil {
				lm.metrics.WaitersUpDownCounter.Add(context.Background(), -1)
			}
			return &transaction.AbortError{TxnID: txn.ID(), Reason: transaction.DeadlockAbort}
		}
	}
	if waited && lm.metrics != nil {
		lm.metrics.WaitersUpDownCounter.Add(context.Background(), -1)
	}

	req.granted = true
	if isUpgrade {
		q.upgrading = transaction.InvalidTxnID
	}
	if lm.metrics != nil {
		lm.metrics.GrantsCounter.Add(context.Background(), 1)
	}
	if req.mode != Exclusive {
		q.cond.Broadcast()
	}
	return nil
}

// UnlockTable releases txn's granted lock on the table. All row locks on the
// table must have been released first.
func (lm *LockManager) UnlockTable(txn *transaction.Transaction, oid transaction.TableOID) error {
	lm.tableMu.Lock()
	q, ok := lm.tableQueues[oid]
	if !ok {
		lm.tableMu.Unlock()
		return transaction.NewAbortError(txn, transaction.AttemptedUnlockButNoLockHeld)
	}
	if txn.HoldsRowLocksOnTable(oid) {
		lm.tableMu.Unlock()
		return transaction.NewAbortError(txn, transaction.TableUnlockedBeforeUnlockingRows)
	}
	q.mu.Lock()
	lm.tableMu.Unlock()

	elem := q.findByTxn(txn.ID())
	if elem == nil || !elem.Value.(*request).granted {
		q.mu.Unlock()
		return transaction.NewAbortError(txn, transaction.AttemptedUnlockButNoLockHeld)
	}
	held := elem.Value.(*request)
	q.requests.Remove(elem)
	q.cond.Broadcast()
	q.mu.Unlock()

	removeTableLockSet(txn, held.mode, oid)
	lm.applyShrink(txn, held.mode)
	return nil
}

// LockRow acquires mode (S or X only) on the row for txn. Row X requires the
// table held in X, IX, or SIX; row S requires any table lock. The only row
// upgrade is S → X.
func (lm *LockManager) LockRow(txn *transaction.Transaction, mode Mode, oid transaction.TableOID, rid page.RID) error {
	if mode != Shared && mode != Exclusive {
		return transaction.NewAbortError(txn, transaction.IntentionLockOnRow)
	}
	if err := lm.checkLockValidity(txn, mode); err != nil {
		return err
	}
	if mode == Exclusive {
		if !txn.IsTableExclusiveLocked(oid) && !txn.IsTableIntentionExclusiveLocked(oid) &&
			!txn.IsTableSharedIntentionExclusiveLocked(oid) {
			return transaction.NewAbortError(txn, transaction.TableLockNotPresent)
		}
	} else {
		if !txn.IsTableSharedLocked(oid) && !txn.IsTableIntentionSharedLocked(oid) &&
			!txn.IsTableExclusiveLocked(oid) && !txn.IsTableIntentionExclusiveLocked(oid) &&
			!txn.IsTableSharedIntentionExclusiveLocked(oid) {
			return transaction.NewAbortError(txn, transaction.TableLockNotPresent)
		}
	}

	lm.rowMu.Lock()
	q, ok := lm.rowQueues[rid]
	if !ok {
		q = newRequestQueue()
		lm.rowQueues[rid] = q
	}
	q.mu.Lock()
	lm.rowMu.Unlock()

	isUpgrade := false
	if elem := q.findByTxn(txn.ID()); elem != nil {
		held := elem.Value.(*request)
		if held.mode == mode {
			q.mu.Unlock()
			return nil
		}
		// The only legal row upgrade is S → X.
		if held.mode != Shared || mode != Exclusive {
			q.mu.Unlock()
			return transaction.NewAbortError(txn, transaction.IncompatibleUpgrade)
		}
		if q.upgrading != transaction.InvalidTxnID {
			q.mu.Unlock()
			return transaction.NewAbortError(txn, transaction.UpgradeConflict)
		}
		q.requests.Remove(elem)
		txn.RemoveSharedRowLock(oid, rid)
		q.upgrading = txn.ID()
		isUpgrade = true
	}

	req := &request{txn: txn, mode: mode, oid: oid, rid: rid, isRow: true}
	q.insert(req, isUpgrade)

	if err := lm.waitForGrant(txn, q, req, isUpgrade); err != nil {
		return err
	}
	if mode == Shared {
		txn.AddSharedRowLock(oid, rid)
	} else {
		txn.AddExclusiveRowLock(oid, rid)
	}
	q.mu.Unlock()
	return nil
}

// UnlockRow releases txn's granted lock on the row.
func (lm *LockManager) UnlockRow(txn *transaction.Transaction, oid transaction.TableOID, rid page.RID) error {
	lm.rowMu.Lock()
	q, ok := lm.rowQueues[rid]
	if !ok {
		lm.rowMu.Unlock()
		return transaction.NewAbortError(txn, transaction.AttemptedUnlockButNoLockHeld)
	}
	q.mu.Lock()
	lm.rowMu.Unlock()

	elem := q.findByTxn(txn.ID())
	if elem == nil || !elem.Value.(*request).granted {
		q.mu.Unlock()
		return transaction.NewAbortError(txn, transaction.AttemptedUnlockButNoLockHeld)
	}
	held := elem.Value.(*request)
	q.requests.Remove(elem)
	q.cond.Broadcast()
	q.mu.Unlock()

	if held.mode == Shared {
		txn.RemoveSharedRowLock(oid, rid)
	} else {
		txn.RemoveExclusiveRowLock(oid, rid)
	}
	lm.applyShrink(txn, held.mode)
	return nil
}

// applyShrink moves the transaction to Shrinking when the released mode
// demands it at the transaction's isolation level.
func (lm *LockManager) applyShrink(txn *transaction.Transaction, released Mode) {
	state := txn.State()
	if state == transaction.Committed || state == transaction.Aborted {
		return
	}
	switch txn.Isolation() {
	case transaction.RepeatableRead:
		if released == Shared || released == Exclusive {
			txn.SetState(transaction.Shrinking)
		}
	case transaction.ReadCommitted, transaction.ReadUncommitted:
		if released == Exclusive {
			txn.SetState(transaction.Shrinking)
		}
	}
}

// ReleaseAll releases every lock the transaction holds, rows before tables,
// without state transitions. Used at commit and abort.
func (lm *LockManager) ReleaseAll(txn *transaction.Transaction) {
	for oid, rids := range txn.SharedRowLockSnapshot() {
		for _, rid := range rids {
			lm.releaseRow(txn, oid, rid)
		}
	}
	for oid, rids := range txn.ExclusiveRowLockSnapshot() {
		for _, rid := range rids {
			lm.releaseRow(txn, oid, rid)
		}
	}
	for _, oid := range txn.TableLockSnapshot() {
		lm.releaseTable(txn, oid)
	}
}

func (lm *LockManager) releaseRow(txn *transaction.Transaction, oid transaction.TableOID, rid page.RID) {
	lm.rowMu.Lock()
	q, ok := lm.rowQueues[rid]
	lm.rowMu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	if elem := q.findByTxn(txn.ID()); elem != nil && elem.Value.(*request).granted {
		held := elem.Value.(*request)
		q.requests.Remove(elem)
		q.cond.Broadcast()
		if held.mode == Shared {
			txn.RemoveSharedRowLock(oid, rid)
		} else {
			txn.RemoveExclusiveRowLock(oid, rid)
		}
	}
	q.mu.Unlock()
}

func (lm *LockManager) releaseTable(txn *transaction.Transaction, oid transaction.TableOID) {
	lm.tableMu.Lock()
	q, ok := lm.tableQueues[oid]
	lm.tableMu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	if elem := q.findByTxn(txn.ID()); elem != nil && elem.Value.(*request).granted {
		held := elem.Value.(*request)
		q.requests.Remove(elem)
		q.cond.Broadcast()
		removeTableLockSet(txn, held.mode, oid)
	}
	q.mu.Unlock()
}

// wakeAll broadcasts every queue so waiters re-examine their transaction
// state. Used after a transaction is aborted outside the lock manager.
func (lm *LockManager) wakeAll() {
	lm.tableMu.Lock()
	tqs := make([]*requestQueue, 0, len(lm.tableQueues))
	for _, q := range lm.tableQueues {
		tqs = append(tqs, q)
	}
	lm.tableMu.Unlock()
	lm.rowMu.Lock()
	for _, q := range lm.rowQueues {
		tqs = append(tqs, q)
	}
	lm.rowMu.Unlock()
	for _, q := range tqs {
		q.cond.Broadcast()
	}
}

// WakeAll is the exported form of wakeAll for administrative aborts.
func (lm *LockManager) WakeAll() { lm.wakeAll() }

func addTableLockSet(txn *transaction.Transaction, mode Mode, oid transaction.TableOID) {
	switch mode {
	case Shared:
		txn.AddSharedTableLock(oid)
	case Exclusive:
		txn.AddExclusiveTableLock(oid)
	case IntentionShared:
		txn.AddIntentionSharedTableLock(oid)
	case IntentionExclusive:
		txn.AddIntentionExclusiveTableLock(oid)
	case SharedIntentionExclusive:
		txn.AddSharedIntentionExclusiveTableLock(oid)
	}
}

func removeTableLockSet(txn *transaction.Transaction, mode Mode, oid transaction.TableOID) {
	switch mode {
	case Shared:
		txn.RemoveSharedTableLock(oid)
	case Exclusive:
		txn.RemoveExclusiveTableLock(oid)
	case IntentionShared:
		txn.RemoveIntentionSharedTableLock(oid)
	case IntentionExclusive:
		txn.RemoveIntentionExclusiveTableLock(oid)
	case SharedIntentionExclusive:
		txn.RemoveSharedIntentionExclusiveTableLock(oid)
	}
}
