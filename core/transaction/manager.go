package transaction

import (
	"sync"

	"go.uber.org/zap"
)

// LockReleaser is the slice of the lock manager the transaction manager
// needs: release every lock a finished transaction still holds.
type LockReleaser interface {
	ReleaseAll(txn *Transaction)
}

// Manager assigns transaction ids, keeps a registry of live transactions, and
// drives commit/abort, releasing all locks in either case. The deadlock
// detector does not consult this registry; it finds victims through the lock
// request queues.
type Manager struct {
	mu     sync.Mutex
	nextID TxnID
	txns   map[TxnID]*Transaction

	locks  LockReleaser
	logger *zap.Logger
}

// NewManager creates a transaction manager over the given lock releaser.
func NewManager(locks LockReleaser, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		txns:   make(map[TxnID]*Transaction),
		locks:  locks,
		logger: logger,
	}
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	txn := New(id, isolation)
	m.txns[id] = txn
	m.mu.Unlock()

	m.logger.Debug("transaction started",
		zap.Int64("txn_id", int64(id)), zap.Stringer("isolation", isolation))
	return txn
}

// Get resolves a transaction by id, or nil if it is unknown.
func (m *Manager) Get(id TxnID) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[id]
}

// Commit releases every lock the transaction holds and marks it committed.
func (m *Manager) Commit(txn *Transaction) {
	m.locks.ReleaseAll(txn)
	txn.SetState(Committed)
	m.forget(txn)
	m.logger.Debug("transaction committed", zap.Int64("txn_id", int64(txn.ID())))
}

// Abort marks the transaction aborted and releases every lock it holds. Safe
// to call on a transaction the deadlock detector has already aborted.
func (m *Manager) Abort(txn *Transaction) {
	txn.SetState(Aborted)
	m.locks.ReleaseAll(txn)
	m.forget(txn)
	m.logger.Debug("transaction aborted", zap.Int64("txn_id", int64(txn.ID())))
}

func (m *Manager) forget(txn *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, txn.ID())
}
