package lock

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vedant-j/koshdb/core/transaction"
)

// StartCycleDetection launches the background deadlock detector. It scans the
// waits-for graph every detection interval, aborts the largest transaction id
// in every cycle found, and wakes all waiters so victims can unwind.
func (lm *LockManager) StartCycleDetection() {
	go func() {
		ticker := time.NewTicker(lm.detectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lm.runDetection()
			case <-lm.stopCh:
				return
			}
		}
	}()
}

// Close stops the deadlock detector. Idempotent.
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() { close(lm.stopCh) })
}

// waitsForGraph is adjacency by txn id: waiter → set of holders.
type waitsForGraph struct {
	edges map[transaction.TxnID]map[transaction.TxnID]struct{}
	txns  map[transaction.TxnID]*transaction.Transaction
}

func (g *waitsForGraph) addEdge(waiter, holder *transaction.Transaction) {
	if g.edges[waiter.ID()] == nil {
		g.edges[waiter.ID()] = make(map[transaction.TxnID]struct{})
	}
	g.edges[waiter.ID()][holder.ID()] = struct{}{}
	g.txns[waiter.ID()] = waiter
	g.txns[holder.ID()] = holder
}

func (g *waitsForGraph) removeTxn(id transaction.TxnID) {
	delete(g.edges, id)
	for _, holders := range g.edges {
		delete(holders, id)
	}
}

// runDetection holds both map mutexes for the whole scan, so no queue can be
// created or dropped underneath it; individual queues are latched briefly
// while their requests are read.
func (lm *LockManager) runDetection() {
	lm.tableMu.Lock()
	lm.rowMu.Lock()

	graph := &waitsForGraph{
		edges: make(map[transaction.TxnID]map[transaction.TxnID]struct{}),
		txns:  make(map[transaction.TxnID]*transaction.Transaction),
	}
	queues := make([]*requestQueue, 0, len(lm.tableQueues)+len(lm.rowQueues))
	for _, q := range lm.tableQueues {
		queues = append(queues, q)
	}
	for _, q := range lm.rowQueues {
		queues = append(queues, q)
	}
	for _, q := range queues {
		q.mu.Lock()
		collectEdges(graph, q)
		q.mu.Unlock()
	}

	aborted := false
	for {
		cycle, ok := findCycle(graph)
		if !ok {
			break
		}
		victim := cycle[len(cycle)-1] // largest txn id in the cycle
		lm.logger.Warn("deadlock detected, aborting youngest transaction",
			zap.Int64("victim", int64(victim)), zap.Int("cycle_len", len(cycle)))
		graph.txns[victim].SetState(transaction.Aborted)
		graph.removeTxn(victim)
		aborted = true
		if lm.metrics != nil {
			lm.metrics.DeadlocksCounter.Add(context.Background(), 1)
			lm.metrics.AbortsCounter.Add(context.Background(), 1)
		}
	}

	if aborted {
		for _, q := range queues {
			q.cond.Broadcast()
		}
	}

	lm.rowMu.Unlock()
	lm.tableMu.Unlock()
}

// collectEdges adds one edge per (ungranted, incompatible granted) pair in
// the queue. Must be called with q.mu held.
func collectEdges(graph *waitsForGraph, q *requestQueue) {
	for waitElem := q.requests.Front(); waitElem != nil; waitElem = waitElem.Next() {
		waiter := waitElem.Value.(*request)
		if waiter.granted {
			continue
		}
		for holdElem := q.requests.Front(); holdElem != nil; holdElem = holdElem.Next() {
			holder := holdElem.Value.(*request)
			if !holder.granted || holder.txn.ID() == waiter.txn.ID() {
				continue
			}
			if !Compatible(holder.mode, waiter.mode) {
				graph.addEdge(waiter.txn, holder.txn)
			}
		}
	}
}

// findCycle runs a deterministic DFS starting from the lowest transaction id,
// visiting neighbours in ascending order. The returned cycle is sorted
// ascending, so its last element is the victim.
func findCycle(g *waitsForGraph) ([]transaction.TxnID, bool) {
	starts := make([]transaction.TxnID, 0, len(g.edges))
	for id := range g.edges {
		starts = append(starts, id)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	visited := make(map[transaction.TxnID]bool)
	for _, start := range starts {
		if visited[start] {
			continue
		}
		path := make([]transaction.TxnID, 0, 8)
		onPath := make(map[transaction.TxnID]bool)
		if cycle := dfs(g, start, visited, &path, onPath); cycle != nil {
			sort.Slice(cycle, func(i, j int) bool { return cycle[i] < cycle[j] })
			return cycle, true
		}
	}
	return nil, false
}

func dfs(g *waitsForGraph, node transaction.TxnID, visited map[transaction.TxnID]bool,
	path *[]transaction.TxnID, onPath map[transaction.TxnID]bool) []transaction.TxnID {
	visited[node] = true
	*path = append(*path, node)
	onPath[node] = true

	next := make([]transaction.TxnID, 0, len(g.edges[node]))
	for id := range g.edges[node] {
		next = append(next, id)
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })

	for _, id := range next {
		if onPath[id] {
			// Trim the path down to the cycle members.
			for i, n := range *path {
				if n == id {
					cycle := make([]transaction.TxnID, len(*path)-i)
					copy(cycle, (*path)[i:])
					return cycle
				}
			}
		}
		if !visited[id] {
			if cycle := dfs(g, id, visited, path, onPath); cycle != nil {
				return cycle
			}
		}
	}

	*path = (*path)[:len(*path)-1]
	delete(onPath, node)
	return nil
}
