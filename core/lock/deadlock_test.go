package lock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vedant-j/koshdb/core/transaction"
)

func graphOf(edges map[transaction.TxnID][]transaction.TxnID) *waitsForGraph {
	g := &waitsForGraph{
		edges: make(map[transaction.TxnID]map[transaction.TxnID]struct{}),
		txns:  make(map[transaction.TxnID]*transaction.Transaction),
	}
	for from, tos := range edges {
		g.edges[from] = make(map[transaction.TxnID]struct{})
		for _, to := range tos {
			g.edges[from][to] = struct{}{}
		}
	}
	return g
}

func TestFindCycleNone(t *testing.T) {
	g := graphOf(map[transaction.TxnID][]transaction.TxnID{
		0: {1},
		1: {2},
		2: {},
	})
	_, ok := findCycle(g)
	require.False(t, ok)
}

func TestFindCycleSimple(t *testing.T) {
	g := graphOf(map[transaction.TxnID][]transaction.TxnID{
		0: {1},
		1: {0},
	})
	cycle, ok := findCycle(g)
	require.True(t, ok)
	require.Equal(t, []transaction.TxnID{0, 1}, cycle)
}

func TestFindCycleIgnoresTail(t *testing.T) {
	// 5 waits into a 1-2-3 cycle but is not part of it.
	g := graphOf(map[transaction.TxnID][]transaction.TxnID{
		5: {1},
		1: {2},
		2: {3},
		3: {1},
	})
	cycle, ok := findCycle(g)
	require.True(t, ok)
	require.Equal(t, []transaction.TxnID{1, 2, 3}, cycle)
}

func TestFindCycleVictimIsLargest(t *testing.T) {
	g := graphOf(map[transaction.TxnID][]transaction.TxnID{
		4: {9},
		9: {2},
		2: {4},
	})
	cycle, ok := findCycle(g)
	require.True(t, ok)
	require.Equal(t, transaction.TxnID(9), cycle[len(cycle)-1])

	g.removeTxn(9)
	_, ok = findCycle(g)
	require.False(t, ok)
}
