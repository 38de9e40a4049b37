package btree

import (
	"github.com/vedant-j/koshdb/core/storage/page"
)

// Iterator walks leaf entries in ascending key order, chasing next_page_id
// across leaves. It holds a pin on the current leaf (no latch): callers that
// need isolation from concurrent writers coordinate through the lock
// manager. Close releases the pin early; exhausting the iterator releases it
// automatically.
type Iterator struct {
	t   *BPlusTree
	pg  *page.Page
	idx int
}

// Begin positions an iterator at the first entry of the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	t.rootLatch.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator{t: t}, nil
	}
	n, err := t.fetchNode(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	n.pg.RLatch()
	t.rootLatch.RUnlock()

	for !n.isLeaf() {
		child, err := t.fetchNode(n.childAt(0))
		if err != nil {
			n.pg.RUnlatch()
			_ = t.bpm.UnpinPage(n.pageID(), false)
			return nil, err
		}
		child.pg.RLatch()
		n.pg.RUnlatch()
		_ = t.bpm.UnpinPage(n.pageID(), false)
		n = child
	}
	n.pg.RUnlatch()

	it := &Iterator{t: t, pg: n.pg}
	return it, it.normalize()
}

// BeginAt positions an iterator at the first entry whose key is >= key.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	if len(key) != t.keySize {
		return nil, ErrBadKeySize
	}
	t.rootLatch.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator{t: t}, nil
	}
	n, err := t.fetchNode(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	n.pg.RLatch()
	t.rootLatch.RUnlock()

	for !n.isLeaf() {
		child, err := t.fetchNode(n.childAt(n.lookupChild(key, t.cmp)))
		if err != nil {
			n.pg.RUnlatch()
			_ = t.bpm.UnpinPage(n.pageID(), false)
			return nil, err
		}
		child.pg.RLatch()
		n.pg.RUnlatch()
		_ = t.bpm.UnpinPage(n.pageID(), false)
		n = child
	}
	idx := n.leafKeyIndex(key, t.cmp)
	n.pg.RUnlatch()

	it := &Iterator{t: t, pg: n.pg, idx: idx}
	return it, it.normalize()
}

// End returns the past-the-end iterator.
func (t *BPlusTree) End() *Iterator {
	return &Iterator{t: t}
}

// IsEnd reports whether the iterator is past the final element of the final
// leaf.
func (it *Iterator) IsEnd() bool { return it.pg == nil }

// Key returns a copy of the key at the current position.
func (it *Iterator) Key() []byte {
	n := asNode(it.pg, it.t.keySize)
	return append([]byte(nil), n.leafKeyAt(it.idx)...)
}

// RID returns the value at the current position.
func (it *Iterator) RID() page.RID {
	n := asNode(it.pg, it.t.keySize)
	return n.leafRIDAt(it.idx)
}

// Next advances one entry, crossing into the next leaf when the current one
// is exhausted.
func (it *Iterator) Next() error {
	if it.pg == nil {
		return nil
	}
	it.idx++
	return it.normalize()
}

// normalize resolves a position past the current leaf's entries: move to the
// next leaf, or become the end iterator when the chain runs out.
func (it *Iterator) normalize() error {
	for it.pg != nil {
		n := asNode(it.pg, it.t.keySize)
		if it.idx < n.size() {
			return nil
		}
		next := n.nextPageID()
		if err := it.t.bpm.UnpinPage(n.pageID(), false); err != nil {
			it.pg = nil
			return err
		}
		if next == page.InvalidPageID {
			it.pg = nil
			return nil
		}
		nextPg, err := it.t.bpm.FetchPage(next)
		if err != nil {
			it.pg = nil
			return err
		}
		it.pg = nextPg
		it.idx = 0
	}
	return nil
}

// Close releases the iterator's pin. Safe to call more than once.
func (it *Iterator) Close() {
	if it.pg != nil {
		_ = it.t.bpm.UnpinPage(it.pg.GetPageID(), false)
		it.pg = nil
	}
}
