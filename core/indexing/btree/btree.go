// Package btree implements a disk-resident B+tree index over the buffer
// pool. Nodes are page-sized; relationships between nodes are page ids, never
// pointers. Keys are unique, fixed-width byte strings ordered by a
// caller-supplied comparator; leaf values are RIDs.
//
// Concurrency follows latch crabbing: readers couple shared latches down the
// tree; writers hold exclusive latches from the last unsafe ancestor to the
// target leaf, releasing everything above as soon as a node is known not to
// split or underflow. The tree-level root latch stands in for a parent of the
// root page.
package btree

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vedant-j/koshdb/core/buffer"
	"github.com/vedant-j/koshdb/core/storage/page"
)

var (
	ErrBadKeySize  = errors.New("key width does not match the tree's key size")
	ErrNameTooLong = errors.New("index name exceeds the header record size")
	ErrTreeConfig  = errors.New("node sizes do not fit in a page")
)

// BPlusTree is an ordered index over (key, RID) pairs.
type BPlusTree struct {
	name            string
	bpm             *buffer.BufferPoolManager
	cmp             KeyComparator
	keySize         int
	leafMaxSize     int
	internalMaxSize int

	// rootLatch guards rootPageID and serves as the virtual parent latch of
	// the root page during crabbing.
	rootLatch  sync.RWMutex
	rootPageID page.PageID

	logger *zap.Logger
}

// New opens (or registers) the named index on the pool. An existing header
// record restores the previous root; otherwise the tree starts empty.
func New(name string, bpm *buffer.BufferPoolManager, cmp KeyComparator,
	keySize, leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(name) > headerNameSize {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	if leafMaxSize < 2 || internalMaxSize < 3 {
		return nil, fmt.Errorf("%w: leaf max %d, internal max %d", ErrTreeConfig, leafMaxSize, internalMaxSize)
	}
	// An internal node briefly holds one extra entry while splitting, so the
	// overflow slot must fit in the page too.
	if leafBodyOffset+leafMaxSize*(keySize+ridSize) > page.PageSize ||
		nodeHeaderSize+(internalMaxSize+1)*(keySize+childSize) > page.PageSize {
		return nil, fmt.Errorf("%w: key size %d", ErrTreeConfig, keySize)
	}

	t := &BPlusTree{
		name:            name,
		bpm:             bpm,
		cmp:             cmp,
		keySize:         keySize,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      page.InvalidPageID,
		logger:          logger,
	}

	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, err
	}
	header := headerPage{pg: hp}
	if i := header.find(name); i >= 0 {
		t.rootPageID = header.rootAt(i)
		if err := bpm.UnpinPage(page.HeaderPageID, false); err != nil {
			return nil, err
		}
	} else {
		header.insert(name, page.InvalidPageID)
		if err := bpm.UnpinPage(page.HeaderPageID, true); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// IsEmpty reports whether the tree has no entries.
func (t *BPlusTree) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID == page.InvalidPageID
}

// RootPageID returns the current root page id, InvalidPageID when empty.
func (t *BPlusTree) RootPageID() page.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID
}

// updateRootRecord rewrites this index's header record. Must be called with
// rootLatch held exclusively.
func (t *BPlusTree) updateRootRecord() error {
	hp, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return err
	}
	header := headerPage{pg: hp}
	if i := header.find(t.name); i >= 0 {
		header.setRootAt(i, t.rootPageID)
	} else {
		header.insert(t.name, t.rootPageID)
	}
	return t.bpm.UnpinPage(page.HeaderPageID, true)
}

func (t *BPlusTree) fetchNode(pid page.PageID) (node, error) {
	pg, err := t.bpm.FetchPage(pid)
	if err != nil {
		return node{}, err
	}
	return asNode(pg, t.keySize), nil
}

// Get returns the RID stored under key, if present. Readers latch-couple:
// the child latch is taken before the parent latch is dropped.
func (t *BPlusTree) Get(key []byte) (page.RID, bool, error) {
	if len(key) != t.keySize {
		return page.RID{}, false, fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), t.keySize)
	}

	t.rootLatch.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return page.RID{}, false, nil
	}
	n, err := t.fetchNode(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return page.RID{}, false, err
	}
	n.pg.RLatch()
	t.rootLatch.RUnlock()

	for !n.isLeaf() {
		child, err := t.fetchNode(n.childAt(n.lookupChild(key, t.cmp)))
		if err != nil {
			n.pg.RUnlatch()
			_ = t.bpm.UnpinPage(n.pageID(), false)
			return page.RID{}, false, err
		}
		child.pg.RLatch()
		n.pg.RUnlatch()
		_ = t.bpm.UnpinPage(n.pageID(), false)
		n = child
	}

	rid, ok := n.leafLookup(key, t.cmp)
	n.pg.RUnlatch()
	_ = t.bpm.UnpinPage(n.pageID(), false)
	return rid, ok, nil
}

// writeCtx tracks the pages a writer currently holds exclusive latches on
// (root side first) and whether the virtual root latch is still held.
type writeCtx struct {
	t        *BPlusTree
	pages    []*page.Page
	rootHeld bool
}

func (c *writeCtx) push(pg *page.Page) { c.pages = append(c.pages, pg) }

// releaseAncestors drops everything above the most recently pushed page.
// Ancestors released here were not modified, so they unpin clean.
func (c *writeCtx) releaseAncestors() {
	for _, pg := range c.pages[:len(c.pages)-1] {
		pg.WUnlatch()
		_ = c.t.bpm.UnpinPage(pg.GetPageID(), false)
	}
	c.pages = c.pages[len(c.pages)-1:]
	if c.rootHeld {
		c.t.rootLatch.Unlock()
		c.rootHeld = false
	}
}

// releaseAll drops every held page, unpinning with the given dirty flag, and
// the root latch if still held.
func (c *writeCtx) releaseAll(dirty bool) {
	for _, pg := range c.pages {
		pg.WUnlatch()
		_ = c.t.bpm.UnpinPage(pg.GetPageID(), dirty)
	}
	c.pages = nil
	if c.rootHeld {
		c.t.rootLatch.Unlock()
		c.rootHeld = false
	}
}

// parentOf returns the page latched directly above n's page.
func (c *writeCtx) parentOf(n node) node {
	for i, pg := range c.pages {
		if pg == n.pg {
			return asNode(c.pages[i-1], c.t.keySize)
		}
	}
	panic("btree: node is not on the latched path")
}

// drop removes n's page from the latched path, unlatches it, unpins it
// dirty, and deletes it from the pool. Used when a node has been merged away
// or replaced as root.
func (c *writeCtx) drop(n node) {
	for i, pg := range c.pages {
		if pg == n.pg {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			break
		}
	}
	pid := n.pg.GetPageID()
	n.pg.WUnlatch()
	_ = c.t.bpm.UnpinPage(pid, true)
	_ = c.t.bpm.DeletePage(pid)
}

// find returns the latched node for pid if this writer holds it, else a zero
// node.
func (c *writeCtx) find(pid page.PageID) node {
	for _, pg := range c.pages {
		if pg.GetPageID() == pid {
			return asNode(pg, c.t.keySize)
		}
	}
	return node{}
}

func (t *BPlusTree) insertSafe(n node) bool {
	return n.size() < n.maxSize()
}

func (t *BPlusTree) removeSafe(n node) bool {
	if n.isRoot() {
		if n.isLeaf() {
			return n.size() > 1
		}
		return n.size() > 2
	}
	return n.size() > n.minSize()
}

// Insert stores (key, rid). It returns false without modifying the tree when
// the key already exists.
func (t *BPlusTree) Insert(key []byte, rid page.RID) (bool, error) {
	if len(key) != t.keySize {
		return false, fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), t.keySize)
	}

	t.rootLatch.Lock()
	ctx := &writeCtx{t: t, rootHeld: true}

	if t.rootPageID == page.InvalidPageID {
		if err := t.startNewTree(key, rid); err != nil {
			t.rootLatch.Unlock()
			return false, err
		}
		t.rootLatch.Unlock()
		return true, nil
	}

	n, err := t.descendForWrite(ctx, key, t.insertSafe)
	if err != nil {
		ctx.releaseAll(false)
		return false, err
	}

	if _, exists := n.leafLookup(key, t.cmp); exists {
		ctx.releaseAll(false)
		return false, nil
	}

	if n.size() < t.leafMaxSize {
		n.leafInsertAt(n.leafKeyIndex(key, t.cmp), key, rid)
		ctx.releaseAll(true)
		return true, nil
	}

	if err := t.splitLeafAndInsert(ctx, n, key, rid); err != nil {
		ctx.releaseAll(true)
		return false, err
	}
	ctx.releaseAll(true)
	return true, nil
}

// descendForWrite walks from the root to the target leaf, write-latching the
// path and releasing ancestors whenever the current node passes safe.
// Must be called with rootLatch held exclusively.
func (t *BPlusTree) descendForWrite(ctx *writeCtx, key []byte, safe func(node) bool) (node, error) {
	n, err := t.fetchNode(t.rootPageID)
	if err != nil {
		return node{}, err
	}
	n.pg.WLatch()
	ctx.push(n.pg)
	if safe(n) {
		ctx.releaseAncestors()
	}

	for !n.isLeaf() {
		child, err := t.fetchNode(n.childAt(n.lookupChild(key, t.cmp)))
		if err != nil {
			return node{}, err
		}
		child.pg.WLatch()
		ctx.push(child.pg)
		if safe(child) {
			ctx.releaseAncestors()
		}
		n = child
	}
	return n, nil
}

// startNewTree creates a root leaf holding the single entry. Must be called
// with rootLatch held exclusively.
func (t *BPlusTree) startNewTree(key []byte, rid page.RID) error {
	pg, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	root := asNode(pg, t.keySize)
	root.initLeaf(page.InvalidPageID, t.leafMaxSize)
	root.leafInsertAt(0, key, rid)
	t.rootPageID = pg.GetPageID()
	if err := t.updateRootRecord(); err != nil {
		return err
	}
	t.logger.Debug("started new tree", zap.Int32("root", int32(t.rootPageID)))
	return t.bpm.UnpinPage(pg.GetPageID(), true)
}

// splitLeafAndInsert splits the full leaf, moving the upper half into a new
// right sibling, inserts the entry into whichever half owns the key, and
// pushes the sibling's first key into the parent.
func (t *BPlusTree) splitLeafAndInsert(ctx *writeCtx, n node, key []byte, rid page.RID) error {
	newPg, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	newLeaf := asNode(newPg, t.keySize)
	newLeaf.initLeaf(n.parent(), t.leafMaxSize)

	keep := n.minSize()
	newLeaf.leafCopyRange(n, keep, n.size())
	n.setSize(keep)
	newLeaf.setNextPageID(n.nextPageID())
	n.setNextPageID(newLeaf.pageID())

	riseKey := append([]byte(nil), newLeaf.leafKeyAt(0)...)
	target := n
	if t.cmp(key, riseKey) >= 0 {
		target = newLeaf
	}
	target.leafInsertAt(target.leafKeyIndex(key, t.cmp), key, rid)

	err = t.insertIntoParent(ctx, n, riseKey, newLeaf)
	if uerr := t.bpm.UnpinPage(newLeaf.pageID(), true); err == nil {
		err = uerr
	}
	return err
}

// insertIntoParent links newNode (right sibling of old, separated by
// riseKey) into old's parent, splitting internals upward as needed. Every
// parent it touches is already write-latched on the context path.
func (t *BPlusTree) insertIntoParent(ctx *writeCtx, old node, riseKey []byte, newNode node) error {
	if old.isRoot() {
		rootPg, err := t.bpm.NewPage()
		if err != nil {
			return err
		}
		newRoot := asNode(rootPg, t.keySize)
		newRoot.initInternal(page.InvalidPageID, t.internalMaxSize)
		newRoot.setSize(2)
		newRoot.setChildAt(0, old.pageID())
		newRoot.setInternalEntry(1, riseKey, newNode.pageID())
		old.setParent(newRoot.pageID())
		newNode.setParent(newRoot.pageID())
		t.rootPageID = newRoot.pageID()
		if err := t.updateRootRecord(); err != nil {
			return err
		}
		t.logger.Debug("grew new root", zap.Int32("root", int32(t.rootPageID)))
		return t.bpm.UnpinPage(newRoot.pageID(), true)
	}

	parent := ctx.parentOf(old)
	idx := parent.childIndex(old.pageID())
	parent.internalInsertAt(idx+1, riseKey, newNode.pageID())
	newNode.setParent(parent.pageID())

	if parent.size() <= t.internalMaxSize {
		return nil
	}

	// Overflowed: split the parent. The page layout keeps one spare entry
	// slot, so the oversized node is valid while we carve it up.
	total := parent.size()
	keep := (total + 1) / 2

	newPg, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	newInternal := asNode(newPg, t.keySize)
	newInternal.initInternal(parent.parent(), t.internalMaxSize)

	pushKey := append([]byte(nil), parent.internalKeyAt(keep)...)
	newInternal.internalCopyRange(parent, keep, total)
	parent.setSize(keep)

	if err := t.reparentChildren(newInternal, old, newNode); err != nil {
		return err
	}

	err = t.insertIntoParent(ctx, parent, pushKey, newInternal)
	if uerr := t.bpm.UnpinPage(newInternal.pageID(), true); err == nil {
		err = uerr
	}
	return err
}

// reparentChildren points every child of n at n. Children whose pages are
// already held by this writer (the just-split pair) are updated in place;
// everything else is fetched and latched briefly.
func (t *BPlusTree) reparentChildren(n node, held ...node) error {
	for i := 0; i < n.size(); i++ {
		childID := n.childAt(i)
		updated := false
		for _, h := range held {
			if h.pg != nil && h.pageID() == childID {
				h.setParent(n.pageID())
				updated = true
				break
			}
		}
		if updated {
			continue
		}
		child, err := t.fetchNode(childID)
		if err != nil {
			return err
		}
		child.pg.WLatch()
		child.setParent(n.pageID())
		child.pg.WUnlatch()
		if err := t.bpm.UnpinPage(childID, true); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes key from the tree. Missing keys are a no-op.
func (t *BPlusTree) Remove(key []byte) error {
	if len(key) != t.keySize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), t.keySize)
	}

	t.rootLatch.Lock()
	ctx := &writeCtx{t: t, rootHeld: true}

	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.Unlock()
		return nil
	}

	n, err := t.descendForWrite(ctx, key, t.removeSafe)
	if err != nil {
		ctx.releaseAll(false)
		return err
	}

	idx := n.leafKeyIndex(key, t.cmp)
	if idx >= n.size() || t.cmp(n.leafKeyAt(idx), key) != 0 {
		ctx.releaseAll(false)
		return nil
	}
	n.leafRemoveAt(idx)

	if !n.isRoot() && n.size() < n.minSize() {
		if err := t.coalesceOrRedistribute(ctx, n); err != nil {
			ctx.releaseAll(true)
			return err
		}
	} else if n.isRoot() && n.isLeaf() && n.size() == 0 {
		if err := t.adjustRoot(ctx, n); err != nil {
			ctx.releaseAll(true)
			return err
		}
	}

	ctx.releaseAll(true)
	return nil
}

// adjustRoot handles the two root collapses: an empty root leaf empties the
// tree, and a single-child root internal promotes its child. The old root
// page is deleted.
func (t *BPlusTree) adjustRoot(ctx *writeCtx, n node) error {
	switch {
	case n.isLeaf() && n.size() == 0:
		t.rootPageID = page.InvalidPageID
	case !n.isLeaf() && n.size() == 1:
		childID := n.childAt(0)
		// The promoted child may already be latched on this writer's path
		// (it just absorbed its sibling); never latch a page twice.
		if held := ctx.find(childID); held.pg != nil {
			held.setParent(page.InvalidPageID)
		} else {
			child, err := t.fetchNode(childID)
			if err != nil {
				return err
			}
			child.pg.WLatch()
			child.setParent(page.InvalidPageID)
			child.pg.WUnlatch()
			if err := t.bpm.UnpinPage(childID, true); err != nil {
				return err
			}
		}
		t.rootPageID = childID
	default:
		return nil
	}
	if err := t.updateRootRecord(); err != nil {
		return err
	}
	ctx.drop(n)
	t.logger.Debug("root adjusted", zap.Int32("root", int32(t.rootPageID)))
	return nil
}

// coalesceOrRedistribute restores the minimum-size invariant for n, which
// has just underflowed. It looks at one sibling: the left one if n is not the
// leftmost child, otherwise the right one. If that sibling has surplus, one
// entry is borrowed from it; otherwise n is folded into its left sibling (or
// the right sibling into n), and the parent is fixed up recursively if the
// removal underflows it.
func (t *BPlusTree) coalesceOrRedistribute(ctx *writeCtx, n node) error {
	if n.isRoot() {
		return t.adjustRoot(ctx, n)
	}

	parent := ctx.parentOf(n)
	idx := parent.childIndex(n.pageID())

	if idx > 0 {
		left, err := t.fetchNode(parent.childAt(idx - 1))
		if err != nil {
			return err
		}
		left.pg.WLatch()
		if left.size() > left.minSize() {
			err = t.redistributeFromLeft(ctx, parent, idx, left, n)
			left.pg.WUnlatch()
			if uerr := t.bpm.UnpinPage(left.pageID(), true); err == nil {
				err = uerr
			}
			return err
		}
		// Merge n into its left sibling.
		err = t.mergeInto(ctx, parent, idx, left, n)
		left.pg.WUnlatch()
		if uerr := t.bpm.UnpinPage(left.pageID(), true); err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
		ctx.drop(n)
		return t.checkParentAfterRemove(ctx, parent)
	}

	right, err := t.fetchNode(parent.childAt(idx + 1))
	if err != nil {
		return err
	}
	right.pg.WLatch()
	if right.size() > right.minSize() {
		err = t.redistributeFromRight(ctx, parent, idx, n, right)
		right.pg.WUnlatch()
		if uerr := t.bpm.UnpinPage(right.pageID(), true); err == nil {
			err = uerr
		}
		return err
	}
	// Merge the right sibling into n.
	rightID := right.pageID()
	err = t.mergeInto(ctx, parent, idx+1, n, right)
	right.pg.WUnlatch()
	if uerr := t.bpm.UnpinPage(rightID, true); err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}
	if derr := t.bpm.DeletePage(rightID); derr != nil {
		return derr
	}
	return t.checkParentAfterRemove(ctx, parent)
}

// checkParentAfterRemove recurses upward when removing a child entry left
// the parent under its minimum.
func (t *BPlusTree) checkParentAfterRemove(ctx *writeCtx, parent node) error {
	if parent.isRoot() {
		if parent.size() == 1 {
			return t.adjustRoot(ctx, parent)
		}
		return nil
	}
	if parent.size() < parent.minSize() {
		return t.coalesceOrRedistribute(ctx, parent)
	}
	return nil
}

// redistributeFromLeft moves left's last entry to the front of n and updates
// the separator. For internals the entry rotates through the parent key.
func (t *BPlusTree) redistributeFromLeft(ctx *writeCtx, parent node, idx int, left, n node) error {
	last := left.size() - 1
	if n.isLeaf() {
		key := append([]byte(nil), left.leafKeyAt(last)...)
		rid := left.leafRIDAt(last)
		left.setSize(last)
		n.leafInsertAt(0, key, rid)
		parent.setInternalKeyAt(idx, n.leafKeyAt(0))
		return nil
	}

	movedChild := left.childAt(last)
	movedKey := append([]byte(nil), left.internalKeyAt(last)...)
	sep := append([]byte(nil), parent.internalKeyAt(idx)...)
	left.setSize(last)

	n.internalInsertAt(0, movedKey, movedChild)
	n.setInternalKeyAt(1, sep)
	parent.setInternalKeyAt(idx, movedKey)
	return t.reparentVia(ctx, movedChild, n.pageID())
}

// redistributeFromRight moves right's first entry to the end of n and
// updates the separator.
func (t *BPlusTree) redistributeFromRight(ctx *writeCtx, parent node, idx int, n, right node) error {
	if n.isLeaf() {
		key := append([]byte(nil), right.leafKeyAt(0)...)
		rid := right.leafRIDAt(0)
		right.leafRemoveAt(0)
		n.leafInsertAt(n.size(), key, rid)
		parent.setInternalKeyAt(idx+1, right.leafKeyAt(0))
		return nil
	}

	movedChild := right.childAt(0)
	sep := append([]byte(nil), parent.internalKeyAt(idx+1)...)
	newSep := append([]byte(nil), right.internalKeyAt(1)...)
	right.internalRemoveAt(0)

	n.internalInsertAt(n.size(), sep, movedChild)
	parent.setInternalKeyAt(idx+1, newSep)
	return t.reparentVia(ctx, movedChild, n.pageID())
}

// mergeInto folds src (the child at srcIdx in parent) into dst, its left
// sibling, and removes src's entry from the parent. For internals the
// separator key comes down to head the moved entries.
func (t *BPlusTree) mergeInto(ctx *writeCtx, parent node, srcIdx int, dst, src node) error {
	if src.isLeaf() {
		dst.leafCopyRange(src, 0, src.size())
		dst.setNextPageID(src.nextPageID())
		parent.internalRemoveAt(srcIdx)
		return nil
	}

	sep := append([]byte(nil), parent.internalKeyAt(srcIdx)...)
	start := dst.size()
	dst.internalCopyRange(src, 0, src.size())
	dst.setInternalKeyAt(start, sep)
	parent.internalRemoveAt(srcIdx)

	// A moved child can sit latched on this writer's own path (it absorbed
	// its sibling one level down), so the reparent goes through the context.
	for i := start; i < dst.size(); i++ {
		if err := t.reparentVia(ctx, dst.childAt(i), dst.pageID()); err != nil {
			return err
		}
	}
	return nil
}

// reparentVia rewrites one child's parent pointer, in place when the child is
// already latched on this writer's path, else under a brief latch.
func (t *BPlusTree) reparentVia(ctx *writeCtx, childID, parentID page.PageID) error {
	if held := ctx.find(childID); held.pg != nil {
		held.setParent(parentID)
		return nil
	}
	child, err := t.fetchNode(childID)
	if err != nil {
		return err
	}
	child.pg.WLatch()
	child.setParent(parentID)
	child.pg.WUnlatch()
	return t.bpm.UnpinPage(childID, true)
}
