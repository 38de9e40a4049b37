package btree

import (
	"encoding/binary"

	"github.com/vedant-j/koshdb/core/storage/page"
)

// On-disk node layout, little-endian. The common header is 24 bytes:
//
//	offset  0: page_type      uint32 (1 = leaf, 2 = internal)
//	offset  4: size           uint32 (entries in a leaf, children in an internal)
//	offset  8: max_size       uint32
//	offset 12: parent_page_id int32
//	offset 16: page_id        int32
//	offset 20: reserved       4 bytes
//
// A leaf carries next_page_id (int32) at offset 24, entries from offset 28.
// Internal entries start at offset 24; the key of slot 0 is present but
// unused (guide-key layout).
const (
	pageTypeLeaf     uint32 = 1
	pageTypeInternal uint32 = 2

	offPageType   = 0
	offSize       = 4
	offMaxSize    = 8
	offParent     = 12
	offPageID     = 16
	offNextPageID = 24

	nodeHeaderSize = 24
	leafBodyOffset = nodeHeaderSize + 4
	ridSize        = 8
	childSize      = 4
)

// node wraps a pinned page and interprets its bytes as a B+tree node. It
// carries no references to parents or siblings; relationships are page ids
// resolved through the buffer pool.
type node struct {
	pg      *page.Page
	keySize int
}

func asNode(pg *page.Page, keySize int) node {
	return node{pg: pg, keySize: keySize}
}

func (n node) data() []byte { return n.pg.GetData() }

func (n node) pageType() uint32 { return binary.LittleEndian.Uint32(n.data()[offPageType:]) }
func (n node) isLeaf() bool     { return n.pageType() == pageTypeLeaf }

func (n node) size() int { return int(binary.LittleEndian.Uint32(n.data()[offSize:])) }
func (n node) setSize(size int) {
	binary.LittleEndian.PutUint32(n.data()[offSize:], uint32(size))
}

func (n node) maxSize() int { return int(binary.LittleEndian.Uint32(n.data()[offMaxSize:])) }

// minSize is ceil(maxSize/2) for leaves and internals alike. The root is
// exempt: a root leaf may shrink to zero and a root internal to one child
// before the tree reshapes.
func (n node) minSize() int { return (n.maxSize() + 1) / 2 }

func (n node) parent() page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(n.data()[offParent:])))
}
func (n node) setParent(pid page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[offParent:], uint32(int32(pid)))
}

func (n node) pageID() page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(n.data()[offPageID:])))
}

func (n node) isRoot() bool { return n.parent() == page.InvalidPageID }

// initLeaf stamps a fresh leaf header onto the page.
func (n node) initLeaf(parent page.PageID, maxSize int) {
	binary.LittleEndian.PutUint32(n.data()[offPageType:], pageTypeLeaf)
	binary.LittleEndian.PutUint32(n.data()[offSize:], 0)
	binary.LittleEndian.PutUint32(n.data()[offMaxSize:], uint32(maxSize))
	n.setParent(parent)
	binary.LittleEndian.PutUint32(n.data()[offPageID:], uint32(int32(n.pg.GetPageID())))
	n.setNextPageID(page.InvalidPageID)
}

// initInternal stamps a fresh internal header onto the page.
func (n node) initInternal(parent page.PageID, maxSize int) {
	binary.LittleEndian.PutUint32(n.data()[offPageType:], pageTypeInternal)
	binary.LittleEndian.PutUint32(n.data()[offSize:], 0)
	binary.LittleEndian.PutUint32(n.data()[offMaxSize:], uint32(maxSize))
	n.setParent(parent)
	binary.LittleEndian.PutUint32(n.data()[offPageID:], uint32(int32(n.pg.GetPageID())))
}

// --- leaf accessors ---

func (n node) leafEntrySize() int { return n.keySize + ridSize }

func (n node) leafEntryOffset(i int) int {
	return leafBodyOffset + i*n.leafEntrySize()
}

func (n node) nextPageID() page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(n.data()[offNextPageID:])))
}
func (n node) setNextPageID(pid page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[offNextPageID:], uint32(int32(pid)))
}

func (n node) leafKeyAt(i int) []byte {
	off := n.leafEntryOffset(i)
	return n.data()[off : off+n.keySize]
}

func (n node) leafRIDAt(i int) page.RID {
	off := n.leafEntryOffset(i) + n.keySize
	return page.RID{
		PageID:  page.PageID(int32(binary.LittleEndian.Uint32(n.data()[off:]))),
		SlotNum: binary.LittleEndian.Uint32(n.data()[off+4:]),
	}
}

func (n node) setLeafEntry(i int, key []byte, rid page.RID) {
	off := n.leafEntryOffset(i)
	copy(n.data()[off:off+n.keySize], key)
	binary.LittleEndian.PutUint32(n.data()[off+n.keySize:], uint32(int32(rid.PageID)))
	binary.LittleEndian.PutUint32(n.data()[off+n.keySize+4:], rid.SlotNum)
}

// leafKeyIndex returns the first slot whose key is >= key (lower bound).
func (n node) leafKeyIndex(key []byte, cmp KeyComparator) int {
	lo, hi := 0, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.leafKeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// leafLookup finds key's RID, if present.
func (n node) leafLookup(key []byte, cmp KeyComparator) (page.RID, bool) {
	i := n.leafKeyIndex(key, cmp)
	if i < n.size() && cmp(n.leafKeyAt(i), key) == 0 {
		return n.leafRIDAt(i), true
	}
	return page.RID{}, false
}

// leafInsertAt shifts entries right and writes the new entry at slot i.
func (n node) leafInsertAt(i int, key []byte, rid page.RID) {
	es := n.leafEntrySize()
	start := n.leafEntryOffset(i)
	end := n.leafEntryOffset(n.size())
	copy(n.data()[start+es:end+es], n.data()[start:end])
	n.setLeafEntry(i, key, rid)
	n.setSize(n.size() + 1)
}

// leafRemoveAt shifts entries left over slot i.
func (n node) leafRemoveAt(i int) {
	es := n.leafEntrySize()
	start := n.leafEntryOffset(i)
	end := n.leafEntryOffset(n.size())
	copy(n.data()[start:end-es], n.data()[start+es:end])
	n.setSize(n.size() - 1)
}

// leafCopyRange bulk-copies src's entries [from, to) onto the end of n.
func (n node) leafCopyRange(src node, from, to int) {
	dst := n.leafEntryOffset(n.size())
	s := src.leafEntryOffset(from)
	e := src.leafEntryOffset(to)
	copy(n.data()[dst:dst+(e-s)], src.data()[s:e])
	n.setSize(n.size() + (to - from))
}

// --- internal accessors ---

func (n node) internalEntrySize() int { return n.keySize + childSize }

func (n node) internalEntryOffset(i int) int {
	return nodeHeaderSize + i*n.internalEntrySize()
}

func (n node) internalKeyAt(i int) []byte {
	off := n.internalEntryOffset(i)
	return n.data()[off : off+n.keySize]
}

func (n node) setInternalKeyAt(i int, key []byte) {
	off := n.internalEntryOffset(i)
	copy(n.data()[off:off+n.keySize], key)
}

func (n node) childAt(i int) page.PageID {
	off := n.internalEntryOffset(i) + n.keySize
	return page.PageID(int32(binary.LittleEndian.Uint32(n.data()[off:])))
}

func (n node) setChildAt(i int, pid page.PageID) {
	off := n.internalEntryOffset(i) + n.keySize
	binary.LittleEndian.PutUint32(n.data()[off:], uint32(int32(pid)))
}

func (n node) setInternalEntry(i int, key []byte, child page.PageID) {
	n.setInternalKeyAt(i, key)
	n.setChildAt(i, child)
}

// childIndex returns the slot holding the given child page id, or -1.
func (n node) childIndex(pid page.PageID) int {
	for i := 0; i < n.size(); i++ {
		if n.childAt(i) == pid {
			return i
		}
	}
	return -1
}

// lookupChild picks the descent child for key: the largest index i with
// key[i] <= key, treating slot 0 as -infinity.
func (n node) lookupChild(key []byte, cmp KeyComparator) int {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.internalKeyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// internalInsertAt shifts entries right and writes (key, child) at slot i.
func (n node) internalInsertAt(i int, key []byte, child page.PageID) {
	es := n.internalEntrySize()
	start := n.internalEntryOffset(i)
	end := n.internalEntryOffset(n.size())
	copy(n.data()[start+es:end+es], n.data()[start:end])
	n.setInternalEntry(i, key, child)
	n.setSize(n.size() + 1)
}

// internalRemoveAt shifts entries left over slot i.
func (n node) internalRemoveAt(i int) {
	es := n.internalEntrySize()
	start := n.internalEntryOffset(i)
	end := n.internalEntryOffset(n.size())
	copy(n.data()[start:end-es], n.data()[start+es:end])
	n.setSize(n.size() - 1)
}

// internalCopyRange bulk-copies src's entries [from, to) onto the end of n.
// Keys come along verbatim; the caller fixes up slot-0 semantics.
func (n node) internalCopyRange(src node, from, to int) {
	dst := n.internalEntryOffset(n.size())
	s := src.internalEntryOffset(from)
	e := src.internalEntryOffset(to)
	copy(n.data()[dst:dst+(e-s)], src.data()[s:e])
	n.setSize(n.size() + (to - from))
}
