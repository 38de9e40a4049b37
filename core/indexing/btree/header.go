package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/vedant-j/koshdb/core/storage/page"
)

// The header page (page 0) maps index names to root page ids so an index can
// be reopened by name. Layout, little-endian:
//
//	offset 0: record_count uint32
//	records:  name [32]byte (zero-padded) + root_page_id int32
const (
	headerNameSize   = 32
	headerRecordSize = headerNameSize + 4
	headerCountOff   = 0
	headerBodyOff    = 4
)

type headerPage struct {
	pg *page.Page
}

func (h headerPage) data() []byte { return h.pg.GetData() }

func (h headerPage) recordCount() int {
	return int(binary.LittleEndian.Uint32(h.data()[headerCountOff:]))
}

func (h headerPage) setRecordCount(n int) {
	binary.LittleEndian.PutUint32(h.data()[headerCountOff:], uint32(n))
}

func (h headerPage) recordOffset(i int) int {
	return headerBodyOff + i*headerRecordSize
}

func (h headerPage) nameAt(i int) string {
	off := h.recordOffset(i)
	raw := h.data()[off : off+headerNameSize]
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

func (h headerPage) rootAt(i int) page.PageID {
	off := h.recordOffset(i) + headerNameSize
	return page.PageID(int32(binary.LittleEndian.Uint32(h.data()[off:])))
}

func (h headerPage) setRootAt(i int, root page.PageID) {
	off := h.recordOffset(i) + headerNameSize
	binary.LittleEndian.PutUint32(h.data()[off:], uint32(int32(root)))
}

// find returns the record index for name, or -1.
func (h headerPage) find(name string) int {
	for i := 0; i < h.recordCount(); i++ {
		if h.nameAt(i) == name {
			return i
		}
	}
	return -1
}

// insert appends a record. The caller has checked the name is absent.
func (h headerPage) insert(name string, root page.PageID) {
	i := h.recordCount()
	off := h.recordOffset(i)
	var buf [headerNameSize]byte
	copy(buf[:], name)
	copy(h.data()[off:off+headerNameSize], buf[:])
	h.setRootAt(i, root)
	h.setRecordCount(i + 1)
}
