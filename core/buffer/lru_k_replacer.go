package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vedant-j/koshdb/core/storage/page"
)

var (
	ErrInvalidFrame       = errors.New("frame id out of range for replacer")
	ErrRemoveNonEvictable = errors.New("cannot remove a non-evictable frame")
)

// lruEntry is the per-frame record tracked by the replacer. A frame lives in
// the history list until it has been accessed k times, then moves to the
// buffer list. The history list keeps the most recently added frame at the
// front and does not reorder on later accesses; the buffer list keeps the
// most recently accessed frame at the front.
type lruEntry struct {
	frame     page.FrameID
	count     int
	timestamp uint64
	evictable bool
}

// LRUKReplacer picks eviction victims under the LRU-K policy. Frames with
// fewer than k recorded accesses (the history list) are evicted before frames
// with k or more (the buffer list). In the history list the evictable frame
// with the oldest first access goes first; in the buffer list the least
// recently accessed evictable frame goes first. One mutex guards all state,
// so every exported method is atomic.
type LRUKReplacer struct {
	mu        sync.Mutex
	capacity  int
	k         int
	timestamp uint64

	history    *list.List // of *lruEntry, most recently added at front
	historyMap map[page.FrameID]*list.Element
	buffer     *list.List // of *lruEntry, most recent at front
	bufferMap  map[page.FrameID]*list.Element

	curSize int // evictable frames currently tracked
	logger  *zap.Logger
}

// NewLRUKReplacer creates a replacer for frame ids in [0, capacity).
func NewLRUKReplacer(capacity, k int, logger *zap.Logger) *LRUKReplacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LRUKReplacer{
		capacity:   capacity,
		k:          k,
		history:    list.New(),
		historyMap: make(map[page.FrameID]*list.Element),
		buffer:     list.New(),
		bufferMap:  make(map[page.FrameID]*list.Element),
		logger:     logger,
	}
}

// RecordAccess registers one access to the frame and advances the replacer's
// logical clock. Untracked frames enter the history list as non-evictable.
func (r *LRUKReplacer) RecordAccess(frame page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(frame) >= r.capacity || frame < 0 {
		return fmt.Errorf("%w: frame %d, capacity %d", ErrInvalidFrame, frame, r.capacity)
	}
	r.timestamp++

	if elem, ok := r.bufferMap[frame]; ok {
		ent := elem.Value.(*lruEntry)
		ent.timestamp = r.timestamp
		r.buffer.MoveToFront(elem)
		return nil
	}

	if elem, ok := r.historyMap[frame]; ok {
		ent := elem.Value.(*lruEntry)
		ent.count++
		if ent.count >= r.k {
			ent.timestamp = r.timestamp
			r.history.Remove(elem)
			delete(r.historyMap, frame)
			r.bufferMap[frame] = r.buffer.PushFront(ent)
		}
		return nil
	}

	ent := &lruEntry{frame: frame, count: 1, timestamp: r.timestamp}
	r.historyMap[frame] = r.history.PushFront(ent)
	return nil
}

// SetEvictable moves the frame into or out of the evictable set. Calls for
// untracked frames are silently ignored.
func (r *LRUKReplacer) SetEvictable(frame page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent := r.lookup(frame)
	if ent == nil {
		return
	}
	if evictable && !ent.evictable {
		r.curSize++
	} else if !evictable && ent.evictable {
		r.curSize--
	}
	ent.evictable = evictable
}

// Evict removes and returns the victim frame: the evictable history frame
// with the oldest first access, else the least recently accessed evictable
// buffer frame. The second return is false when no evictable frame exists.
func (r *LRUKReplacer) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for elem := r.history.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*lruEntry)
		if ent.evictable {
			r.history.Remove(elem)
			delete(r.historyMap, ent.frame)
			r.curSize--
			r.logger.Debug("evicting history frame", zap.Int("frame", int(ent.frame)))
			return ent.frame, true
		}
	}
	for elem := r.buffer.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*lruEntry)
		if ent.evictable {
			r.buffer.Remove(elem)
			delete(r.bufferMap, ent.frame)
			r.curSize--
			r.logger.Debug("evicting buffer frame", zap.Int("frame", int(ent.frame)))
			return ent.frame, true
		}
	}
	return page.FrameID(-1), false
}

// Remove forgets an evictable frame entirely, dropping its access history.
// Removing an untracked frame is a no-op; removing a non-evictable frame is
// an error.
func (r *LRUKReplacer) Remove(frame page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.historyMap[frame]; ok {
		ent := elem.Value.(*lruEntry)
		if !ent.evictable {
			return fmt.Errorf("%w: frame %d", ErrRemoveNonEvictable, frame)
		}
		r.history.Remove(elem)
		delete(r.historyMap, frame)
		r.curSize--
		return nil
	}
	if elem, ok := r.bufferMap[frame]; ok {
		ent := elem.Value.(*lruEntry)
		if !ent.evictable {
			return fmt.Errorf("%w: frame %d", ErrRemoveNonEvictable, frame)
		}
		r.buffer.Remove(elem)
		delete(r.bufferMap, frame)
		r.curSize--
		return nil
	}
	return nil
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curSize
}

// lookup must be called with r.mu held.
func (r *LRUKReplacer) lookup(frame page.FrameID) *lruEntry {
	if elem, ok := r.historyMap[frame]; ok {
		return elem.Value.(*lruEntry)
	}
	if elem, ok := r.bufferMap[frame]; ok {
		return elem.Value.(*lruEntry)
	}
	return nil
}
