// Package buffer owns the in-memory page frames: the buffer pool maps page
// ids to frames, enforces the pinning discipline, and evicts through the
// LRU-K replacer when the pool is full.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	internaltelemetry "github.com/vedant-j/koshdb/internal/telemetry"

	"github.com/vedant-j/koshdb/core/storage/disk"
	"github.com/vedant-j/koshdb/core/storage/page"
)

var (
	ErrBufferPoolFull = errors.New("buffer pool is full and no frame is evictable")
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPagePinned     = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned  = errors.New("page pin count is already zero")
)

// BufferPoolManager keeps poolSize frames for the lifetime of the pool. Every
// fetch or allocation returns a page holding one pin for the caller; the
// frame cannot be evicted until the caller unpins it. Page ids come from a
// monotonically increasing counter starting at 1 (page 0 is the header page)
// and are never reused.
type BufferPoolManager struct {
	diskProvider disk.Provider
	poolSize     int

	mu         sync.Mutex
	pages      []*page.Page
	pageTable  map[page.PageID]page.FrameID
	freeList   []page.FrameID
	replacer   *LRUKReplacer
	nextPageID page.PageID

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames over diskProvider,
// with an LRU-K replacer of the given k.
func NewBufferPoolManager(poolSize int, diskProvider disk.Provider, replacerK int, logger *zap.Logger) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskProvider: diskProvider,
		poolSize:     poolSize,
		pages:        make([]*page.Page, poolSize),
		pageTable:    make(map[page.PageID]page.FrameID),
		freeList:     make([]page.FrameID, 0, poolSize),
		replacer:     NewLRUKReplacer(poolSize, replacerK, logger),
		nextPageID:   page.HeaderPageID + 1,
		logger:       logger,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage(page.InvalidPageID, page.PageSize)
		bpm.freeList = append(bpm.freeList, page.FrameID(i))
	}
	return bpm
}

// AttachMetrics wires the pool's counters to a telemetry instrument bundle.
// Without it the pool records nothing.
func (bpm *BufferPoolManager) AttachMetrics(m *internaltelemetry.StorageMetrics) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.metrics = m
}

// PoolSize returns the fixed number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// ReplacerSize returns the number of currently evictable frames.
func (bpm *BufferPoolManager) ReplacerSize() int { return bpm.replacer.Size() }

// NewPage allocates a fresh page id, installs it in a free or evicted frame,
// zeroes the frame, and returns it pinned.
func (bpm *BufferPoolManager) NewPage() (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.availableFrame()
	if err != nil {
		return nil, err
	}

	pageID := bpm.nextPageID
	bpm.nextPageID++

	pg := bpm.pages[frameID]
	pg.SetPageID(pageID)
	pg.SetPinCount(1)
	pg.SetDirty(false)
	bpm.pageTable[pageID] = frameID

	if err := bpm.replacer.RecordAccess(frameID); err != nil {
		return nil, err
	}
	bpm.replacer.SetEvictable(frameID, false)

	if bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
	bpm.logger.Debug("allocated new page",
		zap.Int32("page_id", int32(pageID)), zap.Int("frame", int(frameID)))
	return pg, nil
}

// FetchPage returns the page pinned, reading it from disk if it is not
// resident.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		pg := bpm.pages[frameID]
		if pg.GetPinCount() == 0 && bpm.metrics != nil {
			bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
		}
		pg.Pin()
		if err := bpm.replacer.RecordAccess(frameID); err != nil {
			return nil, err
		}
		bpm.replacer.SetEvictable(frameID, false)
		if bpm.metrics != nil {
			bpm.metrics.PageHitsCounter.Add(context.Background(), 1)
		}
		return pg, nil
	}

	frameID, err := bpm.availableFrame()
	if err != nil {
		return nil, err
	}

	pg := bpm.pages[frameID]
	if err := bpm.diskProvider.ReadPage(pageID, pg.GetData()); err != nil {
		// The frame is clean again; hand it back to the free list.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("fetching page %d: %w", pageID, err)
	}
	pg.SetPageID(pageID)
	pg.SetPinCount(1)
	pg.SetDirty(false)
	bpm.pageTable[pageID] = frameID

	if err := bpm.replacer.RecordAccess(frameID); err != nil {
		return nil, err
	}
	bpm.replacer.SetEvictable(frameID, false)

	if bpm.metrics != nil {
		bpm.metrics.PageMissesCounter.Add(context.Background(), 1)
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
	return pg, nil
}

// UnpinPage drops one pin. The dirty argument is ORed into the page's dirty
// flag, so a clean unpin never hides an earlier dirtying. When the pin count
// reaches zero the frame becomes evictable.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	pg := bpm.pages[frameID]
	if pg.GetPinCount() == 0 {
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}
	pg.Unpin()
	if isDirty {
		pg.SetDirty(true)
	}
	if pg.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
		if bpm.metrics != nil {
			bpm.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
		}
	}
	return nil
}

// FlushPage writes the page to disk regardless of its dirty flag and clears
// the flag.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	pg := bpm.pages[frameID]
	if err := bpm.diskProvider.WritePage(pageID, pg.GetData()); err != nil {
		return fmt.Errorf("flushing page %d: %w", pageID, err)
	}
	pg.SetDirty(false)
	if bpm.metrics != nil {
		bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	}
	return nil
}

// FlushAllPages writes every dirty resident page back to disk.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for _, pg := range bpm.pages {
		if pg.GetPageID() == page.InvalidPageID || !pg.IsDirty() {
			continue
		}
		if err := bpm.diskProvider.WritePage(pg.GetPageID(), pg.GetData()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("flushing page %d: %w", pg.GetPageID(), err)
			}
			bpm.logger.Error("flush failed",
				zap.Int32("page_id", int32(pg.GetPageID())), zap.Error(err))
			continue
		}
		pg.SetDirty(false)
		if bpm.metrics != nil {
			bpm.metrics.FlushesCounter.Add(context.Background(), 1)
		}
	}
	return firstErr
}

// DeletePage drops a resident page from the pool and returns its frame to
// the free list. Deleting a page that is not resident is a no-op; deleting a
// pinned page is an error.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return nil
	}
	pg := bpm.pages[frameID]
	if pg.GetPinCount() > 0 {
		return fmt.Errorf("%w: page %d, pin count %d", ErrPagePinned, pageID, pg.GetPinCount())
	}
	if err := bpm.replacer.Remove(frameID); err != nil {
		return err
	}
	delete(bpm.pageTable, pageID)
	pg.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	return nil
}

// availableFrame pops the free list, or evicts through the replacer, writing
// back the victim if dirty. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) availableFrame() (page.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return 0, ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	if victim.IsDirty() {
		if err := bpm.diskProvider.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
			return 0, fmt.Errorf("flushing victim page %d: %w", victim.GetPageID(), err)
		}
		victim.SetDirty(false)
	}
	delete(bpm.pageTable, victim.GetPageID())
	victim.Reset()
	if bpm.metrics != nil {
		bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	}
	return frameID, nil
}
