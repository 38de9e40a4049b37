// Package disk provides the disk provider the buffer pool reads and writes
// pages through, and the file-backed implementation used in production and
// in tests.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/vedant-j/koshdb/core/storage/page"
)

var (
	ErrIO         = errors.New("i/o error")
	ErrBadBufSize = errors.New("page buffer size does not match page size")
	ErrClosed     = errors.New("disk manager is closed")
)

// Provider is the interface the buffer pool consumes. Both methods operate
// on caller-owned buffers of exactly one page. Failures are fatal to the
// in-flight pool operation and are propagated up.
type Provider interface {
	ReadPage(pageID page.PageID, buf []byte) error
	WritePage(pageID page.PageID, buf []byte) error
}

// Manager is a single-file Provider. Pages live at offset pageID*pageSize.
type Manager struct {
	filePath string
	pageSize int
	mu       sync.Mutex
	file     *os.File
	logger   *zap.Logger
}

// NewManager opens (or creates) the database file at filePath.
func NewManager(filePath string, pageSize int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, filePath, err)
	}
	return &Manager{
		filePath: filePath,
		pageSize: pageSize,
		file:     file,
		logger:   logger,
	}, nil
}

func (dm *Manager) PageSize() int { return dm.pageSize }

// ReadPage fills buf with the page's on-disk bytes. Reading a page that was
// allocated but never flushed lands past EOF; the buffer is zero-filled in
// that case so a fresh page always reads back as zeroes.
func (dm *Manager) ReadPage(pageID page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return ErrClosed
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadBufSize, len(buf), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			dm.logger.Debug("read past end of file, zero-filling",
				zap.Int32("page_id", int32(pageID)), zap.Int("bytes_read", n))
			return nil
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// WritePage persists buf at the page's offset, extending the file if needed.
func (dm *Manager) WritePage(pageID page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return ErrClosed
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadBufSize, len(buf), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (dm *Manager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the file. Subsequent operations return ErrClosed.
func (dm *Manager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("sync on close failed", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
