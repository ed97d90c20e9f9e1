package flushmanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/pagestore/core/write_engine/latch"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type PageID = pagemanager.PageID

// DiskStats is a point-in-time copy of the disk manager counters.
type DiskStats struct {
	NumWrites  uint64
	NumFlushes uint64
	LastWrite  PageID
	NumPages   int64
}

type diskState struct {
	file       *os.File
	numWrites  uint64
	numFlushes uint64
	lastWrite  PageID
}

// DiskManager performs durable page I/O against a single data file.
// Page p occupies bytes [p*PageSize, (p+1)*PageSize). Every write is followed
// by an fsync before it is reported as successful, and all operations are
// serialized under one latch.
type DiskManager struct {
	filePath string
	state    *latch.Latch[diskState]
	logger   *zap.Logger
	metrics  *internaltelemetry.DiskMetrics
}

// NewDiskManager creates (or truncates) the data file at filePath.
func NewDiskManager(filePath string, logger *zap.Logger, metrics *internaltelemetry.DiskMetrics) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopDiskMetrics()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating file %s: %w", ErrIO, filePath, err)
	}

	dm := &DiskManager{
		filePath: filePath,
		state:    latch.NewLatch(diskState{file: file, lastWrite: pagemanager.InvalidPageID}),
		logger:   logger.Named("disk_manager"),
		metrics:  metrics,
	}
	dm.logger.Info("Data file opened", zap.String("path", filePath))
	return dm, nil
}

// FilePath returns the path of the backing file.
func (dm *DiskManager) FilePath() string { return dm.filePath }

// ReadPage fills buf with the contents of page id. Reading a page that was
// never written is an error; nothing is zero-filled.
func (dm *DiskManager) ReadPage(buf *pagemanager.Page, id PageID) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	start := time.Now()
	err := dm.state.WithErr(func(s *diskState) error {
		if s.file == nil {
			return ErrClosed
		}
		offset := int64(id) * pagemanager.PageSize
		n, err := s.file.ReadAt(buf[:], offset)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: EOF reading page %d at offset %d (read %d bytes)", ErrIO, id, offset, n)
			}
			return fmt.Errorf("%w: reading page %d at offset %d: %w", ErrIO, id, offset, err)
		}
		return nil
	})
	dm.observe(start, "read", err)
	if err != nil {
		dm.logger.Error("Page read failed", zap.Int64("page_id", int64(id)), zap.Error(err))
		return err
	}
	dm.metrics.PageReadsCounter.Add(context.Background(), 1)
	return nil
}

// WritePage durably writes buf to page id. The counters only move once the
// data has been synced.
func (dm *DiskManager) WritePage(buf *pagemanager.Page, id PageID) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	start := time.Now()
	err := dm.state.WithErr(func(s *diskState) error {
		if s.file == nil {
			return ErrClosed
		}
		return s.writeAt(buf, id)
	})
	dm.observe(start, "write", err)
	if err != nil {
		dm.logger.Error("Page write failed", zap.Int64("page_id", int64(id)), zap.Error(err))
		return err
	}
	dm.recordWrite()
	dm.logger.Debug("Page written", zap.Int64("page_id", int64(id)))
	return nil
}

// AppendPage writes buf as a new page at the end of the file and returns its
// id. This is the only way page ids are handed out, so ids are dense and
// monotonically increasing.
func (dm *DiskManager) AppendPage(buf *pagemanager.Page) (PageID, error) {
	start := time.Now()
	id := pagemanager.InvalidPageID
	err := dm.state.WithErr(func(s *diskState) error {
		if s.file == nil {
			return ErrClosed
		}
		info, err := s.file.Stat()
		if err != nil {
			return fmt.Errorf("%w: stating file: %w", ErrIO, err)
		}
		if info.Size()%pagemanager.PageSize != 0 {
			return fmt.Errorf("%w: size %d", ErrCorruptFile, info.Size())
		}
		next := PageID(info.Size() / pagemanager.PageSize)
		if err := s.writeAt(buf, next); err != nil {
			return err
		}
		id = next
		return nil
	})
	dm.observe(start, "append", err)
	if err != nil {
		dm.logger.Error("Page append failed", zap.Error(err))
		return pagemanager.InvalidPageID, err
	}
	dm.recordWrite()
	dm.logger.Debug("Page appended", zap.Int64("page_id", int64(id)))
	return id, nil
}

// writeAt writes and syncs one page, updating counters on success.
func (s *diskState) writeAt(buf *pagemanager.Page, id PageID) error {
	offset := int64(id) * pagemanager.PageSize
	if _, err := s.file.WriteAt(buf[:], offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %w", ErrIO, id, offset, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing page %d: %w", ErrIO, id, err)
	}
	s.numWrites++
	s.numFlushes++
	s.lastWrite = id
	return nil
}

func (dm *DiskManager) recordWrite() {
	ctx := context.Background()
	dm.metrics.PageWritesCounter.Add(ctx, 1)
	dm.metrics.FsyncCounter.Add(ctx, 1)
}

func (dm *DiskManager) observe(start time.Time, op string, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("op", op))
	dm.metrics.IOLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	if err != nil {
		dm.metrics.IOErrorsCounter.Add(ctx, 1, attrs)
	}
}

// NumWrites returns the number of successful page writes, appends included.
func (dm *DiskManager) NumWrites() uint64 {
	return latch.Locked(dm.state, func(s *diskState) uint64 { return s.numWrites })
}

// NumFlushes returns the number of successful fsyncs.
func (dm *DiskManager) NumFlushes() uint64 {
	return latch.Locked(dm.state, func(s *diskState) uint64 { return s.numFlushes })
}

// LastWrite returns the id of the most recently written page, or
// InvalidPageID if nothing has been written yet.
func (dm *DiskManager) LastWrite() PageID {
	return latch.Locked(dm.state, func(s *diskState) PageID { return s.lastWrite })
}

// NumPages returns the number of whole pages in the data file.
func (dm *DiskManager) NumPages() (int64, error) {
	var pages int64
	err := dm.state.WithErr(func(s *diskState) error {
		var err error
		pages, err = s.numPages()
		return err
	})
	return pages, err
}

func (s *diskState) numPages() (int64, error) {
	if s.file == nil {
		return 0, ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stating file: %w", ErrIO, err)
	}
	return info.Size() / pagemanager.PageSize, nil
}

// Stats returns the counters and page count taken under one latch. If the
// file cannot be stat'ed the counters are still returned, with NumPages zero,
// alongside the error.
func (dm *DiskManager) Stats() (DiskStats, error) {
	var stats DiskStats
	err := dm.state.WithErr(func(s *diskState) error {
		stats = DiskStats{
			NumWrites:  s.numWrites,
			NumFlushes: s.numFlushes,
			LastWrite:  s.lastWrite,
		}
		var err error
		stats.NumPages, err = s.numPages()
		return err
	})
	return stats, err
}

// Close syncs and closes the data file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	return dm.state.WithErr(func(s *diskState) error {
		if s.file == nil {
			return nil
		}
		err := multierr.Append(s.file.Sync(), s.file.Close())
		s.file = nil
		if err != nil {
			return fmt.Errorf("%w: closing %s: %w", ErrIO, dm.filePath, err)
		}
		dm.logger.Info("Data file closed", zap.String("path", dm.filePath))
		return nil
	})
}
