package memtable

import (
	"container/list"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/latch"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type PageID = pagemanager.PageID

// DefaultReplacerK is the history depth used when no replacer is supplied.
const DefaultReplacerK = 2

// poolState is guarded by the pool latch. A frame id is in the free list, a
// value in the page table, or held by one in-flight reservation, never two of
// those at once. inflight maps pages whose frame is being written back or
// read to a channel closed when that I/O ends.
type poolState struct {
	pageTable map[PageID]FrameID
	freeList  *list.List
	inflight  map[PageID]chan struct{}
}

// PoolStats is a snapshot of buffer pool occupancy.
type PoolStats struct {
	PoolSize      int
	FreeFrames    int
	ResidentPages int
	PinnedPages   int
	DirtyPages    int
	Evictable     int
}

// BufferPoolManager caches disk pages in a fixed set of frames.
//
// Locking is two-level. The pool latch guards the page table and free list;
// each frame has its own latch guarding its bytes, pin count and dirty flag.
// Latches are always taken pool first, then frame, then replacer. The pool
// latch is held only to look up or change a mapping and to take or return a
// frame id. Frame latches on mapped pages are taken after it is released and
// the mapping is re-checked under them; disk I/O never runs under it.
type BufferPoolManager struct {
	instanceID  uuid.UUID
	diskManager *flushmanager.DiskManager
	replacer    Replacer
	frames      []*latch.RwLatch[pagemanager.Frame]
	pool        *latch.RwLatch[poolState]
	logger      *zap.Logger
	metrics     *internaltelemetry.BufferPoolMetrics
	attrs       metric.MeasurementOption
}

// NewBufferPoolManager creates a pool of poolSize empty frames on top of
// diskManager. A nil replacer defaults to LRU-K with DefaultReplacerK.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, replacer Replacer, logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) *BufferPoolManager {
	if poolSize <= 0 {
		panic(fmt.Sprintf("NewBufferPoolManager: pool size must be positive, got %d", poolSize))
	}
	if diskManager == nil {
		panic("NewBufferPoolManager: diskManager cannot be nil")
	}
	if replacer == nil {
		replacer = NewLRUKReplacer(poolSize, DefaultReplacerK)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopBufferPoolMetrics()
	}

	id := uuid.New()
	bpm := &BufferPoolManager{
		instanceID:  id,
		diskManager: diskManager,
		replacer:    replacer,
		frames:      make([]*latch.RwLatch[pagemanager.Frame], poolSize),
		logger:      logger.Named("buffer_pool").With(zap.String("instance", id.String())),
		metrics:     metrics,
		attrs:       metric.WithAttributes(attribute.String("pool", id.String())),
	}

	freeList := list.New()
	for i := 0; i < poolSize; i++ {
		bpm.frames[i] = latch.NewRwLatch(pagemanager.NewFrame(FrameID(i)))
		freeList.PushBack(FrameID(i))
	}
	bpm.pool = latch.NewRwLatch(poolState{
		pageTable: make(map[PageID]FrameID, poolSize),
		freeList:  freeList,
		inflight:  make(map[PageID]chan struct{}),
	})

	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", pagemanager.PageSize),
		zap.String("data_file", diskManager.FilePath()))
	return bpm
}

// InstanceID distinguishes pools that share a process.
func (bpm *BufferPoolManager) InstanceID() uuid.UUID { return bpm.instanceID }

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return len(bpm.frames) }

// AllocPage appends a zeroed page to the data file without caching it.
func (bpm *BufferPoolManager) AllocPage() (PageID, error) {
	return bpm.diskManager.AppendPage(&pagemanager.Page{})
}

// NewPage allocates a fresh page and pins it in a frame. The returned bool is
// false when every frame is pinned; that is a capacity signal, not an error.
func (bpm *BufferPoolManager) NewPage() (*PageHandle, bool, error) {
	r := latch.WriteLocked(bpm.pool, bpm.acquireFrame)
	if r == nil {
		bpm.exhausted("NewPage", pagemanager.InvalidPageID)
		return nil, false, nil
	}
	pageID, err := bpm.load(r, func(*pagemanager.Page) (PageID, error) {
		return bpm.AllocPage()
	})
	if err != nil {
		bpm.logger.Error("NewPage failed", zap.Error(err))
		return nil, false, err
	}
	if !bpm.install(r, pageID) {
		// A FetchPage of the new id loaded it first.
		return bpm.FetchPage(pageID)
	}
	bpm.logger.Debug("Page created", zap.Int64("page_id", int64(pageID)))
	return bpm.newHandle(r.frameID, pageID), true, nil
}

// FetchPage pins pageID, reading it from disk if it is not resident. The
// returned bool is false when the page is not resident and every frame is
// pinned.
func (bpm *BufferPoolManager) FetchPage(pageID PageID) (*PageHandle, bool, error) {
	if pageID < 0 {
		return nil, false, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	for {
		if handle := bpm.pinResident(pageID); handle != nil {
			bpm.metrics.PageHitsCounter.Add(context.Background(), 1, bpm.attrs)
			return handle, true, nil
		}

		var (
			r      *reservation
			wait   <-chan struct{}
			mapped bool
		)
		bpm.pool.Write(func(s *poolState) {
			// Another goroutine may have loaded it between the two latches.
			if _, mapped = s.pageTable[pageID]; mapped {
				return
			}
			if ch, ok := s.inflight[pageID]; ok {
				wait = ch
				return
			}
			if r = bpm.acquireFrame(s); r != nil {
				r.hold(s, pageID)
			}
		})
		switch {
		case mapped:
			continue
		case wait != nil:
			<-wait
			continue
		case r == nil:
			bpm.exhausted("FetchPage", pageID)
			return nil, false, nil
		}

		_, err := bpm.load(r, func(p *pagemanager.Page) (PageID, error) {
			return pageID, bpm.diskManager.ReadPage(p, pageID)
		})
		if err != nil {
			bpm.logger.Error("FetchPage failed", zap.Int64("page_id", int64(pageID)), zap.Error(err))
			return nil, false, err
		}
		bpm.install(r, pageID)
		bpm.metrics.PageMissesCounter.Add(context.Background(), 1, bpm.attrs)
		return bpm.newHandle(r.frameID, pageID), true, nil
	}
}

func (bpm *BufferPoolManager) pinResident(pageID PageID) *PageHandle {
	frameID := pagemanager.InvalidFrameID
	if !bpm.withResident(pageID, true, func(f *pagemanager.Frame) {
		bpm.pin(f)
		frameID = f.ID()
	}) {
		return nil
	}
	return bpm.newHandle(frameID, pageID)
}

// reservation is a frame that has left the free list or the replacer and is
// being refilled without the pool latch. Its pages stay in poolState.inflight
// until release, so a concurrent miss on either of them waits for the I/O.
type reservation struct {
	frameID FrameID
	evicted PageID
	dirty   *pagemanager.Page // copy of the evicted content, nil when clean
	pages   []PageID
	done    chan struct{}
}

func (r *reservation) hold(s *poolState, pageID PageID) {
	s.inflight[pageID] = r.done
	r.pages = append(r.pages, pageID)
}

func (r *reservation) release(s *poolState) {
	for _, id := range r.pages {
		delete(s.inflight, id)
	}
	close(r.done)
}

// acquireFrame takes a frame from the free list, or else from the replacer.
// A victim is unmapped immediately; its content is written back later by
// load. Called with the pool latch held exclusively; returns nil when every
// frame is pinned.
func (bpm *BufferPoolManager) acquireFrame(s *poolState) *reservation {
	r := &reservation{
		frameID: pagemanager.InvalidFrameID,
		evicted: pagemanager.InvalidPageID,
		done:    make(chan struct{}),
	}
	if e := s.freeList.Front(); e != nil {
		s.freeList.Remove(e)
		r.frameID = e.Value.(FrameID)
		return r
	}

	for {
		victim, ok := bpm.replacer.Evict()
		if !ok {
			return nil
		}
		bpm.frames[victim].Write(func(f *pagemanager.Frame) {
			// A hit that looked the page up before the eviction may have
			// pinned it since.
			if f.PinCount() > 0 || !f.IsResident() {
				return
			}
			bpm.replacerCall(bpm.replacer.Remove(victim))
			r.evicted = f.PageID()
			if f.IsDirty() {
				page := *f.Page()
				r.dirty = &page
			}
			f.SetPageID(pagemanager.InvalidPageID)
		})
		if r.evicted == pagemanager.InvalidPageID {
			continue
		}
		r.frameID = victim
		delete(s.pageTable, r.evicted)
		r.hold(s, r.evicted)
		return r
	}
}

// load writes back the page r evicted, then fills the frame through fill,
// which returns the id of the page it produced. Neither step holds the pool
// latch. On failure the reservation is released: a failed write-back puts
// the victim back in place, a failed fill returns the frame to the front of
// the free list.
func (bpm *BufferPoolManager) load(r *reservation, fill func(p *pagemanager.Page) (PageID, error)) (PageID, error) {
	if err := bpm.writeBack(r); err != nil {
		return pagemanager.InvalidPageID, err
	}
	pageID := pagemanager.InvalidPageID
	err := bpm.frames[r.frameID].WriteErr(func(f *pagemanager.Frame) error {
		f.Reset()
		id, err := fill(f.Page())
		if err != nil {
			f.Reset()
			return err
		}
		f.SetPageID(id)
		pageID = id
		return nil
	})
	if err != nil {
		bpm.pool.Write(func(s *poolState) {
			s.freeList.PushFront(r.frameID)
			r.release(s)
		})
		return pagemanager.InvalidPageID, err
	}
	return pageID, nil
}

func (bpm *BufferPoolManager) writeBack(r *reservation) error {
	if r.evicted == pagemanager.InvalidPageID {
		return nil
	}
	if r.dirty != nil {
		if err := bpm.diskManager.WritePage(r.dirty, r.evicted); err != nil {
			bpm.pool.Write(func(s *poolState) {
				// The frame still holds the dirty bytes.
				bpm.frames[r.frameID].Write(func(f *pagemanager.Frame) { f.SetPageID(r.evicted) })
				s.pageTable[r.evicted] = r.frameID
				bpm.replacerCall(bpm.replacer.RecordAccess(r.frameID))
				bpm.replacerCall(bpm.replacer.SetEvictable(r.frameID, true))
				r.release(s)
			})
			return fmt.Errorf("writing back page %d from frame %d: %w", r.evicted, r.frameID, err)
		}
		bpm.metrics.DirtyWriteBacksCounter.Add(context.Background(), 1, bpm.attrs)
	}
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1, bpm.attrs)
	bpm.logger.Debug("Evicted page", zap.Int64("page_id", int64(r.evicted)), zap.Int64("frame_id", int64(r.frameID)))
	return nil
}

// install maps a filled frame and pins it. It reports false, freeing the
// frame, if pageID was mapped by someone else in the meantime.
func (bpm *BufferPoolManager) install(r *reservation, pageID PageID) bool {
	return latch.WriteLocked(bpm.pool, func(s *poolState) bool {
		defer r.release(s)
		if _, ok := s.pageTable[pageID]; ok {
			bpm.frames[r.frameID].Write(func(f *pagemanager.Frame) { f.Reset() })
			s.freeList.PushFront(r.frameID)
			return false
		}
		s.pageTable[pageID] = r.frameID
		bpm.frames[r.frameID].Write(bpm.pin)
		return true
	})
}

// pin must be called with the frame latch held exclusively.
func (bpm *BufferPoolManager) pin(f *pagemanager.Frame) {
	f.Pin()
	bpm.replacerCall(bpm.replacer.RecordAccess(f.ID()))
	bpm.replacerCall(bpm.replacer.SetEvictable(f.ID(), false))
	bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), 1, bpm.attrs)
}

func (bpm *BufferPoolManager) replacerCall(err error) {
	if err != nil {
		bpm.logger.Error("Replacer rejected frame update", zap.Error(err))
	}
}

func (bpm *BufferPoolManager) exhausted(op string, pageID PageID) {
	bpm.metrics.PoolExhaustedCounter.Add(context.Background(), 1, bpm.attrs)
	bpm.logger.Debug("No frame available, every frame is pinned",
		zap.String("op", op), zap.Int64("page_id", int64(pageID)))
}

func (bpm *BufferPoolManager) newHandle(frameID FrameID, pageID PageID) *PageHandle {
	return &PageHandle{pageID: pageID, frame: bpm.frames[frameID]}
}

// lookup returns the frame mapped to pageID under the pool read latch.
func (bpm *BufferPoolManager) lookup(pageID PageID) (FrameID, bool) {
	frameID := pagemanager.InvalidFrameID
	bpm.pool.Read(func(s *poolState) {
		if id, ok := s.pageTable[pageID]; ok {
			frameID = id
		}
	})
	return frameID, frameID != pagemanager.InvalidFrameID
}

// withResident runs fn on the frame holding pageID and reports whether the
// page was resident. The frame latch is taken after the pool latch is
// released, so the mapping is re-checked under it.
func (bpm *BufferPoolManager) withResident(pageID PageID, exclusive bool, fn func(f *pagemanager.Frame)) bool {
	for {
		frameID, ok := bpm.lookup(pageID)
		if !ok {
			return false
		}
		matched := false
		visit := func(f *pagemanager.Frame) {
			if f.PageID() == pageID {
				matched = true
				fn(f)
			}
		}
		if exclusive {
			bpm.frames[frameID].Write(visit)
		} else {
			bpm.frames[frameID].Read(visit)
		}
		if matched {
			return true
		}
	}
}

// mappings copies the page table and reads the free list length under one
// pool read latch.
func (bpm *BufferPoolManager) mappings() (map[PageID]FrameID, int) {
	var (
		table map[PageID]FrameID
		free  int
	)
	bpm.pool.Read(func(s *poolState) {
		table = make(map[PageID]FrameID, len(s.pageTable))
		for pageID, frameID := range s.pageTable {
			table[pageID] = frameID
		}
		free = s.freeList.Len()
	})
	return table, free
}

// UnpinPage releases one pin on pageID and marks it dirty if isDirty. The
// dirty flag is only cleared by a flush. It returns false, changing nothing,
// if the page is not resident or not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, isDirty bool) bool {
	var unpinned bool
	bpm.withResident(pageID, true, func(f *pagemanager.Frame) {
		if !f.Unpin() {
			return
		}
		unpinned = true
		if isDirty {
			f.SetDirty(true)
		}
		bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), -1, bpm.attrs)
		if f.PinCount() == 0 {
			bpm.replacerCall(bpm.replacer.SetEvictable(f.ID(), true))
		}
	})
	if !unpinned {
		bpm.logger.Warn("UnpinPage on a page that is not resident or not pinned", zap.Int64("page_id", int64(pageID)))
	}
	return unpinned
}

// FlushPage writes pageID to disk and clears its dirty flag. It returns false
// if the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID PageID) (bool, error) {
	var err error
	resident := bpm.withResident(pageID, true, func(f *pagemanager.Frame) {
		err = bpm.flushFrame(f)
	})
	if err != nil {
		bpm.logger.Error("FlushPage failed", zap.Int64("page_id", int64(pageID)), zap.Error(err))
	}
	return resident, err
}

// flushFrame must be called with the frame latch held exclusively.
func (bpm *BufferPoolManager) flushFrame(f *pagemanager.Frame) error {
	if err := bpm.diskManager.WritePage(f.Page(), f.PageID()); err != nil {
		return err
	}
	if f.IsDirty() {
		bpm.metrics.DirtyWriteBacksCounter.Add(context.Background(), 1, bpm.attrs)
	}
	f.SetDirty(false)
	return nil
}

// FlushAllPages writes every resident dirty page. Each page is flushed
// independently and all failures are returned together.
func (bpm *BufferPoolManager) FlushAllPages() error {
	var errs error
	flushed := 0
	table, _ := bpm.mappings()
	for pageID, frameID := range table {
		err := bpm.frames[frameID].WriteErr(func(f *pagemanager.Frame) error {
			if f.PageID() != pageID || !f.IsDirty() {
				return nil
			}
			flushed++
			return bpm.flushFrame(f)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flushing page %d: %w", pageID, err))
		}
	}
	if errs != nil {
		bpm.logger.Error("FlushAllPages finished with errors", zap.Error(errs))
		return errs
	}
	bpm.logger.Debug("Flushed all dirty pages", zap.Int("count", flushed))
	return nil
}

// DeletePage drops pageID from the pool and returns its frame to the free
// list. It returns false if the page is not resident or still pinned. The
// on-disk page and its id are not reclaimed.
func (bpm *BufferPoolManager) DeletePage(pageID PageID) bool {
	// Pinned pages are turned away before the pool latch is taken.
	var pinned bool
	resident := bpm.withResident(pageID, false, func(f *pagemanager.Frame) { pinned = f.PinCount() > 0 })
	deleted := resident && !pinned && latch.WriteLocked(bpm.pool, func(s *poolState) bool {
		frameID, ok := s.pageTable[pageID]
		if !ok {
			return false
		}
		return latch.WriteLocked(bpm.frames[frameID], func(f *pagemanager.Frame) bool {
			if f.PageID() != pageID || f.PinCount() > 0 {
				return false
			}
			if err := bpm.replacer.Remove(frameID); err != nil {
				bpm.replacerCall(err)
				return false
			}
			delete(s.pageTable, pageID)
			f.Reset()
			s.freeList.PushBack(frameID)
			return true
		})
	})
	if !deleted {
		bpm.logger.Warn("DeletePage refused, page not resident or still pinned", zap.Int64("page_id", int64(pageID)))
	}
	return deleted
}

// --- Introspection ---

// PinCount returns the pin count of pageID and whether it is resident.
func (bpm *BufferPoolManager) PinCount(pageID PageID) (uint32, bool) {
	var pins uint32
	resident := bpm.withResident(pageID, false, func(f *pagemanager.Frame) { pins = f.PinCount() })
	return pins, resident
}

// IsDirty returns the dirty flag of pageID and whether it is resident.
func (bpm *BufferPoolManager) IsDirty(pageID PageID) (bool, bool) {
	var dirty bool
	resident := bpm.withResident(pageID, false, func(f *pagemanager.Frame) { dirty = f.IsDirty() })
	return dirty, resident
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID PageID) bool {
	_, ok := bpm.lookup(pageID)
	return ok
}

// FreeFrameCount returns the number of frames on the free list.
func (bpm *BufferPoolManager) FreeFrameCount() int {
	return latch.ReadLocked(bpm.pool, func(s *poolState) int { return s.freeList.Len() })
}

// ResidentPageCount returns the number of mapped pages.
func (bpm *BufferPoolManager) ResidentPageCount() int {
	return latch.ReadLocked(bpm.pool, func(s *poolState) int { return len(s.pageTable) })
}

// DirtyPageIDs returns the resident dirty pages in ascending order.
func (bpm *BufferPoolManager) DirtyPageIDs() []PageID {
	var ids []PageID
	table, _ := bpm.mappings()
	for pageID, frameID := range table {
		bpm.frames[frameID].Read(func(f *pagemanager.Frame) {
			if f.PageID() == pageID && f.IsDirty() {
				ids = append(ids, pageID)
			}
		})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of pool occupancy. Free and resident counts come
// from one pool latch; pin and dirty counts are read frame by frame after it
// is released, so they can lag under concurrent use.
func (bpm *BufferPoolManager) Stats() PoolStats {
	table, free := bpm.mappings()
	stats := PoolStats{
		PoolSize:      len(bpm.frames),
		FreeFrames:    free,
		ResidentPages: len(table),
	}
	for pageID, frameID := range table {
		bpm.frames[frameID].Read(func(f *pagemanager.Frame) {
			if f.PageID() != pageID {
				return
			}
			if f.PinCount() > 0 {
				stats.PinnedPages++
			}
			if f.IsDirty() {
				stats.DirtyPages++
			}
		})
	}
	stats.Evictable = bpm.replacer.Size()
	return stats
}
