package memtable

import (
	"errors"
	"fmt"

	"github.com/sushant-115/pagestore/core/write_engine/latch"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

type FrameID = pagemanager.FrameID

var (
	ErrInvalidFrameID    = errors.New("frame id out of range")
	ErrFrameNotTracked   = errors.New("frame has no recorded accesses")
	ErrFrameNotEvictable = errors.New("frame is not evictable")
)

// Replacer decides which unpinned frame gives up its page when the pool
// has no free frames left.
type Replacer interface {
	RecordAccess(frameID FrameID) error
	SetEvictable(frameID FrameID, evictable bool) error
	Evict() (FrameID, bool)
	Remove(frameID FrameID) error
	Size() int
}

type frameHistory struct {
	// accesses holds at most k timestamps, oldest first.
	accesses  []uint64
	evictable bool
}

type lrukState struct {
	frames         map[FrameID]*frameHistory
	currentTime    uint64
	evictableCount int
}

// LRUKReplacer evicts the frame with the largest backward k-distance. Frames
// with fewer than k recorded accesses have an infinite distance and go first,
// least recently used among them first.
type LRUKReplacer struct {
	numFrames int
	k         int
	state     *latch.Latch[lrukState]
}

var _ Replacer = (*LRUKReplacer)(nil)

// NewLRUKReplacer creates a replacer for frame ids in [0, numFrames).
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if numFrames <= 0 {
		panic(fmt.Sprintf("lru-k replacer: numFrames must be positive, got %d", numFrames))
	}
	if k <= 0 {
		panic(fmt.Sprintf("lru-k replacer: k must be positive, got %d", k))
	}
	return &LRUKReplacer{
		numFrames: numFrames,
		k:         k,
		state:     latch.NewLatch(lrukState{frames: make(map[FrameID]*frameHistory, numFrames)}),
	}
}

func (r *LRUKReplacer) checkFrame(frameID FrameID) error {
	if frameID < 0 || int(frameID) >= r.numFrames {
		return fmt.Errorf("%w: %d", ErrInvalidFrameID, frameID)
	}
	return nil
}

// RecordAccess stamps frameID with the next logical timestamp.
func (r *LRUKReplacer) RecordAccess(frameID FrameID) error {
	if err := r.checkFrame(frameID); err != nil {
		return err
	}
	r.state.With(func(s *lrukState) {
		s.currentTime++
		h, ok := s.frames[frameID]
		if !ok {
			h = &frameHistory{accesses: make([]uint64, 0, r.k)}
			s.frames[frameID] = h
		}
		if len(h.accesses) == r.k {
			copy(h.accesses, h.accesses[1:])
			h.accesses = h.accesses[:r.k-1]
		}
		h.accesses = append(h.accesses, s.currentTime)
	})
	return nil
}

// SetEvictable marks a tracked frame as a candidate for eviction or not.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	if err := r.checkFrame(frameID); err != nil {
		return err
	}
	return r.state.WithErr(func(s *lrukState) error {
		h, ok := s.frames[frameID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrFrameNotTracked, frameID)
		}
		if h.evictable == evictable {
			return nil
		}
		h.evictable = evictable
		if evictable {
			s.evictableCount++
		} else {
			s.evictableCount--
		}
		return nil
	})
}

// Evict picks a victim among the evictable frames and forgets its history.
// It returns false when no frame is evictable.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	victim := pagemanager.InvalidFrameID
	r.state.With(func(s *lrukState) {
		var victimInf bool
		var victimKey uint64
		for id, h := range s.frames {
			if !h.evictable {
				continue
			}
			inf := len(h.accesses) < r.k
			var key uint64
			if inf {
				// Most recent access; smaller means less recently used.
				key = h.accesses[len(h.accesses)-1]
			} else {
				// K-th most recent access; smaller means larger k-distance.
				key = h.accesses[0]
			}
			if victim == pagemanager.InvalidFrameID || better(inf, key, id, victimInf, victimKey, victim) {
				victim, victimInf, victimKey = id, inf, key
			}
		}
		if victim != pagemanager.InvalidFrameID {
			delete(s.frames, victim)
			s.evictableCount--
		}
	})
	return victim, victim != pagemanager.InvalidFrameID
}

// better reports whether candidate a should be evicted before candidate b.
func better(aInf bool, aKey uint64, aID FrameID, bInf bool, bKey uint64, bID FrameID) bool {
	if aInf != bInf {
		return aInf
	}
	if aKey != bKey {
		return aKey < bKey
	}
	return aID < bID
}

// Remove drops the history of an evictable frame. Removing an untracked frame
// is a no-op; removing a frame that is still pinned is an error.
func (r *LRUKReplacer) Remove(frameID FrameID) error {
	if err := r.checkFrame(frameID); err != nil {
		return err
	}
	return r.state.WithErr(func(s *lrukState) error {
		h, ok := s.frames[frameID]
		if !ok {
			return nil
		}
		if !h.evictable {
			return fmt.Errorf("%w: %d", ErrFrameNotEvictable, frameID)
		}
		delete(s.frames, frameID)
		s.evictableCount--
		return nil
	})
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	return latch.Locked(r.state, func(s *lrukState) int { return s.evictableCount })
}
