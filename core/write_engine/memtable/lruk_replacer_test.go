package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func access(t *testing.T, r *LRUKReplacer, ids ...FrameID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.RecordAccess(id))
	}
}

func evictable(t *testing.T, r *LRUKReplacer, ids ...FrameID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.SetEvictable(id, true))
	}
}

func TestLRUKReplacer_InfiniteDistanceEvictedFirst(t *testing.T) {
	r := NewLRUKReplacer(8, 2)

	// Frame 0 and 1 reach k accesses early; frame 2 is touched once, last.
	access(t, r, 0, 0, 1, 1, 2)
	evictable(t, r, 0, 1, 2)
	assert.Equal(t, 3, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(2), victim, "single-access frame goes before any finite distance")

	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(1), victim)

	_, ok = r.Evict()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Size())
}

func TestLRUKReplacer_LRUAmongInfinite(t *testing.T) {
	r := NewLRUKReplacer(8, 3)

	// All frames below k=3. Frame 1's most recent access is the oldest.
	access(t, r, 0, 1, 2, 0, 2)
	evictable(t, r, 0, 1, 2)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(1), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim)
}

func TestLRUKReplacer_LargestKDistance(t *testing.T) {
	r := NewLRUKReplacer(8, 2)

	// Timestamps: 0@1, 1@2, 2@3, 1@4, 2@5, 0@6.
	// Second most recent: frame0=1, frame1=2, frame2=3.
	access(t, r, 0, 1, 2, 1, 2, 0)
	evictable(t, r, 0, 1, 2)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim)

	// More accesses shift the window: frame 1 now has history [4,7].
	access(t, r, 1)
	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(2), victim)
}

func TestLRUKReplacer_HistoryBoundedToK(t *testing.T) {
	r := NewLRUKReplacer(4, 2)

	// Frame 0 was hit many times long ago; frame 1 twice recently.
	access(t, r, 0, 0, 0, 0, 1, 1)
	evictable(t, r, 0, 1)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim, "only the last k accesses count")
}

func TestLRUKReplacer_PinnedFramesNeverEvicted(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	access(t, r, 0, 1, 2)
	evictable(t, r, 0, 1, 2)
	require.NoError(t, r.SetEvictable(0, false))
	require.NoError(t, r.SetEvictable(1, false))
	require.NoError(t, r.SetEvictable(1, false))
	assert.Equal(t, 1, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(2), victim)

	_, ok = r.Evict()
	assert.False(t, ok, "every remaining frame is pinned")
	assert.Equal(t, 0, r.Size())
}

func TestLRUKReplacer_EvictClearsHistory(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	access(t, r, 0, 0)
	evictable(t, r, 0)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim)

	err := r.SetEvictable(0, true)
	require.ErrorIs(t, err, ErrFrameNotTracked)

	// A reused frame starts over with an infinite distance.
	access(t, r, 1, 1, 0)
	evictable(t, r, 0, 1)
	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(0), victim)
}

func TestLRUKReplacer_Remove(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	access(t, r, 0, 1)
	evictable(t, r, 0)

	require.ErrorIs(t, r.Remove(1), ErrFrameNotEvictable)
	require.NoError(t, r.Remove(0))
	require.NoError(t, r.Remove(0), "removing an untracked frame is a no-op")
	require.NoError(t, r.Remove(3))
	assert.Equal(t, 0, r.Size())

	_, ok := r.Evict()
	assert.False(t, ok)
}

func TestLRUKReplacer_InvalidFrame(t *testing.T) {
	r := NewLRUKReplacer(2, 2)
	require.ErrorIs(t, r.RecordAccess(2), ErrInvalidFrameID)
	require.ErrorIs(t, r.RecordAccess(-1), ErrInvalidFrameID)
	require.ErrorIs(t, r.SetEvictable(5, true), ErrInvalidFrameID)
	require.ErrorIs(t, r.Remove(9), ErrInvalidFrameID)

	assert.Panics(t, func() { NewLRUKReplacer(0, 2) })
	assert.Panics(t, func() { NewLRUKReplacer(2, 0) })
}

func TestLRUKReplacer_KOfOneIsPlainLRU(t *testing.T) {
	r := NewLRUKReplacer(4, 1)
	access(t, r, 3, 2, 1)
	evictable(t, r, 1, 2, 3)

	for _, want := range []FrameID{3, 2, 1} {
		victim, ok := r.Evict()
		require.True(t, ok)
		assert.Equal(t, want, victim)
	}
}
