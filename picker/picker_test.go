package picker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBitfield struct {
	set map[int]bool
}

func bf(indices ...int) *fakeBitfield {
	f := &fakeBitfield{set: map[int]bool{}}
	for _, i := range indices {
		f.set[i] = true
	}
	return f
}

func (f *fakeBitfield) Get(index int) bool { return f.set[index] }

func TestPickPiecesPrefersLowerAvailability(t *testing.T) {
	p := New(4, nil)
	p.RegisterPeer(bf(0, 1, 2, 3)) // all at availability 1
	p.RegisterPeer(bf(1, 2))       // 1,2 now at availability 2

	picked := p.PickPieces(2, nil)
	require.Len(t, picked, 2)
	for _, idx := range picked {
		assert.Contains(t, []int{0, 3}, idx, "rarest pieces (availability 1) should be preferred")
	}
}

func TestPickPiecesExcludesCompleted(t *testing.T) {
	p := New(3, nil)
	p.RegisterPeer(bf(0, 1, 2))
	p.Complete(1)

	for i := 0; i < 10; i++ {
		picked := p.PickPieces(3, nil)
		assert.NotContains(t, picked, 1)
	}
}

func TestPickPiecesHonorsSeededCompletedBitfield(t *testing.T) {
	seed := bf(0)
	p := New(2, seed)
	p.RegisterPeer(bf(0, 1))

	picked := p.PickPieces(2, nil)
	assert.Equal(t, []int{1}, picked)
}

func TestPickPiecesExcludesInFlightSet(t *testing.T) {
	p := New(2, nil)
	p.RegisterPeer(bf(0, 1))

	picked := p.PickPieces(2, map[int]bool{0: true})
	assert.Equal(t, []int{1}, picked)
}

func TestPickPiecesExcludesUnselectedPriority(t *testing.T) {
	p := New(3, nil)
	p.RegisterPeer(bf(0, 1, 2))
	p.SetPriority(1, Unselected)

	for i := 0; i < 10; i++ {
		picked := p.PickPieces(3, nil)
		assert.NotContains(t, picked, 1)
	}
}

func TestPickPiecesPrefersHigherPriority(t *testing.T) {
	p := New(3, nil)
	p.RegisterPeer(bf(0, 1, 2))
	p.SetPriority(2, High)

	picked := p.PickPieces(1, nil)
	require.Len(t, picked, 1)
	assert.Equal(t, 2, picked[0])
}

func TestMarkDownloadingRemovesFromPendingPool(t *testing.T) {
	p := New(2, nil)
	p.RegisterPeer(bf(0, 1))
	p.MarkDownloading(0)

	picked := p.PickPieces(2, nil)
	assert.Equal(t, []int{1}, picked)
}

func TestUnmarkDownloadingReturnsToPendingPool(t *testing.T) {
	p := New(1, nil)
	p.RegisterPeer(bf(0))
	p.MarkDownloading(0)
	require.Empty(t, p.PickPieces(1, nil))

	p.UnmarkDownloading(0)
	assert.Equal(t, []int{0}, p.PickPieces(1, nil))
}

func TestUnregisterPeerLowersAvailability(t *testing.T) {
	p := New(1, nil)
	peerBits := bf(0)
	p.RegisterPeer(peerBits)
	assert.Equal(t, 1, p.Availability(0))

	p.UnregisterPeer(peerBits)
	assert.Equal(t, 0, p.Availability(0))
}

func TestUpdateAvailabilityFromHave(t *testing.T) {
	p := New(1, nil)
	p.UpdateAvailability(0)
	p.UpdateAvailability(0)
	assert.Equal(t, 2, p.Availability(0))
}

func TestAllCompleteIgnoresUnselectedPieces(t *testing.T) {
	p := New(2, nil)
	p.SetPriority(1, Unselected)
	assert.False(t, p.AllComplete())

	p.Complete(0)
	assert.True(t, p.AllComplete())
}

func TestInEndgameBelowThreshold(t *testing.T) {
	p := New(5, nil)
	p.SetEndgameThreshold(3)
	assert.False(t, p.InEndgame()) // 5 missing > 3

	p.Complete(0)
	p.Complete(1)
	p.Complete(2)
	assert.True(t, p.InEndgame()) // 2 missing < 3
}

func TestInEndgameFalseWhenNothingMissing(t *testing.T) {
	p := New(1, nil)
	p.Complete(0)
	assert.False(t, p.InEndgame())
}

func TestPickPiecesAllowsDuplicatesDuringEndgame(t *testing.T) {
	p := New(1, nil)
	p.SetEndgameThreshold(5)
	p.RegisterPeer(bf(0))
	p.MarkDownloading(0)

	require.True(t, p.InEndgame())
	picked := p.PickPieces(1, nil)
	assert.Equal(t, []int{0}, picked, "endgame should offer the in-progress piece for a duplicate request")
}

func TestPickPiecesDuplicatesRespectCallerInFlightSet(t *testing.T) {
	p := New(1, nil)
	p.SetEndgameThreshold(5)
	p.RegisterPeer(bf(0))
	p.MarkDownloading(0)

	picked := p.PickPieces(1, map[int]bool{0: true})
	assert.Empty(t, picked, "a session already holding this piece in flight shouldn't get a second copy of itself")
}

func TestPickPiecesReturnsFewerThanRequestedWhenExhausted(t *testing.T) {
	p := New(1, nil)
	p.RegisterPeer(bf(0))
	picked := p.PickPieces(5, nil)
	assert.Equal(t, []int{0}, picked)
}

func TestPickPiecesZeroOrNegativeReturnsNil(t *testing.T) {
	p := New(1, nil)
	assert.Nil(t, p.PickPieces(0, nil))
	assert.Nil(t, p.PickPieces(-1, nil))
}

func TestPickPiecesExcludesPiecesNoPeerHas(t *testing.T) {
	p := New(3, nil)
	assert.Empty(t, p.PickPieces(3, nil), "no peer has registered any piece yet")
}
