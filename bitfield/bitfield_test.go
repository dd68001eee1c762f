package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesGet(t *testing.T) {
	bf, ok := FromBytes([]byte{0b11001100, 0b10101010}, 16)
	require.True(t, ok)
	expected := []bool{true, true, false, false, true, true, false, false, true, false, true, false, true, false, true, false}
	for index, want := range expected {
		assert.Equal(t, want, bf.Get(index), "index %d", index)
	}
	assert.Equal(t, 8, bf.SetCount())
}

func TestSetUpdatesCountOnce(t *testing.T) {
	bf := New(16)
	for index := 0; index < bf.Len(); index++ {
		assert.False(t, bf.Get(index))
		bf.Set(index)
		assert.True(t, bf.Get(index))
		bf.Set(index) // idempotent, must not double-count
	}
	assert.Equal(t, 16, bf.SetCount())
	assert.True(t, bf.Complete())
}

func TestClearUpdatesCount(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Set(1)
	assert.Equal(t, 2, bf.SetCount())
	bf.Clear(0)
	assert.False(t, bf.Get(0))
	assert.Equal(t, 1, bf.SetCount())
	bf.Clear(0) // idempotent
	assert.Equal(t, 1, bf.SetCount())
}

func TestOutOfRangeIsNoop(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.Get(-1))
	assert.False(t, bf.Get(100))
	bf.Set(100) // must not panic
	bf.Clear(100)
	assert.Equal(t, 0, bf.SetCount())
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, ok := FromBytes([]byte{0x00}, 16)
	assert.False(t, ok)
}

func TestFromBytesRejectsSpareBitsSet(t *testing.T) {
	// 5 bits addressable -> 1 byte, top 5 bits meaningful, bottom 3 must be zero.
	_, ok := FromBytes([]byte{0b00000111}, 5)
	assert.False(t, ok)

	bf, ok := FromBytes([]byte{0b11111000}, 5)
	require.True(t, ok)
	assert.Equal(t, 5, bf.SetCount())
}

func TestBytesRoundTrip(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(9)
	raw := bf.Bytes()
	decoded, ok := FromBytes(raw, 10)
	require.True(t, ok)
	assert.True(t, decoded.Get(0))
	assert.True(t, decoded.Get(9))
	assert.Equal(t, 2, decoded.SetCount())
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(1)
	clone := bf.Clone()
	clone.Set(2)
	assert.False(t, bf.Get(2))
	assert.True(t, clone.Get(2))
	assert.Equal(t, 1, bf.SetCount())
	assert.Equal(t, 2, clone.SetCount())
}

func TestHasAny(t *testing.T) {
	mine := New(4)
	mine.Set(0)
	mine.Set(1)
	theirs := New(4)
	theirs.Set(0)

	assert.True(t, mine.HasAny(theirs)) // we have bit 1, they don't
	theirs.Set(1)
	assert.False(t, mine.HasAny(theirs))
}
