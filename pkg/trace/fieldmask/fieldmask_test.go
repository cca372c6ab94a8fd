package fieldmask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromBitsSetAndIsSet(t *testing.T) {
	m := FromBits(1, 3, 64, 65)

	assert.True(t, m.IsSet(1))
	assert.True(t, m.IsSet(3))
	assert.True(t, m.IsSet(64))
	assert.True(t, m.IsSet(65))
	assert.False(t, m.IsSet(2))
	assert.False(t, m.IsSet(100))
}

func TestClearRemovesOnlyTargetBit(t *testing.T) {
	m := FromBits(1, 2, 3)
	cleared := m.Clear(2)

	assert.True(t, cleared.IsSet(1))
	assert.False(t, cleared.IsSet(2))
	assert.True(t, cleared.IsSet(3))

	// original unaffected (value semantics / copy on write)
	assert.True(t, m.IsSet(2))
}

func TestUnionIntersectSubtract(t *testing.T) {
	a := FromBits(1, 2, 3)
	b := FromBits(2, 3, 4)

	assert.Equal(t, FromBits(1, 2, 3, 4), a.Union(b))
	assert.Equal(t, FromBits(2, 3), a.Intersect(b))
	assert.Equal(t, FromBits(1), a.Subtract(b))
}

func TestOverlapsContainsEqual(t *testing.T) {
	a := FromBits(1, 2)
	b := FromBits(2, 3)
	c := FromBits(1, 2, 3)

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(FromBits(5)))
	assert.True(t, c.Contains(a))
	assert.False(t, a.Contains(c))
	assert.True(t, a.Equal(FromBits(2, 1)))
	assert.False(t, a.Equal(b))
}

func TestIsEmptyAndPopCount(t *testing.T) {
	var zero FieldMask
	assert.True(t, zero.IsEmpty())
	assert.Equal(t, 0, zero.PopCount())

	m := FromBits(0, 10, 20)
	assert.False(t, m.IsEmpty())
	assert.Equal(t, 3, m.PopCount())
}

func TestBitsReturnsSortedIndices(t *testing.T) {
	m := FromBits(70, 2, 65, 0)
	assert.Equal(t, []int{0, 2, 65, 70}, m.Bits())
}

func TestStringRendersBits(t *testing.T) {
	m := FromBits(1, 3)
	assert.Equal(t, "{1,3}", m.String())
	assert.Equal(t, "{}", FieldMask{}.String())
}

func TestSetDoesNotMutateSharedBacking(t *testing.T) {
	base := New(10)
	a := base.Set(5)
	b := base.Set(7)

	assert.False(t, a.IsSet(7))
	assert.False(t, b.IsSet(5))
}
