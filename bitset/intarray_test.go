package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntArrayInsertSortedNoDuplicates(t *testing.T) {
	a := NewIntArray()
	a.Insert(5)
	a.Insert(1)
	a.Insert(3)
	a.Insert(1) // duplicate, no-op

	assert.Equal(t, 3, a.Len())
	assert.Equal(t, []int{1, 3, 5}, a.Values())
}

func TestIntArrayRemove(t *testing.T) {
	a := NewIntArray()
	a.Insert(1)
	a.Insert(2)
	a.Insert(3)

	assert.True(t, a.Remove(2))
	assert.False(t, a.Remove(2))
	assert.Equal(t, []int{1, 3}, a.Values())
}

func TestIntArrayContainsAndIndexOf(t *testing.T) {
	a := NewIntArray()
	a.Insert(10)
	a.Insert(20)
	a.Insert(30)

	assert.True(t, a.Contains(20))
	assert.False(t, a.Contains(25))
	assert.Equal(t, 1, a.IndexOf(20))
	assert.Equal(t, -1, a.IndexOf(25))
}

func TestIntArrayFindNextGE(t *testing.T) {
	a := NewIntArray()
	a.Insert(10)
	a.Insert(20)
	a.Insert(30)

	idx, ok := a.FindNextGE(15)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = a.FindNextGE(30)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = a.FindNextGE(31)
	assert.False(t, ok)
}
