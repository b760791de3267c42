package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitFieldSetClearGet(t *testing.T) {
	b := NewBitField(10)
	assert.False(t, b.Get(3))

	b.Set(3)
	assert.True(t, b.Get(3))

	b.Clear(3)
	assert.False(t, b.Get(3))
}

func TestBitFieldGrowsPastInitialSize(t *testing.T) {
	b := NewBitField(4)
	b.Set(200)
	assert.True(t, b.Get(200))
	assert.False(t, b.Get(199))
}

func TestBitFieldRangeOps(t *testing.T) {
	b := NewBitField(128)
	b.SetRange(10, 20)

	assert.True(t, b.AllSet(10, 20))
	assert.False(t, b.AllClear(10, 20))
	assert.False(t, b.Get(9))
	assert.False(t, b.Get(30))

	b.ClearRange(15, 5)
	assert.False(t, b.AllSet(10, 20))
	assert.True(t, b.AllClear(15, 5))
}

func TestBitFieldWindow64Empty(t *testing.T) {
	b := NewBitField(128)
	assert.True(t, b.Window64Empty(0))
	assert.True(t, b.Window64Empty(63))

	b.Set(40)
	assert.False(t, b.Window64Empty(0))
	assert.False(t, b.Window64Empty(63))
	assert.True(t, b.Window64Empty(64))
}

func TestBitFieldNextSetInWindow(t *testing.T) {
	b := NewBitField(128)
	b.Set(45)
	assert.Equal(t, 45, b.NextSetInWindow(0))
	assert.Equal(t, 45, b.NextSetInWindow(45))
	assert.Equal(t, -1, b.NextSetInWindow(46))
	assert.Equal(t, -1, b.NextSetInWindow(64))
}

func TestBitFieldFindFirstClearAndSet(t *testing.T) {
	b := NewBitField(128)
	b.SetRange(0, 70)

	assert.Equal(t, 70, b.FindFirstClear(0))
	assert.Equal(t, 0, b.FindFirstSet(0))
	assert.Equal(t, -1, b.FindFirstSet(70))
}

func TestBitFieldCountSet(t *testing.T) {
	b := NewBitField(200)
	b.SetRange(0, 10)
	b.SetRange(100, 5)

	assert.Equal(t, 10, b.CountSet(50))
	assert.Equal(t, 15, b.CountSet(200))
	assert.Equal(t, 0, b.CountSet(0))
}
