package pagelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is an in-memory Host: a growable page table, no real file.
type fakeHost struct {
	pageSize int
	pages    map[int][]byte
	free     map[int]bool
	nextID   int
}

func newFakeHost(pageSize int) *fakeHost {
	return &fakeHost{
		pageSize: pageSize,
		pages:    make(map[int][]byte),
		free:     make(map[int]bool),
		nextID:   1,
	}
}

func (h *fakeHost) PageSize() int { return h.pageSize }

func (h *fakeHost) AllocatePage() (int, error) {
	id := h.nextID
	h.nextID++
	h.pages[id] = make([]byte, h.pageSize)
	return id, nil
}

func (h *fakeHost) FreePage(id int) error {
	h.free[id] = true
	delete(h.pages, id)
	return nil
}

func (h *fakeHost) ReadPageRaw(id int) ([]byte, error) {
	buf, ok := h.pages[id]
	if !ok {
		return make([]byte, h.pageSize), nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (h *fakeHost) WritePageRaw(id int, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	h.pages[id] = buf
	return nil
}

func TestPageLogOpenForWritingAndAddUndo(t *testing.T) {
	host := newFakeHost(64)
	host.pages[0] = make([]byte, 64) // root page reserved

	l := Open(host, 0, nil)
	require.NoError(t, l.OpenForWriting())

	require.NoError(t, l.AddUndo(5, []byte("old-image")))

	records, err := Recover(host, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Pos)
	assert.Equal(t, []byte("old-image"), records[0].OldImage)
}

func TestPageLogRecoverEmptyLogReturnsNothing(t *testing.T) {
	host := newFakeHost(64)
	host.pages[0] = make([]byte, 64)

	l := Open(host, 0, nil)
	require.NoError(t, l.OpenForWriting())

	records, err := Recover(host, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPageLogGrowsChainAcrossPages(t *testing.T) {
	host := newFakeHost(32) // small page size forces multiple undo records to span pages
	host.pages[0] = make([]byte, 32)

	l := Open(host, 0, nil)
	require.NoError(t, l.OpenForWriting())

	for i := 0; i < 10; i++ {
		require.NoError(t, l.AddUndo(i, []byte("some-old-page-bytes")))
	}

	assert.Greater(t, len(l.pageIDs), 1)

	records, err := Recover(host, 0)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, i, rec.Pos)
		assert.Equal(t, []byte("some-old-page-bytes"), rec.OldImage)
	}
}

func TestPageLogReopenFreesChainAndResets(t *testing.T) {
	host := newFakeHost(32)
	host.pages[0] = make([]byte, 32)

	l := Open(host, 0, nil)
	require.NoError(t, l.OpenForWriting())
	for i := 0; i < 10; i++ {
		require.NoError(t, l.AddUndo(i, []byte("some-old-page-bytes")))
	}
	require.Greater(t, len(l.pageIDs), 1)

	require.NoError(t, l.Reopen())
	assert.Len(t, l.pageIDs, 1)

	records, err := Recover(host, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWriteChainAndReadChainRoundTrip(t *testing.T) {
	host := newFakeHost(32)
	root, err := host.AllocatePage()
	require.NoError(t, err)

	data := []byte("this payload is long enough to span several small pages once chained")
	ids, err := WriteChain(host, []int{root}, data)
	require.NoError(t, err)
	assert.Equal(t, root, ids[0])

	got, err := ReadChain(host, root)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteChainReusesAndFreesLeftoverPages(t *testing.T) {
	host := newFakeHost(32)
	root, err := host.AllocatePage()
	require.NoError(t, err)

	big := make([]byte, 200)
	for i := range big {
		big[i] = byte(i)
	}
	ids, err := WriteChain(host, []int{root}, big)
	require.NoError(t, err)
	require.Greater(t, len(ids), 1)

	small := []byte("short")
	newIDs, err := WriteChain(host, ids, small)
	require.NoError(t, err)
	assert.Equal(t, []int{root}, newIDs)

	for _, id := range ids[1:] {
		assert.True(t, host.free[id], "leftover chain page %d should have been freed", id)
	}

	got, err := ReadChain(host, root)
	require.NoError(t, err)
	assert.Equal(t, small, got)
}
