package pagestore

import (
	"blockstore/bitset"
	"blockstore/pagelog"

	"github.com/pkg/errors"
)

// PageFreeList is the persistent bitmap of currently unallocated pages,
// rooted at a fixed page id, per spec.md §4.2's PageFreeList. It is
// persisted using the same page-chaining format pagelog.PageLog uses
// (pagelog.WriteChain/ReadChain), since both are "a stream of bytes
// spread across a chain of pages rooted at a known page id".
type PageFreeList struct {
	rootPageID int
	bits       *bitset.BitField
	pageIDs    []int // chain currently occupied on disk, root first
}

// NewPageFreeList returns an empty free list rooted at rootPageID.
func NewPageFreeList(rootPageID int) *PageFreeList {
	return &PageFreeList{
		rootPageID: rootPageID,
		bits:       bitset.NewBitField(0),
		pageIDs:    []int{rootPageID},
	}
}

// LoadPageFreeList reads a previously persisted free list back from
// disk.
func LoadPageFreeList(host pagelog.Host, rootPageID int) (*PageFreeList, error) {
	data, err := pagelog.ReadChain(host, rootPageID)
	if err != nil {
		return nil, errors.Wrap(err, "pagefreelist: load")
	}
	bits := bitset.NewBitField(len(data) * 8)
	for i, b := range data {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				bits.Set(i*8 + bit)
			}
		}
	}
	return &PageFreeList{rootPageID: rootPageID, bits: bits, pageIDs: []int{rootPageID}}, nil
}

// Free marks pageID as free.
func (f *PageFreeList) Free(pageID int) {
	f.bits.Set(pageID)
}

// Allocate finds and clears the lowest-numbered free page id, or
// returns (-1, false) if none is free.
func (f *PageFreeList) Allocate() (int, bool) {
	id := f.bits.FindFirstSet(0)
	if id < 0 {
		return -1, false
	}
	f.bits.Clear(id)
	return id, true
}

// IsFree reports whether pageID is currently marked free.
func (f *PageFreeList) IsFree(pageID int) bool {
	return f.bits.Get(pageID)
}

// CountFree returns how many of the first pageCount page ids are marked
// free.
func (f *PageFreeList) CountFree(pageCount int) int {
	return f.bits.CountSet(pageCount)
}

// Save persists the bitmap to its page chain, growing or shrinking the
// chain as needed via host's page allocator.
func (f *PageFreeList) Save(host pagelog.Host, pageCount int) error {
	nbytes := (pageCount + 7) / 8
	data := make([]byte, nbytes)
	for i := 0; i < pageCount; i++ {
		if f.bits.Get(i) {
			data[i/8] |= 1 << uint(i%8)
		}
	}
	ids, err := pagelog.WriteChain(host, f.pageIDs, data)
	if err != nil {
		return errors.Wrap(err, "pagefreelist: save")
	}
	f.pageIDs = ids
	return nil
}
