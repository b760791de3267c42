// Package storage implements Storage, the per-table/per-index view over
// a PageStore spec.md §4.1 describes: record CRUD, a free-list-first
// block allocator, opportunistic page reclamation, and a sequential
// scan. Grounded on original_source/h2/src/main/org/h2/store/Storage.java
// for the allocate/free/checkOnePage policy, with the Go-side method
// grouping (public CRUD in this file, low-level bit-twiddling in
// alloc.go, the scan in scan.go) following
// storage_engine/access/heapfile_manager/heapfile_manager.go's split
// between heapfile_manager.go and row_ops_internal.go, even though the
// on-page layout itself (block ranges, not slots) follows spec.md
// rather than the teacher's slotted page.
package storage

import (
	"blockstore"
	"blockstore/bitset"
	"blockstore/pagestore"

	"github.com/sirupsen/logrus"
)

// overhead is the fixed per-record prefix PageStore.writeBackLocked
// writes before the reader's payload: blockCount (int32), storageId
// (int32), and a trailing checksum byte.
const overhead = 4 + 4 + 1

// Storage is one table's or index's collection of records, sharing a
// single storage id, per spec.md §3's Storage entity.
type Storage struct {
	ps     *pagestore.PageStore
	log    *logrus.Entry
	id     int
	reader blockstore.RecordReader

	pages *bitset.IntArray

	freeList    []int
	freeListMax int

	recordCount int

	scanPageIdx int // tracked index into pages, for GetNext
	checkIdx    int // round-robin index into pages, for checkOnePage
}

// New creates a Storage bound to id over ps, using reader to serialize
// and deserialize its records. The per-storage free list is bounded to
// FREE_LIST_SIZE = max(1024, 4*BLOCKS_PER_PAGE), per spec.md §3.
func New(ps *pagestore.PageStore, id int, reader blockstore.RecordReader) *Storage {
	freeListMax := 4 * ps.BlocksPerPage()
	if freeListMax < 1024 {
		freeListMax = 1024
	}
	s := &Storage{
		ps:          ps,
		log:         logrus.WithField("storage", id),
		id:          id,
		reader:      reader,
		pages:       bitset.NewIntArray(),
		freeListMax: freeListMax,
	}
	ps.RegisterReader(id, reader)
	return s
}

// GetId returns the storage's id.
func (s *Storage) GetId() int { return s.id }

// GetRecordCount returns the number of live (non-deleted) records.
func (s *Storage) GetRecordCount() int { return s.recordCount }

// SetReader rebinds the RecordReader used for (de)serialization.
func (s *Storage) SetReader(reader blockstore.RecordReader) {
	s.reader = reader
	s.ps.RegisterReader(s.id, reader)
}

// AddPage registers pageID as belonging to this storage and rebuilds
// the used-block bitmap for it from the blocks' own headers. Called by
// the embedder to repopulate a Storage's page directory after reopen
// (spec.md places remembering which pages belong to which table in the
// catalog, outside this core — see DESIGN.md). Pages that allocate
// claims for this storage are registered there directly, not through
// AddPage.
func (s *Storage) AddPage(pageID int) error {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()
	s.pages.Insert(pageID)
	s.ps.SetOwner(pageID, s.id)
	return s.ps.ReconstructPage(pageID, s.id)
}

// RemovePage unregisters pageID from this storage and clears its owner
// entry.
func (s *Storage) RemovePage(pageID int) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()
	s.pages.Remove(pageID)
	s.ps.ClearOwner(pageID)
	if s.scanPageIdx >= s.pages.Len() {
		s.scanPageIdx = 0
	}
}

// AddRecord assigns rec a position (or uses the caller-supplied pos)
// and installs it in the cache, per spec.md §4.1's add.
func (s *Storage) AddRecord(session blockstore.Session, rec *blockstore.Record, pos int) error {
	payloadLen := s.reader.PayloadLength(rec)
	size := roundUpToBlock(overhead + payloadLen)
	blockCount := size / pagestore.BlockSize

	var p int
	if pos == blockstore.ALLOCATE_POS {
		var err error
		p, err = s.allocate(blockCount)
		if err != nil {
			return err
		}
	} else {
		p = pos
		s.markUsed(p, blockCount)
	}

	rec.StorageID = s.id
	rec.Position = p
	rec.BlockCount = blockCount
	rec.Changed = true
	rec.Deleted = false
	rec.Reader = s.reader

	s.ps.Database().Lock()
	err := s.ps.Install(rec)
	s.ps.Database().Unlock()
	if err != nil {
		return err
	}
	s.recordCount++
	s.log.WithField("pos", p).Debug("storage: addRecord")
	return nil
}

// UpdateRecord marks rec dirty in place. The caller must not change
// rec.BlockCount; resizing a record is an add-then-remove at this
// layer, per spec.md §4.1's operation list (no resize primitive).
func (s *Storage) UpdateRecord(session blockstore.Session, rec *blockstore.Record) error {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()
	return s.ps.UpdateRecord(rec)
}

// RemoveRecord deletes the live record at pos: opportunistically
// reclaims one page via checkOnePage, then frees the record's blocks
// and evicts it from the cache. Per spec.md §4.1's remove.
func (s *Storage) RemoveRecord(session blockstore.Session, pos int) error {
	s.checkOnePage()

	// A deleted record's blocks are no longer marked used and its cache
	// entry is gone, so a second delete is caught here rather than by
	// reading the freed range back from disk.
	s.ps.Database().Lock()
	used := s.ps.Used(pos)
	s.ps.Database().Unlock()
	if !used {
		return blockstore.NewInternalError("removeRecord", "duplicate delete")
	}

	rec, err := s.getRecordLocked(session, pos)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return blockstore.NewInternalError("removeRecord", "duplicate delete")
	}

	rec.Deleted = true
	s.free(pos, rec.BlockCount)
	s.recordCount--
	s.ps.Database().Lock()
	s.ps.RemoveRecord(pos)
	s.ps.Database().Unlock()
	s.log.WithField("pos", pos).Debug("storage: removeRecord")
	return nil
}

// GetRecord returns the live record at pos, reading through to disk on
// a cache miss.
func (s *Storage) GetRecord(session blockstore.Session, pos int) (*blockstore.Record, error) {
	return s.getRecordLocked(session, pos)
}

// GetRecordIfStored returns the record at pos, or nil if pos is not
// currently a used block (i.e. no live record starts there).
func (s *Storage) GetRecordIfStored(session blockstore.Session, pos int) (*blockstore.Record, error) {
	s.ps.Database().Lock()
	used := s.ps.Used(pos)
	s.ps.Database().Unlock()
	if !used {
		return nil, nil
	}
	return s.getRecordLocked(session, pos)
}

func (s *Storage) getRecordLocked(session blockstore.Session, pos int) (*blockstore.Record, error) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()

	rec, err := s.ps.GetRecord(pos)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	rec, err = s.ps.ReadRecord(session, pos, s.reader)
	if err != nil {
		return nil, err
	}
	if err := s.ps.Install(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FlushRecord forces rec to be written back immediately rather than
// waiting for eviction or checkpoint.
func (s *Storage) FlushRecord(rec *blockstore.Record) error {
	if !rec.Changed {
		return nil
	}
	return s.ps.WriteBack(rec)
}

// Truncate clears every record and page this storage owns, preserving
// its id. Per spec.md §3's Storage lifecycle: "truncate clears its
// pages via DiskFile while preserving id."
func (s *Storage) Truncate(session blockstore.Session) error {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()

	for _, pageID := range append([]int(nil), s.pages.Values()...) {
		if err := s.ps.FreePage(pageID); err != nil {
			return err
		}
		s.pages.Remove(pageID)
	}
	s.freeList = nil
	s.recordCount = 0
	s.scanPageIdx = 0
	s.checkIdx = 0
	s.log.Debug("storage: truncate")
	return nil
}

func roundUpToBlock(n int) int {
	if r := n % pagestore.BlockSize; r != 0 {
		n += pagestore.BlockSize - r
	}
	return n
}
