package storage

import "blockstore"

// GetNext returns the position of the next live record after rec (or
// the first live record if rec is nil), or -1 once the storage is
// exhausted. Per spec.md §4.1's getNext: tracks the current page index
// into the sorted pages list, jumps forward across empty owned pages,
// and uses a 64-bit-window skip to avoid scanning long empty runs one
// block at a time.
func (s *Storage) GetNext(rec *blockstore.Record) (int, error) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()

	if s.pages.Len() == 0 {
		return -1, nil
	}

	var next int
	if rec == nil {
		s.scanPageIdx = 0
		next = s.ps.BlockOfPage(s.pages.Get(0))
	} else {
		next = rec.Position + rec.BlockCount
		if idx := s.pages.IndexOf(s.ps.PageOfBlock(rec.Position)); idx >= 0 {
			s.scanPageIdx = idx
		}
	}

	used := s.ps.UsedBits()
	for {
		if s.scanPageIdx >= s.pages.Len() {
			return -1, nil
		}
		pageID := s.pages.Get(s.scanPageIdx)
		base := s.ps.BlockOfPage(pageID)
		end := base + s.ps.BlocksPerPage()

		if next < base {
			next = base
		}
		if next >= end {
			s.scanPageIdx++
			continue
		}
		if used.Get(next) {
			return next, nil
		}
		if used.Window64Empty(next) {
			next = ((next / 64) + 1) * 64
		} else {
			next++
		}
	}
}
