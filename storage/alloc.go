package storage

// allocate finds n contiguous free blocks owned by this storage,
// consulting the per-storage free list before asking the PageStore for
// a fresh range. Per spec.md §4.1's allocate(n).
func (s *Storage) allocate(n int) (int, error) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()

	for len(s.freeList) > 0 {
		p := s.freeList[0]
		s.freeList = s.freeList[1:]
		if s.ps.Used(p) {
			continue // stale entry, already reused
		}
		if s.isFreeAndMine(p, n) {
			s.markUsedLocked(p, n)
			return p, nil
		}
	}

	start, ok := s.ps.FindPageWithFreeBlocks(s.id, s.pages.Values(), n)
	if !ok {
		pageID, err := s.ps.ClaimEmptyPage(s.id)
		if err != nil {
			return 0, err
		}
		s.pages.Insert(pageID)
		start = s.ps.BlockOfPage(pageID)
	}
	s.markUsedLocked(start, n)
	return start, nil
}

// isFreeAndMine reports whether every block in [p, p+n) is unused and
// belongs to a page this storage owns.
func (s *Storage) isFreeAndMine(p, n int) bool {
	pageID := s.ps.PageOfBlock(p)
	if s.ps.Owner(pageID) != s.id {
		return false
	}
	base := s.ps.BlockOfPage(pageID)
	if p+n > base+s.ps.BlocksPerPage() {
		return false // would cross into the next page
	}
	return s.ps.UsedBits().AllClear(p, n)
}

// markUsed marks [pos, pos+n) used, taking the database monitor.
func (s *Storage) markUsed(pos, n int) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()
	s.markUsedLocked(pos, n)
}

func (s *Storage) markUsedLocked(pos, n int) {
	s.ps.MarkUsed(pos, n)
}

// free clears [pos, pos+n) and, if the per-storage free list has room,
// remembers pos for reuse. Per spec.md §4.1's free: "Do NOT deduplicate
// or compact — staleness is handled lazily at allocation time."
func (s *Storage) free(pos, n int) {
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()
	s.ps.MarkFree(pos, n)
	if len(s.freeList) < s.freeListMax {
		s.freeList = append(s.freeList, pos)
	}
}

// checkOnePage advances a round-robin index through this storage's
// owned pages and releases the currently-indexed page back to the
// global pool if it is now fully free. Per spec.md §4.1's remove:
// "Opportunistic page reclamation".
func (s *Storage) checkOnePage() {
	if s.pages.Len() == 0 {
		return
	}
	s.ps.Database().Lock()
	defer s.ps.Database().Unlock()

	if s.checkIdx >= s.pages.Len() {
		s.checkIdx = 0
	}
	pageID := s.pages.Get(s.checkIdx)
	s.checkIdx++

	if s.ps.Owner(pageID) != s.id {
		return
	}
	base := s.ps.BlockOfPage(pageID)
	if !s.ps.UsedBits().AllClear(base, s.ps.BlocksPerPage()) {
		return
	}
	if err := s.ps.FreePage(pageID); err != nil {
		return
	}
	s.pages.Remove(pageID)
	if s.checkIdx > s.pages.Len() {
		s.checkIdx = 0
	}
}
