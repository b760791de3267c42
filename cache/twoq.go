package cache

import "blockstore"

// TwoQ implements the classic 2Q policy: a FIFO queue (a1in) for
// entries seen once, a bounded ghost list (a1out) of positions recently
// evicted from a1in, and an LRU queue (am) for entries that have proven
// hot by being re-inserted while their position is on the ghost list. No
// teacher file implements 2Q; this reuses LRU's access-order machinery
// (see lru.go) for the am queue and gives a1in the same list shape run
// as a FIFO, per spec.md §4.3's "Selection between LRU and 2Q is a
// config-time choice."
type TwoQ struct {
	capacity int
	kIn      int // target size of a1in
	kOut     int // target size of the a1out ghost list
	writer   Writer

	entries map[int]*blockstore.Record

	a1in  []int // FIFO, oldest at index 0
	a1out []int // ghost FIFO of bare positions, oldest at index 0
	am    []int // LRU, least-recently-used at index 0
}

// NewTwoQ constructs a 2Q cache bound to writer for eviction writeback.
func NewTwoQ(capacity int, writer Writer) *TwoQ {
	if capacity < 4 {
		capacity = 4
	}
	return &TwoQ{
		capacity: capacity,
		kIn:      capacity / 4,
		kOut:     capacity / 2,
		writer:   writer,
		entries:  make(map[int]*blockstore.Record, capacity),
	}
}

func (c *TwoQ) Find(pos int) (*blockstore.Record, error) {
	rec, ok := c.entries[pos]
	if !ok {
		return nil, nil
	}
	if idx := indexOf(c.am, pos); idx >= 0 {
		c.am = append(c.am[:idx], c.am[idx+1:]...)
		c.am = append(c.am, pos)
	}
	// a1in hits stay in FIFO order untouched: 2Q deliberately does not
	// promote on a first re-reference within a1in.
	return rec, nil
}

func (c *TwoQ) Update(pos int, rec *blockstore.Record) error {
	if _, exists := c.entries[pos]; exists {
		c.entries[pos] = rec
		return nil
	}
	for c.total() >= c.capacity {
		ok, err := c.evictOne()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	c.entries[pos] = rec
	if removeGhost(&c.a1out, pos) {
		c.am = append(c.am, pos)
	} else {
		c.a1in = append(c.a1in, pos)
	}
	return nil
}

func (c *TwoQ) Remove(pos int) {
	if _, ok := c.entries[pos]; !ok {
		return
	}
	delete(c.entries, pos)
	if idx := indexOf(c.a1in, pos); idx >= 0 {
		c.a1in = append(c.a1in[:idx], c.a1in[idx+1:]...)
	}
	if idx := indexOf(c.am, pos); idx >= 0 {
		c.am = append(c.am[:idx], c.am[idx+1:]...)
	}
}

func (c *TwoQ) GetAllChanged() []*blockstore.Record {
	var out []*blockstore.Record
	for _, rec := range c.entries {
		if rec.Changed {
			out = append(out, rec)
		}
	}
	return out
}

func (c *TwoQ) Len() int {
	return len(c.entries)
}

func (c *TwoQ) total() int {
	return len(c.a1in) + len(c.am)
}

// evictOne removes and, if dirty, flushes one entry: from a1in when it
// has grown past kIn (demoting the evicted position to the a1out ghost
// list), otherwise the LRU end of am. If flushAndDrop fails, the queues
// are left untouched so the entry is neither dropped nor demoted.
func (c *TwoQ) evictOne() (bool, error) {
	if len(c.a1in) > c.kIn && len(c.a1in) > 0 {
		pos := c.a1in[0]
		if err := c.flushAndDrop(pos); err != nil {
			return false, err
		}
		c.a1in = c.a1in[1:]
		c.a1out = append(c.a1out, pos)
		for len(c.a1out) > c.kOut {
			c.a1out = c.a1out[1:]
		}
		return true, nil
	}
	if len(c.am) > 0 {
		pos := c.am[0]
		if err := c.flushAndDrop(pos); err != nil {
			return false, err
		}
		c.am = c.am[1:]
		return true, nil
	}
	if len(c.a1in) > 0 {
		pos := c.a1in[0]
		if err := c.flushAndDrop(pos); err != nil {
			return false, err
		}
		c.a1in = c.a1in[1:]
		c.a1out = append(c.a1out, pos)
		return true, nil
	}
	return false, nil
}

// flushAndDrop writes back pos if dirty and only then removes it from
// entries, so a failed writeback leaves the record fully intact rather
// than discarding its only unpersisted copy.
func (c *TwoQ) flushAndDrop(pos int) error {
	rec := c.entries[pos]
	if rec != nil && rec.Changed {
		if err := c.writer.WriteBack(rec); err != nil {
			return err
		}
		rec.Changed = false
	}
	delete(c.entries, pos)
	return nil
}

func indexOf(list []int, v int) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func removeGhost(list *[]int, v int) bool {
	if idx := indexOf(*list, v); idx >= 0 {
		*list = append((*list)[:idx], (*list)[idx+1:]...)
		return true
	}
	return false
}
