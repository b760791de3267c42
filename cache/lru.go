package cache

import "blockstore"

// LRU evicts the least-recently-used entry when full, flushing it
// first if dirty. Grounded on
// storage_engine/bufferpool/bufferpool.go's accessOrder []int64 +
// updateAccessOrder + evictLRU trio.
type LRU struct {
	capacity int
	writer   Writer
	entries  map[int]*blockstore.Record
	order    []int // least recently used at index 0
}

// NewLRU constructs an LRU cache bound to writer for eviction
// writeback.
func NewLRU(capacity int, writer Writer) *LRU {
	return &LRU{
		capacity: capacity,
		writer:   writer,
		entries:  make(map[int]*blockstore.Record, capacity),
		order:    make([]int, 0, capacity),
	}
}

func (c *LRU) Find(pos int) (*blockstore.Record, error) {
	rec, ok := c.entries[pos]
	if !ok {
		return nil, nil
	}
	c.touch(pos)
	return rec, nil
}

func (c *LRU) Update(pos int, rec *blockstore.Record) error {
	if _, exists := c.entries[pos]; !exists && len(c.entries) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return err
		}
	}
	c.entries[pos] = rec
	c.touch(pos)
	return nil
}

func (c *LRU) Remove(pos int) {
	if _, ok := c.entries[pos]; !ok {
		return
	}
	delete(c.entries, pos)
	c.removeFromOrder(pos)
}

func (c *LRU) GetAllChanged() []*blockstore.Record {
	var out []*blockstore.Record
	for _, rec := range c.entries {
		if rec.Changed {
			out = append(out, rec)
		}
	}
	return out
}

func (c *LRU) Len() int {
	return len(c.entries)
}

// touch moves pos to the most-recently-used end of order.
func (c *LRU) touch(pos int) {
	c.removeFromOrder(pos)
	c.order = append(c.order, pos)
}

func (c *LRU) removeFromOrder(pos int) {
	for i, p := range c.order {
		if p == pos {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictOne flushes and discards the least-recently-used entry.
// writeBack is called before the entry is removed, per spec.md §4.3:
// "eviction invokes writeBack on the bound CacheWriter before
// discarding a dirty entry." If the writeback fails, the entry is left
// in place rather than dropped, so a failed I/O never loses the only
// unpersisted copy of a dirty record.
func (c *LRU) evictOne() error {
	if len(c.order) == 0 {
		return nil
	}
	pos := c.order[0]
	rec := c.entries[pos]
	if rec != nil && rec.Changed {
		if err := c.writer.WriteBack(rec); err != nil {
			return err
		}
		rec.Changed = false
	}
	c.order = c.order[1:]
	delete(c.entries, pos)
	return nil
}
