// Package cache implements the Record cache spec.md §4.3 describes: a
// map from block position to Record with an LRU or 2Q eviction policy
// that calls back into the owner (a Writer) to flush dirty entries
// before eviction. Grounded on
// storage_engine/bufferpool/bufferpool.go's accessOrder-list LRU,
// adapted from pinned page-frames to the simpler
// dirty-record-triggers-writeback contract spec.md requires.
package cache

import "blockstore"

// Writer is the injected capability a Cache calls back into before
// discarding a dirty entry, breaking the Cache/CacheWriter reference
// cycle spec.md §9 calls out: "Cache needs a back-reference to its
// writer, which needs the cache to locate dirty pages... an injected
// capability at construction; the cache holds a non-owning handle to
// it."
type Writer interface {
	WriteBack(rec *blockstore.Record) error
}

// Cache is the contract every eviction policy implements. Update can
// trigger a synchronous WriteBack of the entry it evicts to make room
// and returns that call's error rather than swallowing it, per spec.md
// §7's "the core never swallows I/O errors" policy. Find also has an
// error result; LRU and TwoQ never evict on Find and always return a
// nil error from it.
type Cache interface {
	// Find returns the record at pos, or nil if not cached.
	Find(pos int) (*blockstore.Record, error)
	// Update installs or overwrites the record at pos.
	Update(pos int, rec *blockstore.Record) error
	// Remove evicts pos without writing it back (used after a record
	// has been deleted or its page freed).
	Remove(pos int)
	// GetAllChanged returns every currently dirty record, used by
	// PageStore.Checkpoint to flush the whole working set.
	GetAllChanged() []*blockstore.Record
	// Len reports how many entries are currently cached.
	Len() int
}

// TypeName identifies which eviction policy a Cache uses, mirroring
// H2's Cache2Q.TYPE_NAME constant referenced in
// original_source/.../PageStore.java ("2Q" vs the LRU default).
type TypeName string

const (
	TypeLRU TypeName = "LRU"
	TypeTwoQ TypeName = "2Q"
)

// New constructs a Cache of the given type and capacity (entry count),
// bound to writer for eviction writeback.
func New(kind TypeName, capacity int, writer Writer) Cache {
	if kind == TypeTwoQ {
		return NewTwoQ(capacity, writer)
	}
	return NewLRU(capacity, writer)
}
