package blockstore

import "blockstore/page"

// ALLOCATE_POS asks Storage.AddRecord to pick a fresh position rather
// than reuse a caller-supplied block range.
const ALLOCATE_POS = -1

// RecordReader is the sole source of type knowledge for a Storage's
// records. It decides the payload shape (row of typed columns, index
// entry, LOB chunk); the core treats everything beyond the header,
// position, and block count as opaque. See spec.md §4.5 and §9's
// "Opaque Record polymorphism" redesign note.
type RecordReader interface {
	// ReadRecord parses one record's payload starting at the current
	// cursor of page, which holds the record's whole block range and has
	// already been positioned just past its block-size/storage-id
	// prefix. PageStore.ReadRecord checks that the block size is in
	// range for one page; it does not compare the storage id with the
	// id of the Storage doing the read.
	ReadRecord(session Session, dataPage *page.DataPage) (*Record, error)

	// PayloadLength reports how many bytes rec's payload will occupy
	// once serialized, used by Storage.AddRecord to size the block
	// range before allocation.
	PayloadLength(rec *Record) int

	// WritePayload serializes rec's payload (not the shared header or
	// checksum/padding, which Storage/PageStore handle) into page.
	WritePayload(session Session, dataPage *page.DataPage, rec *Record) error
}

// Record is a logical item persisted as <overhead, payload, checksum,
// padding>. The core holds it as a tagged payload plus a serializer
// handle rather than relying on subtype dispatch (spec.md §9).
type Record struct {
	// Position is the first block of the record's allocated range.
	Position int
	// BlockCount is the number of BLOCK_SIZE blocks the record spans.
	BlockCount int
	// StorageID is the owning Storage's id.
	StorageID int
	// Deleted is set once RemoveRecord has processed this record.
	Deleted bool
	// Changed marks the record dirty; the Cache flushes it via
	// WriteBack before eviction and clears Changed afterward.
	Changed bool
	// Payload is the reader-specific opaque bytes.
	Payload []byte
	// Reader is the serializer capability for this record's owning
	// Storage. Never nil for a live record.
	Reader RecordReader
}

// Pos returns the record's position, satisfying the ordering the Cache
// keys entries by.
func (r *Record) Pos() int {
	return r.Position
}
