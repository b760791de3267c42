// Package pagelog implements PageLog, the append-only undo log spec.md
// §4.4 describes: records pre-images of modified pages, replays them at
// open if the log root page is non-empty, and rotates (discards applied
// records) at checkpoint. Grounded on
// storage_engine/wal_manager/wal_segment.go's Append/Sync append-only
// primitive and storage_engine/wal_manager/wal.go's scan-on-open
// recovery pattern, adapted from a segmented general-operation WAL to a
// single page-chained stream of page pre-images, since spec.md's log
// lives inside the same PageStore file (rooted at logRootPageId) and is
// rotated wholesale at each checkpoint rather than rolled by size.
package pagelog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Page type byte stored at offset 0 of every log page.
const (
	typeEmpty byte = 0
	typeData  byte = 1
)

const pageHeaderLen = 1 + 4 + 4 // type + nextPageID + validBytes

// Host is the page-allocating capability PageLog needs from its
// PageStore: allocate/free whole pages, and read/write them directly,
// bypassing the record cache (undo images must hit disk before the
// cache is trusted again).
type Host interface {
	PageSize() int
	AllocatePage() (int, error)
	FreePage(id int) error
	ReadPageRaw(id int) ([]byte, error)
	WritePageRaw(id int, data []byte) error
}

// PageLog is an append-only chain of pages, rooted at a fixed page id,
// holding a stream of (position, old page image) undo records.
type PageLog struct {
	host       Host
	rootPageID int
	log        *logrus.Entry

	pageIDs []int // chain built this session, root first
	curBuf  []byte
	curUsed int
}

// Open attaches a PageLog to its root page without touching disk
// contents; call OpenForWriting or Recover next depending on whether
// the store already existed.
func Open(host Host, rootPageID int, log *logrus.Entry) *PageLog {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PageLog{host: host, rootPageID: rootPageID, log: log}
}

// OpenForWriting initializes a fresh, empty log chain rooted at
// rootPageID (used both for a brand-new store and right after Recover
// has replayed and cleared an existing one).
func (l *PageLog) OpenForWriting() error {
	l.pageIDs = []int{l.rootPageID}
	l.curBuf = make([]byte, l.host.PageSize())
	l.curBuf[0] = typeEmpty
	binary.BigEndian.PutUint32(l.curBuf[1:], uint32(0xFFFFFFFF)) // nextPageID = -1
	l.curUsed = 0
	return l.flushCurrent()
}

// AddUndo appends the old page image for pos to the log. Per spec.md
// §4.4, this is called during mutation, before the corresponding page
// is overwritten in the cache/file.
func (l *PageLog) AddUndo(pos int, oldImage []byte) error {
	l.log.WithFields(logrus.Fields{"pos": pos, "bytes": len(oldImage)}).Debug("pagelog: addUndo")
	record := make([]byte, 4+4+len(oldImage)+4)
	binary.BigEndian.PutUint32(record[0:], uint32(pos))
	binary.BigEndian.PutUint32(record[4:], uint32(len(oldImage)))
	copy(record[8:], oldImage)
	crc := crc32.ChecksumIEEE(oldImage)
	binary.BigEndian.PutUint32(record[8+len(oldImage):], crc)
	return l.appendBytes(record)
}

func (l *PageLog) appendBytes(data []byte) error {
	capacity := len(l.curBuf) - pageHeaderLen
	for len(data) > 0 {
		free := capacity - l.curUsed
		if free <= 0 {
			if err := l.growChain(); err != nil {
				return err
			}
			free = capacity - l.curUsed
		}
		n := len(data)
		if n > free {
			n = free
		}
		copy(l.curBuf[pageHeaderLen+l.curUsed:], data[:n])
		l.curUsed += n
		data = data[n:]
		l.curBuf[0] = typeData
		binary.BigEndian.PutUint32(l.curBuf[5:], uint32(l.curUsed))
		if err := l.flushCurrent(); err != nil {
			return err
		}
	}
	return nil
}

// growChain allocates a new tail page, links the current tail to it,
// and makes the new page current.
func (l *PageLog) growChain() error {
	nextID, err := l.host.AllocatePage()
	if err != nil {
		return errors.Wrap(err, "pagelog: allocate tail page")
	}
	binary.BigEndian.PutUint32(l.curBuf[1:], uint32(nextID))
	if err := l.flushCurrent(); err != nil {
		return err
	}
	l.pageIDs = append(l.pageIDs, nextID)
	l.curBuf = make([]byte, len(l.curBuf))
	l.curBuf[0] = typeData
	binary.BigEndian.PutUint32(l.curBuf[1:], uint32(0xFFFFFFFF))
	l.curUsed = 0
	return nil
}

func (l *PageLog) flushCurrent() error {
	id := l.pageIDs[len(l.pageIDs)-1]
	return l.host.WritePageRaw(id, l.curBuf)
}

// Reopen rotates the log: everything logged so far has either been
// applied (recovery) or is now durable via checkpoint, so the chain is
// truncated back to a fresh, empty root page and any extra pages it had
// grown into are returned to the page pool. Per spec.md §4.2's
// checkpoint step ("reopen the log") this must run after every dirty
// record has been written back and before the file is truncated. On a
// log that was only attached by Open (no chain built this session) it
// frees nothing and just resets the root page.
func (l *PageLog) Reopen() error {
	for i := 1; i < len(l.pageIDs); i++ {
		if err := l.host.FreePage(l.pageIDs[i]); err != nil {
			return errors.Wrap(err, "pagelog: free log page on reopen")
		}
	}
	return l.OpenForWriting()
}

// WriteChain persists data as a chain of pages in the same
// type/next/validBytes format PageLog itself uses, reusing pages from
// existing (existing[0] must be the fixed root page id) before
// allocating new ones, and freeing any existing pages left over once
// data no longer needs them. It returns the full list of page ids the
// chain now occupies. Used by PageFreeList to persist its bitmap in the
// same page-chaining style as the undo log.
func WriteChain(host Host, existing []int, data []byte) ([]int, error) {
	if len(existing) == 0 {
		return nil, errors.New("pagelog: WriteChain requires a fixed root page id")
	}
	pageSize := host.PageSize()
	capacity := pageSize - pageHeaderLen

	npages := (len(data) + capacity - 1) / capacity
	if npages == 0 {
		npages = 1
	}

	ids := make([]int, npages)
	for i := 0; i < npages; i++ {
		if i < len(existing) {
			ids[i] = existing[i]
			continue
		}
		id, err := host.AllocatePage()
		if err != nil {
			return nil, errors.Wrap(err, "pagelog: allocate chain page")
		}
		ids[i] = id
	}
	for _, id := range existing[min(len(existing), npages):] {
		if err := host.FreePage(id); err != nil {
			return nil, errors.Wrap(err, "pagelog: free leftover chain page")
		}
	}

	off := 0
	for i, id := range ids {
		n := len(data) - off
		if n > capacity {
			n = capacity
		}
		buf := make([]byte, pageSize)
		buf[0] = typeData
		next := int32(-1)
		if i+1 < len(ids) {
			next = int32(ids[i+1])
		}
		binary.BigEndian.PutUint32(buf[1:], uint32(next))
		binary.BigEndian.PutUint32(buf[5:], uint32(n))
		copy(buf[pageHeaderLen:], data[off:off+n])
		off += n
		if err := host.WritePageRaw(id, buf); err != nil {
			return nil, errors.Wrap(err, "pagelog: write chain page")
		}
	}
	return ids, nil
}

// ReadChain reads back the full byte stream written by WriteChain,
// walking the nextPageID links starting at rootID.
func ReadChain(host Host, rootID int) ([]byte, error) {
	var stream []byte
	id := rootID
	for {
		buf, err := host.ReadPageRaw(id)
		if err != nil {
			return nil, errors.Wrap(err, "pagelog: read chain page")
		}
		valid := int(binary.BigEndian.Uint32(buf[5:]))
		stream = append(stream, buf[pageHeaderLen:pageHeaderLen+valid]...)
		next := int32(binary.BigEndian.Uint32(buf[1:]))
		if next == -1 {
			break
		}
		id = int(next)
	}
	return stream, nil
}

// UndoRecord is one parsed pre-image from the log.
type UndoRecord struct {
	Pos      int
	OldImage []byte
}

// Recover reads the log chain rooted at rootPageID and returns every
// undo record found, in the order they were written. It does not
// modify the chain; callers must invoke Reopen afterward once the
// records have been applied. Returns an empty slice without error if
// the root page's type is empty (spec.md §4.4: "if ... the log root
// page's type is non-empty, replay").
func Recover(host Host, rootPageID int) ([]UndoRecord, error) {
	root, err := host.ReadPageRaw(rootPageID)
	if err != nil {
		return nil, errors.Wrap(err, "pagelog: read root page")
	}
	if root[0] == typeEmpty {
		return nil, nil
	}

	var stream []byte
	pageID := rootPageID
	buf := root
	for {
		next := int32(binary.BigEndian.Uint32(buf[1:]))
		valid := int(binary.BigEndian.Uint32(buf[5:]))
		stream = append(stream, buf[pageHeaderLen:pageHeaderLen+valid]...)
		if next == -1 {
			break
		}
		pageID = int(next)
		buf, err = host.ReadPageRaw(pageID)
		if err != nil {
			return nil, errors.Wrap(err, "pagelog: read chained page")
		}
	}

	var records []UndoRecord
	off := 0
	for off+8 <= len(stream) {
		pos := int(binary.BigEndian.Uint32(stream[off:]))
		length := int(binary.BigEndian.Uint32(stream[off+4:]))
		start := off + 8
		end := start + length
		if end+4 > len(stream) {
			break
		}
		oldImage := make([]byte, length)
		copy(oldImage, stream[start:end])
		wantCRC := binary.BigEndian.Uint32(stream[end:])
		if crc32.ChecksumIEEE(oldImage) != wantCRC {
			break
		}
		records = append(records, UndoRecord{Pos: pos, OldImage: oldImage})
		off = end + 4
	}
	return records, nil
}
