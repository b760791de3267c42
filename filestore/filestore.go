// Package filestore implements FileStore, the thin byte-oriented file
// handle spec.md §2 puts at the bottom of the stack: seek, read-fully,
// write, length, set-length, plus a stable header region. Grounded on
// storage_engine/disk_manager/main.go's FileDescriptor (single *os.File,
// mutex-guarded ReadAt/WriteAt), simplified from DaemonDB's
// multi-file-by-id map down to the single heap file spec.md requires.
package filestore

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// HeaderLength is the fixed size of the file's header region (the
// 48-byte banner plus the versioned fields spec.md §6 lays out at
// offsets 0-65).
const HeaderLength = 66

// FileStore is a single OS file opened for the lifetime of a
// PageStore. All operations are safe for concurrent use, though the
// core additionally serializes them through the database monitor per
// spec.md §5.
type FileStore struct {
	name     string
	file     *os.File
	readOnly bool
	length   int64
	mu       sync.Mutex
}

// Open opens name read-only if readOnly is set and for read/write
// otherwise, creating it if create is true, readOnly is false, and it
// does not exist yet.
func Open(name string, readOnly bool, create bool) (*FileStore, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	} else if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(name, flag, 0644)
	if err != nil {
		return nil, wrapIo("open", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapIo("stat", name, err)
	}
	return &FileStore{
		name:     name,
		file:     f,
		readOnly: readOnly,
		length:   stat.Size(),
	}, nil
}

// Exists reports whether name refers to an existing file.
func Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// ReadOnly reports whether the underlying file was opened read-only.
func (fs *FileStore) ReadOnly() bool {
	return fs.readOnly
}

// Name returns the file's path, used to attach context to wrapped
// errors.
func (fs *FileStore) Name() string {
	return fs.name
}

// Length returns the current file size in bytes.
func (fs *FileStore) Length() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.length
}

// SetLength truncates or extends the file to newLength bytes.
func (fs *FileStore) SetLength(newLength int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Truncate(newLength); err != nil {
		return wrapIo("setLength", fs.name, err)
	}
	fs.length = newLength
	return nil
}

// ReadFullyAt reads len(buf) bytes starting at offset, failing if fewer
// bytes are available.
func (fs *FileStore) ReadFullyAt(buf []byte, offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := io.ReadFull(io.NewSectionReader(fs.file, offset, int64(len(buf))), buf)
	if err != nil {
		return wrapIo("readFully", fs.name, err)
	}
	return nil
}

// WriteAt writes buf at offset.
func (fs *FileStore) WriteAt(buf []byte, offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return errors.Errorf("filestore: %s is read-only", fs.name)
	}
	n, err := fs.file.WriteAt(buf, offset)
	if err != nil {
		return wrapIo("write", fs.name, err)
	}
	if end := offset + int64(n); end > fs.length {
		fs.length = end
	}
	return nil
}

// Sync forces buffered writes to stable storage.
func (fs *FileStore) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return nil
	}
	if err := fs.file.Sync(); err != nil {
		return wrapIo("sync", fs.name, err)
	}
	return nil
}

// Close releases the file handle. Safe to call more than once.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	if err != nil {
		return wrapIo("close", fs.name, err)
	}
	return nil
}

func wrapIo(op, name string, cause error) error {
	return errors.Wrapf(cause, "%s on %s", op, name)
}
