package backing

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileStore is a Store over a block device or regular file.
type FileStore struct {
	path       string
	fd         int
	capacity   uint64 // sectors
	sectorSize uint32
	physSize   uint32
	engine     engine
}

// OpenOptions control how a FileStore is opened.
type OpenOptions struct {
	// SectorSize overrides the probed logical block size. Must be a
	// power of two; 0 means use the probed value.
	SectorSize uint32

	// DisableURing forces the portable pread/pwrite engine even where
	// io_uring is available.
	DisableURing bool
}

// Open opens the block device or file at path for asynchronous I/O.
func Open(path string, opts OpenOptions) (*FileStore, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	geom, err := probeGeometry(fd)
	if err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "probe", Path: path, Err: err}
	}

	sectorSize := geom.logicalBlockSize
	if opts.SectorSize != 0 {
		sectorSize = opts.SectorSize
	}
	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("sector size %d is not a power of two", sectorSize)
	}

	s := &FileStore{
		path:       path,
		fd:         fd,
		capacity:   geom.sizeBytes / uint64(sectorSize),
		sectorSize: sectorSize,
		physSize:   geom.physicalBlockSize,
	}
	s.engine = newEngine(fd, sectorSize, opts)
	return s, nil
}

// Submit implements Store.
func (s *FileStore) Submit(req *Request) {
	s.engine.submit(req)
}

// Capacity implements Store.
func (s *FileStore) Capacity() uint64 {
	return s.capacity
}

// SectorSize implements Store.
func (s *FileStore) SectorSize() uint32 {
	return s.sectorSize
}

// PhysicalBlockSize implements Store.
func (s *FileStore) PhysicalBlockSize() uint32 {
	return s.physSize
}

// Path returns the path the store was opened from.
func (s *FileStore) Path() string {
	return s.path
}

// Close shuts down the engine and releases the descriptor. Queued
// requests complete with ErrCancelled.
func (s *FileStore) Close() error {
	s.engine.close()
	return unix.Close(s.fd)
}

// geometry is the probed shape of a backing device.
type geometry struct {
	sizeBytes         uint64
	logicalBlockSize  uint32
	physicalBlockSize uint32
}

// Compile-time interface check
var _ Store = (*FileStore)(nil)
