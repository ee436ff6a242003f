//go:build linux

package backing

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// probeGeometry determines device size and block sizes. Block devices
// answer the BLK* ioctls; regular files fall back to stat and 512-byte
// sectors.
func probeGeometry(fd int) (geometry, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return geometry{}, err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return geometry{
			sizeBytes:         uint64(st.Size),
			logicalBlockSize:  512,
			physicalBlockSize: 512,
		}, nil
	}

	var size uint64
	if err := blkIoctl(fd, unix.BLKGETSIZE64, unsafe.Pointer(&size)); err != nil {
		return geometry{}, err
	}
	var lbs uint32
	if err := blkIoctl(fd, unix.BLKSSZGET, unsafe.Pointer(&lbs)); err != nil {
		return geometry{}, err
	}
	var pbs uint32
	if err := blkIoctl(fd, unix.BLKPBSZGET, unsafe.Pointer(&pbs)); err != nil {
		pbs = lbs
	}
	return geometry{
		sizeBytes:         size,
		logicalBlockSize:  lbs,
		physicalBlockSize: pbs,
	}, nil
}

func blkIoctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
