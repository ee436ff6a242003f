//go:build !linux

package backing

import "golang.org/x/sys/unix"

// probeGeometry on non-Linux platforms treats every target as a regular
// file; block-device ioctls are not portable.
func probeGeometry(fd int) (geometry, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return geometry{}, err
	}
	return geometry{
		sizeBytes:         uint64(st.Size),
		logicalBlockSize:  512,
		physicalBlockSize: 512,
	}, nil
}

// newEngine on non-Linux platforms always uses the portable pool engine.
func newEngine(fd int, sectorSize uint32, _ OpenOptions) engine {
	return newPoolEngine(fd, sectorSize)
}
