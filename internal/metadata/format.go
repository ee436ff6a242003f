// Package metadata persists the remap index redundantly on the spare
// device and reassembles it on startup. Five self-describing copies at
// fixed, non-adjacent sectors survive localized damage; a monotonic
// version counter selects the newest valid copy on load.
package metadata

import (
	"github.com/behrlich/go-remap/internal/constants"
)

// On-disk layout of one metadata copy, starting at a fixed copy sector:
//
//	sector 0: Header (one sector, little-endian, CRC-protected)
//	sector 1: Body, EntryCount serialized records, CRC in the header
//
// Copy slots are 1024 sectors apart at the narrowest, which bounds the
// body to 1023 sectors.

// Fingerprint identifies the main device a metadata set belongs to. A
// loaded set whose fingerprint does not match the attached main device
// is refused.
type Fingerprint struct {
	ID                [16]byte // stable identifier (UUID)
	SizeSectors       uint64
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
}

// Matches reports whether two fingerprints identify the same device.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f == other
}

// TargetConfig records target construction parameters for reassembly.
type TargetConfig struct {
	SectorSize uint32
	Flags      uint32
}

// Header is the fixed-size metadata header. Field order is part of the
// on-disk format. HeaderCRC covers all bytes preceding it.
type Header struct {
	Magic          uint32
	VersionMajor   uint16
	VersionMinor   uint16
	VersionCounter uint64
	EntryCount     uint32
	BodyCRC        uint32
	HeaderCRC      uint32
	Timestamp      uint64
	Fingerprint    Fingerprint
	Config         TargetConfig
}

// diskRecord is one serialized remap entry.
type diskRecord struct {
	Main     uint64
	Spare    uint64
	Length   uint32
	State    uint8
	Reserved [3]byte
}

const (
	// headerCRCOffset is the byte offset of HeaderCRC in the packed
	// header; the CRC covers exactly the bytes before it.
	headerCRCOffset = 24

	// headerPackedSize is the total packed header size in bytes.
	headerPackedSize = 76

	// emptyBodyCRC is the CRC32 of a zero-length body.
	emptyBodyCRC = 0

	// recordSize is the packed size of one diskRecord.
	recordSize = 24

	// maxBodySectors bounds the body to the narrowest copy-slot gap,
	// minus the header sector.
	maxBodySectors = 1023
)

// MaxEntries is the largest entry count a copy slot can hold at the
// given sector size.
func MaxEntries(sectorSize uint32) int {
	return int(maxBodySectors * sectorSize / recordSize)
}

// CopySectors returns the fixed copy slot locations.
func CopySectors() [constants.MetadataCopies]uint64 {
	return constants.MetadataCopySectors
}
