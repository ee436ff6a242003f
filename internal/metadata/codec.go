package metadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/go-restruct/restruct"

	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
)

// The on-disk encoding is explicit little-endian. crc32.IEEE is the
// 0xEDB88320 polynomial the format requires.

var diskEncoding = binary.LittleEndian

// packHeader serializes a header and stamps its CRC.
func packHeader(h *Header) ([]byte, error) {
	h.HeaderCRC = 0
	raw, err := restruct.Pack(diskEncoding, h)
	if err != nil {
		return nil, fmt.Errorf("pack header: %w", err)
	}
	crc := crc32.ChecksumIEEE(raw[:headerCRCOffset])
	diskEncoding.PutUint32(raw[headerCRCOffset:], crc)
	h.HeaderCRC = crc
	return raw, nil
}

// unpackHeader deserializes and validates a header: magic, then the
// header CRC over the bytes preceding the CRC field.
func unpackHeader(raw []byte) (*Header, error) {
	var h Header
	if err := restruct.Unpack(raw, diskEncoding, &h); err != nil {
		return nil, fmt.Errorf("unpack header: %w", err)
	}
	if h.Magic != constants.MetadataMagic {
		return nil, fmt.Errorf("bad magic %#x", h.Magic)
	}
	if crc := crc32.ChecksumIEEE(raw[:headerCRCOffset]); crc != h.HeaderCRC {
		return nil, fmt.Errorf("header crc mismatch: stored %#x computed %#x", h.HeaderCRC, crc)
	}
	if h.VersionMajor != constants.MetadataVersionMajor {
		return nil, fmt.Errorf("unsupported format version %d.%d", h.VersionMajor, h.VersionMinor)
	}
	return &h, nil
}

// packBody serializes the records into a body buffer and returns it
// with its CRC.
func packBody(records []index.Record) ([]byte, uint32, error) {
	body := make([]byte, 0, len(records)*recordSize)
	for _, r := range records {
		rec := diskRecord{
			Main:   r.Main,
			Spare:  r.Spare,
			Length: r.Length,
			State:  uint8(r.State),
		}
		raw, err := restruct.Pack(diskEncoding, &rec)
		if err != nil {
			return nil, 0, fmt.Errorf("pack record: %w", err)
		}
		body = append(body, raw...)
	}
	return body, crc32.ChecksumIEEE(body), nil
}

// unpackBody deserializes count records, verifying the CRC first.
func unpackBody(raw []byte, count uint32, wantCRC uint32) ([]index.Record, error) {
	need := int(count) * recordSize
	if len(raw) < need {
		return nil, fmt.Errorf("body truncated: have %d bytes, need %d", len(raw), need)
	}
	raw = raw[:need]
	if crc := crc32.ChecksumIEEE(raw); crc != wantCRC {
		return nil, fmt.Errorf("body crc mismatch: stored %#x computed %#x", wantCRC, crc)
	}
	records := make([]index.Record, 0, count)
	for i := 0; i < int(count); i++ {
		var rec diskRecord
		if err := restruct.Unpack(raw[i*recordSize:(i+1)*recordSize], diskEncoding, &rec); err != nil {
			return nil, fmt.Errorf("unpack record %d: %w", i, err)
		}
		records = append(records, index.Record{
			Main:   rec.Main,
			Spare:  rec.Spare,
			Length: rec.Length,
			State:  index.State(rec.State),
		})
	}
	return records, nil
}

// bodySectors returns the number of sectors a body of the given byte
// length occupies.
func bodySectors(bodyLen int, sectorSize uint32) uint32 {
	return (uint32(bodyLen) + sectorSize - 1) / sectorSize
}
