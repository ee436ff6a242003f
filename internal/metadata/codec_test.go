package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
)

func testHeader() *Header {
	return &Header{
		Magic:          constants.MetadataMagic,
		VersionMajor:   constants.MetadataVersionMajor,
		VersionMinor:   constants.MetadataVersionMinor,
		VersionCounter: 7,
		EntryCount:     2,
		BodyCRC:        0xCAFEF00D,
		Timestamp:      1700000000,
		Fingerprint: Fingerprint{
			ID:                [16]byte{1, 2, 3, 4},
			SizeSectors:       1 << 20,
			LogicalBlockSize:  512,
			PhysicalBlockSize: 4096,
		},
		Config: TargetConfig{SectorSize: 512},
	}
}

func TestHeaderPackedLayout(t *testing.T) {
	raw, err := packHeader(testHeader())
	require.NoError(t, err)
	require.Len(t, raw, headerPackedSize)

	// Magic sits at offset 0, little-endian.
	assert.Equal(t, byte(0xEF), raw[0])
	assert.Equal(t, byte(0xBE), raw[1])
	assert.Equal(t, byte(0xAD), raw[2])
	assert.Equal(t, byte(0xDE), raw[3])
}

func TestHeaderRoundTrip(t *testing.T) {
	want := testHeader()
	raw, err := packHeader(want)
	require.NoError(t, err)

	got, err := unpackHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, want.VersionCounter, got.VersionCounter)
	assert.Equal(t, want.EntryCount, got.EntryCount)
	assert.Equal(t, want.BodyCRC, got.BodyCRC)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, want.Config, got.Config)
}

func TestHeaderRejectsCorruption(t *testing.T) {
	raw, err := packHeader(testHeader())
	require.NoError(t, err)

	// Bad magic
	bad := append([]byte(nil), raw...)
	bad[0] ^= 0xFF
	_, err = unpackHeader(bad)
	assert.Error(t, err)

	// Flipped bit inside the CRC-covered region
	bad = append([]byte(nil), raw...)
	bad[10] ^= 0x01
	_, err = unpackHeader(bad)
	assert.Error(t, err)

	// Unsupported major version, CRC re-stamped so only the version
	// check can fail.
	h := testHeader()
	h.VersionMajor = 99
	raw, err = packHeader(h)
	require.NoError(t, err)
	_, err = unpackHeader(raw)
	assert.Error(t, err)
}

func TestBodyRoundTrip(t *testing.T) {
	records := []index.Record{
		{Main: 100, Spare: 16500, Length: 1, State: index.StateActive},
		{Main: 4096, Spare: 17000, Length: 8, State: index.StateFailed},
	}
	body, crc, err := packBody(records)
	require.NoError(t, err)
	require.Len(t, body, 2*recordSize)

	got, err := unpackBody(body, 2, crc)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestBodyRejectsCorruption(t *testing.T) {
	records := []index.Record{{Main: 100, Spare: 16500, Length: 1, State: index.StateActive}}
	body, crc, err := packBody(records)
	require.NoError(t, err)

	body[3] ^= 0x80
	_, err = unpackBody(body, 1, crc)
	assert.Error(t, err)

	_, err = unpackBody(body[:recordSize-1], 1, crc)
	assert.Error(t, err)
}
