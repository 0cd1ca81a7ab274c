package util

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/devrev/shelfdb/internal/errors"
)

// Persisted rows are framed as [payload][crc32c (4 bytes, little endian)] so that
// a torn or bit-rotted value is detected before it is decoded and merged.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes the CRC32-C checksum of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// Seal appends the checksum of data to a copy of data.
func Seal(data []byte) []byte {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], ComputeChecksum(data))
	return out
}

// Unseal validates the trailing checksum and returns the payload without it.
// The returned slice aliases sealed.
func Unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 4 {
		return nil, errors.CorruptedData("sealed value shorter than checksum", nil)
	}
	n := len(sealed) - 4
	payload := sealed[:n]
	expected := binary.LittleEndian.Uint32(sealed[n:])
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, errors.ChecksumFailed(expected, actual)
	}
	return payload, nil
}
