// Package bitset decodes the compact gzipped, LSB-bit-packed segment
// membership bitmaps carried in the catalog's binary blob, and exposes
// membership queries over the fixed 1,000,000-bucket space.
package bitset

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/confidence-resolver/resolver/pkg/errcode"
)

const (
	gzipMagic0   = 0x1F
	gzipMagic1   = 0x8B
	gzipDeflate  = 8
	gzipMinLen   = 10 + 8 // header + trailer, empty body
	flagFHCRC    = 1 << 1
	flagFEXTRA   = 1 << 2
	flagFNAME    = 1 << 3
	flagFCOMMENT = 1 << 4
)

// Set is a bit vector over the bucket space, backed by the decoded bytes of
// a segment's gzipped bitset. Bits are addressed LSB-first within each byte,
// matching the encoding the catalog ships.
type Set struct {
	bits []byte
	n    uint64
}

// Contains reports whether bucket index is set. A nil Set (absent bitset)
// represents full membership, per the catalog's "no bitset = everyone"
// convention.
func (s *Set) Contains(index uint64) bool {
	if s == nil {
		return true
	}
	if index >= s.n {
		return false
	}
	byteIdx := index / 8
	bitIdx := index % 8
	return s.bits[byteIdx]&(1<<bitIdx) != 0
}

// CountOnes returns the number of set bits, used by tests and diagnostics.
func (s *Set) CountOnes() int {
	if s == nil {
		return 0
	}
	count := 0
	for _, b := range s.bits {
		for b != 0 {
			count += int(b & 1)
			b >>= 1
		}
	}
	return count
}

// Decode parses a minimal single-member gzip envelope and returns the
// inflated bytes wrapped as a Set sized n bits. It rejects any flag bit
// (FHCRC/FEXTRA/FNAME/FCOMMENT) and any compression method other than
// DEFLATE(8), and validates the trailing CRC32/ISIZE against the inflated
// payload. Any other encoding variant fails the catalog load.
func Decode(data []byte, n uint64) (*Set, error) {
	raw, err := decodeGzip(data)
	if err != nil {
		return nil, err
	}
	return &Set{bits: raw, n: n}, nil
}

func decodeGzip(data []byte) ([]byte, error) {
	if len(data) < gzipMinLen {
		return nil, errcode.Wrap("bitset.gzip.truncated")
	}
	if data[0] != gzipMagic0 || data[1] != gzipMagic1 {
		return nil, errcode.Wrap("bitset.gzip.bad_magic")
	}
	if data[2] != gzipDeflate {
		return nil, errcode.Wrap("bitset.gzip.bad_method")
	}
	flags := data[3]
	if flags&(flagFHCRC|flagFEXTRA|flagFNAME|flagFCOMMENT) != 0 {
		return nil, errcode.Wrap("bitset.gzip.unsupported_flags")
	}
	if flags&0xE0 != 0 {
		return nil, errcode.Wrap("bitset.gzip.reserved_flags")
	}

	body := data[10 : len(data)-8]
	trailer := data[len(data)-8:]

	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()

	inflated, err := io.ReadAll(fr)
	if err != nil {
		return nil, errcode.Wrap("bitset.gzip.inflate_failed")
	}

	wantCRC := binary.LittleEndian.Uint32(trailer[0:4])
	wantISize := binary.LittleEndian.Uint32(trailer[4:8])

	gotCRC := crc32.ChecksumIEEE(inflated)
	if gotCRC != wantCRC {
		return nil, errcode.Wrap("bitset.gzip.crc_mismatch")
	}
	if uint32(len(inflated)) != wantISize {
		return nil, errcode.Wrap("bitset.gzip.isize_mismatch")
	}

	return inflated, nil
}
