package bitset_test

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/confidence-resolver/resolver/pkg/bitset"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeRoundTrip(t *testing.T) {
	raw := []byte{0b00001010, 0b11110000, 0xFF}
	encoded := gzipBytes(t, raw)

	s, err := bitset.Decode(encoded, 24)
	require.NoError(t, err)

	// LSB-first: byte 0 = 0b00001010 -> bits 1 and 3 set.
	require.False(t, s.Contains(0))
	require.True(t, s.Contains(1))
	require.False(t, s.Contains(2))
	require.True(t, s.Contains(3))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded := gzipBytes(t, []byte("hello"))
	encoded[0] = 0x00
	_, err := bitset.Decode(encoded, 40)
	require.Error(t, err)
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	encoded := gzipBytes(t, []byte("hello world"))
	// Corrupt a trailer byte (CRC32 field).
	encoded[len(encoded)-5] ^= 0xFF
	_, err := bitset.Decode(encoded, 88)
	require.Error(t, err)
}

func TestNilSetIsFullMembership(t *testing.T) {
	var s *bitset.Set
	require.True(t, s.Contains(999))
	require.Equal(t, 0, s.CountOnes())
}

func TestDecodeRejectsFNAMEFlag(t *testing.T) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	require.NoError(t, err)
	w.Name = "segment.bin"
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = bitset.Decode(buf.Bytes(), 32)
	require.Error(t, err)
}
