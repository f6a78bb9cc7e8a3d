// Package token implements the resolve-token codec: a length-delimited
// binary record carrying everything apply_flags needs to reconcile a later
// apply call against the resolve it followed, encrypted so a client cannot
// read it. There is no authentication tag: a tampered token is rejected
// only when the change breaks the padding or the record framing.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/confidence-resolver/resolver/pkg/catalog"
	"github.com/confidence-resolver/resolver/pkg/targeting"
)

// Reason is why a flag resolved the way it did.
type Reason int

const (
	ReasonNoSegmentMatch Reason = iota
	ReasonMatch
	ReasonArchived
	ReasonTargetingKeyError
)

// FallthroughAssignment records one rule a resolve passed through without a
// terminal match, carried in the token so a later apply call can still
// attribute telemetry to it.
type FallthroughAssignment struct {
	Rule         string
	AssignmentID string
	Unit         string
}

// AssignedFlag is one flag's resolved outcome as recorded in a resolve
// token, sufficient to reconstruct its apply-log entry without re-running
// evaluation.
type AssignedFlag struct {
	Flag                  string
	AssignmentID          string
	Rule                  string
	Segment               string
	Variant               string
	TargetingKey          string
	TargetingKeySelector  string
	Reason                Reason
	FallthroughAssignments []FallthroughAssignment
}

const tokenVersion1 = 1

// Token is the V1 resolve-token payload.
type Token struct {
	ResolveID         string
	EvaluationContext targeting.Dynamic
	Flags             map[string]AssignedFlag
}

// Encode serializes t as a length-delimited binary record. Each field is
// written as a 4-byte little-endian length prefix followed by its bytes;
// fixed-width scalars are written inline. This mirrors the reference
// resolver's internal bincode-style framing closely enough to round-trip
// within this module without depending on an external schema the pack does
// not provide.
func Encode(t Token) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = appendByte(buf, tokenVersion1)
	buf = appendString(buf, t.ResolveID)
	buf = appendDynamic(buf, t.EvaluationContext)

	buf = appendUint32(buf, uint32(len(t.Flags)))
	for name, af := range t.Flags {
		buf = appendString(buf, name)
		buf = appendAssignedFlag(buf, af)
	}
	return buf, nil
}

// Decode parses a buffer produced by Encode.
func Decode(data []byte) (Token, error) {
	r := &reader{buf: data}
	version, err := r.byte()
	if err != nil {
		return Token{}, err
	}
	if version != tokenVersion1 {
		return Token{}, fmt.Errorf("token: unsupported version %d", version)
	}
	resolveID, err := r.string()
	if err != nil {
		return Token{}, err
	}
	ctx, err := r.dynamic()
	if err != nil {
		return Token{}, err
	}
	count, err := r.uint32()
	if err != nil {
		return Token{}, err
	}
	flags := make(map[string]AssignedFlag, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.string()
		if err != nil {
			return Token{}, err
		}
		af, err := r.assignedFlag()
		if err != nil {
			return Token{}, err
		}
		flags[name] = af
	}
	return Token{ResolveID: resolveID, EvaluationContext: ctx, Flags: flags}, nil
}

func appendAssignedFlag(buf []byte, af AssignedFlag) []byte {
	buf = appendString(buf, af.Flag)
	buf = appendString(buf, af.AssignmentID)
	buf = appendString(buf, af.Rule)
	buf = appendString(buf, af.Segment)
	buf = appendString(buf, af.Variant)
	buf = appendString(buf, af.TargetingKey)
	buf = appendString(buf, af.TargetingKeySelector)
	buf = appendByte(buf, byte(af.Reason))
	buf = appendUint32(buf, uint32(len(af.FallthroughAssignments)))
	for _, fa := range af.FallthroughAssignments {
		buf = appendString(buf, fa.Rule)
		buf = appendString(buf, fa.AssignmentID)
		buf = appendString(buf, fa.Unit)
	}
	return buf
}

func (r *reader) assignedFlag() (AssignedFlag, error) {
	var af AssignedFlag
	var err error
	if af.Flag, err = r.string(); err != nil {
		return af, err
	}
	if af.AssignmentID, err = r.string(); err != nil {
		return af, err
	}
	if af.Rule, err = r.string(); err != nil {
		return af, err
	}
	if af.Segment, err = r.string(); err != nil {
		return af, err
	}
	if af.Variant, err = r.string(); err != nil {
		return af, err
	}
	if af.TargetingKey, err = r.string(); err != nil {
		return af, err
	}
	if af.TargetingKeySelector, err = r.string(); err != nil {
		return af, err
	}
	reasonByte, err := r.byte()
	if err != nil {
		return af, err
	}
	af.Reason = Reason(reasonByte)
	count, err := r.uint32()
	if err != nil {
		return af, err
	}
	af.FallthroughAssignments = make([]FallthroughAssignment, 0, count)
	for i := uint32(0); i < count; i++ {
		var fa FallthroughAssignment
		if fa.Rule, err = r.string(); err != nil {
			return af, err
		}
		if fa.AssignmentID, err = r.string(); err != nil {
			return af, err
		}
		if fa.Unit, err = r.string(); err != nil {
			return af, err
		}
		af.FallthroughAssignments = append(af.FallthroughAssignments, fa)
	}
	return af, nil
}

// dynamicTag mirrors targeting.DynKind so the token codec can serialize an
// evaluation context without importing catalog's decode assumptions.
const (
	dynTagNull byte = iota
	dynTagBool
	dynTagNumber
	dynTagString
	dynTagList
	dynTagStruct
)

func appendDynamic(buf []byte, d targeting.Dynamic) []byte {
	switch d.Kind {
	case targeting.DynBool:
		buf = append(buf, dynTagBool)
		if d.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case targeting.DynNumber:
		buf = append(buf, dynTagNumber)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(d.Number))
		buf = append(buf, b[:]...)
	case targeting.DynString:
		buf = append(buf, dynTagString)
		buf = appendString(buf, d.Str)
	case targeting.DynList:
		buf = append(buf, dynTagList)
		buf = appendUint32(buf, uint32(len(d.List)))
		for _, el := range d.List {
			buf = appendDynamic(buf, el)
		}
	case targeting.DynStruct:
		buf = append(buf, dynTagStruct)
		buf = appendUint32(buf, uint32(len(d.Struct)))
		for k, v := range d.Struct {
			buf = appendString(buf, k)
			buf = appendDynamic(buf, v)
		}
	default:
		buf = append(buf, dynTagNull)
	}
	return buf
}

func (r *reader) dynamic() (targeting.Dynamic, error) {
	tag, err := r.byte()
	if err != nil {
		return targeting.Dynamic{}, err
	}
	switch tag {
	case dynTagNull:
		return targeting.Dynamic{Kind: targeting.DynNull}, nil
	case dynTagBool:
		b, err := r.byte()
		if err != nil {
			return targeting.Dynamic{}, err
		}
		return targeting.DynBoolOf(b != 0), nil
	case dynTagNumber:
		bits, err := r.uint64()
		if err != nil {
			return targeting.Dynamic{}, err
		}
		return targeting.DynNumberOf(math.Float64frombits(bits)), nil
	case dynTagString:
		s, err := r.string()
		if err != nil {
			return targeting.Dynamic{}, err
		}
		return targeting.DynStringOf(s), nil
	case dynTagList:
		n, err := r.uint32()
		if err != nil {
			return targeting.Dynamic{}, err
		}
		list := make([]targeting.Dynamic, 0, n)
		for i := uint32(0); i < n; i++ {
			el, err := r.dynamic()
			if err != nil {
				return targeting.Dynamic{}, err
			}
			list = append(list, el)
		}
		return targeting.Dynamic{Kind: targeting.DynList, List: list}, nil
	case dynTagStruct:
		n, err := r.uint32()
		if err != nil {
			return targeting.Dynamic{}, err
		}
		fields := make(map[string]targeting.Dynamic, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.string()
			if err != nil {
				return targeting.Dynamic{}, err
			}
			v, err := r.dynamic()
			if err != nil {
				return targeting.Dynamic{}, err
			}
			fields[k] = v
		}
		return targeting.Dynamic{Kind: targeting.DynStruct, Struct: fields}, nil
	default:
		return targeting.Dynamic{}, fmt.Errorf("token: unknown dynamic tag %d", tag)
	}
}

func appendByte(buf []byte, b byte) []byte { return append(buf, b) }

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, errors.New("token: truncated record")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.New("token: truncated record")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errors.New("token: truncated record")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", errors.New("token: truncated record")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReasonFromFlagState is a small convenience used by the resolver to turn a
// catalog-level flag state directly into a token Reason without the caller
// needing to know the codec's tag values.
func ReasonFromFlagState(state catalog.FlagState) Reason {
	if state == catalog.FlagArchived {
		return ReasonArchived
	}
	return ReasonNoSegmentMatch
}

const keySize = 16 // AES-128

// ErrDecrypt is returned for any failure while opening a resolve token —
// bad key, corrupt ciphertext, bad padding, or a malformed decoded record.
// It never distinguishes which, so a forged or replayed token can't be used
// to probe the cipher.
var ErrDecrypt = errors.New("token: decrypt failed")

// Cipher encrypts and decrypts resolve tokens with a fixed AES-128-CBC key.
// A zero key is accepted only so tests and local development can run
// without provisioning one; NewCipher rejects it when requireNonZero is set
// (Open itself does not check the key).
type Cipher struct {
	key               [keySize]byte
	requireNonZeroKey bool
}

// NewCipher builds a Cipher from a 16-byte key. requireNonZero rejects the
// all-zero key at construction time, so a deployment that sets it refuses
// to start rather than sealing tokens under a publicly known key.
func NewCipher(key [keySize]byte, requireNonZero bool) (*Cipher, error) {
	if requireNonZero && key == ([keySize]byte{}) {
		return nil, errors.New("token: zero encryption key is not permitted")
	}
	return &Cipher{key: key, requireNonZeroKey: requireNonZero}, nil
}

// Seal encodes and encrypts t, returning a random 16-byte IV prepended to
// the PKCS#7-padded AES-128-CBC ciphertext.
func (c *Cipher) Seal(t Token) ([]byte, error) {
	plain, err := Encode(t)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plain, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)
	return out, nil
}

// Open reverses Seal. Any failure — bad IV framing, bad padding, or a
// malformed decoded record — collapses to ErrDecrypt.
func (c *Cipher) Open(data []byte) (Token, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return Token{}, ErrDecrypt
	}
	blockSize := block.BlockSize()
	if len(data) < blockSize || (len(data)-blockSize)%blockSize != 0 || len(data) == blockSize {
		return Token{}, ErrDecrypt
	}

	iv, ciphertext := data[:blockSize], data[blockSize:]
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plain, err := pkcs7Unpad(padded, blockSize)
	if err != nil {
		return Token{}, ErrDecrypt
	}

	t, err := Decode(plain)
	if err != nil {
		return Token{}, ErrDecrypt
	}
	return t, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("token: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("token: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("token: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
