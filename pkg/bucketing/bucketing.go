// Package bucketing implements the deterministic consistent-hash bucketing
// shared by every sibling evaluator: murmur3_x64_128 over a salted key,
// truncated to its low 64 bits, shifted, and reduced modulo the bucket count.
package bucketing

import (
	"github.com/spaolacci/murmur3"
)

// Buckets is the fixed bucket-space size used for both rule assignment
// ranges and segment membership bitsets.
const Buckets uint64 = 1_000_000

// AccountSaltPrefix is prepended to an account id to derive its account salt.
const AccountSaltPrefix = "MegaSalt-"

// Hasher computes bucket assignments. It carries no state; it exists so the
// hashing concern has the same call shape as the rest of the package tree
// (construct once, call methods), and so call sites can be mocked in tests.
type Hasher struct{}

// NewHasher creates a new Hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Hash returns the murmur3_x64_128 digest of key with seed 0, as the pair of
// 64-bit words the reference C/Java implementations emit. Word 1 (h1) is
// conventionally the low-order half of the combined 128-bit value.
func (h *Hasher) Hash(key string) (hi, lo uint64) {
	lo, hi = murmur3.Sum128([]byte(key))
	return hi, lo
}

// Bucket reduces a hash's low 64 bits into [0, buckets). The right-shift by 4
// bits before the modulo matches the sibling Java/Rust resolvers bit-for-bit;
// it is a compatibility contract, not an optimization.
func Bucket(lo uint64, buckets uint64) uint64 {
	if buckets == 0 {
		return 0
	}
	return (lo >> 4) % buckets
}

// HashAndBucket is a convenience wrapping Hash+Bucket for the common case.
func (h *Hasher) HashAndBucket(key string, buckets uint64) uint64 {
	_, lo := h.Hash(key)
	return Bucket(lo, buckets)
}

// AccountSalt derives the per-account salt used to namespace every bucketing
// key belonging to that account.
func AccountSalt(accountID string) string {
	return AccountSaltPrefix + accountID
}

// SaltUnit combines a salt with a per-request unit (targeting key) to form
// the string that is actually hashed for rule-bucket assignment.
func SaltUnit(salt, unit string) string {
	return salt + "|" + unit
}
