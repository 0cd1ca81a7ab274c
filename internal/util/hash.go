package util

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of content hashes used for blocks, merkle nodes and
// row value hashes.
const HashSize = 32

// Hash is a blake2b-256 digest.
type Hash [HashSize]byte

// Blake2Sum hashes data with blake2b-256.
func Blake2Sum(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// Blake2SumParts hashes the concatenation of parts without copying them together.
func Blake2SumParts(parts ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash %q: length %d", s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies a raw hash out of b.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
