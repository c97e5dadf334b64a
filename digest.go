package responsecache

import (
	"crypto/sha1" //nolint:gosec // directory naming only, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Algorithm identifies the digest used to derive entry directory names.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA1   Algorithm = "sha1"
	AlgSHA256 Algorithm = "sha256"
)

// ParseAlgorithm parses an algorithm name. The name is case-insensitive and
// the empty string selects BLAKE3.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "", AlgBLAKE3:
		return AlgBLAKE3, nil
	case AlgSHA1:
		return AlgSHA1, nil
	case AlgSHA256:
		return AlgSHA256, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", s)
	}
}

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (a Algorithm) Size() int {
	switch a {
	case AlgBLAKE3:
		return HashSize
	case AlgSHA1:
		return sha1.Size
	case AlgSHA256:
		return sha256.Size
	default:
		return 0
	}
}

// Digest computes the digest of data. It panics on an unknown algorithm;
// callers validate the algorithm with ParseAlgorithm at configuration time.
func Digest(alg Algorithm, data []byte) []byte {
	switch alg {
	case AlgBLAKE3:
		h := HashBytes(data)
		return h[:]
	case AlgSHA1:
		sum := sha1.Sum(data) //nolint:gosec
		return sum[:]
	case AlgSHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	default:
		panic(fmt.Sprintf("responsecache: unknown digest algorithm %q", alg))
	}
}

// DigestHex returns the lowercase hex encoding of Digest(alg, []byte(s)).
func DigestHex(alg Algorithm, s string) string {
	return hex.EncodeToString(Digest(alg, []byte(s)))
}
