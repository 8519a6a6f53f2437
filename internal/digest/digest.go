// Package digest parses and verifies content-addressing digests of the
// form "<algorithm>:<hex>", and provides a streaming hasher for the write
// paths that must check client-declared content against actual bytes.
package digest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
)

// Supported algorithms. The OCI distribution spec also allows sha512; we
// register both with go-digest so Parse/Verify cover either.
const (
	SHA256 = digest.SHA256
	SHA512 = digest.SHA512
)

// Digest is a parsed, validated "<algo>:<hex>" identifier.
type Digest = digest.Digest

// ErrInvalidDigest is returned by Parse when the input does not match
// "<algo>:<hex>" for a supported algorithm, or the hex is the wrong length.
var ErrInvalidDigest = digest.ErrDigestInvalidFormat

// Parse validates s as a digest string. It rejects unsupported algorithms
// and malformed hex, matching the DIGEST_INVALID error path callers must
// translate at the HTTP boundary.
func Parse(s string) (Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if !d.Algorithm().Available() {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidDigest, d.Algorithm())
	}
	return d, nil
}

// Hasher streams content through a digest algorithm's hash function and
// yields the final Digest. It is not safe for concurrent use.
type Hasher struct {
	algo digest.Algorithm
	h    hash.Hash
}

// NewHasher returns a Hasher for algo ("sha256" or "sha512").
func NewHasher(algo digest.Algorithm) (*Hasher, error) {
	if !algo.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	return &Hasher{algo: algo, h: algo.Hash()}, nil
}

// Update feeds bytes into the running hash. It never returns an error (a
// hash.Hash write never fails), matching the stream-hash contract in §4.1.
func (h *Hasher) Update(p []byte) {
	h.h.Write(p)
}

// Writer returns an io.Writer view of the hasher, for use with io.Copy /
// io.TeeReader when streaming a request body through to storage.
func (h *Hasher) Writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		h.Update(p)
		return len(p), nil
	})
}

// Finalize returns the Digest of everything written so far.
func (h *Hasher) Finalize() Digest {
	return digest.NewDigest(h.algo, h.h)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Verify compares declared against actual, both full digest strings, and
// reports whether they match. A mismatch is the caller's cue to abort with
// DIGEST_INVALID and discard any staged bytes (§4.1).
func Verify(declared, actual Digest) bool {
	return declared == actual
}

// HashReader streams r through a fresh hasher of algo and returns the
// resulting digest. Used to rehash a staging file's committed prefix when
// hashing state is not carried across process restarts (§9 Design Notes).
func HashReader(algo digest.Algorithm, r io.Reader) (Digest, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h.Writer(), r); err != nil {
		return "", err
	}
	return h.Finalize(), nil
}
