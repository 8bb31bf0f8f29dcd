// Package hasher computes streaming SHA-256 digests over byte sources
// in fixed-size chunks, using constant memory regardless of input size
// (spec §4.1, C1). The algorithm is fixed at compile time for the
// core — there is no runtime fallback.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// DefaultChunkBytes is the default read/hash chunk size (1 MiB),
// overridable via Config.chunkBytes (spec §6).
const DefaultChunkBytes = 1 << 20

// Digester is an updatable hasher: feed it chunks, then call Sum to
// obtain the final lower-case hex digest. It is not safe for
// concurrent use by multiple goroutines.
type Digester struct {
	h hash.Hash
	n int64
}

// New creates a Digester ready to accept chunks.
func New() *Digester {
	return &Digester{h: sha256.New()}
}

// Write feeds bytes into the running digest. It never errors (the
// underlying hash.Hash never does), matching io.Writer's contract.
func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// BytesWritten returns the total number of bytes fed to the digester
// so far.
func (d *Digester) BytesWritten() int64 { return d.n }

// Sum returns the lower-case hex SHA-256 digest of everything written
// so far. Calling Sum does not reset the digester.
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Compute hashes r to completion using a chunkBytes-sized reusable
// buffer and returns the lower-case hex digest along with the number
// of bytes read. If chunkBytes <= 0, DefaultChunkBytes is used.
func Compute(r io.Reader, chunkBytes int) (digest string, n int64, err error) {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	d := New()
	buf := make([]byte, chunkBytes)
	n, err = io.CopyBuffer(d, r, buf)
	if err != nil {
		return "", n, err
	}
	return d.Sum(), n, nil
}

// EmptyDigest is the well-known SHA-256 of the empty input, used to
// assert the zero-byte-file boundary case (spec §8).
const EmptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
