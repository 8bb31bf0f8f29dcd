// Package copier implements the single (job, target) streaming copy
// contract: read the source once, feed every chunk into the running
// digest, write it to the staging file, then atomically finalize (C7,
// spec §4.7). The read/hash/write loop is grounded on the teacher's
// hashRange helper (ivoronin-dupedog/internal/verifier/verifier.go),
// generalized from a bounded byte range to the whole file and from a
// hash-only read to a simultaneous hash+write; the atomic finalize step
// is grounded on ivoronin-dupedog/internal/deduper/links.go's
// temp-then-rename idiom, now routed through the filesystem adapter.
package copier

import (
	"context"
	"fmt"
	"io"

	"github.com/johnnywatts/forker/internal/ferrors"
	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/hasher"
)

// Result reports the outcome of a single copy attempt.
type Result struct {
	BytesCopied int64
	Digest      string
}

// Copy streams sourcePath into stagingPath, hashing on the fly, then
// flushes and atomically renames staging to finalPath. Cancellation is
// observed between chunks (ctx.Err() checked after every read),
// honoring spec §4.7 step 3's cancellation contract.
//
// chunkBytes <= 0 selects hasher.DefaultChunkBytes. Staging is left in
// place on any failure prior to finalize so the caller can clean it up
// (or retry into it) per its own policy; callers that give up must
// call adapter.RemoveStaging themselves.
func Copy(ctx context.Context, adapter *fsadapter.Adapter, sourcePath, stagingPath, finalPath string, chunkBytes int) (Result, error) {
	if chunkBytes <= 0 {
		chunkBytes = hasher.DefaultChunkBytes
	}

	src, err := adapter.OpenRead(sourcePath)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = src.Close() }()

	staging, err := adapter.CreateStaging(stagingPath)
	if err != nil {
		return Result{}, err
	}

	digester := hasher.New()
	buf := make([]byte, chunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			_ = staging.Close()
			return Result{}, ferrors.New(ferrors.KindCancelled, err)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := digester.Write(buf[:n]); writeErr != nil {
				_ = staging.Close()
				return Result{}, ferrors.New(ferrors.KindIoTransient, fmt.Errorf("hash update: %w", writeErr))
			}
			if _, writeErr := staging.Write(buf[:n]); writeErr != nil {
				_ = staging.Close()
				return Result{}, ferrors.New(ferrors.KindIoTransient, fmt.Errorf("staging write: %w", writeErr))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			_ = staging.Close()
			return Result{}, ferrors.New(ferrors.KindIoTransient, fmt.Errorf("source read: %w", readErr))
		}
	}

	if err := fsadapter.FlushAndClose(staging); err != nil {
		return Result{}, err
	}

	if err := adapter.Finalize(stagingPath, finalPath); err != nil {
		return Result{}, err
	}

	return Result{BytesCopied: digester.BytesWritten(), Digest: digester.Sum()}, nil
}
