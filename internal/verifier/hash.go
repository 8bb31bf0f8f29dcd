package verifier

import (
	"context"
	"fmt"
	"io"

	"github.com/johnnywatts/forker/internal/ferrors"
	"github.com/johnnywatts/forker/internal/hasher"
)

// hashWithCancellation streams r through a fresh Digester in
// chunkBytes-sized reads, checking ctx between chunks so a long rehash
// of a multi-gigabyte file can be abandoned promptly (mirrors the copy
// worker's cancellation contract, spec §4.7/§4.8).
func hashWithCancellation(ctx context.Context, r io.Reader, chunkBytes int) (string, int64, error) {
	d := hasher.New()
	buf := make([]byte, chunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return "", d.BytesWritten(), ferrors.New(ferrors.KindCancelled, err)
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := d.Write(buf[:n]); err != nil {
				return "", d.BytesWritten(), ferrors.New(ferrors.KindIoTransient, fmt.Errorf("hash update: %w", err))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return "", d.BytesWritten(), ferrors.New(ferrors.KindIoTransient, fmt.Errorf("read: %w", readErr))
		}
	}
	return d.Sum(), d.BytesWritten(), nil
}
