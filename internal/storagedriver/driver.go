// Package storagedriver is the byte-level persistence layer for blobs and
// manifests (§4.2). The core depends only on the Driver capability set; it
// is polymorphic over local filesystem and future object-store variants.
package storagedriver

import (
	"context"
	"io"
)

// Driver is the capability set every storage backend must provide.
type Driver interface {
	// OpenAppend opens (creating if necessary) path for appending further
	// bytes, returning the writer and the current size of the file before
	// any new bytes are written.
	OpenAppend(ctx context.Context, path string) (w io.WriteCloser, size int64, err error)

	// Write appends bytes to path at the given offset, returning an error
	// if offset does not equal the file's current size (non-contiguous).
	Write(ctx context.Context, path string, offset int64, r io.Reader) (written int64, err error)

	// Finalize atomically moves the staging file at stagingPath to its
	// content-addressed final path. If the final path already exists
	// (deduplication hit), the staging file is discarded and the existing
	// path is returned unchanged.
	Finalize(ctx context.Context, stagingPath, finalPath string) (actualPath string, err error)

	// Reader opens path for reading. If rang is non-nil, only that byte
	// range [Start, End] is returned (inclusive), like HTTP Range.
	Reader(ctx context.Context, path string, rang *Range) (io.ReadCloser, error)

	// Size returns the current size in bytes of path.
	Size(ctx context.Context, path string) (int64, error)

	// Delete removes path. Deleting a path that does not exist is not an
	// error.
	Delete(ctx context.Context, path string) error
}

// Range is an inclusive byte range, as used by blob GET with a Range header.
type Range struct {
	Start int64
	End   int64 // -1 means "to end of file"
}
