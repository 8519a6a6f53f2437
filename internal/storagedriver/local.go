package storagedriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ocihub/registry/internal/digest"
)

// LocalDriver persists blobs and manifests on the local filesystem, laid
// out content-addressed as described in §4.2:
//
//	<root>/blobs/<algo>/<hex[0:2]>/<hex>
//	<root>/manifests/<repo>/<algo>/<hex>
type LocalDriver struct {
	root string
}

// NewLocalDriver returns a Driver rooted at root, creating it if needed.
func NewLocalDriver(root string) (*LocalDriver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storagedriver: creating root %s: %w", root, err)
	}
	return &LocalDriver{root: root}, nil
}

// BlobPath returns the content-addressed path for a blob digest.
func BlobPath(d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join("blobs", string(d.Algorithm()), hex[:2], hex)
}

// ManifestPath returns the content-addressed path for a manifest digest
// within a repository.
func ManifestPath(repo string, d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join("manifests", repo, string(d.Algorithm()), hex)
}

// StagingPath returns the on-disk staging path for an in-progress upload.
func StagingPath(uploadUUID string) string {
	return filepath.Join("_uploads", uploadUUID)
}

func (d *LocalDriver) abs(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

func (d *LocalDriver) OpenAppend(ctx context.Context, path string) (io.WriteCloser, int64, error) {
	full := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (d *LocalDriver) Write(ctx context.Context, path string, offset int64, r io.Reader) (int64, error) {
	full := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if offset != info.Size() {
		return 0, fmt.Errorf("storagedriver: non-contiguous write to %s: offset %d != size %d", path, offset, info.Size())
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return n, err
	}
	return n, f.Sync()
}

func (d *LocalDriver) Finalize(ctx context.Context, stagingPath, finalPath string) (string, error) {
	fullFinal := d.abs(finalPath)
	if _, err := os.Stat(fullFinal); err == nil {
		// Deduplication hit: discard the staging copy, the existing
		// content is already correct (§4.2).
		_ = os.Remove(d.abs(stagingPath))
		return finalPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(fullFinal), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(d.abs(stagingPath), fullFinal); err != nil {
		return "", err
	}
	return finalPath, nil
}

func (d *LocalDriver) Reader(ctx context.Context, path string, rang *Range) (io.ReadCloser, error) {
	f, err := os.Open(d.abs(path))
	if err != nil {
		return nil, err
	}
	if rang == nil {
		return f, nil
	}
	if _, err := f.Seek(rang.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if rang.End < 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, rang.End-rang.Start+1), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func (d *LocalDriver) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(d.abs(path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *LocalDriver) Delete(ctx context.Context, path string) error {
	err := os.Remove(d.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsNotExist reports whether err indicates a missing file, looking through
// the plain os.ErrNotExist and path errors wrapping it.
func IsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || strings.Contains(err.Error(), "no such file"))
}
