package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// fileArchiver mirrors artifacts into a local directory tree, one
// subdirectory per job. The layout matches the s3 backend:
// <dir>/<prefix>/<jobID>/<name>.
type fileArchiver struct {
	dir    string
	prefix string
}

var _ Archiver = (*fileArchiver)(nil)

func newFileArchiver(cfg Config) (*fileArchiver, error) {
	return &fileArchiver{
		dir:    filepath.Clean(cfg.Dir),
		prefix: cfg.Prefix,
	}, nil
}

// Store writes one artifact atomically: the content lands in a temp file
// that is renamed into place, so readers never observe partial artifacts.
func (a *fileArchiver) Store(ctx context.Context, jobID, name string, r io.Reader, size int64, contentType string) error {
	_ = ctx
	_ = contentType // filesystems carry no content type

	key, err := artifactKey(a.prefix, jobID, name)
	if err != nil {
		return a.wrapError("Store", name, err)
	}
	full := filepath.Join(a.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return a.wrapError("Store", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "stratus-archive-*")
	if err != nil {
		return a.wrapError("Store", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return a.wrapError("Store", key, err)
	}
	if size >= 0 && n != size {
		return a.wrapError("Store", key, fmt.Errorf("short write: copied %d of %d bytes", n, size))
	}
	if err := tmp.Close(); err != nil {
		return a.wrapError("Store", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return a.wrapError("Store", key, err)
	}
	return nil
}

// Close releases any resources held by the archiver.
func (a *fileArchiver) Close() error {
	return nil
}

// wrapError normalizes common filesystem errors to archive sentinels.
func (a *fileArchiver) wrapError(op, key string, err error) error {
	wrapped := &ArchiveError{Op: op, Backend: BackendFile, Key: key, Err: err}
	if os.IsNotExist(err) {
		wrapped.Err = ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
