package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type FileUploader struct {
	dir string
}

func NewFileUploader(dir string) *FileUploader {
	return &FileUploader{
		dir: dir,
	}
}

// Upload copies the file at path into the uploader's directory as name. The
// copy is written next to its final name and renamed into place.
func (u *FileUploader) Upload(ctx context.Context, name string, path string) (string, error) {
	if err := os.MkdirAll(u.dir, 0o750); err != nil {
		return "", fmt.Errorf("error creating %s: %w", u.dir, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(u.dir, name)
	tmp, err := os.CreateTemp(u.dir, "."+name+".*")
	if err != nil {
		return "", err
	}
	defer func() {
		// Only left behind when something failed.
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = tmp.Close()

		return "", fmt.Errorf("error copying %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}

	return dst, nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}
