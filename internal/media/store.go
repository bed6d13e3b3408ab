// Package media implements the attachment pipeline: signed direct uploads
// into a temp area, validation, image and video processing, and the atomic
// move to a permanent key.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore is the object storage behind the pipeline. Keys are slash
// separated paths; the temp and permanent areas share one store.
type BlobStore interface {
	// Put streams r into key, replacing any existing object. Returns the
	// number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Open returns a reader over the object, or os.ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the object size, or os.ErrNotExist.
	Stat(ctx context.Context, key string) (int64, error)

	// Move atomically renames src to dst.
	Move(ctx context.Context, src, dst string) error

	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// Disk is a filesystem-backed BlobStore rooted under a single directory.
type Disk struct {
	root string
}

// NewDisk creates the root directory if needed.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: creating blob root: %w", err)
	}
	return &Disk{root: root}, nil
}

// path maps a key onto the root, rejecting escapes.
func (d *Disk) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("media: invalid blob key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Disk) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := d.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("media: creating blob dir: %w", err)
	}

	// Write to a sibling temp file, then rename, so readers never see a
	// partial object.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("media: creating temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("media: writing blob %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("media: finalizing blob %q: %w", key, err)
	}
	return n, nil
}

func (d *Disk) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("media: opening blob %q: %w", key, err)
	}
	return f, nil
}

func (d *Disk) Stat(_ context.Context, key string) (int64, error) {
	p, err := d.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("media: stat blob %q: %w", key, err)
	}
	return info.Size(), nil
}

func (d *Disk) Move(_ context.Context, src, dst string) error {
	from, err := d.path(src)
	if err != nil {
		return err
	}
	to, err := d.path(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("media: creating blob dir: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("media: moving blob %q to %q: %w", src, dst, err)
	}
	return nil
}

func (d *Disk) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("media: deleting blob %q: %w", key, err)
	}
	return nil
}
