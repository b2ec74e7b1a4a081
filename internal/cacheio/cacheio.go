// Package cacheio implements the positional read/write backend for the
// sparse cache file described in spec §6.4: a file of exact length
// totalSize, created once, never truncated, written region-by-region as
// chunks are verified.
package cacheio

import (
	"os"

	"github.com/scigolib/mrklcache/internal/errs"
)

// File is a positional ReaderAt/WriterAt over a sparse on-disk cache file.
// It never grows or shrinks the file after Create; every write lands inside
// [0, size).
type File struct {
	f    *os.File
	size int64
}

// Create opens or creates the cache file at path and ensures it is exactly
// size bytes, sparse (holes are OS-defined, never zero-filled on disk). It
// is safe to call against an existing file of the same size (reopen after a
// crash); a size mismatch against an existing file is a corruption signal.
func Create(path string, size uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, errs.Wrap(errs.Io, "opening cache file", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.Io, "stat cache file", err)
	}

	want := int64(size) //nolint:gosec // size bounded by realistic content sizes
	switch {
	case info.Size() == 0:
		if err := f.Truncate(want); err != nil {
			_ = f.Close()
			return nil, errs.Wrap(errs.Io, "sizing cache file", err)
		}
	case info.Size() != want:
		_ = f.Close()
		return nil, errs.New(errs.Corrupt, "existing cache file size does not match expected total size")
	}

	return &File{f: f, size: want}, nil
}

// Open reopens an existing cache file, trusting its on-disk size.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, errs.Wrap(errs.Io, "opening cache file", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.Io, "stat cache file", err)
	}
	return &File{f: f, size: info.Size()}, nil
}

// Size returns the fixed total size of the cache file.
func (c *File) Size() int64 { return c.size }

// ReadAt reads len(p) bytes starting at off. Callers are responsible for
// only trusting bytes covered by State's validity bitmap.
func (c *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.f.ReadAt(p, off)
	if err != nil {
		return n, errs.Wrap(errs.Io, "reading cache file", err)
	}
	return n, nil
}

// WriteAt writes p at off. off+len(p) must not exceed Size.
func (c *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, errs.New(errs.InvalidArgument, "write range exceeds cache file size")
	}
	n, err := c.f.WriteAt(p, off)
	if err != nil {
		return n, errs.Wrap(errs.Io, "writing cache file", err)
	}
	return n, nil
}

// Sync forces pending writes to durable storage.
func (c *File) Sync() error {
	if err := c.f.Sync(); err != nil {
		return errs.Wrap(errs.Io, "syncing cache file", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (c *File) Close() error {
	if err := c.f.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing cache file", err)
	}
	return nil
}

// OSFile exposes the underlying *os.File for the mmap fast path
// (internal/cacheio/mmap_linux.go), which needs the raw file descriptor.
func (c *File) OSFile() *os.File { return c.f }
