//go:build linux

package cacheio

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/scigolib/mrklcache/internal/errs"
)

// MmapReader is a read-only mmap view of a cache file, for callers serving
// many overlapping reads of already-verified regions without a positional
// syscall per read. It is an optional fast path; cacheio.File.ReadAt always
// works without it.
type MmapReader struct {
	buf []byte
}

// NewMmapReader maps the first size bytes of f read-only, shared, and
// advises the kernel the access pattern is random (matching the scheduler's
// node-sized, non-sequential fetch pattern).
func NewMmapReader(c *File) (*MmapReader, error) {
	if c.Size() == 0 {
		return &MmapReader{}, nil
	}
	buf, err := unix.Mmap(int(c.OSFile().Fd()), 0, int(c.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "mmap cache file", err)
	}
	if err := unix.Madvise(buf, unix.MADV_RANDOM); err != nil {
		logrus.WithError(err).Debug("madvise MADV_RANDOM failed, continuing without it")
	}
	r := &MmapReader{buf: buf}
	runtime.SetFinalizer(r, (*MmapReader).finalize)
	return r, nil
}

// ReadAt copies len(p) bytes starting at off out of the mapped region.
func (r *MmapReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, errs.New(errs.InvalidArgument, "mmap read range out of bounds")
	}
	n := copy(p, r.buf[off:off+int64(len(p))])
	return n, nil
}

// Close unmaps the region. Safe to call once; subsequent calls are no-ops.
func (r *MmapReader) Close() error {
	if r.buf == nil {
		return nil
	}
	buf := r.buf
	r.buf = nil
	runtime.SetFinalizer(r, nil)
	if err := unix.Munmap(buf); err != nil {
		return errs.Wrap(errs.Io, "munmap cache file", err)
	}
	return nil
}

func (r *MmapReader) finalize() {
	if r.buf != nil {
		logrus.Warn("MmapReader garbage collected without Close; unmapping in finalizer")
		_ = unix.Munmap(r.buf)
		r.buf = nil
	}
}
