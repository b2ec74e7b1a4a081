//go:build !linux

package cacheio

import "github.com/scigolib/mrklcache/internal/errs"

// MmapReader is unavailable outside Linux; NewMmapReader always fails and
// callers fall back to File.ReadAt, the portable path.
type MmapReader struct{}

// NewMmapReader reports unsupported on non-Linux platforms.
func NewMmapReader(*File) (*MmapReader, error) {
	return nil, errs.New(errs.InvalidState, "mmap fast path is only available on linux")
}

// ReadAt is never reachable; present only to satisfy the shared interface.
func (r *MmapReader) ReadAt([]byte, int64) (int, error) {
	return 0, errs.New(errs.InvalidState, "mmap fast path is only available on linux")
}

// Close is a no-op on non-Linux platforms.
func (r *MmapReader) Close() error { return nil }
