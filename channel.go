package mrklcache

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scigolib/mrklcache/internal/cacheio"
	"github.com/scigolib/mrklcache/internal/coordinator"
	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/geometry"
	"github.com/scigolib/mrklcache/internal/reftree"
	"github.com/scigolib/mrklcache/internal/state"
)

// VerifiedChannel is the public random-access read API over one opened
// mirror (spec §4.7): every read computes its covered chunks, awaits the
// download coordinator, and only then serves bytes from the cache file.
type VerifiedChannel struct {
	geom  geometry.Geometry
	ref   *reftree.Tree
	st    *state.State
	cache *cacheio.File
	mmap  *cacheio.MmapReader // optional fast path for already-verified reads; nil if unavailable
	coord *coordinator.Coordinator

	cachePath, statePath, refPath, url string
	log                                *logrus.Entry

	mu     sync.Mutex
	cursor uint64
}

// Size returns totalSize from the reference tree, not the cache file's
// physical (sparse) size.
func (vc *VerifiedChannel) Size() uint64 { return vc.geom.TotalSize() }

// ReadAt awaits coordinator.EnsureCovering for [off, off+length), clamped to
// Size(), then copies the verified bytes out of the cache file.
func (vc *VerifiedChannel) ReadAt(ctx context.Context, off, length uint64) ([]byte, error) {
	total := vc.Size()
	if off > total {
		return nil, errs.New(errs.InvalidArgument, "offset beyond end of mirror")
	}
	end := off + length
	if end > total {
		end = total
	}
	length = end - off
	if length == 0 {
		return nil, nil
	}

	if err := vc.coord.EnsureCovering(ctx, off, length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if vc.mmap != nil {
		if _, err := vc.mmap.ReadAt(buf, int64(off)); err == nil { //nolint:gosec // off bounded by total above
			return buf, nil
		}
	}
	if _, err := vc.cache.ReadAt(buf, int64(off)); err != nil { //nolint:gosec // off bounded by total above
		return nil, err
	}
	return buf, nil
}

// Read implements a stateful positional cursor over ReadAt, advancing the
// cursor by however many bytes were actually returned and reporting io.EOF
// once the cursor reaches Size().
func (vc *VerifiedChannel) Read(ctx context.Context, p []byte) (int, error) {
	vc.mu.Lock()
	off := vc.cursor
	vc.mu.Unlock()

	if off >= vc.Size() {
		return 0, io.EOF
	}

	data, err := vc.ReadAt(ctx, off, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)

	vc.mu.Lock()
	vc.cursor += uint64(n) //nolint:gosec // n bounded by len(p)
	atEnd := vc.cursor >= vc.Size()
	vc.mu.Unlock()

	if atEnd {
		return n, io.EOF
	}
	return n, nil
}

// Seek repositions the read cursor, enforcing cursor <= Size().
func (vc *VerifiedChannel) Seek(off uint64) error {
	if off > vc.Size() {
		return errs.New(errs.InvalidArgument, "seek offset beyond end of mirror")
	}
	vc.mu.Lock()
	vc.cursor = off
	vc.mu.Unlock()
	return nil
}

// Close flushes State to durable storage and closes the cache and state
// file handles. It neither cancels nor waits for fetches still in flight:
// a fetch that finishes after Close cannot commit to the closed files, so
// its leaves stay invalid and its caller gets an error.
func (vc *VerifiedChannel) Close() error {
	var mmapErr error
	if vc.mmap != nil {
		mmapErr = vc.mmap.Close()
	}
	stErr := vc.st.Close()
	cacheErr := vc.cache.Close()
	if mmapErr != nil {
		return mmapErr
	}
	if stErr != nil {
		return stErr
	}
	return cacheErr
}

// IntegrityFailures returns the running count of tasks this channel's
// coordinator abandoned due to hash verification failure.
func (vc *VerifiedChannel) IntegrityFailures() uint64 { return vc.coord.IntegrityFailures() }
