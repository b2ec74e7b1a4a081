// Package state implements the mutable validity bitmap (spec §4.3): a
// mirror of the reference tree's geometry and leaf hashes, plus a
// monotonically-advancing bitmap of which cache chunks are verified present.
package state

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/geometry"
	"github.com/scigolib/mrklcache/internal/reftree"
)

// State is the on-disk validity bitmap plus the leaf hashes it verifies
// against. One State is owned by exactly one open VerifiedChannel.
type State struct {
	mu sync.RWMutex

	geom   geometry.Geometry
	leaves [][32]byte
	bits   *bitset.BitSet

	f            *os.File
	path         string
	bitmapOffset int64
	bitmapLength int
}

// CreateEmpty produces a new state file sharing tr's (totalSize, chunkSize,
// nLeaves, leafHashes) with a zero bitmap (spec's createEmptyStateLike).
func CreateEmpty(tr *reftree.Tree, path string) (*State, error) {
	geom := tr.Geometry()
	leaves := make([][32]byte, geom.NLeaves())
	for i := range leaves {
		leaves[i] = tr.LeafHash(uint64(i))
	}

	bits := bitset.New(uint(geom.NLeaves()))
	if err := writeFull(path, geom, leaves, bits); err != nil {
		return nil, err
	}
	return open(path, geom, leaves, bits)
}

// Load reads an existing state file from disk, cross-checking it against
// chunkSize exactly as reftree.Load does against a reference file.
func Load(path string, chunkSize uint64) (*State, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, errs.Wrap(errs.Io, "opening state file", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle, closed before reopening below

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.Io, "stat state file", err)
	}
	size := info.Size()
	if size < reftree.FooterLength {
		return nil, errs.New(errs.Corrupt, fmt.Sprintf("state file too small (%d bytes) to contain a footer", size))
	}

	footerBuf := make([]byte, reftree.FooterLength)
	if _, err := f.ReadAt(footerBuf, size-reftree.FooterLength); err != nil {
		return nil, errs.Wrap(errs.Io, "reading state footer", err)
	}
	ft, err := reftree.DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	expectedBitmapOffset := int64(ft.NLeaves) * 32
	expectedBitmapLength := (int64(ft.NLeaves) + 7) / 8
	if int64(ft.BitmapOffset) != expectedBitmapOffset || int64(ft.BitmapLength) != expectedBitmapLength {
		return nil, errs.New(errs.Corrupt, "state file bitmap region offset/length inconsistent with nLeaves")
	}
	expectedSize := expectedBitmapOffset + expectedBitmapLength + reftree.FooterLength
	if expectedSize != size {
		return nil, errs.New(errs.Corrupt,
			fmt.Sprintf("state file size %d does not match computed layout size %d", size, expectedSize))
	}

	leafRegion := make([]byte, expectedBitmapOffset)
	if len(leafRegion) > 0 {
		if _, err := f.ReadAt(leafRegion, 0); err != nil {
			return nil, errs.Wrap(errs.Io, "reading state leaf hash region", err)
		}
	}
	computed := sha256.Sum256(leafRegion)
	if !bytes.Equal(computed[:], ft.FileDigest[:]) {
		return nil, errs.New(errs.Corrupt, "state file leaf-hash digest mismatch")
	}

	leaves := make([][32]byte, ft.NLeaves)
	for i := range leaves {
		copy(leaves[i][:], leafRegion[i*32:(i+1)*32])
	}

	bitmapBuf := make([]byte, expectedBitmapLength)
	if expectedBitmapLength > 0 {
		if _, err := f.ReadAt(bitmapBuf, expectedBitmapOffset); err != nil {
			return nil, errs.Wrap(errs.Io, "reading state bitmap region", err)
		}
	}
	bits := bitsetFromBytes(bitmapBuf, uint64(ft.NLeaves))

	geom, err := geometry.New(ft.TotalDataSize, chunkSize)
	if err != nil {
		return nil, err
	}
	if geom.NLeaves() != uint64(ft.NLeaves) {
		return nil, errs.New(errs.Corrupt,
			fmt.Sprintf("state footer nLeaves %d inconsistent with chunkSize %d geometry (expected %d)",
				ft.NLeaves, chunkSize, geom.NLeaves()))
	}

	return open(path, geom, leaves, bits)
}

func open(path string, geom geometry.Geometry, leaves [][32]byte, bits *bitset.BitSet) (*State, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, errs.Wrap(errs.Io, "opening state file for read-write", err)
	}
	return &State{
		geom:         geom,
		leaves:       leaves,
		bits:         bits,
		f:            f,
		path:         path,
		bitmapOffset: int64(geom.NLeaves()) * 32,
		bitmapLength: int((geom.NLeaves() + 7) / 8),
	}, nil
}

// Geometry returns the state's derived tree shape.
func (s *State) Geometry() geometry.Geometry { return s.geom }

// IsValid reports whether leaf i's bit is set.
func (s *State) IsValid(i uint64) bool {
	if i >= s.geom.NLeaves() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.Test(uint(i)) //nolint:gosec // i bounded by NLeaves above
}

// SaveIfValid implements the State.saveIfValid contract (spec §4.3): it
// verifies data against leaf i's reference hash, invokes commit to persist
// the bytes, and only then sets the bit. The hash check and commit both run
// without holding the bitmap lock, so concurrent commits to different leaves
// never serialize on each other; the lock is held only for the bit flip and
// the subsequent single-byte durable write.
func (s *State) SaveIfValid(i uint64, data []byte, commit func([]byte) error) (bool, error) {
	if i >= s.geom.NLeaves() {
		return false, errs.New(errs.InvalidArgument, fmt.Sprintf("leaf index %d out of range [0, %d)", i, s.geom.NLeaves()))
	}

	sum := sha256.Sum256(data)
	if sum != s.leaves[i] {
		return false, errs.New(errs.Integrity, fmt.Sprintf("leaf %d hash mismatch", i))
	}

	if err := commit(data); err != nil {
		return false, errs.Wrap(errs.Io, fmt.Sprintf("committing leaf %d", i), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bits.Set(uint(i)) //nolint:gosec // i bounded by NLeaves above
	if err := s.writeBitmapByteLocked(i); err != nil {
		return false, err
	}
	return true, nil
}

// writeBitmapByteLocked persists the single bitmap byte containing bit i.
// Caller must hold s.mu for writing.
func (s *State) writeBitmapByteLocked(i uint64) error {
	byteIdx := i / 8
	b := byteForIndexLocked(s.bits, byteIdx, s.geom.NLeaves())
	if _, err := s.f.WriteAt([]byte{b}, s.bitmapOffset+int64(byteIdx)); err != nil {
		return errs.Wrap(errs.Io, "writing bitmap byte", err)
	}
	if err := s.f.Sync(); err != nil {
		return errs.Wrap(errs.Io, "syncing bitmap byte", err)
	}
	return nil
}

// Flush forces the entire bitmap region to durable storage, regardless of
// which bits changed since the last per-bit write. VerifiedChannel.Close
// calls this so a clean shutdown never depends on per-commit fsync alone.
func (s *State) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := bitsetToBytes(s.bits, s.geom.NLeaves())
	if len(buf) > 0 {
		if _, err := s.f.WriteAt(buf, s.bitmapOffset); err != nil {
			return errs.Wrap(errs.Io, "writing bitmap region", err)
		}
	}
	if err := s.f.Sync(); err != nil {
		return errs.Wrap(errs.Io, "syncing state file", err)
	}
	return nil
}

// ValidChunks returns a point-in-time snapshot of the validity bitmap.
func (s *State) ValidChunks() *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.Clone()
}

// ToRef succeeds only if every leaf's bit is set, returning a ReferenceTree
// view built from the same leaf hashes.
func (s *State) ToRef() (*reftree.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.bits.Count() != uint(s.geom.NLeaves()) {
		return nil, errs.New(errs.InvalidState,
			fmt.Sprintf("state is not fully valid: %d/%d leaves", s.bits.Count(), s.geom.NLeaves()))
	}
	return reftree.FromLeaves(s.geom, s.leaves)
}

// Close flushes the bitmap and releases the underlying file handle.
func (s *State) Close() error {
	if err := s.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	if err := s.f.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing state file", err)
	}
	return nil
}

// writeFull writes the complete (leafHashes | bitmap | footer) layout to a
// brand-new state file, atomically (temp file in the same directory, then
// rename), mirroring reftree.Save.
func writeFull(path string, geom geometry.Geometry, leaves [][32]byte, bits *bitset.BitSet) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mrkl-tmp-*")
	if err != nil {
		return errs.Wrap(errs.Io, "creating temp state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; rename below removes it on success

	for _, h := range leaves {
		if _, err := tmp.Write(h[:]); err != nil {
			_ = tmp.Close()
			return errs.Wrap(errs.Io, "writing state leaf hash", err)
		}
	}

	bitmapBuf := bitsetToBytes(bits, geom.NLeaves())
	if _, err := tmp.Write(bitmapBuf); err != nil {
		_ = tmp.Close()
		return errs.Wrap(errs.Io, "writing state bitmap", err)
	}

	digestInput := make([]byte, 0, len(leaves)*32)
	for _, h := range leaves {
		digestInput = append(digestInput, h[:]...)
	}
	digest := sha256.Sum256(digestInput)

	f := reftree.Footer{
		Version:       reftree.VersionCurrent,
		HashAlgID:     reftree.HashAlgSHA256,
		DigestLen:     reftree.DigestLenSHA256,
		TotalDataSize: geom.TotalSize(),
		//nolint:gosec // G115: bounded by realistic file sizes / chunk size
		NLeaves:      uint32(geom.NLeaves()),
		BitmapOffset: uint32(int64(geom.NLeaves()) * 32), //nolint:gosec // bounded as above
		BitmapLength: uint32(len(bitmapBuf)),             //nolint:gosec // bounded as above
		FileDigest:   digest,
		FooterLength: reftree.FooterLength,
	}
	if _, err := tmp.Write(f.Encode()); err != nil {
		_ = tmp.Close()
		return errs.Wrap(errs.Io, "writing state footer", err)
	}

	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing temp state file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.Io, "renaming state file into place", err)
	}
	return nil
}

// bitsetToBytes encodes bits 0..nLeaves (exclusive) LSB-first within each
// byte, per spec §4.3.
func bitsetToBytes(bits *bitset.BitSet, nLeaves uint64) []byte {
	n := (nLeaves + 7) / 8
	buf := make([]byte, n)
	for i := uint64(0); i < nLeaves; i++ {
		if bits.Test(uint(i)) { //nolint:gosec // i bounded by nLeaves
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

// byteForIndexLocked recomputes the single on-disk byte containing bit
// byteIdx*8..byteIdx*8+7 from the in-memory bitset. Caller must hold a lock.
func byteForIndexLocked(bits *bitset.BitSet, byteIdx, nLeaves uint64) byte {
	var b byte
	base := byteIdx * 8
	for j := uint64(0); j < 8 && base+j < nLeaves; j++ {
		if bits.Test(uint(base + j)) { //nolint:gosec // bounded by nLeaves
			b |= 1 << j
		}
	}
	return b
}

// bitsetFromBytes decodes an LSB-first bitmap of nLeaves bits.
func bitsetFromBytes(buf []byte, nLeaves uint64) *bitset.BitSet {
	bits := bitset.New(uint(nLeaves))
	for i := uint64(0); i < nLeaves; i++ {
		byteIdx := i / 8
		if byteIdx >= uint64(len(buf)) {
			break
		}
		if buf[byteIdx]&(1<<(i%8)) != 0 {
			bits.Set(uint(i)) //nolint:gosec // i bounded by nLeaves
		}
	}
	return bits
}
