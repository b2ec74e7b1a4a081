// Package reftree implements the immutable reference Merkle tree: per-leaf
// SHA-256 hashing of a remote file's chunks, the internal hash fold, and the
// on-disk footer format described in spec §4.2 and §6.2.
package reftree

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/geometry"
	"github.com/scigolib/mrklcache/internal/utils"
)

// Tree is the immutable reference hash tree: a ContentDescriptor (totalSize,
// chunkSize, leaf hashes) plus the internal hashes folded from it.
type Tree struct {
	geom      geometry.Geometry
	leaves    [][32]byte   // index order, length geom.NLeaves()
	internals [][32]byte   // index order, length geom.LeafOffset(); may be empty for a single-leaf tree
	digest    [32]byte     // SHA-256 over the concatenation of all leaf hashes
}

// Geometry returns the tree's derived shape.
func (t *Tree) Geometry() geometry.Geometry { return t.geom }

// LeafHash returns the hash of leaf i.
func (t *Tree) LeafHash(i uint64) [32]byte { return t.leaves[i] }

// NodeHash returns the hash stored at node n (internal or leaf).
func (t *Tree) NodeHash(n uint64) ([32]byte, error) {
	if t.geom.IsLeaf(n) {
		leafPos := n - t.geom.LeafOffset()
		if leafPos >= t.geom.NLeaves() {
			return [32]byte{}, errs.New(errs.InvalidArgument, fmt.Sprintf("node %d is a padded leaf with no hash", n))
		}
		return t.leaves[leafPos], nil
	}
	if n >= uint64(len(t.internals)) {
		return [32]byte{}, errs.New(errs.InvalidArgument, fmt.Sprintf("node %d out of range", n))
	}
	return t.internals[n], nil
}

// FileDigest returns the SHA-256 over the concatenation of all leaf hashes.
func (t *Tree) FileDigest() [32]byte { return t.digest }

// Build hashes each chunk of stream into a leaf, then folds internal hashes
// pairwise bottom-up (odd-left-only allowed at each level).
func Build(stream io.Reader, totalSize, chunkSize uint64) (*Tree, error) {
	geom, err := geometry.New(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}

	leaves := make([][32]byte, geom.NLeaves())
	buf := utils.GetBuffer(int(chunkSize)) //nolint:gosec // chunkSize bounded by MinChunkSize..caller-provided
	defer utils.ReleaseBuffer(buf)

	for i := uint64(0); i < geom.NLeaves(); i++ {
		n := int(geom.ChunkEnd(i) - geom.ChunkStart(i))
		chunkBuf := buf[:n]
		if _, err := io.ReadFull(stream, chunkBuf); err != nil {
			return nil, errs.Wrap(errs.Io, fmt.Sprintf("reading chunk %d", i), err)
		}
		leaves[i] = sha256.Sum256(chunkBuf)
	}

	return fromLeaves(geom, leaves)
}

// fromLeaves folds a complete leaf-hash set into internal hashes and computes
// the file digest, producing a fully-populated Tree.
func fromLeaves(geom geometry.Geometry, leaves [][32]byte) (*Tree, error) {
	if uint64(len(leaves)) != geom.NLeaves() {
		return nil, errs.New(errs.InvalidArgument,
			fmt.Sprintf("expected %d leaf hashes, got %d", geom.NLeaves(), len(leaves)))
	}

	internals := make([][32]byte, geom.LeafOffset())
	// Fold bottom-up: internal nodes are numbered so that every internal
	// node's children have strictly greater indices (standard heap layout),
	// so a simple descending walk computes children before parents.
	for n := int64(geom.LeafOffset()) - 1; n >= 0; n-- {
		node := uint64(n)
		left, hasLeft, right, hasRight := geom.ChildrenOf(node)
		if !hasLeft {
			// Entirely-padding subtree; hash is irrelevant (never read by a
			// real byte range) but must be deterministic.
			internals[node] = sha256.Sum256(nil)
			continue
		}
		leftHash, err := nodeHashOf(geom, leaves, internals, left)
		if err != nil {
			return nil, err
		}
		if !hasRight {
			internals[node] = sha256.Sum256(leftHash[:])
			continue
		}
		rightHash, err := nodeHashOf(geom, leaves, internals, right)
		if err != nil {
			return nil, err
		}
		combined := make([]byte, 0, 64)
		combined = append(combined, leftHash[:]...)
		combined = append(combined, rightHash[:]...)
		internals[node] = sha256.Sum256(combined)
	}

	digestInput := make([]byte, 0, len(leaves)*32)
	for _, h := range leaves {
		digestInput = append(digestInput, h[:]...)
	}
	digest := sha256.Sum256(digestInput)

	return &Tree{geom: geom, leaves: leaves, internals: internals, digest: digest}, nil
}

// FromLeaves builds a Tree directly from a complete leaf-hash set and the
// geometry describing it, skipping the chunk-hashing pass Build performs.
// Package state uses this for State.ToRef, where the leaf hashes are already
// known (they were copied from the reference tree at open time).
func FromLeaves(geom geometry.Geometry, leaves [][32]byte) (*Tree, error) {
	return fromLeaves(geom, leaves)
}

func nodeHashOf(geom geometry.Geometry, leaves, internals [][32]byte, n uint64) ([32]byte, error) {
	if geom.IsLeaf(n) {
		leafPos := n - geom.LeafOffset()
		if leafPos >= geom.NLeaves() {
			return [32]byte{}, errs.New(errs.InvalidArgument, fmt.Sprintf("node %d is a padded leaf", n))
		}
		return leaves[leafPos], nil
	}
	return internals[n], nil
}

// Save writes leaf hashes in index order followed by the footer, atomically
// (write to a temp file in the same directory, then rename).
func Save(t *Tree, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mref-tmp-*")
	if err != nil {
		return errs.Wrap(errs.Io, "creating temp reference file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; rename below removes it on success

	if err := writeLeavesAndFooter(tmp, t); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing temp reference file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.Io, "renaming reference file into place", err)
	}
	return nil
}

func writeLeavesAndFooter(w io.Writer, t *Tree) error {
	for _, h := range t.leaves {
		if _, err := w.Write(h[:]); err != nil {
			return errs.Wrap(errs.Io, "writing leaf hash", err)
		}
	}

	f := Footer{
		Version:       versionCurrent,
		HashAlgID:     hashAlgSHA256,
		DigestLen:     digestLenSHA256,
		TotalDataSize: t.geom.TotalSize(),
		//nolint:gosec // G115: NLeaves is bounded by realistic file sizes / chunk size
		NLeaves:      uint32(t.geom.NLeaves()),
		FileDigest:   t.digest,
		FooterLength: FooterLength,
	}
	if _, err := w.Write(f.Encode()); err != nil {
		return errs.Wrap(errs.Io, "writing reference footer", err)
	}
	return nil
}

// Load reads and validates a reference tree file against the caller-supplied
// chunkSize, recomputing and checking the file digest over the leaf-hash
// region. chunkSize is not itself stored in the footer (spec §6.2); it is
// part of the (cache path, state path, remote URL, chunkSize) configuration
// the opener already holds, and Load cross-checks it against the footer's
// totalDataSize/nLeaves rather than guessing it.
func Load(path string, chunkSize uint64) (*Tree, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled (local cache/state path)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "opening reference file", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.Io, "stat reference file", err)
	}
	size := info.Size()
	if size < FooterLength {
		return nil, errs.New(errs.Corrupt, fmt.Sprintf("reference file too small (%d bytes) to contain a footer", size))
	}

	footerBuf := make([]byte, FooterLength)
	if _, err := f.ReadAt(footerBuf, size-FooterLength); err != nil {
		return nil, errs.Wrap(errs.Io, "reading reference footer", err)
	}

	// Per spec §4.2/§6.2: the parser reads the trailing footerLength field
	// first to locate the footer start. Because this format fixes
	// footerLength at a single supported value, we read the candidate
	// footer optimistically at the fixed offset and then validate its
	// self-reported length matches, catching any truncation or format drift.
	ft, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	expectedSize := int64(ft.NLeaves)*32 + int64(ft.FooterLength)
	if expectedSize != size {
		return nil, errs.New(errs.Corrupt,
			fmt.Sprintf("reference file size %d does not match nLeaves*32+footerLength=%d", size, expectedSize))
	}

	leafRegion := make([]byte, int64(ft.NLeaves)*32)
	if len(leafRegion) > 0 {
		if _, err := f.ReadAt(leafRegion, 0); err != nil {
			return nil, errs.Wrap(errs.Io, "reading leaf hash region", err)
		}
	}

	computed := sha256.Sum256(leafRegion)
	if !bytes.Equal(computed[:], ft.FileDigest[:]) {
		return nil, errs.New(errs.Corrupt, "reference file digest mismatch")
	}

	leaves := make([][32]byte, ft.NLeaves)
	for i := range leaves {
		copy(leaves[i][:], leafRegion[i*32:(i+1)*32])
	}

	geom, err := geometry.New(ft.TotalDataSize, chunkSize)
	if err != nil {
		return nil, err
	}
	if geom.NLeaves() != uint64(ft.NLeaves) {
		return nil, errs.New(errs.Corrupt,
			fmt.Sprintf("footer nLeaves %d inconsistent with chunkSize %d geometry (expected %d)",
				ft.NLeaves, chunkSize, geom.NLeaves()))
	}

	return fromLeaves(geom, leaves)
}
