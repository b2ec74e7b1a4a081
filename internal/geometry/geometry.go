// Package geometry implements the pure arithmetic that maps byte positions,
// chunk indices, and Merkle node indices for a fixed (totalSize, chunkSize)
// pair. Nothing in this package performs I/O.
package geometry

import (
	"fmt"
	"math/bits"

	"github.com/scigolib/mrklcache/internal/errs"
)

// MinChunkSize is the smallest permitted chunk size. The spec's realistic
// deployments use chunk sizes in the tens-of-KB range and up, but its own
// worked examples use toy sizes like 4 to keep leaf hashes checkable by
// hand, so the enforced floor only rules out zero/non-power-of-two values
// rather than matching any particular production minimum.
const MinChunkSize = 1

// Geometry is the derived shape of a tree over a (totalSize, chunkSize) pair.
// It is immutable and safe for concurrent use.
type Geometry struct {
	totalSize uint64
	chunkSize uint64

	nLeaves       uint64
	capLeaf       uint64
	internalCount uint64
	nodeCount     uint64
	leafOffset    uint64
}

// New validates (totalSize, chunkSize) and derives the tree shape.
// chunkSize must be a power of two >= MinChunkSize.
func New(totalSize, chunkSize uint64) (Geometry, error) {
	if chunkSize < MinChunkSize || chunkSize&(chunkSize-1) != 0 {
		return Geometry{}, errs.New(errs.InvalidArgument,
			fmt.Sprintf("chunk size %d must be a power of two >= %d", chunkSize, MinChunkSize))
	}

	var nLeaves uint64
	if totalSize == 0 {
		nLeaves = 0
	} else {
		nLeaves = (totalSize + chunkSize - 1) / chunkSize
	}

	capLeaf := nextPow2(nLeaves)
	internalCount := uint64(0)
	if capLeaf > 0 {
		internalCount = capLeaf - 1
	}

	return Geometry{
		totalSize:     totalSize,
		chunkSize:     chunkSize,
		nLeaves:       nLeaves,
		capLeaf:       capLeaf,
		internalCount: internalCount,
		nodeCount:     internalCount + capLeaf,
		leafOffset:    internalCount,
	}, nil
}

// nextPow2 returns the smallest power of two >= n, with nextPow2(0) == 0 and
// nextPow2(1) == 1 (a single leaf needs no internal nodes).
func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return n
	}
	return uint64(1) << bits.Len64(n-1)
}

// TotalSize returns the logical content size in bytes.
func (g Geometry) TotalSize() uint64 { return g.totalSize }

// ChunkSize returns the fixed chunk size in bytes.
func (g Geometry) ChunkSize() uint64 { return g.chunkSize }

// NLeaves returns the number of real (non-padded) leaves.
func (g Geometry) NLeaves() uint64 { return g.nLeaves }

// CapLeaf returns the padded leaf count (next power of two >= NLeaves).
func (g Geometry) CapLeaf() uint64 { return g.capLeaf }

// NodeCount returns the total number of nodes in the flat tree array,
// internal nodes followed by leaves (including padding).
func (g Geometry) NodeCount() uint64 { return g.nodeCount }

// LeafOffset returns the index of the first leaf node; internal nodes occupy [0, LeafOffset).
func (g Geometry) LeafOffset() uint64 { return g.leafOffset }

// IsLeaf reports whether node n is a leaf (real or padded).
func (g Geometry) IsLeaf(n uint64) bool {
	return n >= g.leafOffset
}

// ChunkStart returns the byte offset where chunk i begins.
func (g Geometry) ChunkStart(i uint64) uint64 {
	return i * g.chunkSize
}

// ChunkEnd returns the byte offset (exclusive) where chunk i ends, clipped to totalSize.
func (g Geometry) ChunkEnd(i uint64) uint64 {
	end := (i + 1) * g.chunkSize
	if end > g.totalSize {
		return g.totalSize
	}
	return end
}

// ChunkIndexForPos returns the chunk index covering byte position p.
// p must be < totalSize.
func (g Geometry) ChunkIndexForPos(p uint64) (uint64, error) {
	if p >= g.totalSize {
		return 0, errs.New(errs.InvalidArgument,
			fmt.Sprintf("position %d out of range [0, %d)", p, g.totalSize))
	}
	return p / g.chunkSize, nil
}

// LeafRange is the half-open range of real leaf indices [Start, End) a node covers.
type LeafRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of real leaves in the range.
func (r LeafRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// LeafRangeForNode returns the real (non-padded) leaf range a node covers.
// For a leaf node this is a single-leaf range (empty if the leaf is padding
// past nLeaves); for an internal node it is the node's full subtree range
// clipped to nLeaves.
func (g Geometry) LeafRangeForNode(n uint64) (LeafRange, error) {
	if n >= g.nodeCount {
		return LeafRange{}, errs.New(errs.InvalidArgument, fmt.Sprintf("node %d out of range [0, %d)", n, g.nodeCount))
	}

	if g.IsLeaf(n) {
		leafPos := n - g.leafOffset
		if leafPos >= g.nLeaves {
			return LeafRange{Start: leafPos, End: leafPos}, nil // padded leaf, empty
		}
		return LeafRange{Start: leafPos, End: leafPos + 1}, nil
	}

	depth := 0
	for idx := n; idx > 0; {
		idx = (idx - 1) / 2
		depth++
	}
	w := g.capLeaf >> uint(depth) //nolint:gosec // depth bounded by tree height
	pos := positionWithinLevel(n, depth)
	start := pos * w
	end := start + w
	if end > g.nLeaves {
		end = g.nLeaves
	}
	if start > g.nLeaves {
		start = g.nLeaves
	}
	return LeafRange{Start: start, End: end}, nil
}

// positionWithinLevel computes a node's 0-based position among its siblings
// at the given depth, for the standard complete-binary-tree array layout
// (node i has children 2i+1, 2i+2).
func positionWithinLevel(n uint64, depth int) uint64 {
	levelStart := (uint64(1) << uint(depth)) - 1 //nolint:gosec // depth bounded by tree height
	return n - levelStart
}

// ByteRangeForNode returns the union byte range [start, end) of a node's
// covered chunks, clipped to totalSize.
func (g Geometry) ByteRangeForNode(n uint64) (start, end uint64, err error) {
	lr, err := g.LeafRangeForNode(n)
	if err != nil {
		return 0, 0, err
	}
	if lr.Len() == 0 {
		return 0, 0, nil
	}
	return g.ChunkStart(lr.Start), g.ChunkEnd(lr.End - 1), nil
}

// ChildrenOf returns the left and right child indices of internal node n, and
// whether each exists (a node may have only a left child when its subtree's
// leaf count doesn't fill an entire level, i.e. an odd node out at the tail).
func (g Geometry) ChildrenOf(n uint64) (left uint64, hasLeft bool, right uint64, hasRight bool) {
	if g.IsLeaf(n) {
		return 0, false, 0, false
	}
	left = 2*n + 1
	right = 2*n + 2
	hasLeft = left < g.nodeCount && g.subtreeHasRealLeaves(left)
	hasRight = right < g.nodeCount && g.subtreeHasRealLeaves(right)
	return left, hasLeft, right, hasRight
}

func (g Geometry) subtreeHasRealLeaves(n uint64) bool {
	lr, err := g.LeafRangeForNode(n)
	if err != nil {
		return false
	}
	return lr.Len() > 0
}

// LeafNode returns the node index of leaf i (0 <= i < capLeaf, real or padded).
func (g Geometry) LeafNode(i uint64) uint64 {
	return g.leafOffset + i
}

// Root returns the root node index (0, even for a single-leaf tree).
func (g Geometry) Root() uint64 { return 0 }

// NodesForByteRange returns the leaf indices covering [off, off+len), clamped
// to totalSize. This is the geometry-level fallback guaranteed correct by
// spec: callers needing coalesced internal-node coverage use the scheduler
// package instead.
func (g Geometry) NodesForByteRange(off, length uint64) ([]uint64, error) {
	if off > g.totalSize {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("offset %d beyond total size %d", off, g.totalSize))
	}
	end := off + length
	if end > g.totalSize {
		end = g.totalSize
	}
	if end <= off {
		return nil, nil
	}

	firstChunk, err := g.ChunkIndexForPos(off)
	if err != nil {
		return nil, err
	}
	lastChunk, err := g.ChunkIndexForPos(end - 1)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, 0, lastChunk-firstChunk+1)
	for i := firstChunk; i <= lastChunk; i++ {
		out = append(out, i)
	}
	return out, nil
}
