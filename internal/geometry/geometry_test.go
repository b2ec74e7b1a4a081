package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwoChunkSize(t *testing.T) {
	_, err := New(100, 3000)
	require.Error(t, err)
}

func TestNewRejectsChunkSizeBelowMinimum(t *testing.T) {
	_, err := New(100, 512)
	require.Error(t, err)
}

func TestGeometryScenario_10Bytes4ByteChunks(t *testing.T) {
	// "ABCDEFGHIJ" split into "ABCD", "EFGH", "IJ" (scenario 1 in spec).
	g, err := New(10, 4)
	require.NoError(t, err)

	require.EqualValues(t, 3, g.NLeaves())
	require.EqualValues(t, 4, g.CapLeaf())

	require.EqualValues(t, 0, g.ChunkStart(0))
	require.EqualValues(t, 4, g.ChunkEnd(0))
	require.EqualValues(t, 4, g.ChunkStart(1))
	require.EqualValues(t, 8, g.ChunkEnd(1))
	require.EqualValues(t, 8, g.ChunkStart(2))
	require.EqualValues(t, 10, g.ChunkEnd(2)) // short tail leaf

	idx, err := g.ChunkIndexForPos(9)
	require.NoError(t, err)
	require.EqualValues(t, 2, idx)
}

func TestChunkIndexForPosRejectsOutOfRange(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	_, err = g.ChunkIndexForPos(10)
	require.Error(t, err)
}

func TestNodesForByteRangeScenario2(t *testing.T) {
	// totalSize=16, chunkSize=4: readAt(6,4) triggers leaves 1 and 2.
	g, err := New(16, 4)
	require.NoError(t, err)

	nodes, err := g.NodesForByteRange(6, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, nodes)

	nodes, err = g.NodesForByteRange(0, 8)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, nodes)
}

func TestNodesForByteRangeClampsToTotalSize(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	nodes, err := g.NodesForByteRange(8, 1000)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, nodes)
}

func TestNodesForByteRangeZeroLengthIsEmpty(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	nodes, err := g.NodesForByteRange(0, 0)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestNodesForByteRangeAtEOFIsEmpty(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	nodes, err := g.NodesForByteRange(10, 0)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestNodesForByteRangeOffsetBeyondTotalSizeErrors(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	_, err = g.NodesForByteRange(11, 1)
	require.Error(t, err)
}

func TestLeafRangeForNodeCoversWholeSubtree(t *testing.T) {
	// 8 leaves (power of two): node 0 is root, covers [0,8); its children
	// (1,2) cover [0,4) and [4,8).
	g, err := New(8*4, 4)
	require.NoError(t, err)
	require.EqualValues(t, 8, g.NLeaves())

	lr, err := g.LeafRangeForNode(0)
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 0, End: 8}, lr)

	lr, err = g.LeafRangeForNode(1)
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 0, End: 4}, lr)

	lr, err = g.LeafRangeForNode(2)
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 4, End: 8}, lr)
}

func TestLeafRangeForNodeClipsPaddedTail(t *testing.T) {
	// 3 real leaves, capLeaf 4: the padded 4th leaf must not appear in any
	// internal node's clipped range.
	g, err := New(10, 4)
	require.NoError(t, err)

	lr, err := g.LeafRangeForNode(g.Root())
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 0, End: 3}, lr)
}

func TestLeafRangeForNodePaddedLeafIsEmpty(t *testing.T) {
	g, err := New(10, 4)
	require.NoError(t, err)

	paddedLeafNode := g.LeafNode(3) // index 3 is padding (only 0..2 are real)
	lr, err := g.LeafRangeForNode(paddedLeafNode)
	require.NoError(t, err)
	require.Zero(t, lr.Len())
}

func TestByteRangeForNodeMatchesChunkUnion(t *testing.T) {
	g, err := New(16, 4)
	require.NoError(t, err)

	start, end, err := g.ByteRangeForNode(g.Root())
	require.NoError(t, err)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 16, end)
}

func TestChildrenOfClipsRightSubtreeToRealLeaves(t *testing.T) {
	// 3 leaves, capLeaf 4. Root has two children covering [0,2) and [2,4),
	// the second of which covers only leaf 2 (clipped) for real data.
	g, err := New(10, 4)
	require.NoError(t, err)

	left, hasLeft, right, hasRight := g.ChildrenOf(g.Root())
	require.True(t, hasLeft)
	require.True(t, hasRight)

	lr, err := g.LeafRangeForNode(left)
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 0, End: 2}, lr)

	lr, err = g.LeafRangeForNode(right)
	require.NoError(t, err)
	require.Equal(t, LeafRange{Start: 2, End: 3}, lr)
	require.True(t, hasRight)
}

func TestSingleLeafTreeHasNoInternalNodes(t *testing.T) {
	g, err := New(4, 4)
	require.NoError(t, err)
	require.EqualValues(t, 1, g.NLeaves())
	require.EqualValues(t, 0, g.LeafOffset())
	require.True(t, g.IsLeaf(g.Root()))
}

func TestEmptyFileHasNoLeaves(t *testing.T) {
	g, err := New(0, 4096)
	require.NoError(t, err)
	require.EqualValues(t, 0, g.NLeaves())
}
