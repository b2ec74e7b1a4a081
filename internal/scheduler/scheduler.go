// Package scheduler turns a requested byte range into the minimal set of
// node-download tasks needed to cover it (spec §4.5), given the current
// validity bitmap. Three variants trade request count against parallelism:
// LeafOnly never coalesces, Coalescing caps coalesced nodes at a fixed leaf
// count, Adaptive adjusts that cap from observed outcomes.
package scheduler

import (
	"context"

	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/geometry"
)

// NodeDownloadTask is a single unit of work: fetch [StartByte, EndByte) and
// verify it leaf-by-leaf against ExpectedHashes (in leaf index order).
type NodeDownloadTask struct {
	NodeIndex      uint64
	FirstLeaf      uint64
	LastLeaf       uint64 // exclusive
	StartByte      uint64
	EndByte        uint64
	ExpectedHashes [][32]byte
}

// LeafCount returns the number of leaves this task covers.
func (t NodeDownloadTask) LeafCount() uint64 { return t.LastLeaf - t.FirstLeaf }

// LeafHashSource supplies the reference hash for a leaf; *reftree.Tree
// implements it.
type LeafHashSource interface {
	LeafHash(i uint64) [32]byte
}

// ValidityChecker reports whether a leaf is already verified present;
// *state.State implements it.
type ValidityChecker interface {
	IsValid(i uint64) bool
}

// Scheduler derives the task set for a byte range request.
type Scheduler interface {
	Plan(ctx context.Context, geom geometry.Geometry, ref LeafHashSource, valid ValidityChecker, off, length uint64) ([]NodeDownloadTask, error)
}

// invalidRun is a contiguous range of leaf indices, none of which are valid.
type invalidRun struct {
	start, end uint64 // [start, end)
}

// invalidRunsInRange scans [firstLeaf, lastLeaf] and returns the maximal
// contiguous runs of leaves that are not yet valid.
func invalidRunsInRange(valid ValidityChecker, firstLeaf, lastLeaf uint64) []invalidRun {
	var runs []invalidRun
	inRun := false
	var runStart uint64

	for i := firstLeaf; i <= lastLeaf; i++ {
		if !valid.IsValid(i) {
			if !inRun {
				inRun = true
				runStart = i
			}
			continue
		}
		if inRun {
			runs = append(runs, invalidRun{start: runStart, end: i})
			inRun = false
		}
	}
	if inRun {
		runs = append(runs, invalidRun{start: runStart, end: lastLeaf + 1})
	}
	return runs
}

// decompose recursively covers the leaf range [qStart, qEnd) rooted at node
// with the fewest nodes possible, never returning a node whose leaf count
// exceeds maxLeaves (a leaf node is always returned regardless of
// maxLeaves, since it cannot be split further).
func decompose(geom geometry.Geometry, node uint64, qStart, qEnd, maxLeaves uint64) ([]uint64, error) {
	nr, err := geom.LeafRangeForNode(node)
	if err != nil {
		return nil, err
	}
	if nr.Len() == 0 || nr.End <= qStart || nr.Start >= qEnd {
		return nil, nil
	}

	fullyContained := qStart <= nr.Start && nr.End <= qEnd
	if geom.IsLeaf(node) {
		if !fullyContained {
			return nil, errs.New(errs.InvalidArgument, "query range not aligned to leaf boundaries")
		}
		return []uint64{node}, nil
	}
	if fullyContained && nr.Len() <= maxLeaves {
		return []uint64{node}, nil
	}

	left, hasLeft, right, hasRight := geom.ChildrenOf(node)
	var out []uint64
	if hasLeft {
		sub, err := decompose(geom, left, qStart, qEnd, maxLeaves)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	if hasRight {
		sub, err := decompose(geom, right, qStart, qEnd, maxLeaves)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// buildTask fills in byte range and expected hashes for a node.
func buildTask(geom geometry.Geometry, ref LeafHashSource, node uint64) (NodeDownloadTask, error) {
	lr, err := geom.LeafRangeForNode(node)
	if err != nil {
		return NodeDownloadTask{}, err
	}
	start, end, err := geom.ByteRangeForNode(node)
	if err != nil {
		return NodeDownloadTask{}, err
	}
	hashes := make([][32]byte, 0, lr.Len())
	for i := lr.Start; i < lr.End; i++ {
		hashes = append(hashes, ref.LeafHash(i))
	}
	return NodeDownloadTask{
		NodeIndex:      node,
		FirstLeaf:      lr.Start,
		LastLeaf:       lr.End,
		StartByte:      start,
		EndByte:        end,
		ExpectedHashes: hashes,
	}, nil
}

// planWithCap is shared by LeafOnly (maxLeaves=1) and Coalescing
// (maxLeaves=fixed K): decompose each invalid run under the cap.
func planWithCap(geom geometry.Geometry, ref LeafHashSource, valid ValidityChecker, off, length, maxLeaves uint64) ([]NodeDownloadTask, error) {
	nodes, err := geom.NodesForByteRange(off, length)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	firstLeaf, lastLeaf := nodes[0], nodes[len(nodes)-1]

	var tasks []NodeDownloadTask
	for _, run := range invalidRunsInRange(valid, firstLeaf, lastLeaf) {
		nodeIndices, err := decompose(geom, geom.Root(), run.start, run.end, maxLeaves)
		if err != nil {
			return nil, err
		}
		for _, n := range nodeIndices {
			task, err := buildTask(geom, ref, n)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// LeafOnly never coalesces: every task covers exactly one leaf.
type LeafOnly struct{}

// Plan implements Scheduler.
func (LeafOnly) Plan(_ context.Context, geom geometry.Geometry, ref LeafHashSource, valid ValidityChecker, off, length uint64) ([]NodeDownloadTask, error) {
	return planWithCap(geom, ref, valid, off, length, 1)
}

// Coalescing merges contiguous invalid leaves into internal-node tasks up
// to a fixed leaf-count cap, trading fewer HTTP requests for coarser
// parallelism.
type Coalescing struct {
	MaxLeaves uint64
}

// NewCoalescing builds a Coalescing scheduler with the given cap. A cap of 0
// behaves like LeafOnly.
func NewCoalescing(maxLeaves uint64) Coalescing {
	if maxLeaves == 0 {
		maxLeaves = 1
	}
	return Coalescing{MaxLeaves: maxLeaves}
}

// Plan implements Scheduler.
func (c Coalescing) Plan(_ context.Context, geom geometry.Geometry, ref LeafHashSource, valid ValidityChecker, off, length uint64) ([]NodeDownloadTask, error) {
	return planWithCap(geom, ref, valid, off, length, c.MaxLeaves)
}
