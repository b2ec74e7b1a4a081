package scheduler

import (
	"context"
	"sync"

	"github.com/scigolib/mrklcache/internal/geometry"
)

// Adaptive adjusts its coalescing cap from an exponential moving average of
// recent per-task leaf-verification failure rates: a coalesced node that
// turns out mostly corrupt wastes more retransmission than a small one, so
// a rising failure rate shrinks the cap; a clean run slowly grows it back,
// trading request count for blast-radius as the remote's reliability
// becomes apparent.
type Adaptive struct {
	mu sync.Mutex

	k          uint64
	minK, maxK uint64
	alpha      float64
	emaFail    float64
}

// NewAdaptive builds an Adaptive scheduler starting at initialK leaves per
// coalesced node, never growing past maxK or shrinking below minK.
func NewAdaptive(initialK, minK, maxK uint64) *Adaptive {
	if minK == 0 {
		minK = 1
	}
	if maxK < minK {
		maxK = minK
	}
	if initialK < minK {
		initialK = minK
	}
	if initialK > maxK {
		initialK = maxK
	}
	return &Adaptive{k: initialK, minK: minK, maxK: maxK, alpha: 0.2}
}

// Plan implements Scheduler using the current cap.
func (a *Adaptive) Plan(_ context.Context, geom geometry.Geometry, ref LeafHashSource, valid ValidityChecker, off, length uint64) ([]NodeDownloadTask, error) {
	a.mu.Lock()
	k := a.k
	a.mu.Unlock()
	return planWithCap(geom, ref, valid, off, length, k)
}

// RecordOutcome feeds back how a completed task verified: totalLeaves is
// NodeDownloadTask.LeafCount(), failedLeaves is how many of those leaves
// were lost to verification failure. The coordinator calls this once per
// fetched task: with failedLeaves == 0 when every leaf was committed, and
// with failedLeaves == totalLeaves when any leaf failed its hash check,
// since then none of the task's leaves is committed.
func (a *Adaptive) RecordOutcome(totalLeaves, failedLeaves uint64) {
	if totalLeaves == 0 {
		return
	}
	failRatio := float64(failedLeaves) / float64(totalLeaves)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.emaFail = a.alpha*failRatio + (1-a.alpha)*a.emaFail

	switch {
	case a.emaFail > 0.05:
		if a.k > a.minK {
			a.k /= 2
			if a.k < a.minK {
				a.k = a.minK
			}
		}
	case a.emaFail < 0.01:
		if a.k < a.maxK {
			a.k *= 2
			if a.k > a.maxK {
				a.k = a.maxK
			}
		}
	}
}

// CurrentCap returns the scheduler's current coalescing cap, for tests and
// diagnostics.
func (a *Adaptive) CurrentCap() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.k
}
