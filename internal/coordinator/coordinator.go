// Package coordinator implements the download coordinator (C6): turning a
// scheduler's task list into fetch+verify+commit work, de-duplicating
// concurrent fetches of the same node, and bounding total concurrency.
package coordinator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/scigolib/mrklcache/internal/cacheio"
	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/geometry"
	"github.com/scigolib/mrklcache/internal/reftree"
	"github.com/scigolib/mrklcache/internal/scheduler"
	"github.com/scigolib/mrklcache/internal/state"
	"github.com/scigolib/mrklcache/internal/transport"
)

// Coordinator owns the InflightRegistry (a singleflight.Group keyed by node
// index) and the fetch concurrency bound, and drives ensureCovering (spec
// §4.6).
type Coordinator struct {
	geom  geometry.Geometry
	ref   *reftree.Tree
	st    *state.State
	cache *cacheio.File
	tr    *transport.Transport
	sched scheduler.Scheduler
	url   string

	sem *semaphore.Weighted
	sf  singleflight.Group
	log *logrus.Entry

	integrityFailures atomic.Uint64
}

// New builds a Coordinator for one open mirror.
func New(geom geometry.Geometry, ref *reftree.Tree, st *state.State, cache *cacheio.File,
	tr *transport.Transport, sched scheduler.Scheduler, url string, opts ...Option,
) *Coordinator {
	c := &Coordinator{
		geom:  geom,
		ref:   ref,
		st:    st,
		cache: cache,
		tr:    tr,
		sched: sched,
		url:   url,
		sem:   semaphore.NewWeighted(4),
		log:   logrus.WithField("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IntegrityFailures returns the running count of tasks abandoned because a
// fetched leaf failed hash verification.
func (c *Coordinator) IntegrityFailures() uint64 { return c.integrityFailures.Load() }

// EnsureCovering guarantees every leaf touching [off, off+length) is valid
// in State when it returns without error: it plans the minimal task set,
// dispatches each through the InflightRegistry, and awaits them all.
func (c *Coordinator) EnsureCovering(ctx context.Context, off, length uint64) error {
	tasks, err := c.sched.Plan(ctx, c.geom, c.ref, c.st, off, length)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		eg.Go(func() error { return c.ensureTask(egCtx, task) })
	}
	return eg.Wait()
}

// ensureTask dispatches task through the InflightRegistry: concurrent
// callers requesting the same node share one fetch+verify cycle (I3).
func (c *Coordinator) ensureTask(ctx context.Context, task scheduler.NodeDownloadTask) error {
	key := strconv.FormatUint(task.NodeIndex, 10)
	_, err, _ := c.sf.Do(key, func() (any, error) {
		return nil, c.fetchAndVerify(ctx, task)
	})
	return err
}

// fetchAndVerify fetches task's byte range, verifies every covered leaf
// against its expected hash, and only then commits each leaf to the cache
// file and State. No leaf is committed if any leaf in the task fails
// verification (no-partial-commit policy): a coalesced node's one bad leaf
// costs the whole node a retry, which is exactly the signal
// scheduler.Adaptive uses to shrink its coalescing cap.
func (c *Coordinator) fetchAndVerify(ctx context.Context, task scheduler.NodeDownloadTask) error {
	if c.allValid(task) {
		return nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.Cancelled, "acquiring fetch semaphore", err)
	}
	defer c.sem.Release(1)

	if c.allValid(task) {
		return nil
	}

	data, err := c.tr.FetchRange(ctx, c.url, task.StartByte, task.EndByte-task.StartByte)
	if err != nil {
		return err
	}

	leafData := make([][]byte, task.LeafCount())
	for idx := uint64(0); idx < task.LeafCount(); idx++ {
		leafIdx := task.FirstLeaf + idx
		start := c.geom.ChunkStart(leafIdx) - task.StartByte
		end := c.geom.ChunkEnd(leafIdx) - task.StartByte
		chunk := data[start:end]
		sum := sha256.Sum256(chunk)
		if sum != task.ExpectedHashes[idx] {
			c.integrityFailures.Add(1)
			c.recordOutcome(task.LeafCount(), task.LeafCount())
			return errs.New(errs.Integrity, fmt.Sprintf("node %d leaf %d failed verification", task.NodeIndex, leafIdx))
		}
		leafData[idx] = chunk
	}

	for idx := uint64(0); idx < task.LeafCount(); idx++ {
		leafIdx := task.FirstLeaf + idx
		chunk := leafData[idx]
		offset := int64(c.geom.ChunkStart(leafIdx)) //nolint:gosec // bounded by totalSize
		ok, err := c.st.SaveIfValid(leafIdx, chunk, func(d []byte) error {
			_, werr := c.cache.WriteAt(d, offset)
			return werr
		})
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.Integrity, fmt.Sprintf("leaf %d failed verification on commit", leafIdx))
		}
	}

	c.recordOutcome(task.LeafCount(), 0)
	return nil
}

func (c *Coordinator) recordOutcome(total, failed uint64) {
	if adaptive, ok := c.sched.(*scheduler.Adaptive); ok {
		adaptive.RecordOutcome(total, failed)
	}
}

func (c *Coordinator) allValid(task scheduler.NodeDownloadTask) bool {
	for i := task.FirstLeaf; i < task.LastLeaf; i++ {
		if !c.st.IsValid(i) {
			return false
		}
	}
	return true
}
