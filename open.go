// Package mrklcache provides a virtualized, on-demand, integrity-verified
// local mirror of a large immutable remote file: a random-access byte
// interface backed by a Merkle reference tree, a persistent validity
// bitmap, and a chunked HTTP-range download pipeline (spec §1).
package mrklcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/scigolib/mrklcache/internal/cacheio"
	"github.com/scigolib/mrklcache/internal/coordinator"
	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/reftree"
	"github.com/scigolib/mrklcache/internal/state"
	"github.com/scigolib/mrklcache/internal/transport"
)

// Open enforces the three legal on-disk states at open time (spec §4.8) and
// returns a ready-to-use VerifiedChannel. cachePath is the local mirror of
// the remote file's bytes; statePath is normalized to end in ".mrkl" if it
// doesn't already; remoteURL identifies the origin file (its reference tree
// is expected at remoteURL+".mrkl").
func Open(ctx context.Context, cachePath, statePath, remoteURL string, opts ...Option) (*VerifiedChannel, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if !strings.HasSuffix(statePath, ".mrkl") {
		statePath += ".mrkl"
	}
	refPath := cachePath + ".mref"

	tr := transportFor(cfg)

	cacheExists := pathExists(cachePath)
	stateExists := pathExists(statePath)

	var (
		refTree *reftree.Tree
		st      *state.State
		cache   *cacheio.File
		err     error
	)

	switch {
	case !cacheExists && !stateExists:
		refTree, err = downloadReference(ctx, tr, remoteURL, refPath, cfg.chunkSize)
		if err != nil {
			return nil, err
		}
		st, err = state.CreateEmpty(refTree, statePath)
		if err != nil {
			return nil, err
		}
		cache, err = cacheio.Create(cachePath, refTree.Geometry().TotalSize())
		if err != nil {
			return nil, err
		}

	case cacheExists && stateExists:
		refTree, err = reftree.Load(refPath, cfg.chunkSize)
		if err != nil {
			return nil, err
		}
		st, err = state.Load(statePath, cfg.chunkSize)
		if err != nil {
			return nil, err
		}
		cache, err = cacheio.Open(cachePath)
		if err != nil {
			return nil, err
		}
		if cfg.verifyFreshness {
			refTree, err = maybeRefreshReference(ctx, cfg, tr, remoteURL, refPath, refTree, st)
			if err != nil {
				return nil, err
			}
		}

	default:
		return nil, errs.New(errs.InvalidState,
			"exactly one of cache file and state file exists; both or neither are required")
	}

	sched := cfg.sched
	coord := coordinator.New(refTree.Geometry(), refTree, st, cache, tr, sched, remoteURL, cfg.coordinatorOptions()...)

	// The mmap fast path is best-effort: unavailable off Linux, and a mapping
	// failure here (e.g. an exhausted mapping count) shouldn't fail Open since
	// cacheio.File.ReadAt is always a correct fallback.
	mmap, mmapErr := cacheio.NewMmapReader(cache)
	if mmapErr != nil {
		cfg.log.WithError(mmapErr).Debug("mmap fast path unavailable, using positional reads")
	}

	return &VerifiedChannel{
		geom:      refTree.Geometry(),
		ref:       refTree,
		st:        st,
		cache:     cache,
		mmap:      mmap,
		coord:     coord,
		url:       remoteURL,
		cachePath: cachePath,
		statePath: statePath,
		refPath:   refPath,
		log:       cfg.log,
	}, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func transportFor(cfg *config) *transport.Transport {
	var opts []transport.Option
	if cfg.httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(cfg.httpClient))
	}
	token := cfg.httpToken
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	if token != "" {
		opts = append(opts, transport.WithToken(token))
	}
	return transport.New(opts...)
}

// downloadReference fetches the remote reference tree file whole, writes it
// atomically to refPath (temp file in the same directory, then rename,
// mirroring reftree.Save), and loads it back to get a fully-populated Tree.
func downloadReference(ctx context.Context, tr *transport.Transport, remoteURL, refPath string, chunkSize uint64) (*reftree.Tree, error) {
	data, err := tr.FetchWhole(ctx, remoteURL+".mrkl")
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(refPath)
	tmp, err := os.CreateTemp(dir, ".mref-dl-*")
	if err != nil {
		return nil, errs.Wrap(errs.Io, "creating temp reference download file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; rename below removes it on success

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, errs.Wrap(errs.Io, "writing downloaded reference file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.Wrap(errs.Io, "closing downloaded reference file", err)
	}
	if err := os.Rename(tmpPath, refPath); err != nil {
		return nil, errs.Wrap(errs.Io, "renaming downloaded reference file into place", err)
	}

	return reftree.Load(refPath, chunkSize)
}

// maybeRefreshReference re-verifies the local reference tree against the
// remote's current one (spec §4.8 step 4): it compares footers only (no
// full Tree construction needed for that), and only replaces the local file
// when State has no valid leaves yet. Reshaping the bitmap's meaning out
// from under already-committed bytes would violate I1, so a partially or
// fully valid State is left untouched and a mismatch is only logged.
func maybeRefreshReference(ctx context.Context, cfg *config, tr *transport.Transport, remoteURL, refPath string, local *reftree.Tree, st *state.State) (*reftree.Tree, error) {
	data, err := tr.FetchWhole(ctx, remoteURL+".mrkl")
	if err != nil {
		cfg.log.WithError(err).Warn("freshness check: could not fetch remote reference tree, keeping local")
		return local, nil //nolint:nilerr // freshness check is best-effort, never fatal
	}
	if len(data) < reftree.FooterLength {
		cfg.log.Warn("freshness check: remote reference tree too small to contain a footer, keeping local")
		return local, nil
	}
	remoteFooter, err := reftree.DecodeFooter(data[len(data)-reftree.FooterLength:])
	if err != nil {
		cfg.log.WithError(err).Warn("freshness check: remote reference tree footer invalid, keeping local")
		return local, nil
	}
	if remoteFooter.FileDigest == local.FileDigest() {
		return local, nil
	}

	valid := st.ValidChunks()
	if valid.Count() != 0 {
		cfg.log.WithField("validLeaves", valid.Count()).
			Warn("freshness check: remote reference tree changed but local state has committed leaves; keeping local tree")
		return local, nil
	}

	dir := filepath.Dir(refPath)
	tmp, err := os.CreateTemp(dir, ".mref-refresh-*")
	if err != nil {
		return nil, errs.Wrap(errs.Io, "creating temp refreshed reference file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; rename below removes it on success
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, errs.Wrap(errs.Io, "writing refreshed reference file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.Wrap(errs.Io, "closing refreshed reference file", err)
	}
	if err := os.Rename(tmpPath, refPath); err != nil {
		return nil, errs.Wrap(errs.Io, "renaming refreshed reference file into place", err)
	}

	return reftree.Load(refPath, local.Geometry().ChunkSize())
}
