package mrklcache

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/scigolib/mrklcache/internal/coordinator"
	"github.com/scigolib/mrklcache/internal/scheduler"
)

// defaultChunkSize is used when WithChunkSize is not given for a fresh open
// (an existing cache/state pair always dictates its own chunk size via
// config, since it is not recoverable from the on-disk layout alone).
const defaultChunkSize = 64 * 1024

// config collects the options accepted by Open.
type config struct {
	chunkSize            uint64
	maxConcurrentFetches int64
	httpToken            string
	httpClient           *http.Client
	sched                scheduler.Scheduler
	verifyFreshness      bool
	log                  *logrus.Entry
}

func defaultConfig() *config {
	return &config{
		chunkSize:            defaultChunkSize,
		maxConcurrentFetches: 4,
		sched:                scheduler.NewCoalescing(16),
		log:                  logrus.WithField("component", "mrklcache"),
	}
}

// Option configures Open.
type Option func(*config)

// WithChunkSize sets the chunk size used when creating a brand-new mirror
// and when loading an existing cache/state pair, which must be reopened with
// the chunk size it was created with. Must be a power of two.
func WithChunkSize(n uint64) Option {
	return func(c *config) { c.chunkSize = n }
}

// WithMaxConcurrentFetches bounds concurrent in-flight HTTP range fetches.
func WithMaxConcurrentFetches(n int64) Option {
	return func(c *config) { c.maxConcurrentFetches = n }
}

// WithHTTPToken sets the bearer token attached to every remote request,
// overriding the HF_TOKEN environment variable.
func WithHTTPToken(token string) Option {
	return func(c *config) { c.httpToken = token }
}

// WithHTTPClient overrides the *http.Client used for every remote request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithScheduler overrides the default coalescing scheduler. Use
// scheduler.LeafOnly{}, scheduler.NewCoalescing(k), or
// scheduler.NewAdaptive(initialK, minK, maxK).
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *config) { c.sched = s }
}

// WithFreshnessCheck enables re-verifying the local reference tree against
// the remote's at open time (spec §4.8 step 4): fetches the remote
// reference file with a GET and compares its footer digest with the local
// one, replacing the local file on mismatch. The replacement happens only
// when State has no valid leaves; otherwise the mismatch is only logged.
func WithFreshnessCheck() Option {
	return func(c *config) { c.verifyFreshness = true }
}

// WithLogger overrides the package's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *config) { c.log = log }
}

// coordinatorOptions translates config into coordinator.Options.
func (c *config) coordinatorOptions() []coordinator.Option {
	return []coordinator.Option{
		coordinator.WithMaxConcurrentFetches(c.maxConcurrentFetches),
		coordinator.WithLogger(c.log),
	}
}
