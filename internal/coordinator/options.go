package coordinator

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithMaxConcurrentFetches bounds how many node fetches run at once across
// all callers of EnsureCovering. Default is 4.
func WithMaxConcurrentFetches(n int64) Option {
	return func(c *Coordinator) {
		if n <= 0 {
			n = 1
		}
		c.sem = semaphore.NewWeighted(n)
	}
}

// WithLogger overrides the coordinator's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = log }
}
