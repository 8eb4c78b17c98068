package schedule

import "os"

// Option configures a Run invocation.
type Option func(*config)

type config struct {
	logger                func(format string, args ...any)
	verify                bool
	minPartitionThreshold int
}

func newConfig(opts []Option) *config {
	c := &config{logger: func(string, ...any) {}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithMinPartitionThreshold sets spec.md §4.3.2 point 3's
// min_partition_threshold: a non-critical input whose weightSum falls
// under this value inherits its parent's partition instead of opening a
// new one. The zero value (the default) means every non-critical input
// always opens a new partition, since no weightSum is ever negative.
func WithMinPartitionThreshold(threshold int) Option {
	return func(c *config) { c.minPartitionThreshold = threshold }
}

// WithLogger installs a debug logger, called at the points the original's
// MIGRAPH_DEBUG_OPT dump statements fire: after weight computation, after
// the topological sort, and after stream assignment.
func WithLogger(logger func(format string, args ...any)) Option {
	return func(c *config) { c.logger = logger }
}

// WithVerify enables the post-splice sanity pass (spec.md §4.3.5): every
// instruction's arguments must already have been visited by the time the
// instruction itself is reached in the final program order. Off by
// default, matching the original's MIGRAPH_DEBUG_OPT-gated verify().
func WithVerify(enabled bool) Option {
	return func(c *config) { c.verify = enabled }
}

// StreamsEnabled reports whether multi-stream scheduling is enabled,
// reading the MIGRAPH_DISABLE_NULL_STREAM environment variable the same
// way the original's target selection does. Run itself never consults
// the environment; this is a convenience for callers wiring up their own
// entry point.
func StreamsEnabled() bool {
	return os.Getenv("MIGRAPH_DISABLE_NULL_STREAM") != ""
}
