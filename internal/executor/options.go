package executor

import "time"

// Options configures an Executor.
type Options struct {
	// FieldTimeout bounds each backend-bound field resolution. The operation
	// context deadline always applies; 0 adds no extra bound.
	FieldTimeout time.Duration
}

type Option func(*Options)

func WithFieldTimeout(d time.Duration) Option { return func(o *Options) { o.FieldTimeout = d } }
