package subscription

import (
	"log/slog"
	"time"
)

// Policy decides what a field failure does to its sibling fields.
type Policy int

const (
	// FieldScoped keeps sibling fields streaming after a field fails or
	// ends.
	FieldScoped Policy = iota
	// AllOrNothing closes every field after the first failure and ends the
	// subscription.
	AllOrNothing
)

func (p Policy) String() string {
	if p == AllOrNothing {
		return "all-or-nothing"
	}
	return "field-scoped"
}

// Options configures a Multiplexer.
type Options struct {
	Policy Policy
	// MaxLifetime bounds every subscription. 0 means no limit.
	MaxLifetime time.Duration
	// Buffer is the number of emissions queued ahead of the consumer.
	Buffer int
	Logger *slog.Logger
}

type Option func(*Options)

func WithPolicy(p Policy) Option             { return func(o *Options) { o.Policy = p } }
func WithMaxLifetime(d time.Duration) Option { return func(o *Options) { o.MaxLifetime = d } }
func WithBuffer(n int) Option                { return func(o *Options) { o.Buffer = n } }
func WithLogger(l *slog.Logger) Option       { return func(o *Options) { o.Logger = l } }
