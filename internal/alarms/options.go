package alarms

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Options configures an Adapter.
type Options struct {
	// Stream names the log; it is only used in logs and events.
	Stream string
	// Subjects is the subject filter of the alarm partitions. The part
	// matched by the trailing wildcard names the alarm source.
	Subjects string
	// Window is the number of recent (source, offset) pairs remembered to
	// drop redeliveries.
	Window int

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *slog.Logger
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Stream:          "ACSYS",
		Subjects:        "alarms.>",
		Window:          1024,
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func WithStream(name string) Option     { return func(o *Options) { o.Stream = name } }
func WithSubjects(filter string) Option { return func(o *Options) { o.Subjects = filter } }
func WithWindow(n int) Option           { return func(o *Options) { o.Window = n } }
func WithMaxAttempts(n int) Option      { return func(o *Options) { o.MaxAttempts = n } }
func WithLogger(l *slog.Logger) Option  { return func(o *Options) { o.Logger = l } }

func WithRetryInterval(initial, maxInterval time.Duration) Option {
	return func(o *Options) {
		o.InitialInterval = initial
		o.MaxInterval = maxInterval
	}
}

func (o Options) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	return b
}
