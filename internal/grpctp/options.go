package grpctp

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
)

// Options configures the backend client pool.
//
// Defaults:
//   - Backoff:      1s base, 1.6 multiplier, 0.2 jitter, 30s max
//   - MaxFailures:  5 consecutive failed connection attempts
//   - RPCTimeout:   3s (used only if the call context has no deadline)
//   - Dialer:       TCP
type Options struct {
	Backoff           backoff.Config
	MinConnectTimeout time.Duration
	MaxFailures       int
	RPCTimeout        time.Duration

	// Dialer opens the raw connection for every attempt. Tests replace it
	// with an in-memory listener.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	// DialOptions are appended after the pool's own options.
	DialOptions []grpc.DialOption

	Logger *slog.Logger
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Backoff:           backoff.DefaultConfig,
		MinConnectTimeout: 20 * time.Second,
		MaxFailures:       5,
		RPCTimeout:        3 * time.Second,
		Dialer: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// WithBackoff sets the reconnect schedule: the first retry waits base, each
// following one multiplier times longer up to max, randomized by jitter.
func WithBackoff(base time.Duration, multiplier, jitter float64, maxDelay time.Duration) Option {
	return func(o *Options) {
		o.Backoff = backoff.Config{BaseDelay: base, Multiplier: multiplier, Jitter: jitter, MaxDelay: maxDelay}
	}
}

func WithMinConnectTimeout(d time.Duration) Option { return func(o *Options) { o.MinConnectTimeout = d } }
func WithMaxFailures(n int) Option                 { return func(o *Options) { o.MaxFailures = n } }
func WithRPCTimeout(d time.Duration) Option        { return func(o *Options) { o.RPCTimeout = d } }
func WithLogger(l *slog.Logger) Option             { return func(o *Options) { o.Logger = l } }

func WithDialer(f func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *Options) { o.Dialer = f }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = append(o.DialOptions, opts...) }
}
