package grpctp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
)

// Connection is the long-lived channel to one backend. It tracks the
// channel's connectivity and exposes it as a State.
type Connection struct {
	backend Backend
	target  string
	cc      *grpc.ClientConn
	opts    *Options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	since    time.Time
	failures int
	// changed is closed and replaced on every state change.
	changed chan struct{}
}

func newConnection(backend Backend, target string, opts *Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		backend: backend,
		target:  target,
		opts:    opts,
		logger:  logger.With("backend", string(backend), "target", target),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   Reconnecting,
		since:   time.Now(),
		changed: make(chan struct{}),
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           opts.Backoff,
			MinConnectTimeout: opts.MinConnectTimeout,
		}),
		grpc.WithContextDialer(c.dial),
		// The watcher owns reconnection; an idle channel would read as a
		// dropped backend.
		grpc.WithIdleTimeout(0),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpctp: %s: %w", backend, err)
	}
	c.cc = cc
	cc.Connect()
	go c.watch()
	return c, nil
}

// dial counts every failed connection attempt toward MaxFailures.
func (c *Connection) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.opts.Dialer(ctx, addr)
	if err != nil {
		c.mu.Lock()
		c.failures++
		if c.state == Connected {
			c.setLocked(Reconnecting)
		}
		if c.failures >= c.opts.MaxFailures {
			c.setLocked(Unavailable)
		}
		c.mu.Unlock()
		c.logger.Debug("connection attempt failed", "error", err)
	}
	return conn, err
}

func (c *Connection) watch() {
	defer close(c.done)
	for {
		s := c.cc.GetState()
		c.observe(s)
		if s == connectivity.Shutdown {
			return
		}
		if !c.cc.WaitForStateChange(c.ctx, s) {
			return
		}
	}
}

func (c *Connection) observe(s connectivity.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case connectivity.Ready:
		c.failures = 0
		c.setLocked(Connected)
	case connectivity.Idle:
		if c.state == Connected {
			c.setLocked(Reconnecting)
		}
		c.cc.Connect()
	case connectivity.Connecting, connectivity.TransientFailure:
		if c.state == Connected {
			c.setLocked(Reconnecting)
		}
	case connectivity.Shutdown:
		c.setLocked(Unavailable)
	}
}

func (c *Connection) setLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.since = time.Now()
	close(c.changed)
	c.changed = make(chan struct{})

	level := slog.LevelInfo
	if to == Unavailable {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "backend state changed",
		"from", from.String(), "to", to.String(), "failures", c.failures)
	eventbus.Publish(context.Background(), events.BackendStateChanged{
		Backend:  string(c.backend),
		Target:   c.target,
		From:     from.String(),
		To:       to.String(),
		Failures: c.failures,
	})
}

// Backend returns the backend identity of the connection.
func (c *Connection) Backend() Backend { return c.backend }

// Target returns the dial target.
func (c *Connection) Target() string { return c.target }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Backend:  c.backend,
		Target:   c.target,
		State:    c.state,
		Since:    c.since,
		Failures: c.failures,
	}
}

// available fails fast unless the connection is Connected.
func (c *Connection) available() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Connected {
		return nil
	}
	return failure.Newf(failure.BackendUnavailable, string(c.backend), "backend is %s", state)
}

// WaitState blocks until the connection reaches want or ctx ends.
func (c *Connection) WaitState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("grpctp: %s is %s: %w", c.backend, state, ctx.Err())
		}
	}
}

func (c *Connection) close() error {
	c.cancel()
	err := c.cc.Close()
	<-c.done
	c.mu.Lock()
	c.setLocked(Unavailable)
	c.mu.Unlock()
	return err
}
