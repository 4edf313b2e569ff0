package grpctp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
)

// Call is one request to a backend method.
type Call struct {
	Backend Backend
	Method  protoreflect.MethodDescriptor
	Request proto.Message
}

// Pool owns one Connection per backend. It is created once at startup and
// shared by every operation.
type Pool struct {
	opts   *Options
	conns  map[Backend]*Connection
	order  []Backend
	calls  atomic.Uint64
	closed atomic.Bool
}

// New creates a connection for every entry of targets. Connections are
// established in the background; use WaitReady to block on them.
func New(targets map[Backend]string, opts ...Option) (*Pool, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 1
	}
	p := &Pool{opts: o, conns: make(map[Backend]*Connection, len(targets))}
	for b := range targets {
		if _, err := ParseBackend(string(b)); err != nil {
			return nil, err
		}
	}
	for _, b := range Backends {
		if _, ok := targets[b]; ok {
			p.order = append(p.order, b)
		}
	}
	for _, b := range p.order {
		c, err := newConnection(b, targets[b], o)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.conns[b] = c
	}
	return p, nil
}

// Connection returns the connection for b.
func (p *Pool) Connection(b Backend) (*Connection, error) {
	c, ok := p.conns[b]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, b)
	}
	return c, nil
}

func (p *Pool) conn(b Backend) (*Connection, error) {
	if p.closed.Load() {
		return nil, failure.Wrap(failure.BackendUnavailable, string(b), ErrClosed, "connection pool is closed")
	}
	c, err := p.Connection(b)
	if err != nil {
		return nil, failure.Wrap(failure.BackendUnavailable, string(b), err, "no connection configured")
	}
	if err := c.available(); err != nil {
		return nil, err
	}
	return c, nil
}

// Status reports every connection in backend order.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.order))
	for _, b := range p.order {
		out = append(out, p.conns[b].Status())
	}
	return out
}

// Ready reports whether every backend is Connected.
func (p *Pool) Ready() bool {
	for _, c := range p.conns {
		if c.State() != Connected {
			return false
		}
	}
	return len(p.conns) > 0 && !p.closed.Load()
}

// WaitReady blocks until every backend is Connected or ctx ends.
func (p *Pool) WaitReady(ctx context.Context) error {
	for _, b := range p.order {
		if err := p.conns[b].WaitState(ctx, Connected); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down every connection.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, c := range p.conns {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invoke issues a unary call. The response is a dynamic message of the
// method's output type. A backend that is not Connected fails the call
// immediately with BackendUnavailable.
func (p *Pool) Invoke(ctx context.Context, call Call) (protoreflect.Message, error) {
	c, err := p.conn(call.Backend)
	if err != nil {
		return nil, err
	}
	if err := checkRequest(call); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && p.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RPCTimeout)
		defer cancel()
	}

	rec := p.begin(ctx, c, call.Method, false)
	resp := dynamicpb.NewMessage(call.Method.Output())
	err = c.cc.Invoke(ctx, protoreg.FullMethod(call.Method), call.Request, resp)
	err = classify(ctx, call.Backend, err)
	messages := 1
	if err != nil {
		messages = 0
	}
	rec.finish(ctx, err, messages)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func checkRequest(call Call) error {
	if call.Method == nil || call.Request == nil {
		return failure.New(failure.InvalidArgument, string(call.Backend), "call has no method or request")
	}
	got := call.Request.ProtoReflect().Descriptor().FullName()
	if want := call.Method.Input().FullName(); got != want {
		return failure.Newf(failure.InvalidArgument, string(call.Backend), "request is %s, %s expects %s", got, call.Method.FullName(), want)
	}
	return nil
}

// classify converts a call error into a failure. The context decides
// whether a cancellation was a deadline.
func classify(ctx context.Context, backend Backend, err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Internal &&
		(strings.Contains(s.Message(), "unmarshal") || strings.Contains(s.Message(), "parse")) {
		return failure.Wrap(failure.ProtocolViolation, string(backend), err, "response does not match the method's contract: "+s.Message())
	}
	return failure.FromStatus(ctx, string(backend), err)
}

// callRecord publishes the start and finish events of one call.
type callRecord struct {
	start     time.Time
	streaming bool
	evt       events.GRPCClientStart
}

func (p *Pool) begin(ctx context.Context, c *Connection, md protoreflect.MethodDescriptor, streaming bool) *callRecord {
	rec := &callRecord{
		start:     time.Now(),
		streaming: streaming,
		evt: events.GRPCClientStart{
			CallID:    p.calls.Add(1),
			Backend:   string(c.backend),
			Service:   string(md.Parent().FullName()),
			Method:    string(md.Name()),
			Target:    c.target,
			Streaming: streaming,
		},
	}
	eventbus.Publish(ctx, rec.evt)
	return rec
}

func (r *callRecord) finish(ctx context.Context, err error, messages int) {
	elapsed := time.Since(r.start)
	if !r.streaming {
		addCallTime(ctx, elapsed)
	}
	eventbus.Publish(ctx, events.GRPCClientFinish{
		CallID:    r.evt.CallID,
		Backend:   r.evt.Backend,
		Service:   r.evt.Service,
		Method:    r.evt.Method,
		Target:    r.evt.Target,
		Streaming: r.streaming,
		Code:      status.Code(err),
		Kind:      failure.KindOf(err).String(),
		Err:       err,
		Duration:  elapsed,
		Messages:  messages,
	})
}
