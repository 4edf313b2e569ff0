package grpctp

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
)

// Stream is an open server-streaming call.
type Stream struct {
	backend Backend
	method  protoreflect.MethodDescriptor
	cs      grpc.ClientStream
	ctx     context.Context
	cancel  context.CancelFunc
	rec     *callRecord

	mu       sync.Mutex
	messages int
	closed   bool
	ended    bool
}

// OpenStream starts a server-streaming call and sends its single request.
// The stream lives until the backend ends it, an error occurs, ctx ends or
// Close is called.
func (p *Pool) OpenStream(ctx context.Context, call Call) (*Stream, error) {
	c, err := p.conn(call.Backend)
	if err != nil {
		return nil, err
	}
	if err := checkRequest(call); err != nil {
		return nil, err
	}
	if !call.Method.IsStreamingServer() {
		return nil, failure.Newf(failure.InvalidArgument, string(call.Backend), "%s is not a streaming method", call.Method.FullName())
	}

	sctx, cancel := context.WithCancel(ctx)
	rec := p.begin(sctx, c, call.Method, true)
	desc := &grpc.StreamDesc{StreamName: string(call.Method.Name()), ServerStreams: true}
	cs, err := c.cc.NewStream(sctx, desc, protoreg.FullMethod(call.Method))
	if err == nil {
		err = cs.SendMsg(call.Request)
	}
	if err == nil {
		err = cs.CloseSend()
	}
	if err != nil {
		err = classify(sctx, call.Backend, err)
		rec.finish(sctx, err, 0)
		cancel()
		return nil, err
	}
	return &Stream{
		backend: call.Backend,
		method:  call.Method,
		cs:      cs,
		ctx:     sctx,
		cancel:  cancel,
		rec:     rec,
	}, nil
}

// Backend returns the backend serving the stream.
func (s *Stream) Backend() Backend { return s.backend }

// Next blocks for the next message. It returns io.EOF when the backend
// ended the stream normally and ErrClosed after Close. If ctx ends while
// waiting, the stream is closed and a Timeout failure is returned.
func (s *Stream) Next(ctx context.Context) (protoreflect.Message, error) {
	s.mu.Lock()
	closed, ended := s.closed, s.ended
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if ended {
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	msg := dynamicpb.NewMessage(s.method.Output())
	err := s.cs.RecvMsg(msg)
	if err == nil {
		s.mu.Lock()
		s.messages++
		s.mu.Unlock()
		return msg, nil
	}

	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return nil, ErrClosed
	case errors.Is(err, io.EOF):
		s.end(nil)
		return nil, io.EOF
	case ctx.Err() != nil:
		err = failure.Wrap(failure.Timeout, string(s.backend), ctx.Err(), "stream wait ended: "+ctx.Err().Error())
	default:
		err = classify(s.ctx, s.backend, err)
	}
	s.end(err)
	return nil, err
}

// Close cancels the underlying call. It is safe to call more than once and
// concurrently with Next.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.end(nil)
	return nil
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	n := s.messages
	s.mu.Unlock()
	s.cancel()
	s.rec.finish(context.WithoutCancel(s.ctx), err, n)
}
