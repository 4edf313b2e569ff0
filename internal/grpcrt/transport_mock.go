package grpcrt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
)

// CallRecord captures a single call for assertions.
type CallRecord struct {
	Backend grpctp.Backend
	// FullMethod is "/<service full name>/<method>".
	FullMethod string
	// Request is a deep copy of the request.
	Request proto.Message
	// Authorization is the bearer token forwarded with the call, if any.
	Authorization string
}

// UnaryFunc answers a unary call of MockTransport.
type UnaryFunc func(ctx context.Context, req protoreflect.Message) (proto.Message, error)

// StreamFunc answers a streaming call of MockTransport with the messages
// to deliver and the error ending the stream. A nil error ends the stream
// normally.
type StreamFunc func(ctx context.Context, req protoreflect.Message) ([]proto.Message, error)

// MockTransport implements Transport with per-method handlers and records
// every call for inspection. Methods without a handler fail.
type MockTransport struct {
	mu      sync.Mutex
	unary   map[string]UnaryFunc
	streams map[string]StreamFunc
	calls   []CallRecord
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		unary:   make(map[string]UnaryFunc),
		streams: make(map[string]StreamFunc),
	}
}

// OnUnary registers f for service/method.
func (m *MockTransport) OnUnary(service protoreflect.FullName, method string, f UnaryFunc) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unary[fullMethod(service, method)] = f
	return m
}

// OnStream registers f for service/method.
func (m *MockTransport) OnStream(service protoreflect.FullName, method string, f StreamFunc) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[fullMethod(service, method)] = f
	return m
}

func (m *MockTransport) Invoke(ctx context.Context, call grpctp.Call) (protoreflect.Message, error) {
	full := m.record(ctx, call)
	m.mu.Lock()
	f := m.unary[full]
	m.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("mock transport: %s is not stubbed", full)
	}
	resp, err := f(ctx, call.Request.ProtoReflect())
	if err != nil {
		return nil, err
	}
	return resp.ProtoReflect(), nil
}

func (m *MockTransport) OpenStream(ctx context.Context, call grpctp.Call) (MessageStream, error) {
	full := m.record(ctx, call)
	m.mu.Lock()
	f := m.streams[full]
	m.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("mock transport: %s is not stubbed", full)
	}
	msgs, err := f(ctx, call.Request.ProtoReflect())
	return &mockStream{msgs: msgs, err: err}, nil
}

// Calls returns a snapshot of the recorded calls.
func (m *MockTransport) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockTransport) record(ctx context.Context, call grpctp.Call) string {
	full := protoreg.FullMethod(call.Method)
	token, _ := grpctp.Authorization(ctx)
	m.mu.Lock()
	m.calls = append(m.calls, CallRecord{
		Backend:       call.Backend,
		FullMethod:    full,
		Request:       proto.Clone(call.Request),
		Authorization: token,
	})
	m.mu.Unlock()
	return full
}

func fullMethod(service protoreflect.FullName, method string) string {
	return fmt.Sprintf("/%s/%s", service, method)
}

type mockStream struct {
	mu     sync.Mutex
	msgs   []proto.Message
	err    error
	closed bool
}

func (s *mockStream) Next(ctx context.Context) (protoreflect.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, grpctp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.msgs) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg.ProtoReflect(), nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
