// Package grpctest runs in-memory backend stubs for tests. Stubs serve the
// contracts of protoreg with dynamic messages, so no generated code is
// needed.
package grpctest

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
)

const bufSize = 1 << 20

// Handler serves one method. req is the decoded request; send delivers a
// response and may be called once for unary methods and any number of
// times for streaming ones. Returning an error ends the call with it.
type Handler func(ctx context.Context, req protoreflect.Message, send func(proto.Message) error) error

// Received records one request a stub served.
type Received struct {
	Method   string
	Request  protoreflect.Message
	Metadata metadata.MD
}

// Network routes dial addresses to in-memory listeners.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Dial connects to the server listening on addr. Use it as the pool's
// dialer.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	s := n.servers[addr]
	n.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("grpctest: nothing listening on %q", addr)
	}
	return s.lis.DialContext(ctx)
}

// Listen starts a stub reachable at "passthrough:///"+name, replacing any
// previous server with that name.
func (n *Network) Listen(name string, reg *protoreg.Registry) *Server {
	s := &Server{
		name:     name,
		reg:      reg,
		lis:      bufconn.Listen(bufSize),
		handlers: make(map[string]Handler),
	}
	s.srv = grpc.NewServer(grpc.UnknownServiceHandler(s.serve))
	go func() { _ = s.srv.Serve(s.lis) }()

	n.mu.Lock()
	n.servers[name] = s
	n.mu.Unlock()
	return s
}

// Stop stops the named server and forgets it, so dials to it fail.
func (n *Network) Stop(name string) {
	n.mu.Lock()
	s := n.servers[name]
	delete(n.servers, name)
	n.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Close stops every server.
func (n *Network) Close() {
	n.mu.Lock()
	names := make([]string, 0, len(n.servers))
	for name := range n.servers {
		names = append(names, name)
	}
	n.mu.Unlock()
	for _, name := range names {
		n.Stop(name)
	}
}

// Server is one stub backend.
type Server struct {
	name string
	reg  *protoreg.Registry
	lis  *bufconn.Listener
	srv  *grpc.Server

	mu       sync.Mutex
	handlers map[string]Handler
	received []Received
}

// Target is the dial target of the server.
func (s *Server) Target() string { return "passthrough:///" + s.name }

// Handle registers h for method of service.
func (s *Server) Handle(service protoreflect.FullName, method string, h Handler) {
	md := s.reg.MustMethod(service, method)
	s.mu.Lock()
	s.handlers[protoreg.FullMethod(md)] = h
	s.mu.Unlock()
}

// Received returns the requests served so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Stop closes the listener and every open call.
func (s *Server) Stop() { s.srv.Stop() }

func (s *Server) serve(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	parts := strings.Split(strings.TrimPrefix(full, "/"), "/")
	if len(parts) != 2 {
		return status.Errorf(codes.Unimplemented, "malformed method %q", full)
	}
	md, err := s.reg.Method(protoreflect.FullName(parts[0]), parts[1])
	if err != nil {
		return status.Error(codes.Unimplemented, err.Error())
	}

	s.mu.Lock()
	h := s.handlers[full]
	s.mu.Unlock()
	if h == nil {
		return status.Errorf(codes.Unimplemented, "%s is not stubbed", full)
	}

	req := dynamicpb.NewMessage(md.Input())
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	inMD, _ := metadata.FromIncomingContext(stream.Context())
	s.mu.Lock()
	s.received = append(s.received, Received{Method: full, Request: req, Metadata: inMD})
	s.mu.Unlock()

	sent := 0
	return h(stream.Context(), req, func(m proto.Message) error {
		if !md.IsStreamingServer() && sent > 0 {
			return status.Error(codes.Internal, "unary method answered twice")
		}
		sent++
		return stream.SendMsg(m)
	})
}

// Reply returns a unary handler answering every request with resp.
func Reply(resp proto.Message) Handler {
	return func(_ context.Context, _ protoreflect.Message, send func(proto.Message) error) error {
		return send(resp)
	}
}

// Fail returns a handler ending every call with the given status.
func Fail(code codes.Code, msg string) Handler {
	return func(context.Context, protoreflect.Message, func(proto.Message) error) error {
		return status.Error(code, msg)
	}
}

// NewMessage builds a dynamic message of the named type of reg, setting
// top-level scalar and repeated scalar fields from values.
func NewMessage(reg *protoreg.Registry, service protoreflect.FullName, method string, output bool, values map[string]any) *dynamicpb.Message {
	md := reg.MustMethod(service, method)
	desc := md.Input()
	if output {
		desc = md.Output()
	}
	msg := dynamicpb.NewMessage(desc)
	for name, v := range values {
		fd := desc.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			panic(fmt.Sprintf("grpctest: %s has no field %q", desc.FullName(), name))
		}
		if list, ok := v.([]any); ok {
			l := msg.Mutable(fd).List()
			for _, e := range list {
				l.Append(protoreflect.ValueOf(e))
			}
			continue
		}
		msg.Set(fd, protoreflect.ValueOf(v))
	}
	return msg
}
