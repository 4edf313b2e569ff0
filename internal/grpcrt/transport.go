package grpcrt

import (
	"context"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
)

// Transport carries backend calls. Implementations must be safe for
// concurrent use: the executor resolves independent fields in parallel.
//
// Provided implementations:
//   - PoolTransport: the shared connection pool of internal/grpctp
//   - MockTransport: scripted handlers for tests
type Transport interface {
	// Invoke issues a unary call.
	Invoke(ctx context.Context, call grpctp.Call) (protoreflect.Message, error)
	// OpenStream starts a server-streaming call.
	OpenStream(ctx context.Context, call grpctp.Call) (MessageStream, error)
}

// MessageStream is an open server-streaming call. Next returns io.EOF once
// the backend ended the stream.
type MessageStream interface {
	Next(ctx context.Context) (protoreflect.Message, error)
	Close() error
}

type poolTransport struct {
	pool *grpctp.Pool
}

// PoolTransport returns a Transport backed by pool.
func PoolTransport(pool *grpctp.Pool) Transport {
	return poolTransport{pool: pool}
}

func (t poolTransport) Invoke(ctx context.Context, call grpctp.Call) (protoreflect.Message, error) {
	return t.pool.Invoke(ctx, call)
}

func (t poolTransport) OpenStream(ctx context.Context, call grpctp.Call) (MessageStream, error) {
	s, err := t.pool.OpenStream(ctx, call)
	if err != nil {
		return nil, err
	}
	return s, nil
}
