package grpctp

import "errors"

var (
	// ErrClosed is returned by calls on a closed Pool or Stream.
	ErrClosed = errors.New("grpctp: closed")
	// ErrUnknownBackend indicates a call named a backend the pool has no
	// connection for.
	ErrUnknownBackend = errors.New("grpctp: unknown backend")
)
