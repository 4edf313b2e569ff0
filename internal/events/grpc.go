package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted before a backend call is issued. Streaming
// calls emit it when the stream opens.
type GRPCClientStart struct {
	// CallID is unique per call within the process. Concurrent calls of one
	// request share the request ID, so subscribers key per-call state by it.
	CallID    uint64
	Backend   string
	Service   string
	Method    string
	Target    string
	Streaming bool
}

// GRPCClientFinish is emitted after a backend call completes. For streams
// it is emitted once the stream ends or is closed.
type GRPCClientFinish struct {
	CallID    uint64
	Backend   string
	Service   string
	Method    string
	Target    string
	Streaming bool
	Code      codes.Code
	// Kind is the failure kind of Err, empty on success.
	Kind     string
	Err      error
	Duration time.Duration
	// Messages counts the responses received.
	Messages int
}

// BackendStateChanged is emitted when a backend connection moves between
// Connected, Reconnecting and Unavailable.
type BackendStateChanged struct {
	Backend  string
	Target   string
	From     string
	To       string
	Failures int
}
