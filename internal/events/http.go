package events

import (
	"net/http"
	"time"
)

// HTTPStart is published when a request reaches the gateway handler. The
// publishing context carries the request ID. WebSocket is set for
// graphql-ws upgrades, which finish when the connection closes.
type HTTPStart struct {
	Request   *http.Request
	WebSocket bool
}

type HTTPFinish struct {
	Request   *http.Request
	WebSocket bool
	Status    int
	Duration  time.Duration
}
