package grpctp

import (
	"fmt"
	"strings"
	"time"
)

// Backend identifies one of the gateway's backend services.
type Backend string

const (
	Clock   Backend = "clock"
	DevDB   Backend = "devdb"
	DPM     Backend = "dpm"
	Scanner Backend = "scanner"
	TLG     Backend = "tlg"
)

// Backends lists every backend in reporting order.
var Backends = []Backend{Clock, DevDB, DPM, Scanner, TLG}

func (b Backend) String() string { return string(b) }

// ParseBackend accepts a backend name in any case.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownBackend, s)
}

// State is the availability of a backend connection as seen by callers.
type State int

const (
	// Reconnecting means the connection is being (re)established. New
	// connections start here until their first successful handshake.
	Reconnecting State = iota
	Connected
	// Unavailable means repeated attempts failed or the connection was shut
	// down. Reconnection continues in the background.
	Unavailable
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Unavailable:
		return "Unavailable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a point-in-time view of one connection.
type Status struct {
	Backend  Backend
	Target   string
	State    State
	Since    time.Time
	Failures int
}
