package subscription

import (
	"context"
	"fmt"
	"sync"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
)

// HandleState is the lifecycle position of one field's backend stream.
type HandleState int

const (
	Opening HandleState = iota
	Active
	Closing
	Closed
)

func (s HandleState) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("HandleState(%d)", int(s))
}

// CloseReason records why a handle left the Active state.
type CloseReason int

const (
	NotClosed CloseReason = iota
	ByClient
	BackendEnded
	BackendFailed
)

func (r CloseReason) String() string {
	switch r {
	case NotClosed:
		return ""
	case ByClient:
		return "ByClient"
	case BackendEnded:
		return "BackendEnded"
	case BackendFailed:
		return "BackendFailed"
	}
	return fmt.Sprintf("CloseReason(%d)", int(r))
}

// Handle binds one subscription root field to its backend stream.
type Handle struct {
	field  executor.RootField
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// stop is closed when the handle is closed from outside.
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     HandleState
	reason    CloseReason
	err       error
	src       Source
	emissions int
}

// Field returns the response name of the handle's root field.
func (h *Handle) Field() string { return h.field.ResponseName }

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Reason() CloseReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Err is the failure that closed the handle, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Emissions counts the events delivered for the field.
func (h *Handle) Emissions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emissions
}

// Done is closed when the handle reached Closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) activate(src Source) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Opening {
		return false
	}
	h.state = Active
	h.src = src
	return true
}

func (h *Handle) count() {
	h.mu.Lock()
	h.emissions++
	h.mu.Unlock()
}

func (h *Handle) closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state >= Closing
}

// beginClose moves the handle to Closing. It reports false when the handle
// was already closing for another reason.
func (h *Handle) beginClose(reason CloseReason, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state >= Closing {
		return false
	}
	h.state = Closing
	h.reason = reason
	h.err = err
	return true
}

// close is requested from outside the handle's goroutine. It interrupts a
// blocked Next by cancelling the handle context and closing the source.
func (h *Handle) close(reason CloseReason) {
	h.beginClose(reason, nil)
	h.mu.Lock()
	src := h.src
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })
	h.cancel()
	if src != nil {
		_ = src.Close()
	}
}

func (h *Handle) markClosed() {
	h.mu.Lock()
	h.state = Closed
	h.mu.Unlock()
	h.cancel()
}
