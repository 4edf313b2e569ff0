// Package subscription fans the root fields of a GraphQL subscription out
// to independent backend streams and merges their events into one ordered
// output per client subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
)

// ErrCancelled is returned by Subscription.Next once the subscription was
// cancelled.
var ErrCancelled = errors.New("subscription: cancelled")

// Source is a pull-style event stream bound to one root field. Next returns
// io.EOF when the backend ended the stream normally. Close must be safe to
// call concurrently with Next and more than once.
type Source interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// Opener opens the backend stream serving a subscription root field.
type Opener interface {
	Open(ctx context.Context, field string, args map[string]any) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, field string, args map[string]any) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, field string, args map[string]any) (Source, error) {
	return f(ctx, field, args)
}

// Multiplexer opens client subscriptions.
type Multiplexer struct {
	exec   *executor.Executor
	opener Opener
	opts   Options
	logger *slog.Logger
}

// New returns a Multiplexer completing events with exec and opening
// backend streams with opener.
func New(exec *executor.Executor, opener Opener, opts ...Option) *Multiplexer {
	o := Options{Buffer: 16}
	for _, f := range opts {
		f(&o)
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{exec: exec, opener: opener, opts: o, logger: logger}
}

// Emission is one message of a subscription. Data holds the completed
// value under the field's response name. Done marks the field's last
// emission; when the field failed it carries the field's error.
type Emission struct {
	Path   executor.Path
	Data   map[string]any
	Errors []executor.GraphQLError
	Done   bool
	Reason CloseReason
}

// Field returns the response name the emission belongs to.
func (e Emission) Field() string {
	if len(e.Path) == 0 {
		return ""
	}
	s, _ := e.Path[0].(string)
	return s
}

// Subscription is one client subscription operation.
type Subscription struct {
	ID string

	m         *Multiplexer
	doc       *language.QueryDocument
	operation string
	variables map[string]any
	handles   []*Handle
	out       chan Emission
	start     time.Time

	// life bounds every handle; it ends at MaxLifetime.
	life     context.Context
	stopLife context.CancelFunc
	stopWait func() bool

	wg        sync.WaitGroup
	mu        sync.Mutex
	cancelled bool
	failed    bool
}

// Subscribe validates the operation and opens one handle per root field.
// Handles open their backend streams concurrently; a field whose stream
// cannot be opened ends with an error emission. Cancelling ctx cancels the
// subscription.
func (m *Multiplexer) Subscribe(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*Subscription, error) {
	fields, err := m.exec.SubscriptionFields(doc, operationName, variables)
	if err != nil {
		return nil, err
	}

	life, stopLife := context.WithCancel(context.WithoutCancel(ctx))
	if m.opts.MaxLifetime > 0 {
		life, stopLife = context.WithTimeout(context.WithoutCancel(ctx), m.opts.MaxLifetime)
	}
	s := &Subscription{
		ID:        uuid.NewString(),
		m:         m,
		doc:       doc,
		operation: operationName,
		variables: variables,
		out:       make(chan Emission, m.opts.Buffer),
		start:     time.Now(),
		life:      life,
		stopLife:  stopLife,
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.ResponseName
		hctx, cancel := context.WithCancel(life)
		s.handles = append(s.handles, &Handle{
			field:  f,
			ctx:    hctx,
			cancel: cancel,
			done:   make(chan struct{}),
			stop:   make(chan struct{}),
		})
	}
	eventbus.Publish(ctx, events.SubscriptionStart{ID: s.ID, OperationName: operationName, Fields: names})
	m.logger.Debug("subscription started", "id", s.ID, "fields", names)

	s.wg.Add(len(s.handles))
	s.stopWait = context.AfterFunc(ctx, s.Cancel)
	for _, h := range s.handles {
		go s.run(h)
	}
	go func() {
		s.wg.Wait()
		s.stopWait()
		s.stopLife()
		close(s.out)
		eventbus.Publish(context.WithoutCancel(ctx), events.SubscriptionFinish{ID: s.ID, Duration: time.Since(s.start)})
	}()
	return s, nil
}

// Handles returns the subscription's field handles in document order.
func (s *Subscription) Handles() []*Handle {
	return append([]*Handle(nil), s.handles...)
}

// Next returns the next emission in arrival order. It returns io.EOF once
// every handle has closed and ErrCancelled after Cancel.
func (s *Subscription) Next(ctx context.Context) (Emission, error) {
	if s.isCancelled() {
		return Emission{}, ErrCancelled
	}
	select {
	case e, ok := <-s.out:
		// Holding the lock orders this return against Cancel.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cancelled {
			return Emission{}, ErrCancelled
		}
		if !ok {
			return Emission{}, io.EOF
		}
		return e, nil
	case <-ctx.Done():
		return Emission{}, ctx.Err()
	}
}

// Cancel closes every handle and waits until their backend streams are
// closed. No emission is returned by Next after Cancel returns.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	for _, h := range s.handles {
		h.close(ByClient)
	}
	s.wg.Wait()
}

// Done is closed when every handle has closed.
func (s *Subscription) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}

func (s *Subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Subscription) run(h *Handle) {
	defer s.wg.Done()
	defer close(h.done)
	path := executor.Path{h.field.ResponseName}

	src, err := s.m.opener.Open(h.ctx, h.field.Name, h.field.Args)
	if err != nil {
		s.terminate(h, path, BackendFailed, err)
		return
	}
	if !h.activate(src) {
		_ = src.Close()
		s.finish(h)
		return
	}

	for {
		ev, err := src.Next(h.ctx)
		if err != nil {
			_ = src.Close()
			switch {
			case h.closing():
				s.finish(h)
			case errors.Is(err, io.EOF):
				s.terminate(h, path, BackendEnded, nil)
			case errors.Is(s.life.Err(), context.DeadlineExceeded):
				s.terminate(h, path, BackendFailed, failure.Wrap(failure.Timeout, failure.BackendOf(err), err,
					fmt.Sprintf("subscription reached its maximum lifetime of %s", s.m.opts.MaxLifetime)))
			default:
				s.terminate(h, path, BackendFailed, err)
			}
			return
		}

		res := s.m.exec.ExecuteEvent(h.ctx, s.doc, s.operation, s.variables, h.field.ResponseName, ev)
		data, _ := res.Data.(map[string]any)
		if !s.emit(h, Emission{Path: path, Data: data, Errors: res.Errors}) {
			_ = src.Close()
			s.finish(h)
			return
		}
		h.count()
	}
}

// emit queues e unless the handle is closing.
func (s *Subscription) emit(h *Handle, e Emission) bool {
	if h.closing() {
		return false
	}
	select {
	case s.out <- e:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// terminate ends a handle on its own account and emits its final message.
func (s *Subscription) terminate(h *Handle, path executor.Path, reason CloseReason, err error) {
	if !h.beginClose(reason, err) {
		s.finish(h)
		return
	}
	final := Emission{Path: path, Done: true, Reason: reason}
	if err != nil {
		final.Data = map[string]any{h.field.ResponseName: nil}
		final.Errors = []executor.GraphQLError{executor.NewError(path, err)}
		s.m.logger.Warn("subscription field failed", "id", s.ID, "field", h.field.ResponseName, "error", err)
	}
	// The final message is delivered unless the client cancelled meanwhile.
	select {
	case s.out <- final:
	case <-h.stop:
	}
	s.finish(h)

	if reason == BackendFailed && s.m.opts.Policy == AllOrNothing {
		s.mu.Lock()
		first := !s.failed
		s.failed = true
		s.mu.Unlock()
		if first {
			for _, sib := range s.handles {
				if sib != h {
					sib.close(BackendFailed)
				}
			}
		}
	}
}

func (s *Subscription) finish(h *Handle) {
	h.markClosed()
	reason, err := h.Reason(), h.Err()
	eventbus.Publish(context.WithoutCancel(s.life), events.SubscriptionFieldClosed{
		ID:        s.ID,
		Field:     h.field.ResponseName,
		Reason:    reason.String(),
		Emissions: h.Emissions(),
		Err:       err,
	})
}
