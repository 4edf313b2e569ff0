package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	reqid "github.com/fermi-ad/extapi-acsys/internal/reqid"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// Subprotocol is the websocket subprotocol spoken by the subscription
// transport.
const Subprotocol = "graphql-ws"

// graphql-ws message types.
const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionError     = "connection_error"
	msgKeepAlive           = "ka"
	msgStart               = "start"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
	msgStop                = "stop"
	msgConnectionTerminate = "connection_terminate"
)

type clientMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type serverMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// session is one websocket connection. Operations started on it run until
// the client stops them, their fields all end, or the connection closes.
type session struct {
	h       *Handler
	conn    net.Conn
	ctx     context.Context
	limiter *rate.Limiter

	wmu       sync.Mutex
	keepAlive sync.Once

	mu      sync.Mutex
	ops     map[string]*subscription.Subscription
	// queries holds the cancel funcs of running queries and mutations
	queries map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := ws.HTTPUpgrader{
		Timeout: 60 * time.Second,
		Protocol: func(p string) bool {
			return p == Subprotocol
		},
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, rid := reqid.NewContext(context.WithoutCancel(r.Context()))
	ctx, cancel := context.WithCancel(h.outgoing(ctx, r, rid))
	defer cancel()

	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r, WebSocket: true})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, WebSocket: true, Status: http.StatusSwitchingProtocols, Duration: time.Since(start)})
	}()

	s := &session{
		h:       h,
		conn:    conn,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Inf, 0),
		ops:     make(map[string]*subscription.Subscription),
		queries: make(map[string]context.CancelFunc),
	}
	if h.opt.MessageRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(h.opt.MessageRate), max(h.opt.MessageBurst, 1))
	}
	defer s.closeAll()
	s.serve(cancel)
}

func (s *session) serve(cancel context.CancelFunc) {
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		raw, err := wsutil.ReadClientText(s.conn)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(serverMessage{Type: msgConnectionError, Payload: map[string]any{"message": "invalid message"}})
			return
		}

		switch msg.Type {
		case msgConnectionInit:
			if err := s.send(serverMessage{Type: msgConnectionAck}); err != nil {
				return
			}
			if every := s.h.opt.KeepAlive; every > 0 {
				s.keepAlive.Do(func() { go s.ping(every) })
			}
		case msgStart:
			s.start(msg.ID, msg.Payload)
		case msgStop:
			s.stop(msg.ID)
		case msgConnectionTerminate:
			cancel()
			return
		default:
			s.h.logger.Debug("unknown graphql-ws message", "type", msg.Type)
		}
	}
}

func (s *session) send(msg serverMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteServerText(s.conn, b)
}

func (s *session) ping(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.send(serverMessage{Type: msgKeepAlive}); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) fail(id string, errs ...specError) {
	_ = s.send(serverMessage{ID: id, Type: msgError, Payload: errs})
}

func (s *session) start(id string, payload json.RawMessage) {
	var req GraphQLRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Query == "" {
		s.fail(id, specError{Message: "invalid start payload"})
		return
	}
	s.mu.Lock()
	_, dup := s.ops[id]
	if _, running := s.queries[id]; running {
		dup = true
	}
	s.mu.Unlock()
	if dup {
		s.fail(id, specError{Message: "operation " + id + " is already running"})
		return
	}

	doc, errs := s.h.load(req.Query)
	if errs != nil {
		s.fail(id, errs...)
		return
	}

	if operationType(doc, req.OperationName) != string(language.Subscription) {
		s.query(id, req)
		return
	}

	sub, err := s.h.mux.Subscribe(s.ctx, doc, req.OperationName, req.Variables)
	if err != nil {
		s.fail(id, toSpecErrors([]executor.GraphQLError{executor.NewError(nil, err)})...)
		return
	}
	s.mu.Lock()
	s.ops[id] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(id, req, sub)
}

// query runs a query or mutation off the read loop. It answers once and
// completes, unless the client stops it first.
func (s *session) query(id string, req GraphQLRequest) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.queries[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		res := s.h.executeOne(ctx, req)

		s.mu.Lock()
		_, running := s.queries[id]
		delete(s.queries, id)
		s.mu.Unlock()
		if !running {
			return
		}
		_ = s.send(serverMessage{ID: id, Type: msgData, Payload: res})
		_ = s.send(serverMessage{ID: id, Type: msgComplete})
	}()
}

// pump forwards the emissions of sub until every field ended or the client
// stopped the operation.
func (s *session) pump(id string, req GraphQLRequest, sub *subscription.Subscription) {
	defer s.wg.Done()
	ctx, rpcTime := grpctp.WithCallTimer(s.ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: string(language.Subscription)})

	var errList []error
	var err error
	for {
		var e subscription.Emission
		e, err = sub.Next(ctx)
		if err != nil {
			break
		}
		for _, ge := range e.Errors {
			errList = append(errList, ge)
		}
		if err := s.send(serverMessage{ID: id, Type: msgData, Payload: emissionPayload(e)}); err != nil {
			sub.Cancel()
			break
		}
	}

	s.mu.Lock()
	if s.ops[id] == sub {
		delete(s.ops, id)
	}
	s.mu.Unlock()

	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: string(language.Subscription),
		Errors:        errList,
		Duration:      time.Since(start),
		RPCTime:       rpcTime(),
	})
	// A stopped operation is not completed.
	if !errors.Is(err, subscription.ErrCancelled) && s.ctx.Err() == nil {
		_ = s.send(serverMessage{ID: id, Type: msgComplete})
	}
}

// emissionPayload renders e as a graphql-ws data payload. The last
// emission of a field carries its completion in the extensions.
func emissionPayload(e subscription.Emission) specResult {
	out := specResult{Data: e.Data, Errors: toSpecErrors(e.Errors)}
	if e.Done {
		path := make([]any, len(e.Path))
		for i, p := range e.Path {
			path[i] = p
		}
		out.Extensions = map[string]any{
			"completed": true,
			"path":      path,
			"reason":    e.Reason.String(),
		}
	}
	return out
}

func (s *session) stop(id string) {
	s.mu.Lock()
	sub, ok := s.ops[id]
	delete(s.ops, id)
	cancel, running := s.queries[id]
	delete(s.queries, id)
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
	if running {
		cancel()
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	subs := make([]*subscription.Subscription, 0, len(s.ops))
	for id, sub := range s.ops {
		subs = append(subs, sub)
		delete(s.ops, id)
	}
	for id, cancel := range s.queries {
		cancel()
		delete(s.queries, id)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	s.wg.Wait()
}
