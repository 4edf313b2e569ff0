package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"google.golang.org/grpc/metadata"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	reqid "github.com/fermi-ad/extapi-acsys/internal/reqid"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// RequestIDKey is the metadata key carrying the request ID to the backends.
const RequestIDKey = "graphql-request-id"

// Handler is an http.Handler that serves a GraphQL endpoint.
// Queries and mutations are answered over HTTP; a websocket upgrade
// speaking graphql-ws serves subscriptions when they are enabled.
type Handler struct {
	exec   *executor.Executor
	mux    *subscription.Multiplexer
	opt    Options
	logger *slog.Logger
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. Subscriptions are not bound by it.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata in
	// addition to Authorization, which is always forwarded.
	// Header names are case-insensitive.
	MetadataHeaders []string

	// Validation, when set, validates every operation against the schema
	// before it is executed. Without it only syntax is checked.
	Validation *ast.Schema

	// Opener serves subscription root fields. Nil disables subscriptions.
	Opener       subscription.Opener
	Subscription []subscription.Option

	// KeepAlive is the interval of graphql-ws "ka" messages. 0 disables them.
	KeepAlive time.Duration

	// MessageRate and MessageBurst limit the client messages read from one
	// websocket connection. A zero rate means unlimited.
	MessageRate  float64
	MessageBurst int

	Logger *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// WithCORSHeaders sets the request headers allowed on preflight. Without it
// the requested headers are echoed back.
func WithCORSHeaders(headers ...string) Option {
	return func(o *Options) { o.CORS.AllowedHeaders = headers }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithValidation(sch *ast.Schema) Option { return func(o *Options) { o.Validation = sch } }

// WithSubscriptions enables the graphql-ws transport. Root fields are
// opened with opener and multiplexed with opts.
func WithSubscriptions(opener subscription.Opener, opts ...subscription.Option) Option {
	return func(o *Options) {
		o.Opener = opener
		o.Subscription = opts
	}
}
func WithKeepAlive(d time.Duration) Option { return func(o *Options) { o.KeepAlive = d } }
func WithMessageRate(perSecond float64, burst int) Option {
	return func(o *Options) { o.MessageRate, o.MessageBurst = perSecond, burst }
}
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
	AllowedHeaders []string
}

// New creates a new GraphQL HTTP handler using the given runtime and schema.
func New(runtime executor.Runtime, schema *schema.Schema, opts ...Option) (*Handler, error) {
	op := Options{Timeout: 10 * time.Second, KeepAlive: 4 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Opener != nil && schema.GetSubscriptionType() == nil {
		return nil, errors.New("server: subscriptions enabled but the schema has no subscription type")
	}
	logger := op.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{exec: executor.NewExecutor(runtime, schema), opt: op, logger: logger}
	if op.Opener != nil {
		subOpts := append([]subscription.Option{subscription.WithLogger(logger)}, op.Subscription...)
		h.mux = subscription.New(h.exec, op.Opener, subOpts...)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.mux != nil && isUpgrade(r) {
		h.serveWS(w, r)
		return
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(nil, &language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	ctx = h.outgoing(ctx, r, rid)

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(nil, berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		op := make([]any, len(batch))
		for i := range batch {
			op[i] = h.executeOne(ctx, batch[i])
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	res := h.executeOne(ctx, req)
	writeJSON(w, status, res, h.opt.Pretty)
}

// outgoing attaches the forwarded headers and the request ID to ctx's
// outgoing metadata.
func (h *Handler) outgoing(ctx context.Context, r *http.Request, rid string) context.Context {
	md := metadata.MD{}
	if auth := r.Header.Values("Authorization"); len(auth) > 0 {
		md[grpctp.AuthorizationKey] = auth
	}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md[RequestIDKey] = []string{rid}
	return metadata.NewOutgoingContext(ctx, md)
}

// load parses req's document and, when configured, validates it.
func (h *Handler) load(query string) (*language.QueryDocument, []specError) {
	if h.opt.Validation != nil {
		doc, errs := language.LoadQuery(h.opt.Validation, query)
		if len(errs) > 0 {
			out := make([]specError, len(errs))
			for i, e := range errs {
				out[i] = requestError(e)
			}
			return nil, out
		}
		return doc, nil
	}
	doc, err := language.ParseQuery(query)
	if err != nil {
		var ge *language.Error
		if !errors.As(err, &ge) {
			ge = &language.Error{Message: err.Error()}
		}
		return nil, []specError{requestError(ge)}
	}
	return doc, nil
}

func operationType(doc *language.QueryDocument, name string) string {
	op := doc.Operations.ForName(name)
	if op == nil && name == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		return ""
	}
	return string(op.Operation)
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) any {
	doc, errs := h.load(req.Query)
	if errs != nil {
		return specResult{Errors: errs}
	}
	opType := operationType(doc, req.OperationName)

	ctx, rpcTime := grpctp.WithCallTimer(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	result := h.exec.ExecuteRequest(ctx, doc, req.OperationName, req.Variables, nil)
	errList := make([]error, len(result.Errors))
	for i := range result.Errors {
		errList[i] = result.Errors[i]
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        errList,
		Duration:      time.Since(start),
		RPCTime:       rpcTime(),
	})
	return toSpecResult(result)
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data       any            `json:"data"`
	Errors     []specError    `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// requestError reports a document that could not be executed at all.
func requestError(err *language.Error) specError {
	se := specError{
		Message:    err.Message,
		Extensions: map[string]any{"kind": string(failure.InvalidArgument)},
	}
	for _, loc := range err.Locations {
		se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
	}
	return se
}

func errorResponse(data any, err *language.Error) specResult {
	return specResult{Data: data, Errors: []specError{{Message: err.Message}}}
}

func toSpecErrors(errs []executor.GraphQLError) []specError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]specError, len(errs))
	for i, e := range errs {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		if len(e.Path) > 0 {
			se.Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				switch v := pe.(type) {
				case string:
					se.Path[j] = v
				case int:
					se.Path[j] = v
				default:
					se.Path[j] = toString(v)
				}
			}
		}
		out[i] = se
	}
	return out
}

// toSpecResult keeps partial data next to the errors.
func toSpecResult(res *executor.ExecutionResult) specResult {
	return specResult{Data: res.Data, Errors: toSpecErrors(res.Errors)}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func toString(v any) string { b, _ := json.Marshal(v); return string(b) }

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if len(opts.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(opts.AllowedHeaders, ", "))
		} else if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
