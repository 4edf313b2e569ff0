package grpcrt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/fermi-ad/extapi-acsys/internal/alarms"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// Runtime implements executor.Runtime and subscription.Opener for the
// gateway schema.
//
// Values handed back to the executor are plain maps keyed by GraphQL field
// name; members of interfaces and unions carry "__typename". ResolveSync
// only projects fields out of those maps and never performs I/O. Every
// backend call happens in ResolveAsync or, for subscriptions, in Open.
type Runtime struct {
	reg       *protoreg.Registry
	transport Transport
	alarms    *alarms.Adapter
	status    func() []grpctp.Status
	logger    *slog.Logger

	fields  map[fieldKey]boundField
	streams map[string]boundStream
}

type boundField struct {
	endpoint
	resolve resolveFunc
}

type boundStream struct {
	endpoint
	open openFunc
}

var (
	_ executor.Runtime    = (*Runtime)(nil)
	_ subscription.Opener = (*Runtime)(nil)
)

type Option func(*Runtime)

// WithRegistry sets the contracts calls are built from. The default is
// protoreg.Default().
func WithRegistry(reg *protoreg.Registry) Option { return func(r *Runtime) { r.reg = reg } }

// WithAlarms serves alarmsSnapshot and the alarms subscription from a.
func WithAlarms(a *alarms.Adapter) Option { return func(r *Runtime) { r.alarms = a } }

// WithStatus reports backend connection states through the backends field.
func WithStatus(f func() []grpctp.Status) Option { return func(r *Runtime) { r.status = f } }

func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

func NewRuntime(transport Transport, opts ...Option) *Runtime {
	r := &Runtime{transport: transport}
	for _, f := range opts {
		f(r)
	}
	if r.reg == nil {
		r.reg = protoreg.Default()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.fields = make(map[fieldKey]boundField)
	for key, b := range fieldBindings() {
		r.fields[key] = boundField{endpoint: b.bind(r.reg), resolve: b.resolve}
	}
	r.streams = make(map[string]boundStream)
	for name, b := range streamBindings() {
		r.streams[name] = boundStream{endpoint: b.bind(r.reg), open: b.open}
	}
	return r
}

// ResolveSync serves the root fields that need no backend and projects
// every other field from its parent value.
func (r *Runtime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	if objectType == "Query" {
		switch field {
		case "device":
			return map[string]any{"id": args["id"]}, nil
		case "retrieveScans":
			return knownStations(), nil
		case "backends":
			return r.backends(), nil
		}
	}
	obj, ok := source.(map[string]any)
	if !ok {
		return nil, failure.Newf(failure.ProtocolViolation, "", "%s.%s: no value to read from (%T)", objectType, field, source)
	}
	return obj[field], nil
}

// ResolveAsync issues the backend call bound to the task's field.
func (r *Runtime) ResolveAsync(ctx context.Context, task executor.ResolveTask) (any, error) {
	b, ok := r.fields[fieldKey{task.ObjectType, task.Field}]
	if !ok {
		return nil, fmt.Errorf("grpcrt: no backend bound to %s.%s", task.ObjectType, task.Field)
	}
	return b.resolve(r, ctx, b.endpoint, task)
}

// ResolveType reads the concrete type recorded in the value.
func (r *Runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	obj, _ := value.(map[string]any)
	name, _ := obj["__typename"].(string)
	if name == "" {
		return "", fmt.Errorf("value of %s has no concrete type", abstractType)
	}
	return name, nil
}

// SerializeLeafValue converts scalars for the JSON response. DateTime is
// an RFC 3339 string in UTC and Bytes is standard base64.
func (r *Runtime) SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case int32:
		return int(v), nil
	case int:
		return integer(scalarOrEnumTypeName, int64(v))
	case int64:
		return integer(scalarOrEnumTypeName, v)
	case uint32:
		return integer(scalarOrEnumTypeName, int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return nil, failure.Newf(failure.ProtocolViolation, "", "%d overflows %s", v, scalarOrEnumTypeName)
		}
		return integer(scalarOrEnumTypeName, int64(v))
	case float32:
		return float64(v), nil
	case string, bool, float64:
		return v, nil
	}
	return nil, fmt.Errorf("cannot serialize %T as %s", value, scalarOrEnumTypeName)
}

// integer checks v against the 32-bit range of GraphQL Int.
func integer(typ string, v int64) (any, error) {
	if typ == "Int" && (v < math.MinInt32 || v > math.MaxInt32) {
		return nil, failure.Newf(failure.ProtocolViolation, "", "%d overflows Int", v)
	}
	return int(v), nil
}

// Open starts the stream serving a subscription root field.
func (r *Runtime) Open(ctx context.Context, field string, args map[string]any) (subscription.Source, error) {
	b, ok := r.streams[field]
	if !ok {
		return nil, failure.Newf(failure.InvalidArgument, "", "no stream serves subscription field %q", field)
	}
	return b.open(r, ctx, b.endpoint, args)
}

func (r *Runtime) invoke(ctx context.Context, e endpoint, values map[string]any) (view, error) {
	req, err := newMessage(e.md.Input(), values)
	if err != nil {
		return view{}, failure.Wrap(failure.InvalidArgument, string(e.backend), err, err.Error())
	}
	resp, err := r.transport.Invoke(ctx, grpctp.Call{Backend: e.backend, Method: e.md, Request: req})
	if err != nil {
		return view{}, failure.FromStatus(ctx, string(e.backend), err)
	}
	return view{resp}, nil
}

func (r *Runtime) openStream(ctx context.Context, e endpoint, values map[string]any) (MessageStream, error) {
	req, err := newMessage(e.md.Input(), values)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, string(e.backend), err, err.Error())
	}
	s, err := r.transport.OpenStream(ctx, grpctp.Call{Backend: e.backend, Method: e.md, Request: req})
	if err != nil {
		return nil, failure.FromStatus(ctx, string(e.backend), err)
	}
	return s, nil
}

// recv reads the next message of s, classifying failures against e.
func recv(ctx context.Context, e endpoint, s MessageStream) (view, error) {
	msg, err := s.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, grpctp.ErrClosed) {
			return view{}, err
		}
		return view{}, failure.FromStatus(ctx, string(e.backend), err)
	}
	return view{msg}, nil
}

// messageSource adapts a backend stream to a subscription source. convert
// maps each message to its event value; returning ok=false drops it.
type messageSource struct {
	e       endpoint
	stream  MessageStream
	convert func(view) (value any, ok bool, err error)
}

func (s *messageSource) Next(ctx context.Context) (any, error) {
	for {
		msg, err := recv(ctx, s.e, s.stream)
		if err != nil {
			return nil, err
		}
		v, ok, err := s.convert(msg)
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
}

func (s *messageSource) Close() error { return s.stream.Close() }

func (r *Runtime) backends() []any {
	if r.status == nil {
		return []any{}
	}
	sts := r.status()
	out := make([]any, 0, len(sts))
	for _, st := range sts {
		out = append(out, map[string]any{
			"backend":  st.Backend.String(),
			"target":   st.Target,
			"state":    backendState(st.State),
			"since":    st.Since,
			"failures": st.Failures,
		})
	}
	return out
}

func backendState(s grpctp.State) string {
	switch s {
	case grpctp.Connected:
		return "CONNECTED"
	case grpctp.Reconnecting:
		return "RECONNECTING"
	}
	return "UNAVAILABLE"
}

func stringsArg(args map[string]any, name string) []string {
	items, _ := args[name].([]any)
	return lo.FilterMap(items, func(it any, _ int) (string, bool) {
		s, ok := it.(string)
		return s, ok
	})
}

// stamp converts a message with the layout of google.protobuf.Timestamp.
func stamp(v view) time.Time {
	return time.Unix(int64(v.num("seconds")), int64(v.num("nanos"))).UTC()
}
