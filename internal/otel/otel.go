package otel

import (
	"context"
	"sync"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	reqid "github.com/fermi-ad/extapi-acsys/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(tp.Tracer("extapi-acsys"))
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register turns gateway events into spans of tracer. HTTP and GraphQL
// spans are keyed by request ID, backend call spans by call ID since the
// calls of one request run concurrently, subscription spans by
// subscription ID.
func Register(tracer trace.Tracer) (unregister func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // request id -> trace.Span
	gqlSpans  sync.Map // request id -> trace.Span
	grpcSpans sync.Map // call id -> trace.Span
	subSpans  sync.Map // subscription id -> trace.Span
}

// parent returns ctx carrying the innermost open span of the request.
func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.gqlSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(m *sync.Map, key any, f func(trace.Span)) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	f(span)
	span.End()
}

func (s *subscriber) register() func() {
	var offs []func()
	on := func(off func()) { offs = append(offs, off) }

	on(eventbus.Listen(func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
			attribute.Bool("graphql.websocket", e.WebSocket),
		)
		s.httpSpans.Store(rid, span)
	}))

	on(eventbus.Listen(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		end(&s.httpSpans, rid, func(span trace.Span) {
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		})
	}))

	on(eventbus.Listen(func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx), "graphql.operation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpans.Store(rid, span)
	}))

	on(eventbus.Listen(func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		end(&s.gqlSpans, rid, func(span trace.Span) {
			span.SetAttributes(
				attribute.Int("graphql.error_count", len(e.Errors)),
				attribute.Int64("graphql.rpc_time_us", e.RPCTime.Microseconds()),
			)
		})
	}))

	on(eventbus.Listen(func(ctx context.Context, e events.GRPCClientStart) {
		_, span := s.tracer.Start(s.parent(ctx), "grpc.client")
		span.SetAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.String("acsys.backend", e.Backend),
			attribute.Bool("grpc.streaming", e.Streaming),
		)
		s.grpcSpans.Store(e.CallID, span)
	}))

	on(eventbus.Listen(func(_ context.Context, e events.GRPCClientFinish) {
		end(&s.grpcSpans, e.CallID, func(span trace.Span) {
			span.SetAttributes(
				attribute.String("grpc.code", e.Code.String()),
				attribute.Int("grpc.messages", e.Messages),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Kind)
			}
		})
	}))

	on(eventbus.Listen(func(ctx context.Context, e events.SubscriptionStart) {
		_, span := s.tracer.Start(s.parent(ctx), "graphql.subscription")
		span.SetAttributes(
			attribute.String("graphql.subscription.id", e.ID),
			attribute.StringSlice("graphql.subscription.fields", e.Fields),
		)
		s.subSpans.Store(e.ID, span)
	}))

	on(eventbus.Listen(func(_ context.Context, e events.SubscriptionFieldClosed) {
		v, ok := s.subSpans.Load(e.ID)
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("field closed", trace.WithAttributes(
			attribute.String("field", e.Field),
			attribute.String("reason", e.Reason),
			attribute.Int("emissions", e.Emissions),
		))
	}))

	on(eventbus.Listen(func(_ context.Context, e events.SubscriptionFinish) {
		end(&s.subSpans, e.ID, func(trace.Span) {})
	}))

	return func() {
		for _, off := range offs {
			off()
		}
	}
}
