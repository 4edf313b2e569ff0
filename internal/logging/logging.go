// Package logging builds the gateway logger and logs gateway events
// through it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	reqid "github.com/fermi-ad/extapi-acsys/internal/reqid"
)

// ParseLevel maps debug, info, warn and error to their slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", level)
}

// New returns a logger writing to w in format "json" or "text". Records
// logged with a request context carry its request ID.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
	return slog.New(requestHandler{handler}), nil
}

type requestHandler struct {
	slog.Handler
}

func (h requestHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := reqid.FromContext(ctx); ok {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h requestHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestHandler{h.Handler.WithAttrs(attrs)}
}

func (h requestHandler) WithGroup(name string) slog.Handler {
	return requestHandler{h.Handler.WithGroup(name)}
}

func micros(d time.Duration) int64 { return d.Microseconds() }

// Register logs operation timings, backend failures, connection state
// changes and subscription lifecycles to logger.
func Register(logger *slog.Logger) (unregister func()) {
	offs := []func(){
		eventbus.Listen(func(ctx context.Context, e events.HTTPFinish) {
			if e.Request == nil {
				return
			}
			logger.DebugContext(ctx, "request finished",
				"method", e.Request.Method,
				"path", e.Request.URL.Path,
				"status", e.Status,
				"websocket", e.WebSocket,
				"duration", e.Duration,
			)
		}),
		eventbus.Listen(func(ctx context.Context, e events.GraphQLFinish) {
			name := e.OperationName
			if name == "" {
				name = e.OperationType
			}
			level := slog.LevelInfo
			if len(e.Errors) > 0 {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "operation finished",
				"operation", name,
				"type", e.OperationType,
				"total_us", micros(e.Duration),
				"rpc_us", micros(e.RPCTime),
				"local_us", micros(max(e.Duration-e.RPCTime, 0)),
				"errors", len(e.Errors),
			)
		}),
		eventbus.Listen(func(ctx context.Context, e events.GRPCClientFinish) {
			if e.Err == nil {
				logger.DebugContext(ctx, "backend call",
					"backend", e.Backend, "method", e.Method, "duration", e.Duration, "messages", e.Messages)
				return
			}
			logger.WarnContext(ctx, "backend call failed",
				"backend", e.Backend,
				"method", e.Method,
				"target", e.Target,
				"code", e.Code.String(),
				"kind", e.Kind,
				"error", e.Err,
			)
		}),
		eventbus.Listen(func(ctx context.Context, e events.BackendStateChanged) {
			level := slog.LevelInfo
			if e.To != "Connected" {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "backend state changed",
				"backend", e.Backend, "target", e.Target, "from", e.From, "to", e.To, "failures", e.Failures)
		}),
		eventbus.Listen(func(ctx context.Context, e events.SubscriptionStart) {
			logger.InfoContext(ctx, "subscription opened", "id", e.ID, "operation", e.OperationName, "fields", e.Fields)
		}),
		eventbus.Listen(func(ctx context.Context, e events.SubscriptionFieldClosed) {
			args := []any{"id", e.ID, "field", e.Field, "reason", e.Reason, "emissions", e.Emissions}
			if e.Err != nil {
				args = append(args, "error", e.Err)
			}
			logger.InfoContext(ctx, "subscription field closed", args...)
		}),
		eventbus.Listen(func(ctx context.Context, e events.SubscriptionFinish) {
			logger.InfoContext(ctx, "subscription closed", "id", e.ID, "duration", e.Duration)
		}),
		eventbus.Listen(func(ctx context.Context, e events.AlarmDuplicate) {
			logger.DebugContext(ctx, "duplicate alarm dropped", "source", e.Source, "offset", e.Offset)
		}),
		eventbus.Listen(func(ctx context.Context, e events.AlarmConsumerRetry) {
			logger.WarnContext(ctx, "alarm consumer unavailable", "stream", e.Stream, "attempt", e.Attempt, "error", e.Err)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
