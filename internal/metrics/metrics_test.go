package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
)

func setup(t *testing.T) *Metrics {
	t.Helper()
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	m := New()
	t.Cleanup(m.Register())
	return m
}

func TestBackendCalls(t *testing.T) {
	m := setup(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.GRPCClientFinish{Backend: "dpm", Method: "Read", Code: codes.OK, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.GRPCClientFinish{Backend: "dpm", Method: "Read", Code: codes.Internal, Err: errors.New("boom")})
	eventbus.Publish(ctx, events.GRPCClientFinish{Backend: "devdb", Method: "getDeviceInfo", Code: codes.OK})

	require.Equal(t, 1.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("dpm", "Read", "OK")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("dpm", "Read", "Internal")))
	require.Equal(t, 3, testutil.CollectAndCount(m.backendCalls))
	require.Equal(t, 2, testutil.CollectAndCount(m.backendLatency))
}

func TestBackendState(t *testing.T) {
	m := setup(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.BackendStateChanged{Backend: "tlg", To: "Reconnecting"})
	eventbus.Publish(ctx, events.BackendStateChanged{Backend: "tlg", From: "Reconnecting", To: "Connected"})

	require.Equal(t, 0.0, testutil.ToFloat64(m.backendState.WithLabelValues("tlg", "Reconnecting")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.backendState.WithLabelValues("tlg", "Connected")))
}

func TestSubscriptions(t *testing.T) {
	m := setup(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.SubscriptionStart{ID: "a"})
	eventbus.Publish(ctx, events.SubscriptionStart{ID: "b"})
	eventbus.Publish(ctx, events.SubscriptionFieldClosed{ID: "a", Reason: "BackendEnded", Emissions: 3})
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: "a"})

	require.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fieldsClosed.WithLabelValues("BackendEnded")))
}

func TestOperationsAndAlarms(t *testing.T) {
	m := setup(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.GraphQLFinish{OperationType: "query", Errors: []error{errors.New("a"), errors.New("b")}, Duration: time.Second, RPCTime: 400 * time.Millisecond})
	eventbus.Publish(ctx, events.AlarmDuplicate{Source: "MCR", Offset: 4})
	eventbus.Publish(ctx, events.AlarmConsumerRetry{Stream: "ACSYS", Attempt: 1})
	eventbus.Publish(ctx, events.HTTPFinish{Status: 200})

	require.Equal(t, 2.0, testutil.ToFloat64(m.operationErrors.WithLabelValues("query")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.alarmDuplicates.WithLabelValues("MCR")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.consumerRetries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("200")))
}

func TestHandler(t *testing.T) {
	m := setup(t)
	eventbus.Publish(context.Background(), events.HTTPFinish{Status: 200})

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	require.True(t, strings.Contains(body, `extapi_http_requests_total{code="200"} 1`), body)
	require.Contains(t, body, "go_goroutines")
}

func TestUnregister(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	m := New()
	m.Register()()
	eventbus.Publish(context.Background(), events.SubscriptionStart{ID: "a"})
	require.Equal(t, 0.0, testutil.ToFloat64(m.subscriptions))
}
