package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
	reqid "github.com/fermi-ad/extapi-acsys/internal/reqid"
)

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"DEBUG", "text", false},
		{"", "", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			_, err := New(tt.level, tt.format, &bytes.Buffer{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", "json", &buf)
	require.NoError(t, err)

	ctx := reqid.WithID(context.Background(), "r-1")
	logger.With("component", "test").InfoContext(ctx, "hello")
	logger.Info("no request")

	recs := records(t, &buf)
	require.Len(t, recs, 2)
	require.Equal(t, "r-1", recs[0]["request_id"])
	require.Equal(t, "test", recs[0]["component"])
	require.NotContains(t, recs[1], "request_id")
}

func TestOperationTimings(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	var buf bytes.Buffer
	logger, err := New("info", "json", &buf)
	require.NoError(t, err)
	defer Register(logger)()

	eventbus.Publish(context.Background(), events.GraphQLFinish{
		OperationName: "deviceInfo",
		OperationType: "query",
		Duration:      1500 * time.Microsecond,
		RPCTime:       1200 * time.Microsecond,
	})

	recs := records(t, &buf)
	require.Len(t, recs, 1)
	require.Equal(t, "operation finished", recs[0]["msg"])
	require.Equal(t, "deviceInfo", recs[0]["operation"])
	require.Equal(t, float64(1500), recs[0]["total_us"])
	require.Equal(t, float64(1200), recs[0]["rpc_us"])
	require.Equal(t, float64(300), recs[0]["local_us"])
}

func TestBackendEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	var buf bytes.Buffer
	logger, err := New("info", "json", &buf)
	require.NoError(t, err)
	defer Register(logger)()

	ctx := context.Background()
	eventbus.Publish(ctx, events.GRPCClientFinish{Backend: "devdb", Method: "getDeviceInfo", Code: codes.OK})
	eventbus.Publish(ctx, events.GRPCClientFinish{Backend: "dpm", Method: "Read", Code: codes.Unavailable, Kind: "BackendUnavailable", Err: errors.New("dpm: connection refused")})
	eventbus.Publish(ctx, events.BackendStateChanged{Backend: "dpm", From: "Connected", To: "Reconnecting", Failures: 1})

	recs := records(t, &buf)
	require.Len(t, recs, 2, "successful calls are logged at debug")
	require.Equal(t, "backend call failed", recs[0]["msg"])
	require.Equal(t, "WARN", recs[0]["level"])
	require.Equal(t, "BackendUnavailable", recs[0]["kind"])
	require.Equal(t, "backend state changed", recs[1]["msg"])
	require.Equal(t, "Reconnecting", recs[1]["to"])
}

func TestSubscriptionEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)
	unregister := Register(logger)

	ctx := context.Background()
	eventbus.Publish(ctx, events.SubscriptionStart{ID: "s", Fields: []string{"alarms"}})
	eventbus.Publish(ctx, events.AlarmDuplicate{Source: "MCR", Offset: 9})
	eventbus.Publish(ctx, events.SubscriptionFieldClosed{ID: "s", Field: "alarms", Reason: "BackendFailed", Err: errors.New("broker gone")})
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: "s"})
	unregister()
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: "t"})

	var msgs []any
	for _, r := range records(t, &buf) {
		msgs = append(msgs, r["msg"])
	}
	require.Equal(t, []any{"subscription opened", "duplicate alarm dropped", "subscription field closed", "subscription closed"}, msgs)
}

func TestRequestFinished(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)
	defer Register(logger)()

	req := httptest.NewRequest(http.MethodGet, "/acsys/s", nil)
	eventbus.Publish(context.Background(), events.HTTPFinish{Request: req, WebSocket: true, Status: http.StatusSwitchingProtocols})

	recs := records(t, &buf)
	require.Len(t, recs, 1)
	require.Equal(t, "request finished", recs[0]["msg"])
	require.Equal(t, "/acsys/s", recs[0]["path"])
	require.Equal(t, true, recs[0]["websocket"])
	require.Equal(t, float64(101), recs[0]["status"])
}
