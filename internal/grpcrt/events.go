package grpcrt

import (
	"context"
	"strconv"
	"time"

	"github.com/fermi-ad/extapi-acsys/internal/alarms"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// openClock subscribes to clock events.
func (r *Runtime) openClock(ctx context.Context, e endpoint, args map[string]any) (subscription.Source, error) {
	events, _ := args["events"].([]any)
	r.logger.Debug("subscribing to clock events", "events", events)
	s, err := r.openStream(ctx, e, map[string]any{"events": events})
	if err != nil {
		return nil, err
	}
	return &messageSource{e: e, stream: s, convert: clockEvent}, nil
}

// clockEvent keeps millisecond precision of the event time.
func clockEvent(v view) (any, bool, error) {
	var at time.Time
	if ts, ok := v.sub("stamp"); ok {
		at = time.UnixMilli(int64(ts.num("seconds"))*1000 + int64(ts.num("nanos"))/1e6).UTC()
	}
	return map[string]any{"timestamp": at, "event": v.num("event")}, true, nil
}

func (r *Runtime) alarmAdapter() (*alarms.Adapter, error) {
	if r.alarms == nil {
		return nil, failure.New(failure.BackendUnavailable, alarms.Backend, "alarm log is not configured")
	}
	return r.alarms, nil
}

func (r *Runtime) alarmsSnapshot(ctx context.Context, _ endpoint, _ executor.ResolveTask) (any, error) {
	a, err := r.alarmAdapter()
	if err != nil {
		return nil, err
	}
	list, err := a.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, alarm := range list {
		out[i] = alarmValue(alarm)
	}
	return out, nil
}

func (r *Runtime) openAlarms(ctx context.Context, _ endpoint, _ map[string]any) (subscription.Source, error) {
	a, err := r.alarmAdapter()
	if err != nil {
		return nil, err
	}
	s, err := a.Open(ctx)
	if err != nil {
		return nil, err
	}
	return alarmSource{s}, nil
}

type alarmSource struct {
	s *alarms.Stream
}

func (a alarmSource) Next(ctx context.Context) (any, error) {
	alarm, err := a.s.Next(ctx)
	if err != nil {
		return nil, err
	}
	return alarmValue(alarm), nil
}

func (a alarmSource) Close() error { return a.s.Close() }

func alarmValue(a alarms.Alarm) map[string]any {
	return map[string]any{
		"source":  a.Source,
		"offset":  strconv.FormatUint(a.Offset, 10),
		"payload": a.Payload,
		"time":    a.Time,
	}
}
