package grpcrt

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"time"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// readOnce answers Query.acceleratorData with the first reply for each DRF.
func (r *Runtime) readOnce(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	drfs := stringsArg(task.Args, "drfs")
	if len(drfs) == 0 {
		return []any{}, nil
	}
	return r.firstReplies(ctx, e, drfs)
}

// firstReplies opens a Read stream and returns one DataReply per DRF, in
// request order, closing the stream once every DRF was answered.
func (r *Runtime) firstReplies(ctx context.Context, e endpoint, drfs []string) ([]any, error) {
	s, err := r.openStream(ctx, e, map[string]any{"drf": drfs})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	out := make([]any, len(drfs))
	missing := len(drfs)
	for missing > 0 {
		msg, err := recv(ctx, e, s)
		if errors.Is(err, io.EOF) {
			return nil, failure.Newf(failure.ProtocolViolation, string(e.backend), "stream ended with %d of %d requests unanswered", missing, len(drfs))
		}
		if err != nil {
			return nil, err
		}
		replies, err := dataReplies(msg, time.Now())
		if err != nil {
			return nil, err
		}
		for _, reply := range replies {
			idx := reply["refId"].(int)
			if idx >= len(drfs) {
				return nil, failure.Newf(failure.ProtocolViolation, string(e.backend), "reply for request %d of %d", idx, len(drfs))
			}
			if out[idx] == nil {
				out[idx] = reply
				missing--
			}
		}
	}
	return out, nil
}

// openReadings serves the acceleratorData subscription. Only readings
// newer than the last one delivered for the same request are emitted, so a
// backend replaying data it already sent produces no new events.
func (r *Runtime) openReadings(ctx context.Context, e endpoint, args map[string]any) (subscription.Source, error) {
	drfs := stringsArg(args, "drfs")
	s, err := r.openStream(ctx, e, map[string]any{"drf": drfs})
	if err != nil {
		return nil, err
	}
	return &readingSource{e: e, stream: s, latest: make(map[int]float64)}, nil
}

type readingSource struct {
	e      endpoint
	stream MessageStream
	latest map[int]float64
	queue  []map[string]any
}

func (s *readingSource) Next(ctx context.Context) (any, error) {
	for len(s.queue) == 0 {
		msg, err := recv(ctx, s.e, s.stream)
		if err != nil {
			return nil, err
		}
		replies, err := dataReplies(msg, time.Now())
		if err != nil {
			return nil, err
		}
		for _, reply := range replies {
			if s.admit(reply) {
				s.queue = append(s.queue, reply)
			}
		}
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}

// admit reports whether reply is newer than every reply delivered for its
// request. Status replies carry no sample time and are always delivered.
func (s *readingSource) admit(reply map[string]any) bool {
	data := reply["data"].(map[string]any)
	if data["result"].(map[string]any)["__typename"] == "StatusReply" {
		return true
	}
	idx := reply["refId"].(int)
	ts := data["timestamp"].(float64)
	if last, ok := s.latest[idx]; ok && ts <= last {
		return false
	}
	s.latest[idx] = ts
	return true
}

func (s *readingSource) Close() error { return s.stream.Close() }

// dataReplies converts a ReadingReply into DataReply values: one per
// reading, or one carrying the ACNET status. now stamps status replies.
func dataReplies(msg view, now time.Time) ([]map[string]any, error) {
	idx := msg.unsigned("index")
	switch msg.which("value") {
	case "readings":
		readings, _ := msg.sub("readings")
		list := readings.subs("reading")
		out := make([]map[string]any, 0, len(list))
		for _, rd := range list {
			info, err := readingInfo(rd)
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]any{"refId": idx, "data": info})
		}
		return out, nil
	case "status":
		st, _ := msg.sub("status")
		info := dataInfo(now, statusReply(st))
		return []map[string]any{{"refId": idx, "data": info}}, nil
	}
	return nil, failure.Newf(failure.ProtocolViolation, string(grpctp.DPM), "reply for request %d has no value", idx)
}

func readingInfo(rd view) (map[string]any, error) {
	var at time.Time
	if ts, ok := rd.sub("stamp"); ok {
		at = stamp(ts)
	}
	data, ok := rd.sub("data")
	if !ok {
		return nil, failure.New(failure.ProtocolViolation, string(grpctp.DPM), "reading has no data")
	}
	result, err := dataType(data)
	if err != nil {
		return nil, err
	}
	return dataInfo(at, result), nil
}

func dataInfo(at time.Time, result map[string]any) map[string]any {
	return map[string]any{
		"timestamp":    float64(at.UnixMicro()) / 1e6,
		"isoTimestamp": at,
		"result":       result,
	}
}

// dataType maps the Data oneof onto the DataType union.
func dataType(d view) (map[string]any, error) {
	switch d.which("value") {
	case "status":
		return map[string]any{"__typename": "StatusReply", "status": d.num("status")}, nil
	case "scalar":
		return map[string]any{"__typename": "Scalar", "scalarValue": d.float("scalar")}, nil
	case "scalarArr":
		arr, _ := d.sub("scalarArr")
		return map[string]any{"__typename": "ScalarArray", "scalarArrayValue": arr.floats("value")}, nil
	case "raw":
		return map[string]any{"__typename": "Raw", "rawValue": d.raw("raw")}, nil
	case "text":
		return map[string]any{"__typename": "Text", "textValue": d.str("text")}, nil
	case "textArr":
		arr, _ := d.sub("textArr")
		return map[string]any{"__typename": "TextArray", "textArrayValue": arr.strs("value")}, nil
	case "structData":
		sd, _ := d.sub("structData")
		inner, ok := sd.sub("value")
		if !ok {
			return nil, failure.Newf(failure.ProtocolViolation, string(grpctp.DPM), "structure member %q has no value", sd.str("key"))
		}
		value, err := dataType(inner)
		if err != nil {
			return nil, err
		}
		return map[string]any{"__typename": "StructData", "key": sd.str("key"), "structValue": value}, nil
	}
	return nil, failure.New(failure.ProtocolViolation, string(grpctp.DPM), "data has no value")
}

// acnetStatus packs a facility code and error code the way ACNET does.
func acnetStatus(st view) int {
	return st.num("facility_code") + st.num("status_code")*256
}

func statusReply(st view) map[string]any {
	return map[string]any{"__typename": "StatusReply", "status": acnetStatus(st)}
}

// setDevice answers Mutation.setDevice. The caller's bearer token is
// required and travels with the call in its metadata.
func (r *Runtime) setDevice(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	if _, ok := grpctp.Authorization(ctx); !ok {
		return nil, failure.New(failure.InvalidArgument, string(e.backend), "setting requires an authorization token")
	}
	device, _ := task.Args["device"].(string)
	value, _ := task.Args["value"].(map[string]any)
	data, err := settingData(value)
	if err != nil {
		return nil, err
	}
	resp, err := r.invoke(ctx, e, map[string]any{
		"setting": []any{map[string]any{"device": device, "value": data}},
	})
	if err != nil {
		r.logger.Error("setting failed", "device", device, "error", err)
		return nil, err
	}
	statuses := resp.subs("status")
	if len(statuses) == 0 {
		return nil, failure.New(failure.ProtocolViolation, string(e.backend), "setting reply has no status")
	}
	return map[string]any{"status": acnetStatus(statuses[0])}, nil
}

// settingData converts a DeviceValue into the Data oneof. The first field
// given wins; no field at all sets an empty raw value.
func settingData(v map[string]any) (map[string]any, error) {
	switch {
	case v["intVal"] != nil:
		return map[string]any{"status": v["intVal"]}, nil
	case v["scalarVal"] != nil:
		return map[string]any{"scalar": v["scalarVal"]}, nil
	case v["scalarArrayVal"] != nil:
		return map[string]any{"scalarArr": map[string]any{"value": v["scalarArrayVal"]}}, nil
	case v["rawVal"] != nil:
		s, _ := v["rawVal"].(string)
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, failure.Wrap(failure.InvalidArgument, "", err, "rawVal is not valid base64")
		}
		return map[string]any{"raw": raw}, nil
	case v["textVal"] != nil:
		return map[string]any{"text": v["textVal"]}, nil
	case v["textArrayVal"] != nil:
		return map[string]any{"textArr": map[string]any{"value": v["textArrayVal"]}}, nil
	}
	return map[string]any{"raw": []byte{}}, nil
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
