package grpcrt

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
)

var reg = protoreg.Default()

// reply builds a response message of service/method from proto field values.
func reply(service protoreflect.FullName, method string, values map[string]any) proto.Message {
	m, err := newMessage(reg.MustMethod(service, method).Output(), values)
	if err != nil {
		panic(err)
	}
	return m
}

func answer(msg proto.Message) UnaryFunc {
	return func(context.Context, protoreflect.Message) (proto.Message, error) { return msg, nil }
}

func fail(code codes.Code, msg string) UnaryFunc {
	return func(context.Context, protoreflect.Message) (proto.Message, error) {
		return nil, status.Error(code, msg)
	}
}

func execute(ctx context.Context, t *testing.T, rt *Runtime, query string) *executor.ExecutionResult {
	t.Helper()
	sch, _, err := Schema(reg)
	require.NoError(t, err)
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	return executor.NewExecutor(rt, sch).ExecuteRequest(ctx, doc, "", nil, nil)
}

// errorsByPath indexes errors by their dotted path with kind and backend.
func errorsByPath(errs []executor.GraphQLError) map[string][2]any {
	out := make(map[string][2]any, len(errs))
	for _, e := range errs {
		key := ""
		for i, p := range e.Path {
			if i > 0 {
				key += "."
			}
			key += p.(string)
		}
		out[key] = [2]any{e.Extensions["kind"], e.Extensions["backend"]}
	}
	return out
}

func deviceEntry(name string) map[string]any {
	return map[string]any{
		"name": name,
		"device": map[string]any{
			"description": "Outdoor temperature",
			"dig_control": map[string]any{"cmds": []any{
				map[string]any{"value": 2, "short_name": "ON", "long_name": "Turn on"},
			}},
			"dig_status": map[string]any{
				"bits": []any{map[string]any{
					"mask_val": 2, "match_val": 2, "invert": true,
					"short_name": "On/Off", "long_name": "Power",
					"true_str": "On", "true_color": 3, "true_char": ".",
					"false_str": "Off", "false_color": 1, "false_char": "*",
				}},
				"ext_bits": []any{map[string]any{
					"bit_no": 1, "color0": 1, "name0": "off", "color1": 3, "name1": "on", "description": "power",
				}},
			},
			"reading": map[string]any{
				"primaryUnits": "Volts",
				"commonUnits":  "DegF",
				"minVal":       0.0,
				"maxVal":       100.0,
				"pIndex":       2,
				"cIndex":       6,
				"coeff":        []any{1.0, 2.0},
			},
		},
	}
}

func TestSchemaBindsEveryBackendField(t *testing.T) {
	sch, doc, err := Schema(reg)
	require.NoError(t, err)
	require.NotNil(t, doc)

	for key, b := range fieldBindings() {
		f := sch.Field(key.typ, key.field)
		require.NotNil(t, f, key.String())
		require.True(t, f.Async, key.String())
		if len(b.requires) > 0 {
			require.Equal(t, b.requires, f.Requires, key.String())
		}
	}
	for name := range streamBindings() {
		require.NotNil(t, sch.Field(sch.SubscriptionType, name), name)
	}
	require.False(t, sch.Field("Query", "device").Async)
}

func TestDeviceFieldsResolveIndependently(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
			"set": []any{deviceEntry("X")},
		}))).
		OnStream(protoreg.DAQService, "Read", func(context.Context, protoreflect.Message) ([]proto.Message, error) {
			return nil, status.Error(codes.Internal, "acquisition failed")
		}).
		OnUnary(protoreg.ScannerService, "GetProgress", answer(reply(protoreg.ScannerService, "GetProgress", map[string]any{
			"detector_id": "X",
			"start_time":  1700000000,
		})))
	rt := NewRuntime(mock)

	res := execute(context.Background(), t, rt, `{ device(id: "X") { currentValue { timestamp } lastScanTime } }`)

	want := map[string]any{
		"device": map[string]any{
			"currentValue": nil,
			"lastScanTime": "2023-11-14T22:13:20Z",
		},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Errors, 1)
	require.Equal(t, executor.Path{"device", "currentValue"}, res.Errors[0].Path)
	require.Equal(t, "dpm: acquisition failed", res.Errors[0].Message)
	require.Equal(t, map[string]any{"kind": "BackendCallFailed", "backend": "dpm"}, res.Errors[0].Extensions)

	var methods []string
	for _, c := range mock.Calls() {
		methods = append(methods, c.FullMethod)
	}
	require.ElementsMatch(t, []string{
		"/devdb.DevDB/getDeviceInfo",
		"/services.daq.DAQ/Read",
		"/scanner.Scanner/GetProgress",
	}, methods)
}

func TestCurrentValueAfterInfo(t *testing.T) {
	reading := func(drf string, value float64) StreamFunc {
		return func(_ context.Context, req protoreflect.Message) ([]proto.Message, error) {
			got := view{req}.strs("drf")
			if len(got) != 1 || got[0] != drf {
				return nil, status.Errorf(codes.InvalidArgument, "unexpected drf %v", got)
			}
			return []proto.Message{reply(protoreg.DAQService, "Read", map[string]any{
				"index": 0,
				"readings": map[string]any{"reading": []any{map[string]any{
					"stamp": map[string]any{"seconds": 100, "nanos": 500000000},
					"data":  map[string]any{"scalar": value},
				}}},
			})}, nil
		}
	}

	t.Run("reading property", func(t *testing.T) {
		mock := NewMockTransport().
			OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
				"set": []any{deviceEntry("M:OUTTMP")},
			}))).
			OnStream(protoreg.DAQService, "Read", reading("M:OUTTMP", 71.5))
		res := execute(context.Background(), t, NewRuntime(mock), `{ device(id: "M:OUTTMP") { currentValue { timestamp result { ... on Scalar { scalarValue } } } } }`)
		require.Empty(t, res.Errors)
		want := map[string]any{"device": map[string]any{"currentValue": map[string]any{
			"timestamp": 100.5,
			"result":    map[string]any{"scalarValue": 71.5},
		}}}
		if diff := cmp.Diff(want, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("setting only", func(t *testing.T) {
		mock := NewMockTransport().
			OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
				"set": []any{map[string]any{"name": "Z:ACLTST", "device": map[string]any{
					"description": "test setting",
					"setting":     map[string]any{"minVal": -5.0, "maxVal": 5.0},
				}}},
			}))).
			OnStream(protoreg.DAQService, "Read", reading("Z:ACLTST.SETTING", 1.25))
		res := execute(context.Background(), t, NewRuntime(mock), `{ device(id: "Z:ACLTST") { currentValue { result { ... on Scalar { scalarValue } } } } }`)
		require.Empty(t, res.Errors)
		want := map[string]any{"device": map[string]any{"currentValue": map[string]any{
			"result": map[string]any{"scalarValue": 1.25},
		}}}
		if diff := cmp.Diff(want, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		mock := NewMockTransport().
			OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
				"set": []any{map[string]any{"name": "Z:NOPE", "errMsg": "no such device"}},
			})))
		res := execute(context.Background(), t, NewRuntime(mock), `{ device(id: "Z:NOPE") { info { description } currentValue { timestamp } } }`)

		want := map[string]any{"device": map[string]any{"info": nil, "currentValue": nil}}
		if diff := cmp.Diff(want, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
		require.Equal(t, map[string][2]any{
			"device.info":         {"BackendCallFailed", "devdb"},
			"device.currentValue": {"DependencyFailed", nil},
		}, errorsByPath(res.Errors))
		require.Len(t, mock.Calls(), 1)
	})
}

func TestLastScanTimeIdle(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.ScannerService, "GetProgress", answer(reply(protoreg.ScannerService, "GetProgress", nil)))
	res := execute(context.Background(), t, NewRuntime(mock), `{ device(id: "X") { id lastScanTime } }`)
	require.Empty(t, res.Errors)
	want := map[string]any{"device": map[string]any{"id": "X", "lastScanTime": nil}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

const deviceInfoQuery = `{
	deviceInfo(devices: ["M:OUTTMP", "Z:NOPE", "Z:EMPTY"]) {
		result {
			__typename
			... on ErrorReply { message }
			... on DeviceInfo {
				description
				reading { primaryUnits commonUnits minVal maxVal primaryIndex coeff }
				setting { minVal }
				digControl { entries { value shortName longName } }
				digStatus {
					entries { maskVal matchVal invert shortName trueStr trueColor falseChar }
					extEntries { bitNo color0 name0 color1 name1 description }
				}
			}
		}
	}
}`

func TestDeviceInfo(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
			"set": []any{
				deviceEntry("M:OUTTMP"),
				map[string]any{"name": "Z:NOPE", "errMsg": "no such device"},
				map[string]any{"name": "Z:EMPTY"},
			},
		})))
	res := execute(context.Background(), t, NewRuntime(mock), deviceInfoQuery)
	require.Empty(t, res.Errors)

	want := map[string]any{"deviceInfo": map[string]any{"result": []any{
		map[string]any{
			"__typename":  "DeviceInfo",
			"description": "Outdoor temperature",
			"reading": map[string]any{
				"primaryUnits": "Volts",
				"commonUnits":  "DegF",
				"minVal":       0.0,
				"maxVal":       100.0,
				"primaryIndex": 2,
				"coeff":        []any{1.0, 2.0},
			},
			"setting": nil,
			"digControl": map[string]any{"entries": []any{
				map[string]any{"value": 2, "shortName": "ON", "longName": "Turn on"},
			}},
			"digStatus": map[string]any{
				"entries": []any{map[string]any{
					"maskVal":   2,
					"matchVal":  2,
					"invert":    true,
					"shortName": "On/Off",
					"trueStr":   "On",
					"trueColor": 3,
					"falseChar": "*",
				}},
				"extEntries": []any{map[string]any{
					"bitNo":       1,
					"color0":      1,
					"name0":       "off",
					"color1":      3,
					"name1":       "on",
					"description": "power",
				}},
			},
		},
		map[string]any{"__typename": "ErrorReply", "message": "no such device"},
		map[string]any{"__typename": "ErrorReply", "message": "empty response"},
	}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, grpctp.DevDB, calls[0].Backend)
	require.Equal(t, []any{"M:OUTTMP", "Z:NOPE", "Z:EMPTY"}, view{calls[0].Request.ProtoReflect()}.strs("device"))
}

func TestDeviceInfoCallFailure(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.DevDBService, "getDeviceInfo", fail(codes.Unavailable, "connection refused"))
	res := execute(context.Background(), t, NewRuntime(mock), `{ deviceInfo(devices: ["A", "B"]) { result { ... on ErrorReply { message } } } }`)
	require.Empty(t, res.Errors)

	msg := map[string]any{"message": "devdb: connection refused"}
	want := map[string]any{"deviceInfo": map[string]any{"result": []any{msg, msg}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestKnobInfo(t *testing.T) {
	tests := []struct {
		name    string
		setting map[string]any
		want    any
	}{
		{
			name:    "not knobbable",
			setting: map[string]any{"minVal": 0.0, "maxVal": 1.0},
			want:    nil,
		},
		{
			name:    "coarse step",
			setting: map[string]any{"minVal": 10.0, "maxVal": -10.0, "pIndex": 2, "is_knobbable": true},
			want:    map[string]any{"minVal": -10.0, "maxVal": 10.0, "step": 16.0},
		},
		{
			name:    "fine step",
			setting: map[string]any{"minVal": 0.0, "maxVal": 5.0, "pIndex": 22, "is_knobbable": true},
			want:    map[string]any{"minVal": 0.0, "maxVal": 5.0, "step": 0.005},
		},
		{
			name: "limits from coefficients",
			setting: map[string]any{
				"minVal": 0.0, "maxVal": 5.0, "pIndex": 22, "cIndex": 40, "is_knobbable": true,
				"coeff": []any{0.0, 0.0, 0.0, 3.0, 1.0, 0.25},
			},
			want: map[string]any{"minVal": 1.0, "maxVal": 3.0, "step": 0.25},
		},
		{
			name: "too few coefficients",
			setting: map[string]any{
				"minVal": 0.0, "maxVal": 5.0, "pIndex": 2, "cIndex": 40, "is_knobbable": true,
				"coeff": []any{0.0, 0.0, 0.0},
			},
			want: map[string]any{"minVal": 0.0, "maxVal": 5.0, "step": 16.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := reg.MustMethod(protoreg.DevDBService, "getDeviceInfo").Output()
			prop := md.Fields().ByName("set").Message().Fields().ByName("device").Message().Fields().ByName("setting").Message()
			m, err := newMessage(prop, tt.setting)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, knobInfo(view{m})); diff != "" {
				t.Errorf("knobInfo mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAcceleratorDataQuery(t *testing.T) {
	mock := NewMockTransport().
		OnStream(protoreg.DAQService, "Read", func(context.Context, protoreflect.Message) ([]proto.Message, error) {
			return []proto.Message{
				reply(protoreg.DAQService, "Read", map[string]any{
					"index": 1,
					"readings": map[string]any{"reading": []any{map[string]any{
						"stamp": map[string]any{"seconds": 20},
						"data":  map[string]any{"scalar": 2.5},
					}}},
				}),
				reply(protoreg.DAQService, "Read", map[string]any{
					"index":  0,
					"status": map[string]any{"facility_code": 1, "status_code": -6},
				}),
				reply(protoreg.DAQService, "Read", map[string]any{
					"index": 1,
					"readings": map[string]any{"reading": []any{map[string]any{
						"stamp": map[string]any{"seconds": 21},
						"data":  map[string]any{"scalar": 3.5},
					}}},
				}),
			}, nil
		})
	res := execute(context.Background(), t, NewRuntime(mock), `{
		acceleratorData(drfs: ["M:OUTTMP", "G:AMANDA"]) {
			refId
			data { result { __typename ... on Scalar { scalarValue } ... on StatusReply { status } } }
		}
	}`)
	require.Empty(t, res.Errors)

	want := map[string]any{"acceleratorData": []any{
		map[string]any{"refId": 0, "data": map[string]any{"result": map[string]any{"__typename": "StatusReply", "status": -1535}}},
		map[string]any{"refId": 1, "data": map[string]any{"result": map[string]any{"__typename": "Scalar", "scalarValue": 2.5}}},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestAcceleratorDataUnanswered(t *testing.T) {
	mock := NewMockTransport().
		OnStream(protoreg.DAQService, "Read", func(context.Context, protoreflect.Message) ([]proto.Message, error) {
			return []proto.Message{reply(protoreg.DAQService, "Read", map[string]any{
				"index":  0,
				"status": map[string]any{"facility_code": 1, "status_code": 0},
			})}, nil
		})
	res := execute(context.Background(), t, NewRuntime(mock), `{ acceleratorData(drfs: ["A", "B"]) { refId } }`)
	require.Equal(t, map[string][2]any{"acceleratorData": {"ProtocolViolation", "dpm"}}, errorsByPath(res.Errors))
	require.Equal(t, "dpm: stream ended with 1 of 2 requests unanswered", res.Errors[0].Message)
}

func TestDataTypes(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want map[string]any
	}{
		{"status", map[string]any{"status": 12}, map[string]any{"__typename": "StatusReply", "status": 12}},
		{"scalar", map[string]any{"scalar": 1.5}, map[string]any{"__typename": "Scalar", "scalarValue": 1.5}},
		{"scalar array", map[string]any{"scalarArr": map[string]any{"value": []any{1.0, 2.0}}}, map[string]any{"__typename": "ScalarArray", "scalarArrayValue": []any{1.0, 2.0}}},
		{"raw", map[string]any{"raw": []byte{0xde, 0xad}}, map[string]any{"__typename": "Raw", "rawValue": []byte{0xde, 0xad}}},
		{"text", map[string]any{"text": "on"}, map[string]any{"__typename": "Text", "textValue": "on"}},
		{"text array", map[string]any{"textArr": map[string]any{"value": []any{"a", "b"}}}, map[string]any{"__typename": "TextArray", "textArrayValue": []any{"a", "b"}}},
		{
			"nested structure",
			map[string]any{"structData": map[string]any{
				"key": "magnet",
				"value": map[string]any{"structData": map[string]any{
					"key":   "current",
					"value": map[string]any{"scalar": 2.5},
				}},
			}},
			map[string]any{
				"__typename": "StructData",
				"key":        "magnet",
				"structValue": map[string]any{
					"__typename":  "StructData",
					"key":         "current",
					"structValue": map[string]any{"__typename": "Scalar", "scalarValue": 2.5},
				},
			},
		},
	}

	desc := reg.MustMethod(protoreg.DAQService, "Set").Input().Fields().ByName("setting").Message().Fields().ByName("value").Message()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newMessage(desc, tt.data)
			require.NoError(t, err)
			got, err := dataType(view{m})
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("dataType mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("empty", func(t *testing.T) {
		m, err := newMessage(desc, nil)
		require.NoError(t, err)
		_, err = dataType(view{m})
		require.Equal(t, failure.ProtocolViolation, failure.KindOf(err))
	})

	t.Run("structure without value", func(t *testing.T) {
		m, err := newMessage(desc, map[string]any{"structData": map[string]any{"key": "magnet"}})
		require.NoError(t, err)
		_, err = dataType(view{m})
		require.Equal(t, failure.ProtocolViolation, failure.KindOf(err))
		require.ErrorContains(t, err, "magnet")
	})
}

func TestSetDevice(t *testing.T) {
	setReply := answer(reply(protoreg.DAQService, "Set", map[string]any{
		"status": []any{map[string]any{"facility_code": 1, "status_code": -6}},
	}))

	t.Run("forwards the token", func(t *testing.T) {
		mock := NewMockTransport().OnUnary(protoreg.DAQService, "Set", setReply)
		ctx := grpctp.WithAuthorization(context.Background(), "abc")
		res := execute(ctx, t, NewRuntime(mock), `mutation { setDevice(device: "Z:ACLTST", value: {scalarVal: 2.5}) { status } }`)
		require.Empty(t, res.Errors)
		if diff := cmp.Diff(map[string]any{"setDevice": map[string]any{"status": -1535}}, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}

		calls := mock.Calls()
		require.Len(t, calls, 1)
		require.Equal(t, "abc", calls[0].Authorization)
		settings := view{calls[0].Request.ProtoReflect()}.subs("setting")
		require.Len(t, settings, 1)
		require.Equal(t, "Z:ACLTST", settings[0].str("device"))
		value, ok := settings[0].sub("value")
		require.True(t, ok)
		require.Equal(t, "scalar", value.which("value"))
		require.Equal(t, 2.5, value.float("scalar"))
	})

	t.Run("requires a token", func(t *testing.T) {
		mock := NewMockTransport().OnUnary(protoreg.DAQService, "Set", setReply)
		res := execute(context.Background(), t, NewRuntime(mock), `mutation { setDevice(device: "Z:ACLTST", value: {intVal: 3}) { status } }`)
		require.Equal(t, map[string][2]any{"setDevice": {"InvalidArgument", "dpm"}}, errorsByPath(res.Errors))
		require.Equal(t, map[string]any{"setDevice": nil}, res.Data)
		require.Empty(t, mock.Calls())
	})
}

func TestSettingData(t *testing.T) {
	tests := []struct {
		name  string
		value map[string]any
		want  map[string]any
	}{
		{"int", map[string]any{"intVal": 3}, map[string]any{"status": 3}},
		{"scalar", map[string]any{"scalarVal": 1.5}, map[string]any{"scalar": 1.5}},
		{"scalar array", map[string]any{"scalarArrayVal": []any{1.0}}, map[string]any{"scalarArr": map[string]any{"value": []any{1.0}}}},
		{"raw", map[string]any{"rawVal": "3q0="}, map[string]any{"raw": []byte{0xde, 0xad}}},
		{"text", map[string]any{"textVal": "on"}, map[string]any{"text": "on"}},
		{"text array", map[string]any{"textArrayVal": []any{"a"}}, map[string]any{"textArr": map[string]any{"value": []any{"a"}}}},
		{"first field wins", map[string]any{"intVal": 1, "textVal": "x"}, map[string]any{"status": 1}},
		{"nothing", map[string]any{}, map[string]any{"raw": []byte{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := settingData(tt.value)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("settingData mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, err := settingData(map[string]any{"rawVal": "not base64!"})
	require.Equal(t, failure.InvalidArgument, failure.KindOf(err))
}

func TestScanProgress(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		mock := NewMockTransport().
			OnUnary(protoreg.ScannerService, "AbortScan", answer(reply(protoreg.ScannerService, "AbortScan", map[string]any{
				"message":             "aborted",
				"detector_id":         "scl-ws-station1",
				"start_time":          1700000000,
				"current_position":    12.5,
				"progress_percentage": 40,
			})))
		res := execute(context.Background(), t, NewRuntime(mock), `mutation { abortScan(id: "scl-ws-station1") { message detectorId startTime currentPosition progressPercentage } }`)
		require.Empty(t, res.Errors)
		want := map[string]any{"abortScan": map[string]any{
			"message":            "aborted",
			"detectorId":         "scl-ws-station1",
			"startTime":          1700000000,
			"currentPosition":    12.5,
			"progressPercentage": 40,
		}}
		if diff := cmp.Diff(want, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("failure is reported in the message", func(t *testing.T) {
		mock := NewMockTransport().
			OnUnary(protoreg.ScannerService, "GetProgress", fail(codes.NotFound, "no scan running"))
		res := execute(context.Background(), t, NewRuntime(mock), `{ scanProgress(id: "scl-ws-station2") { message detectorId startTime } }`)
		require.Empty(t, res.Errors)
		want := map[string]any{"scanProgress": map[string]any{
			"message":    "error: scanner: no scan running",
			"detectorId": "scl-ws-station2",
			"startTime":  nil,
		}}
		if diff := cmp.Diff(want, res.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRetrieveScans(t *testing.T) {
	res := execute(context.Background(), t, NewRuntime(NewMockTransport()), `{ retrieveScans { id description } }`)
	require.Empty(t, res.Errors)
	want := map[string]any{"retrieveScans": []any{
		map[string]any{"id": "scl-ws-station1", "description": "Super Conduction Linac Wire Scanner - Station 1"},
		map[string]any{"id": "scl-ws-station2", "description": "Super Conducting Linac Wire Scanner - Station 2"},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestTLG(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.TLGService, "GetVersion", answer(reply(protoreg.TLGService, "GetVersion", map[string]any{"version": "2.1.0"}))).
		OnUnary(protoreg.TLGMutationService, "PlacementInline", answer(reply(protoreg.TLGMutationService, "PlacementInline", map[string]any{
			"status":    0,
			"message":   "placed",
			"placement": []any{1, 0, 1},
		})))
	rt := NewRuntime(mock)

	res := execute(context.Background(), t, rt, `{ tlgVersion }`)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"tlgVersion": "2.1.0"}, res.Data)

	res = execute(context.Background(), t, rt, `mutation {
		tlgPlacement(devices: [{type: "event", name: "BEAM", device: "T:BEAM", data: "0x1d"}]) {
			status message placement diagnostics
		}
	}`)
	require.Empty(t, res.Errors)
	want := map[string]any{"tlgPlacement": map[string]any{
		"status":      0,
		"message":     "placed",
		"placement":   []any{1, 0, 1},
		"diagnostics": []any{},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	calls := mock.Calls()
	require.Len(t, calls, 2)
	devices := view{calls[1].Request.ProtoReflect()}.subs("devices")
	require.Len(t, devices, 1)
	require.Equal(t, "T:BEAM", devices[0].str("device"))
	require.Equal(t, "0x1d", devices[0].str("data"))
}

func TestBackends(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rt := NewRuntime(NewMockTransport(), WithStatus(func() []grpctp.Status {
		return []grpctp.Status{
			{Backend: grpctp.DPM, Target: "dpm:50051", State: grpctp.Connected, Since: since},
			{Backend: grpctp.TLG, Target: "tlg:50051", State: grpctp.Unavailable, Since: since, Failures: 4},
		}
	}))
	res := execute(context.Background(), t, rt, `{ backends { backend target state since failures } }`)
	require.Empty(t, res.Errors)
	want := map[string]any{"backends": []any{
		map[string]any{"backend": "dpm", "target": "dpm:50051", "state": "CONNECTED", "since": "2024-05-01T12:00:00Z", "failures": 0},
		map[string]any{"backend": "tlg", "target": "tlg:50051", "state": "UNAVAILABLE", "since": "2024-05-01T12:00:00Z", "failures": 4},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeLeafValue(t *testing.T) {
	rt := NewRuntime(NewMockTransport())
	tests := []struct {
		name  string
		typ   string
		value any
		want  any
	}{
		{"nil", "String", nil, nil},
		{"time", "DateTime", time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.FixedZone("CST", -6*3600)), "2024-01-02T09:04:05.006Z"},
		{"bytes", "Bytes", []byte("hi"), "aGk="},
		{"int32", "Int", int32(-3), -3},
		{"uint32", "Int", uint32(7), 7},
		{"int64", "Int", int64(9), 9},
		{"float32", "Float", float32(0.5), 0.5},
		{"enum", "BackendState", "CONNECTED", "CONNECTED"},
		{"bool", "Boolean", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rt.SerializeLeafValue(context.Background(), tt.typ, tt.value)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := rt.SerializeLeafValue(context.Background(), "Int", struct{}{})
	require.Error(t, err)

	for _, v := range []any{int64(math.MaxInt32) + 1, int64(math.MinInt32) - 1, uint32(math.MaxUint32), uint64(math.MaxUint64), math.MaxInt64} {
		_, err := rt.SerializeLeafValue(context.Background(), "Int", v)
		require.Error(t, err, "%v", v)
		require.Equal(t, failure.ProtocolViolation, failure.KindOf(err), "%v", v)
	}
	got, err := rt.SerializeLeafValue(context.Background(), "Int", int64(math.MinInt32))
	require.NoError(t, err)
	require.Equal(t, math.MinInt32, got)
}

func TestRepeatedCallsAgree(t *testing.T) {
	mock := NewMockTransport().
		OnUnary(protoreg.DevDBService, "getDeviceInfo", answer(reply(protoreg.DevDBService, "getDeviceInfo", map[string]any{
			"set": []any{deviceEntry("M:OUTTMP")},
		}))).
		OnStream(protoreg.DAQService, "Read", func(context.Context, protoreflect.Message) ([]proto.Message, error) {
			return []proto.Message{reply(protoreg.DAQService, "Read", map[string]any{
				"index": 0,
				"readings": map[string]any{"reading": []any{map[string]any{
					"stamp": map[string]any{"seconds": 100},
					"data":  map[string]any{"scalar": 71.5},
				}}},
			})}, nil
		})
	rt := NewRuntime(mock)
	query := `{ device(id: "M:OUTTMP") { info { description reading { coeff } } currentValue { timestamp result { ... on Scalar { scalarValue } } } } }`

	first := execute(context.Background(), t, rt, query)
	second := execute(context.Background(), t, rt, query)
	require.Empty(t, first.Errors)
	require.Empty(t, second.Errors)
	if diff := cmp.Diff(first.Data, second.Data); diff != "" {
		t.Fatalf("data mismatch (-first +second):\n%s", diff)
	}
	require.Len(t, mock.Calls(), 4)
}
