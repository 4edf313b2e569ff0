package grpcrt

import (
	"context"
	"math"
	"slices"

	"github.com/samber/lo"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/failure"
)

// deviceInfo answers Query.deviceInfo. A failed call is reported as one
// ErrorReply per requested device instead of a field error.
func (r *Runtime) deviceInfo(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	devices := stringsArg(task.Args, "devices")
	resp, err := r.invoke(ctx, e, map[string]any{"device": devices})
	if err != nil {
		r.logger.Warn("device info lookup failed", "devices", devices, "error", err)
		return map[string]any{
			"result": lo.Map(devices, func(string, int) any { return errorReply(err.Error()) }),
		}, nil
	}
	entries := resp.subs("set")
	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		switch entry.which("result") {
		case "device":
			info, _ := entry.sub("device")
			result = append(result, deviceInfoValue(info))
		case "errMsg":
			result = append(result, errorReply(entry.str("errMsg")))
		default:
			result = append(result, errorReply("empty response"))
		}
	}
	return map[string]any{"result": result}, nil
}

// deviceInfoOf answers Device.info. Unlike deviceInfo, a device the
// database does not know is a field error.
func (r *Runtime) deviceInfoOf(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	id := deviceID(task.Source)
	resp, err := r.invoke(ctx, e, map[string]any{"device": []string{id}})
	if err != nil {
		return nil, err
	}
	entries := resp.subs("set")
	if len(entries) == 0 {
		return nil, failure.Newf(failure.ProtocolViolation, string(e.backend), "no entry returned for %s", id)
	}
	switch entries[0].which("result") {
	case "device":
		info, _ := entries[0].sub("device")
		return deviceInfoValue(info), nil
	case "errMsg":
		return nil, failure.New(failure.BackendCallFailed, string(e.backend), entries[0].str("errMsg"))
	}
	return nil, failure.New(failure.ProtocolViolation, string(e.backend), "empty response")
}

// currentValue answers Device.currentValue from the first reading of the
// device. Devices without a reading property are read through their
// setting property.
func (r *Runtime) currentValue(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	id := deviceID(task.Source)
	drf := id
	if info, ok := task.Deps["info"].(map[string]any); ok && info["reading"] == nil && info["setting"] != nil {
		drf = id + ".SETTING"
	}
	replies, err := r.firstReplies(ctx, e, []string{drf})
	if err != nil {
		return nil, err
	}
	return replies[0].(map[string]any)["data"], nil
}

// lastScanTime answers Device.lastScanTime with the start of the scan
// running on the device's station, or null when none is running.
func (r *Runtime) lastScanTime(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	resp, err := r.invoke(ctx, e, map[string]any{"detector_id": deviceID(task.Source)})
	if err != nil {
		return nil, err
	}
	start := resp.num("start_time")
	if start <= 0 {
		return nil, nil
	}
	return unixTime(int64(start)), nil
}

func deviceID(source any) string {
	obj, _ := source.(map[string]any)
	id, _ := obj["id"].(string)
	return id
}

func errorReply(msg string) map[string]any {
	return map[string]any{"__typename": "ErrorReply", "message": msg}
}

func deviceInfoValue(v view) map[string]any {
	return map[string]any{
		"__typename":  "DeviceInfo",
		"description": v.str("description"),
		"reading":     property(v, "reading", "ReadingProp"),
		"setting":     property(v, "setting", "SettingProp"),
		"digControl":  digControl(v),
		"digStatus":   digStatus(v),
	}
}

func digControl(info view) any {
	ctrl, ok := info.sub("dig_control")
	if !ok {
		return nil
	}
	return map[string]any{
		"entries": lo.Map(ctrl.subs("cmds"), func(c view, _ int) any {
			return map[string]any{
				"value":     int(int32(c.unsigned("value"))),
				"shortName": c.str("short_name"),
				"longName":  c.str("long_name"),
			}
		}),
	}
}

func digStatus(info view) any {
	st, ok := info.sub("dig_status")
	if !ok {
		return nil
	}
	return map[string]any{
		"entries": lo.Map(st.subs("bits"), func(b view, _ int) any {
			return map[string]any{
				"maskVal":    b.unsigned("mask_val"),
				"matchVal":   b.unsigned("match_val"),
				"invert":     b.flag("invert"),
				"shortName":  b.str("short_name"),
				"longName":   b.str("long_name"),
				"trueStr":    b.str("true_str"),
				"trueColor":  b.unsigned("true_color"),
				"trueChar":   b.str("true_char"),
				"falseStr":   b.str("false_str"),
				"falseColor": b.unsigned("false_color"),
				"falseChar":  b.str("false_char"),
			}
		}),
		"extEntries": lo.Map(st.subs("ext_bits"), func(b view, _ int) any {
			return map[string]any{
				"bitNo":       b.unsigned("bit_no"),
				"color0":      b.unsigned("color0"),
				"name0":       b.str("name0"),
				"color1":      b.unsigned("color1"),
				"name1":       b.str("name1"),
				"description": b.str("description"),
			}
		}),
	}
}

func property(info view, name, typename string) any {
	p, ok := info.sub(name)
	if !ok {
		return nil
	}
	out := map[string]any{
		"__typename":        typename,
		"primaryUnits":      p.optional("primaryUnits"),
		"commonUnits":       p.optional("commonUnits"),
		"minVal":            p.float("minVal"),
		"maxVal":            p.float("maxVal"),
		"primaryIndex":      p.unsigned("pIndex"),
		"commonIndex":       p.unsigned("cIndex"),
		"coeff":             p.floats("coeff"),
		"isStepMotor":       p.flag("is_step_motor"),
		"isDestructiveRead": p.flag("is_destructive_read"),
		"isFeScaling":       p.flag("is_fe_scaling"),
		"isContrSetting":    p.flag("is_contr_setting"),
	}
	if typename == "SettingProp" {
		out["knobInfo"] = knobInfo(p)
	}
	return out
}

// Primary transforms whose settings are knobbed in fine steps.
var fineStepTransforms = []int{16, 22, 24, 84}

// knobInfo derives knob limits for a knobbable setting. Common transform
// 40 carries them in its coefficients; otherwise the property limits are
// used with a step chosen by the primary transform.
func knobInfo(p view) any {
	if !p.flag("is_knobbable") {
		return nil
	}
	coeff := p.floats("coeff")
	if p.unsigned("cIndex") == 40 && len(coeff) >= 6 {
		return knob(coeff[3].(float64), coeff[4].(float64), coeff[5].(float64))
	}
	step := 16.0
	if slices.Contains(fineStepTransforms, p.unsigned("pIndex")) {
		step = 0.005
	}
	return knob(p.float("minVal"), p.float("maxVal"), step)
}

func knob(a, b, step float64) map[string]any {
	return map[string]any{"minVal": math.Min(a, b), "maxVal": math.Max(a, b), "step": step}
}
