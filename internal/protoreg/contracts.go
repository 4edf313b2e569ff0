package protoreg

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Fully-qualified names of the backend services the gateway calls.
const (
	ClockService       protoreflect.FullName = "services.aclk.ClockEvent"
	DevDBService       protoreflect.FullName = "devdb.DevDB"
	DAQService         protoreflect.FullName = "services.daq.DAQ"
	ScannerService     protoreflect.FullName = "scanner.Scanner"
	TLGService         protoreflect.FullName = "services.tlg_placement.TlgPlacementService"
	TLGMutationService protoreflect.FullName = "services.tlg_placement.TlgPlacementMutationService"
)

const (
	boolKind   = protoreflect.BoolKind
	int32Kind  = protoreflect.Int32Kind
	int64Kind  = protoreflect.Int64Kind
	uint32Kind = protoreflect.Uint32Kind
	floatKind  = protoreflect.FloatKind
	doubleKind = protoreflect.DoubleKind
	stringKind = protoreflect.StringKind
	bytesKind  = protoreflect.BytesKind
)

// timestamp declares a message with the wire layout of
// google.protobuf.Timestamp inside the given file.
func timestamp(f *fileBuilder) member {
	return msgField("stamp", f.message("Timestamp", "",
		field("seconds", int64Kind),
		field("nanos", int32Kind),
	))
}

func clockContract() *fileBuilder {
	f := newFile("services/ACLK.proto", "services.aclk")
	req := f.message("SubscribeReq", "Clock events to subscribe to.",
		repeated("events", int32Kind),
	)
	info := f.message("EventInfo", "One occurrence of a clock event.",
		timestamp(f),
		field("event", int32Kind),
	)
	f.service(string(ClockService.Name()),
		rpc{name: "Subscribe", desc: "Streams an EventInfo for every occurrence of the requested events.", request: req, response: info, streaming: true},
	)
	return f
}

func devdbContract() *fileBuilder {
	f := newFile("DevDB.proto", "devdb")
	list := f.message("DeviceList", "",
		repeated("device", stringKind),
	)
	prop := f.message("Property", "Scaling information of a reading or setting property.",
		optional("primaryUnits", stringKind),
		optional("commonUnits", stringKind),
		field("minVal", doubleKind),
		field("maxVal", doubleKind),
		field("pIndex", uint32Kind),
		field("cIndex", uint32Kind),
		repeated("coeff", doubleKind),
		field("is_step_motor", boolKind),
		field("is_destructive_read", boolKind),
		field("is_fe_scaling", boolKind),
		field("is_contr_setting", boolKind),
		field("is_knobbable", boolKind),
	)
	ctrlItem := f.message("DigitalControlItem", "One digital control command of a device.",
		field("value", uint32Kind),
		field("short_name", stringKind),
		field("long_name", stringKind),
	)
	ctrl := f.message("DigitalControl", "",
		repeatedMsg("cmds", ctrlItem),
	)
	statusItem := f.message("DigitalStatusItem", "A basic status bit in the legacy power supply form.",
		field("mask_val", uint32Kind),
		field("match_val", uint32Kind),
		field("invert", boolKind),
		field("short_name", stringKind),
		field("long_name", stringKind),
		field("true_str", stringKind),
		field("true_color", uint32Kind),
		field("true_char", stringKind),
		field("false_str", stringKind),
		field("false_color", uint32Kind),
		field("false_char", stringKind),
	)
	extItem := f.message("DigitalExtStatusItem", "Definition of one basic status bit.",
		field("bit_no", uint32Kind),
		field("color0", uint32Kind),
		field("name0", stringKind),
		field("color1", uint32Kind),
		field("name1", stringKind),
		field("description", stringKind),
	)
	digStatus := f.message("DigitalStatus", "",
		repeatedMsg("bits", statusItem),
		repeatedMsg("ext_bits", extItem),
	)
	info := f.message("DeviceInfo", "",
		field("description", stringKind),
		msgField("reading", prop),
		msgField("setting", prop),
		msgField("dig_control", ctrl),
		msgField("dig_status", digStatus),
	)
	entry := f.message("InfoEntry", "Information for one requested device, or why it could not be found.",
		field("name", stringKind),
		oneof("result",
			msgField("device", info),
			field("errMsg", stringKind),
		),
	)
	reply := f.message("DeviceInfoReply", "",
		repeatedMsg("set", entry),
	)
	f.service(string(DevDBService.Name()),
		rpc{name: "getDeviceInfo", request: list, response: reply},
	)
	return f
}

func daqContract() *fileBuilder {
	f := newFile("services/DAQ.proto", "services.daq")
	status := f.message("Status", "ACNET status split into facility and error code.",
		field("facility_code", int32Kind),
		field("status_code", int32Kind),
	)
	scalarArr := f.message("ScalarArray", "",
		repeated("value", doubleKind),
	)
	textArr := f.message("TextArray", "",
		repeated("value", stringKind),
	)
	structData := f.message("StructData", "One named member of a structured value.",
		field("key", stringKind),
	)
	data := f.message("Data", "A device value in one of its representations.",
		oneof("value",
			field("status", int32Kind),
			field("scalar", doubleKind),
			msgField("scalarArr", scalarArr),
			field("raw", bytesKind),
			field("text", stringKind),
			msgField("textArr", textArr),
			msgField("structData", structData),
		),
	)
	// members nest values of any kind, including further structures
	value := msgField("value", data).fields[0]
	value.SetNumber(2)
	structData.AddField(value)
	reading := f.message("Reading", "",
		timestamp(f),
		msgField("data", data),
	)
	readings := f.message("Readings", "",
		repeatedMsg("reading", reading),
	)
	readingList := f.message("ReadingList", "DRF requests to acquire.",
		repeated("drf", stringKind),
	)
	readingReply := f.message("ReadingReply", "Readings for the DRF at position index of the request, or its status.",
		field("index", uint32Kind),
		oneof("value",
			msgField("readings", readings),
			msgField("status", status),
		),
	)
	setting := f.message("Setting", "",
		field("device", stringKind),
		msgField("value", data),
	)
	settingList := f.message("SettingList", "",
		repeatedMsg("setting", setting),
	)
	settingReply := f.message("SettingReply", "One status per setting, in request order.",
		repeatedMsg("status", status),
	)
	f.service(string(DAQService.Name()),
		rpc{name: "Read", desc: "Streams readings of the requested devices.", request: readingList, response: readingReply, streaming: true},
		rpc{name: "Set", desc: "Applies settings. Requires an authorization token.", request: settingList, response: settingReply},
	)
	return f
}

func scannerContract() *fileBuilder {
	f := newFile("WScan.proto", "scanner")
	scanReq := f.message("ScanRequest", "",
		field("detector_id", stringKind),
		field("position_start", floatKind),
		field("position_end", floatKind),
		field("position_step", floatKind),
		field("sampling_duration", floatKind),
		field("pulses_per_sample", int32Kind),
	)
	detector := f.message("DetectorRequest", "",
		field("detector_id", stringKind),
	)
	progress := f.message("ScanProgress", "",
		field("message", stringKind),
		field("detector_id", stringKind),
		field("start_time", int32Kind),
		field("current_position", floatKind),
		field("progress_percentage", int32Kind),
	)
	result := f.message("ScanResult", "",
		msgField("progress", progress),
		repeated("voltage", floatKind),
	)
	f.service(string(ScannerService.Name()),
		rpc{name: "StartScan", request: scanReq, response: result, streaming: true},
		rpc{name: "GetProgress", request: detector, response: progress},
		rpc{name: "AbortScan", request: detector, response: progress},
	)
	return f
}

func tlgContract() *fileBuilder {
	f := newFile("services/tlg_placement.proto", "services.tlg_placement")
	empty := f.message("Empty", "Same wire form as google.protobuf.Empty.")
	version := f.message("VersionResponse", "",
		field("version", stringKind),
	)
	device := f.message("TlgDevice", "",
		field("type", stringKind),
		field("name", stringKind),
		field("device", stringKind),
		repeated("data", int32Kind),
	)
	devices := f.message("TlgDevices", "",
		repeatedMsg("devices", device),
	)
	resp := f.message("TlgPlacementResponse", "",
		field("status", int32Kind),
		field("message", stringKind),
		repeated("diagnostics", int32Kind),
		repeated("placement", int32Kind),
		repeated("generated", int32Kind),
		repeated("parameters", int32Kind),
	)
	f.service(string(TLGService.Name()),
		rpc{name: "GetVersion", request: empty, response: version},
	)
	f.service(string(TLGMutationService.Name()),
		rpc{name: "DiagnosticsInline", request: devices, response: resp},
		rpc{name: "PlacementInline", request: devices, response: resp},
	)
	return f
}
