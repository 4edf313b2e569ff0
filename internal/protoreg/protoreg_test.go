package protoreg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestBuildServices(t *testing.T) {
	reg, err := Build()
	require.NoError(t, err)
	require.Len(t, reg.Files(), 5)

	tests := []struct {
		service   protoreflect.FullName
		method    string
		input     protoreflect.FullName
		output    protoreflect.FullName
		streaming bool
	}{
		{ClockService, "Subscribe", "services.aclk.SubscribeReq", "services.aclk.EventInfo", true},
		{DevDBService, "getDeviceInfo", "devdb.DeviceList", "devdb.DeviceInfoReply", false},
		{DAQService, "Read", "services.daq.ReadingList", "services.daq.ReadingReply", true},
		{DAQService, "Set", "services.daq.SettingList", "services.daq.SettingReply", false},
		{ScannerService, "StartScan", "scanner.ScanRequest", "scanner.ScanResult", true},
		{ScannerService, "GetProgress", "scanner.DetectorRequest", "scanner.ScanProgress", false},
		{ScannerService, "AbortScan", "scanner.DetectorRequest", "scanner.ScanProgress", false},
		{TLGService, "GetVersion", "services.tlg_placement.Empty", "services.tlg_placement.VersionResponse", false},
		{TLGMutationService, "DiagnosticsInline", "services.tlg_placement.TlgDevices", "services.tlg_placement.TlgPlacementResponse", false},
		{TLGMutationService, "PlacementInline", "services.tlg_placement.TlgDevices", "services.tlg_placement.TlgPlacementResponse", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.service)+"/"+tt.method, func(t *testing.T) {
			md, err := reg.Method(tt.service, tt.method)
			require.NoError(t, err)
			require.Equal(t, tt.input, md.Input().FullName())
			require.Equal(t, tt.output, md.Output().FullName())
			require.Equal(t, tt.streaming, md.IsStreamingServer())
			require.False(t, md.IsStreamingClient())
		})
	}
}

func TestMethodLookupErrors(t *testing.T) {
	reg := Default()

	_, err := reg.Method("nope.Service", "Read")
	require.ErrorContains(t, err, "unknown service")

	_, err = reg.Method(DAQService, "Write")
	require.ErrorContains(t, err, "has no method")
}

func TestFullMethod(t *testing.T) {
	md := Default().MustMethod(DevDBService, "getDeviceInfo")
	require.Equal(t, "/devdb.DevDB/getDeviceInfo", FullMethod(md))
}

func TestOneofNumbering(t *testing.T) {
	md := Default().MustMethod(DAQService, "Read")
	reply := md.Output()

	index := reply.Fields().ByName("index")
	require.EqualValues(t, 1, index.Number())

	value := reply.Oneofs().ByName("value")
	require.NotNil(t, value)
	require.Equal(t, 2, value.Fields().Len())
	require.EqualValues(t, 2, value.Fields().ByName("readings").Number())
	require.EqualValues(t, 3, value.Fields().ByName("status").Number())

	data := reply.Fields().ByName("readings").Message().
		Fields().ByName("reading").Message().
		Fields().ByName("data").Message()
	require.Equal(t, 7, data.Oneofs().ByName("value").Fields().Len())

	structData := data.Fields().ByName("structData").Message()
	require.EqualValues(t, 7, data.Fields().ByName("structData").Number())
	require.EqualValues(t, 2, structData.Fields().ByName("value").Number())
	require.Equal(t, data.FullName(), structData.Fields().ByName("value").Message().FullName())
}

func TestDigitalProperties(t *testing.T) {
	info := Default().MustMethod(DevDBService, "getDeviceInfo").Output().
		Fields().ByName("set").Message().
		Fields().ByName("device").Message()

	ctrl := info.Fields().ByName("dig_control")
	require.EqualValues(t, 4, ctrl.Number())
	require.Equal(t, protoreflect.FullName("devdb.DigitalControlItem"), ctrl.Message().Fields().ByName("cmds").Message().FullName())

	status := info.Fields().ByName("dig_status").Message()
	require.True(t, status.Fields().ByName("bits").IsList())
	require.Equal(t, protoreflect.FullName("devdb.DigitalExtStatusItem"), status.Fields().ByName("ext_bits").Message().FullName())
	require.Equal(t, 11, status.Fields().ByName("bits").Message().Fields().Len())
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Render(Default(), dir))

	src, err := os.ReadFile(filepath.Join(dir, "services", "DAQ.proto"))
	require.NoError(t, err)
	text := string(src)
	require.True(t, strings.Contains(text, "package services.daq;"), text)
	require.True(t, strings.Contains(text, "service DAQ"), text)
	require.True(t, strings.Contains(text, "stream ReadingReply"), text)
}
