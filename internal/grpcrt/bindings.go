package grpcrt

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/fermi-ad/extapi-acsys/internal/alarms"
	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

type fieldKey struct {
	typ   string
	field string
}

func (k fieldKey) String() string { return k.typ + "." + k.field }

// rpc names the backend method serving a field. An empty service means
// the field is served by the alarm log rather than a gRPC backend.
type rpc struct {
	backend string
	service protoreflect.FullName
	method  string
}

func (c rpc) check(reg *protoreg.Registry, mustStream bool) error {
	if c.service == "" {
		return nil
	}
	md, err := reg.Method(c.service, c.method)
	if err != nil {
		return err
	}
	if mustStream && !md.IsStreamingServer() {
		return fmt.Errorf("%s is not a streaming method", md.FullName())
	}
	return nil
}

// endpoint is an rpc resolved against the registry.
type endpoint struct {
	backend grpctp.Backend
	md      protoreflect.MethodDescriptor
}

func (c rpc) bind(reg *protoreg.Registry) endpoint {
	e := endpoint{backend: grpctp.Backend(c.backend)}
	if c.service != "" {
		e.md = reg.MustMethod(c.service, c.method)
	}
	return e
}

type resolveFunc func(r *Runtime, ctx context.Context, e endpoint, task executor.ResolveTask) (any, error)

type openFunc func(r *Runtime, ctx context.Context, e endpoint, args map[string]any) (subscription.Source, error)

// binding ties an async field to the backend call resolving it. requires
// lists sibling fields whose values the resolver reads from its task.
type binding struct {
	rpc
	requires []string
	resolve  resolveFunc
}

type streamBinding struct {
	rpc
	open openFunc
}

var (
	devdbInfo     = rpc{backend: string(grpctp.DevDB), service: protoreg.DevDBService, method: "getDeviceInfo"}
	dpmRead       = rpc{backend: string(grpctp.DPM), service: protoreg.DAQService, method: "Read"}
	dpmSet        = rpc{backend: string(grpctp.DPM), service: protoreg.DAQService, method: "Set"}
	scanGet       = rpc{backend: string(grpctp.Scanner), service: protoreg.ScannerService, method: "GetProgress"}
	scanAbort     = rpc{backend: string(grpctp.Scanner), service: protoreg.ScannerService, method: "AbortScan"}
	scanStart     = rpc{backend: string(grpctp.Scanner), service: protoreg.ScannerService, method: "StartScan"}
	clockSub      = rpc{backend: string(grpctp.Clock), service: protoreg.ClockService, method: "Subscribe"}
	tlgGetVersion = rpc{backend: string(grpctp.TLG), service: protoreg.TLGService, method: "GetVersion"}
	tlgDiag       = rpc{backend: string(grpctp.TLG), service: protoreg.TLGMutationService, method: "DiagnosticsInline"}
	tlgPlace      = rpc{backend: string(grpctp.TLG), service: protoreg.TLGMutationService, method: "PlacementInline"}
	alarmLog      = rpc{backend: alarms.Backend}
)

// fieldBindings lists every field resolved through ResolveAsync. All other
// fields are projected from their parent value by ResolveSync.
func fieldBindings() map[fieldKey]binding {
	return map[fieldKey]binding{
		{"Query", "deviceInfo"}:        {rpc: devdbInfo, resolve: (*Runtime).deviceInfo},
		{"Query", "acceleratorData"}:   {rpc: dpmRead, resolve: (*Runtime).readOnce},
		{"Query", "alarmsSnapshot"}:    {rpc: alarmLog, resolve: (*Runtime).alarmsSnapshot},
		{"Query", "scanProgress"}:      {rpc: scanGet, resolve: (*Runtime).scanProgress},
		{"Query", "tlgVersion"}:        {rpc: tlgGetVersion, resolve: (*Runtime).tlgVersion},
		{"Mutation", "setDevice"}:      {rpc: dpmSet, resolve: (*Runtime).setDevice},
		{"Mutation", "abortScan"}:      {rpc: scanAbort, resolve: (*Runtime).scanProgress},
		{"Mutation", "tlgDiagnostics"}: {rpc: tlgDiag, resolve: (*Runtime).tlgInline},
		{"Mutation", "tlgPlacement"}:   {rpc: tlgPlace, resolve: (*Runtime).tlgInline},
		{"Device", "info"}:             {rpc: devdbInfo, resolve: (*Runtime).deviceInfoOf},
		{"Device", "currentValue"}:     {rpc: dpmRead, requires: []string{"info"}, resolve: (*Runtime).currentValue},
		{"Device", "lastScanTime"}:     {rpc: scanGet, resolve: (*Runtime).lastScanTime},
	}
}

// streamBindings lists the subscription root fields and the streams
// serving them.
func streamBindings() map[string]streamBinding {
	return map[string]streamBinding{
		"clockTicks":      {rpc: clockSub, open: (*Runtime).openClock},
		"acceleratorData": {rpc: dpmRead, open: (*Runtime).openReadings},
		"startScan":       {rpc: scanStart, open: (*Runtime).openScan},
		"alarms":          {rpc: alarmLog, open: (*Runtime).openAlarms},
	}
}
