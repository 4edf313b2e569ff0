package grpcrt

import (
	"context"
	"sort"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

// stations are the wire scanner stations known to the gateway.
var stations = map[string]string{
	"scl-ws-station1": "Super Conduction Linac Wire Scanner - Station 1",
	"scl-ws-station2": "Super Conducting Linac Wire Scanner - Station 2",
}

func knownStations() []any {
	ids := make([]string, 0, len(stations))
	for id := range stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id, "description": stations[id]}
	}
	return out
}

// scanProgress answers Query.scanProgress and Mutation.abortScan. A failed
// call is reported in the progress message rather than as a field error.
func (r *Runtime) scanProgress(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	id, _ := task.Args["id"].(string)
	resp, err := r.invoke(ctx, e, map[string]any{"detector_id": id})
	if err != nil {
		r.logger.Warn("scanner call failed", "method", e.md.Name(), "detector", id, "error", err)
		return map[string]any{
			"message":            "error: " + err.Error(),
			"detectorId":         id,
			"startTime":          nil,
			"currentPosition":    nil,
			"progressPercentage": nil,
		}, nil
	}
	return progressValue(resp), nil
}

func progressValue(p view) map[string]any {
	return map[string]any{
		"message":            p.str("message"),
		"detectorId":         p.str("detector_id"),
		"startTime":          p.num("start_time"),
		"currentPosition":    p.float("current_position"),
		"progressPercentage": p.num("progress_percentage"),
	}
}

// openScan starts a scan on the station and streams its results.
func (r *Runtime) openScan(ctx context.Context, e endpoint, args map[string]any) (subscription.Source, error) {
	id, _ := args["id"].(string)
	r.logger.Info("requesting scan", "station", id)
	s, err := r.openStream(ctx, e, map[string]any{"detector_id": id})
	if err != nil {
		return nil, err
	}
	return &messageSource{e: e, stream: s, convert: scanResult}, nil
}

func scanResult(v view) (any, bool, error) {
	progress := map[string]any{"message": "", "detectorId": ""}
	if p, ok := v.sub("progress"); ok {
		progress = progressValue(p)
	}
	return map[string]any{"progress": progress, "voltage": v.floats("voltage")}, true, nil
}
