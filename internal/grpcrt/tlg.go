package grpcrt

import (
	"context"

	"github.com/samber/lo"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
)

func (r *Runtime) tlgVersion(ctx context.Context, e endpoint, _ executor.ResolveTask) (any, error) {
	resp, err := r.invoke(ctx, e, nil)
	if err != nil {
		return nil, err
	}
	return resp.str("version"), nil
}

// tlgInline answers the diagnostics and placement mutations, which share
// their request and response shapes.
func (r *Runtime) tlgInline(ctx context.Context, e endpoint, task executor.ResolveTask) (any, error) {
	devices, _ := task.Args["devices"].([]any)
	resp, err := r.invoke(ctx, e, map[string]any{
		"devices": lo.Map(devices, func(d any, _ int) any {
			in, _ := d.(map[string]any)
			return lo.PickByKeys(in, []string{"type", "name", "device", "data"})
		}),
	})
	if err != nil {
		r.logger.Error("tlg call failed", "method", e.md.Name(), "error", err)
		return nil, err
	}
	return map[string]any{
		"status":      resp.num("status"),
		"message":     resp.str("message"),
		"diagnostics": resp.ints("diagnostics"),
		"placement":   resp.ints("placement"),
		"generated":   resp.ints("generated"),
		"parameters":  resp.ints("parameters"),
	}, nil
}
