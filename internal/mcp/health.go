package mcp

import (
	"context"
	"sort"
	"time"
)

// HealthChecker reports whether a component can serve requests.
// *index.Qdrant implements it via its Health method.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

const healthTimeout = 3 * time.Second

// checkHealth probes every component with a short timeout and returns
// "ok" or the error text per component name.
func checkHealth(ctx context.Context, checkers map[string]HealthChecker) map[string]string {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, healthTimeout)
		if err := checkers[name].Health(cctx); err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
		cancel()
	}
	return out
}
