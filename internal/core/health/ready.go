// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check probes one dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Readiness is ready when rr (if set) has partitions and every check
// passes within two seconds.
func Readiness(rr ReadinessReporter, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Partitions []int32           `json:"partitions,omitempty"`
			Checks     map[string]string `json:"checks,omitempty"`
		}
		ready := true
		out := resp{}
		if rr != nil {
			var parts []int32
			ready, parts = rr.Readiness()
			out.Partitions = parts
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if out.Checks == nil {
				out.Checks = make(map[string]string, len(checks))
			}
			if err := c.Fn(ctx); err != nil {
				ready = false
				out.Checks[c.Name] = err.Error()
				continue
			}
			out.Checks[c.Name] = "ok"
		}

		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
