package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/council/llm"
)

// healthCheckTimeout bounds the whole probe fan-out.
const healthCheckTimeout = 5 * time.Second

// HealthResponse is the response for GET /healthz. Services maps
// council_<member> and chairman_<name> to reachability.
type HealthResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
}

// handleHealth probes every member and the chairman concurrently. A single
// unreachable model degrades the service without failing the others.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snap()
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	type probe struct {
		key      string
		endpoint llm.Endpoint
	}
	members := snap.orch.Members()
	probes := make([]probe, 0, len(members)+1)
	for _, m := range members {
		probes = append(probes, probe{key: "council_" + m.Name, endpoint: m.Endpoint})
	}
	chair := snap.orch.Chairman()
	probes = append(probes, probe{key: "chairman_" + chair.Name, endpoint: chair.Endpoint})

	services := make(map[string]bool, len(probes))
	var mu sync.Mutex
	var g errgroup.Group
	for _, p := range probes {
		g.Go(func() error {
			err := s.client.Healthy(ctx, p.endpoint)
			if err != nil {
				s.logger.Warn("Health probe failed", "service", p.key, "error", err)
			}
			mu.Lock()
			services[p.key] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := "healthy"
	code := http.StatusOK
	for _, healthy := range services {
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	s.writeJSON(w, code, HealthResponse{
		Status:   status,
		Services: services,
	})
}
