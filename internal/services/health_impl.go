package services

import (
	"context"
	"net/http"
	"time"
)

// HealthResult is the body of GET /health
type HealthResult struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	Cameras     int               `json:"cameras"`
	ActiveCount int               `json:"active_count"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := HealthResult{
		Status:      "ok",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Cameras:     len(s.deps.Engine.Cameras()),
		ActiveCount: s.deps.Engine.ActiveCount(),
	}
	if len(s.deps.Checks) > 0 {
		res.Checks = make(map[string]string, len(s.deps.Checks))
		for name, check := range s.deps.Checks {
			if err := check(ctx); err != nil {
				res.Checks[name] = err.Error()
				res.Status = "degraded"
				continue
			}
			res.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.encode(w, r, status, res)
}
