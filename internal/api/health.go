package api

import (
	"context"
	"net/http"
	"time"

	"github.com/kroma-labs/fxgate/internal/aggregate"
)

// Pinger is a connectivity probe; the store and the cache implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceHealth is one component's entry in the health report.
type ServiceHealth struct {
	Status    string                               `json:"status"`
	Error     string                               `json:"error,omitempty"`
	Providers map[string]aggregate.ProviderHealth `json:"providers,omitempty"`
}

// HealthResponse is the aggregated report. The endpoint always answers
// HTTP 200; consumers read the status field.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
}

// criticalServices must be healthy for the system to count as healthy at
// all; trouble anywhere else only degrades it.
var criticalServices = map[string]bool{
	"database":        true,
	"rate_aggregator": true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]ServiceHealth, 3)

	services["database"] = pingHealth(ctx, s.db)
	services["cache"] = pingHealth(ctx, s.cache)

	if s.rates != nil {
		status, providers := s.rates.Health(ctx)
		services["rate_aggregator"] = ServiceHealth{Status: status, Providers: providers}
	} else {
		services["rate_aggregator"] = ServiceHealth{Status: "not_initialized"}
	}

	resp := HealthResponse{
		Status:    overallHealth(services),
		Timestamp: time.Now().UTC(),
		Services:  services,
	}

	evt := s.log.Info()
	switch resp.Status {
	case "unhealthy":
		evt = s.log.Error()
	case "degraded":
		evt = s.log.Warn()
	}
	evt.Str("status", resp.Status).Msg("health check")

	WriteJSON(w, http.StatusOK, resp)
}

func pingHealth(ctx context.Context, p Pinger) ServiceHealth {
	if p == nil {
		return ServiceHealth{Status: "not_initialized"}
	}
	if err := p.Ping(ctx); err != nil {
		return ServiceHealth{Status: "unhealthy", Error: "connection failed"}
	}
	return ServiceHealth{Status: "healthy"}
}

// overallHealth: any critical service unhealthy or uninitialized makes the
// system unhealthy; any other trouble degrades it.
func overallHealth(services map[string]ServiceHealth) string {
	criticalOK := true
	troubled := false

	for name, svc := range services {
		switch svc.Status {
		case "unhealthy", "error", "not_initialized":
			troubled = true
			if criticalServices[name] {
				criticalOK = false
			}
		case "degraded":
			troubled = true
		}
	}

	switch {
	case !criticalOK:
		return "unhealthy"
	case troubled:
		return "degraded"
	default:
		return "healthy"
	}
}
