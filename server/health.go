package server

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/nim-memory/memory"
)

// HealthService is the health service name for a character index.
func HealthService(characterID string) string {
	return "character/" + characterID
}

// SyncHealth pushes every known character index state to the health service.
// The empty service reports whether the embedding provider is ready.
func (s *Server) SyncHealth() {
	if s.memory == nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if s.memory.Embedder().IsReady() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, st := range s.memory.All() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.State == memory.StateReady {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(HealthService(st.CharacterID), status)
	}
}

func (s *Server) syncHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	s.SyncHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncHealth()
		}
	}
}
