package http

import (
	"context"
	"net/http"
	"time"

	applog "monthlypay/internal/log"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":              "ok",
		"uptime_seconds":      int64(s.deps.Now().Sub(s.started).Seconds()),
		"requests":            s.tracer.TotalRequests(),
		"suspicious_requests": s.detector.SuspiciousRequests(),
		"tracked_clients":     s.limiter.ActiveClients(),
	}
	if s.deps.Caches != nil {
		body["caches"] = s.deps.Caches.Stats()
	}
	NewResponse().JSON(body).Write(w)
}

// handleReady reports 503 while the repository is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			applog.FromContext(ctx).WarnContext(ctx, "Readiness check failed", "error", err)
			ErrorResponse(http.StatusServiceUnavailable, "unavailable", "database unavailable").Write(w)
			return
		}
	}
	NewResponse().JSON(map[string]string{"status": "ready"}).Write(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	NewResponse().JSON(id).Write(w)
}
