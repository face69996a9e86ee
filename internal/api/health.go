package api

import (
	"context"
	"net/http"
	"time"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
)

const healthProbeTimeout = 2 * time.Second

// handleHealth pings both stores. The body stays generic: which
// dependency is down goes to the log, not to the caller.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health_check_failed", "component", "postgres", "error", err)
		helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "service temporarily unavailable",
		})
		return
	}
	if err := s.eph.Ping(ctx); err != nil {
		s.logger.Error("health_check_failed", "component", "ephemeral", "error", err)
		helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "service temporarily unavailable",
		})
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
