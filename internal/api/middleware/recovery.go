package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
)

// PanicRecovery converts a handler panic into a generic 500. The stack
// goes to the log and to Sentry, never to the client.
func PanicRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic_recovered",
						"error", rec,
						"path", r.URL.Path,
						"method", r.Method,
						"ip", helpers.GetRealIP(r),
						"stack", string(debug.Stack()),
					)

					if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
						hub.Recover(rec)
					}

					helpers.RespondError(w, http.StatusInternalServerError, helpers.KindDependencyUnavailable, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
