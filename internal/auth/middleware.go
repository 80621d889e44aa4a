package auth

import (
	"log/slog"
	"net/http"

	"programista_hub/internal/api/common"
)

// DefaultPublicPaths never require a key.
var DefaultPublicPaths = []string{"/health", "/metrics", "/register", "/webhook/providers"}

type MiddlewareConfig struct {
	Required    bool
	Header      string
	PublicPaths []string
}

// Middleware rejects requests without an active API key in cfg.Header.
// When keys are not required every request passes.
func Middleware(cfg MiddlewareConfig, v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Required {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.Header)
			if key == "" {
				common.WriteErrorResponse(w, "Missing API key", http.StatusUnauthorized)
				return
			}

			active, err := v.Validate(r.Context(), key)
			if err != nil {
				logger.Error("api key check failed", "error", err)
				common.WriteErrorResponse(w, "Auth unavailable", http.StatusServiceUnavailable)
				return
			}
			if !active {
				common.WriteErrorResponse(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
