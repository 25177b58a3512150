package api

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin checks the bearer token against the configured bcrypt
// hash. With no hash configured the endpoint is disabled.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminTokenHash == "" {
			s.errorResponse(w, http.StatusForbidden, "forbidden", "admin endpoints are disabled (set api.admin_token_hash)")
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hass-insights"`)
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(token)); err != nil {
			s.logger.Warn("rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="hass-insights", error="invalid_token"`)
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited rejects requests beyond the refresh limit with 429.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			res := s.limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
				s.errorResponse(w, http.StatusTooManyRequests, "rate_limited", "refresh rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
