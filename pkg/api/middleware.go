package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/cuemby/pdisk/pkg/metrics"
)

// basicAuth rejects requests without the configured credentials. An empty
// username disables authentication.
func basicAuth(username, password string, next http.Handler) http.Handler {
	if username == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pdisk"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument observes request latency by method
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		next.ServeHTTP(w, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}
