package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TriggerSecret header for the pipeline run endpoint, intended for schedulers
// that can't hold the full API token.
const triggerHeader = "X-Scribeflow-Trigger-Secret"

func TriggerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// An unset secret must not degrade into an open endpoint;
			// ConstantTimeCompare matches two empty strings.
			if secret == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "pipeline trigger disabled: no trigger secret configured")
				return
			}
			got := r.Header.Get(triggerHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing trigger secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
