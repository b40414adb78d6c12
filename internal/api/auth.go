package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// BearerAuth guards the management API with the token from
// config.GetAPIToken. Rejections are logged without the presented token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if ok && subtle.ConstantTimeCompare([]byte(got), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			reason := "no bearer token"
			if ok {
				reason = "token mismatch"
			}
			slog.Warn("rejected API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "reason", reason)
			w.Header().Set("WWW-Authenticate", `Bearer realm="cardpilot"`)
			httpError(w, http.StatusUnauthorized, "authentication_error",
				"cardpilot API token missing or wrong; set CARDPILOT_API_TOKEN or use the token stored in the keychain")
		})
	}
}
