package cors

import (
	"net/http"
	"strings"
)

// Headers a browser client needs for DPoP requests.
var (
	allowHeaders  = []string{"Authorization", "Content-Type", "DPoP"}
	exposeHeaders = []string{"DPoP-Nonce", "WWW-Authenticate"}
)

// Middleware is the custom CORS middleware. It answers preflight requests
// itself.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(exposeHeaders, ", "))
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
