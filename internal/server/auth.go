package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/mailrag-go/internal/logging"
)

// authMiddleware requires "Authorization: Bearer <apiKey>" on the chat and
// index routes. An empty apiKey disables the check; New warns once at
// startup when that happens. Presented tokens are never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		switch {
		case token == "":
			reject(w, r, `Bearer realm="mailrag"`, "authorization required", false)
		case subtle.ConstantTimeCompare([]byte(token), want) != 1:
			reject(w, r, `Bearer realm="mailrag" error="invalid_token"`, "invalid token", true)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func reject(w http.ResponseWriter, r *http.Request, challenge, msg string, tokenPresent bool) {
	logging.FromContext(r.Context()).Warn("auth: request rejected",
		slog.String("reason", msg),
		slog.Bool("token_present", tokenPresent),
	)
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// bearerToken returns the credential of a Bearer Authorization header, or
// "" when the header is missing or uses another scheme.
func bearerToken(r *http.Request) string {
	scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}
