// ABOUTME: HTTP bearer-token middleware for the control-plane API.
// ABOUTME: Extracts the JWT from the Authorization header and attaches the caller.

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken pulls a bearer token from the Authorization header.
// Returns the token and an error message (empty on success).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests without a valid bearer token and attaches the
// verified caller to the request context for handlers.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			callerID, err := verifier.Verify(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			ctx := WithCaller(r.Context(), &Caller{ID: callerID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
