package httpapi

import (
	"context"
	"net/http"

	"github.com/hperssn/sprinter/internal/logger"
)

type contextKey string

const UserIDKey contextKey = "userId"

// ExtractUser trusts the identity header set by the reverse proxy in front
// of the service. When devUser is not empty, requests without a header run
// as that user instead of being rejected.
func ExtractUser(log *logger.Logger, devUser string) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Traefik BasicAuth sets this header
			userID := r.Header.Get("X-Auth-User")

			// Also check common alternatives
			if userID == "" {
				userID = r.Header.Get("X-Forwarded-User")
			}
			if userID == "" {
				userID = r.Header.Get("Remote-User")
			}

			if userID == "" && devUser != "" {
				userID = devUser
				log.Warn("no auth header, using dev user", "path", r.URL.Path)
			}

			if userID == "" {
				log.Info("authentication failed: no user header found", "path", r.URL.Path)
				respondError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, ok := r.Context().Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}
