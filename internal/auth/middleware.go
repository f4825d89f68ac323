package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/coachd/internal/observability"
	"github.com/haasonsaas/coachd/pkg/models"
)

// LocalUserID identifies the caller when auth is disabled.
const LocalUserID = "local"

// Middleware enforces JWT/API key auth on HTTP handlers. A bearer token is
// tried first, then X-API-Key. With auth disabled every request runs as
// LocalUserID.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), models.User{ID: LocalUserID})))
				return
			}

			var (
				user *models.User
				err  error
			)
			switch token, key := extractBearer(r), extractAPIKey(r); {
			case token != "":
				user, err = service.ValidateJWT(token)
			case key != "":
				user, err = service.ValidateAPIKey(key)
			default:
				unauthorized(w, "missing credentials")
				return
			}
			if err != nil {
				logger.WarnContext(r.Context(), "authentication failed", "error", err, "path", r.URL.Path)
				unauthorized(w, "invalid credentials")
				return
			}

			ctx := WithUser(r.Context(), *user)
			ctx = observability.AddUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="coachd"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, header := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}
