package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/coachd/pkg/models"
)

func serveWith(service *Service, req *http.Request) (*httptest.ResponseRecorder, *models.User) {
	var seen *models.User
	handler := Middleware(service, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := UserFromContext(r.Context()); ok {
			seen = &user
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareDisabledRunsAsLocalUser(t *testing.T) {
	rec, user := serveWith(NewService(Config{}), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusNoContent || user == nil || user.ID != LocalUserID {
		t.Fatalf("code = %d user = %+v", rec.Code, user)
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	rec, user := serveWith(NewService(Config{JWTSecret: "secret"}), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusUnauthorized || user != nil {
		t.Fatalf("code = %d user = %+v", rec.Code, user)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.GenerateJWT(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "bearer "+token)

	rec, user := serveWith(service, req)
	if rec.Code != http.StatusNoContent || user == nil || user.ID != "user-1" {
		t.Fatalf("code = %d user = %+v", rec.Code, user)
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1", UserID: "user-1"}}})
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "k1")

	rec, user := serveWith(service, req)
	if rec.Code != http.StatusNoContent || user == nil || user.ID != "user-1" {
		t.Fatalf("code = %d user = %+v", rec.Code, user)
	}
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", APIKeys: []APIKeyConfig{{Key: "k1"}}})
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer forged")
	req.Header.Set("X-API-Key", "k1")

	rec, _ := serveWith(service, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401 when the bearer token is invalid", rec.Code)
	}
}

func TestCallerRequiresUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := Caller(req.Context()); err != ErrNoCaller {
		t.Fatalf("Caller = %v", err)
	}
}
