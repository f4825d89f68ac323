package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haasonsaas/coachd/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", "coachd", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" || user.Email != "user@example.com" || user.Name != "User" {
		t.Fatalf("user = %+v", user)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	service := NewJWTService("secret", "coachd", time.Hour)
	service.now = func() time.Time { return issued }
	valid, err := service.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}

	otherIssuer := NewJWTService("secret", "someone-else", time.Hour)
	otherIssuer.now = service.now
	foreign, _ := otherIssuer.Generate(&models.User{ID: "user-1"})

	wrongKey := NewJWTService("other-secret", "coachd", time.Hour)
	wrongKey.now = service.now
	forged, _ := wrongKey.Generate(&models.User{ID: "user-1"})

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "coachd"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"expired", valid, issued.Add(2 * time.Hour)},
		{"wrong issuer", foreign, issued},
		{"wrong key", forged, issued},
		{"unsigned", none, issued},
		{"garbage", "not-a-token", issued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service.now = func() time.Time { return tt.at }
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate() = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceRequiresUserID(t *testing.T) {
	if _, err := NewJWTService("secret", "", 0).Generate(&models.User{}); err == nil {
		t.Fatal("expected error")
	}
}
