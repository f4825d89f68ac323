package auth

import (
	"errors"
	"testing"
)

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-1", Email: "user@example.com"}}})
	user, err := service.ValidateAPIKey(" abc123 ")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if user.ID != "user-1" || user.Email != "user@example.com" {
		t.Fatalf("user = %+v", user)
	}
	if _, err := service.ValidateAPIKey("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("ValidateAPIKey(nope) = %v", err)
	}
}

func TestServiceDerivesUserIDFromKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1"}, {Key: "  "}}})
	user, err := service.ValidateAPIKey("k1")
	if err != nil {
		t.Fatal(err)
	}
	if len(user.ID) != len("api_")+16 || user.ID[:4] != "api_" {
		t.Fatalf("derived id = %q", user.ID)
	}
	if again, _ := service.ValidateAPIKey("k1"); again.ID != user.ID {
		t.Fatal("derived id is not stable")
	}
}

func TestServiceLookupUser(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1", UserID: "ada", Name: "Ada"}}})
	user, ok := service.LookupUser("ada")
	if !ok || user.Name != "Ada" {
		t.Fatalf("LookupUser = %+v, %v", user, ok)
	}
	if _, ok := service.LookupUser("bob"); ok {
		t.Fatal("unexpected user")
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Fatal("service without secrets should be disabled")
	}
	if _, err := service.ValidateJWT("x"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("ValidateJWT = %v", err)
	}
}
