package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "dep-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.DeploymentID != "dep-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if err := claims.Allows("dep-1"); err != nil {
		t.Fatalf("expected scope to allow dep-1: %v", err)
	}
	if err := claims.Allows("dep-2"); !errors.Is(err, ErrScope) {
		t.Fatalf("expected ErrScope, got %v", err)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("user-1", "", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature error")
	}

	expired, err := GenerateToken("user-1", "", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatalf("expected expiry error")
	}
}
