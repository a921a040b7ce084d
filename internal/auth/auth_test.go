package auth

import (
	"context"
	"testing"
	"time"

	"github.com/agentwire-ai/agentwire/internal/config"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func TestBuiltinValidateToken(t *testing.T) {
	p := NewBuiltinProvider(testSecret)

	token, err := p.IssueToken(Identity{UserID: "u-1", Username: "alice", Role: "admin"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	id, err := p.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != "u-1" || id.Username != "alice" || id.Role != "admin" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestBuiltinDefaultsRole(t *testing.T) {
	p := NewBuiltinProvider(testSecret)

	token, err := p.IssueToken(Identity{UserID: "u-2"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := p.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Role != "user" {
		t.Errorf("expected default role user, got %q", id.Role)
	}
}

func TestBuiltinRejectsBadTokens(t *testing.T) {
	p := NewBuiltinProvider(testSecret)
	other := NewBuiltinProvider("a-different-secret-also-32-chars!!!!")

	wrongKey, err := other.IssueToken(Identity{UserID: "u-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := p.IssueToken(Identity{UserID: "u-1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.jwt",
		"wrong key": wrongKey,
		"expired":   expired,
	} {
		if _, err := p.ValidateToken(context.Background(), token); err == nil {
			t.Errorf("%s token validated", name)
		}
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "builtin" {
		t.Errorf("expected builtin provider, got %q", p.Name())
	}

	if _, err := NewProvider(config.AuthConfig{Provider: "ldap"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
