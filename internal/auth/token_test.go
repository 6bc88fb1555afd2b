package auth

import (
	"strings"
	"testing"
	"time"
)

func testTokenService() *TokenService {
	return NewTokenService([]byte("test-secret-key"), 15*time.Minute, 168*time.Hour)
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	svc := testTokenService()
	user := &User{ID: "u1", Username: "admin", Role: RoleAdmin}

	token, err := svc.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	claims, err := svc.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "u1" || claims.Username != "admin" || claims.Role != "admin" {
		t.Errorf("claims = %+v, want uid=u1 usr=admin role=admin", claims)
	}
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	svc := testTokenService()
	other := NewTokenService([]byte("different-secret"), 15*time.Minute, time.Hour)

	token, err := svc.IssueAccessToken(&User{ID: "u1", Username: "admin", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	if _, err := other.ValidateAccessToken(token); err == nil {
		t.Fatal("expected validation error for token signed with different secret")
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	svc := NewTokenService([]byte("test-secret-key"), -time.Minute, time.Hour)

	token, err := svc.IssueAccessToken(&User{ID: "u1", Username: "admin", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	if _, err := svc.ValidateAccessToken(token); err == nil {
		t.Fatal("expected validation error for expired token")
	}
}

func TestValidateAccessToken_Garbage(t *testing.T) {
	svc := testTokenService()
	if _, err := svc.ValidateAccessToken("not.a.jwt"); err == nil {
		t.Fatal("expected validation error for malformed token")
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	svc := testTokenService()

	raw, hash, expiresAt, err := svc.GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if len(raw) != 64 {
		t.Errorf("raw token length = %d, want 64 hex chars", len(raw))
	}
	if hash != HashToken(raw) {
		t.Error("returned hash does not match HashToken(raw)")
	}
	if strings.Contains(raw, hash) || raw == hash {
		t.Error("raw token and hash must differ")
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expiry must be in the future")
	}
}

func TestHashPasswordRoundtrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery") {
		t.Error("CheckPassword rejected the correct password")
	}
	if CheckPassword(hash, "wrong password") {
		t.Error("CheckPassword accepted a wrong password")
	}
}
