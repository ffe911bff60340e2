package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	iss, err := NewIssuer("s3cret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := iss.Issue(7, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	iss, _ := NewIssuer("s3cret", time.Hour)
	other, _ := NewIssuer("different", time.Hour)
	foreign, _ := other.Issue(7, "alice")

	expiredIss, _ := NewIssuer("s3cret", time.Minute)
	expiredIss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredIss.Issue(7, "alice")

	good, _ := iss.Issue(7, "alice")
	tampered := good[:len(good)-2] + "xx"

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"bad signature", foreign},
		{"tampered", tampered},
		{"expired", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Verify(tt.token)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  ", 0); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := CredentialFromRequest(r); got != "query-token" {
		t.Fatalf("query credential = %q", got)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := CredentialFromRequest(r); got != "header-token" {
		t.Fatalf("header credential = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := CredentialFromRequest(r); got != "" {
		t.Fatalf("expected no credential, got %q", got)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.Contains(hash, "hunter2") {
		t.Fatal("hash must not contain the password")
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatal("expected password to match")
	}
	if CheckPassword(hash, "hunter3") {
		t.Fatal("expected wrong password to fail")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}
