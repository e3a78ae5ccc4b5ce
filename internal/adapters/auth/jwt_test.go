package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("secret", "portal")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	tok, err := v.Issue(domain.User{ID: 42, Name: "Ana"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	u, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if u.ID != 42 || u.Name != "Ana" || u.IsAdmin() {
		t.Fatalf("user = %+v", u)
	}

	tok, _ = v.Issue(domain.User{ID: 1, Name: "Root", Role: "Admin"}, time.Minute)
	if u, err = v.Verify(context.Background(), tok); err != nil || !u.IsAdmin() {
		t.Fatalf("admin = %+v, %v", u, err)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, _ := NewJWTVerifier("secret", "portal")
	other, _ := NewJWTVerifier("other", "portal")
	wrongIssuer, _ := NewJWTVerifier("secret", "elsewhere")

	forged, _ := other.Issue(domain.User{ID: 1, Name: "x"}, time.Minute)
	if _, err := v.Verify(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged token: err = %v", err)
	}

	expired, _ := v.Issue(domain.User{ID: 1, Name: "x"}, -time.Minute)
	if _, err := v.Verify(context.Background(), expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired token: err = %v", err)
	}

	foreign, _ := wrongIssuer.Issue(domain.User{ID: 1, Name: "x"}, time.Minute)
	if _, err := v.Verify(context.Background(), foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: err = %v", err)
	}

	if _, err := v.Verify(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: err = %v", err)
	}

	if _, err := NewJWTVerifier("", ""); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("empty secret: err = %v", err)
	}
}
