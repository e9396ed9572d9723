package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestDevToken(t *testing.T) {
	v := &Verifier{Mode: "dev", Now: time.Now}
	p, err := v.Verify("c1:Admin")
	if err != nil {
		t.Fatal(err)
	}
	if p.Community != "c1" || !p.IsAdmin() {
		t.Fatalf("principal %+v", p)
	}
	if _, err := v.Verify("nocolon"); err == nil {
		t.Fatal("want error for malformed dev token")
	}
}

func TestHMACToken(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	v := &Verifier{Mode: "hmac", Secret: secret, Now: func() time.Time { return now }}

	tok := Sign(secret, Principal{Subject: "ops", Community: "c1", Role: "operator"}, now.Add(time.Hour))
	r := httptest.NewRequest("GET", "/v1/tours", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	p, err := v.FromRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "ops" || p.Role != "operator" || !p.Allows("c1") || p.Allows("c2") {
		t.Fatalf("principal %+v", p)
	}

	if _, err := v.Verify(Sign([]byte("other"), p, time.Time{})); err == nil {
		t.Fatal("want bad signature")
	}
	if _, err := v.Verify(Sign(secret, p, now.Add(-time.Minute))); err == nil {
		t.Fatal("want expiry error")
	}
	if _, err := v.FromRequest(httptest.NewRequest("GET", "/", nil)); err != ErrUnauthorized {
		t.Fatalf("missing header: %v", err)
	}
}
