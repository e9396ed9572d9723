// Package auth verifies bearer tokens for the operator endpoints.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ridepool/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the caller behind a token. An empty Community means all communities.
type Principal struct {
	Subject   string
	Community string
	Role      string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Allows reports whether p may see data of community.
func (p Principal) Allows(community string) bool {
	return p.IsAdmin() || p.Community == "" || p.Community == community
}

// Verifier validates tokens in one of two modes: dev accepts "community:role" verbatim, hmac
// checks an HS256 JWT with community and role claims.
type Verifier struct {
	Mode   string
	Secret []byte
	Now    func() time.Time
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{Mode: cfg.AuthMode, Secret: []byte(cfg.AuthSecret), Now: time.Now}
}

// FromRequest verifies the bearer token of r.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return Principal{}, ErrUnauthorized
	}
	return v.Verify(strings.TrimSpace(authz[len("Bearer "):]))
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return Principal{}, errors.New("invalid dev token; expected community:role")
		}
		return Principal{Subject: "dev", Community: parts[0], Role: strings.ToLower(parts[1])}, nil
	}
	if v.Mode != "hmac" {
		return Principal{}, errors.New("unsupported auth mode")
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, errors.New("invalid JWT")
	}
	header, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, err
	}
	payload, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, err
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, err
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil {
		return Principal{}, err
	}
	if hdr.Alg != "HS256" {
		return Principal{}, errors.New("unsupported alg for hmac")
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(segs[0] + "." + segs[1]))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Principal{}, errors.New("bad signature")
	}
	var claims struct {
		Sub       string `json:"sub"`
		Community string `json:"community"`
		Role      string `json:"role"`
		Exp       int64  `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Principal{}, err
	}
	if claims.Exp != 0 && v.Now().Unix() >= claims.Exp {
		return Principal{}, errors.New("token expired")
	}
	role := strings.ToLower(claims.Role)
	if role == "" {
		role = "user"
	}
	return Principal{Subject: claims.Sub, Community: claims.Community, Role: role}, nil
}

// Sign issues an HS256 token for p; used by tests and operator tooling.
func Sign(secret []byte, p Principal, exp time.Time) string {
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := map[string]any{"sub": p.Subject, "community": p.Community, "role": p.Role}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	body, _ := json.Marshal(claims)
	input := header + "." + enc.EncodeToString(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(input))
	return input + "." + enc.EncodeToString(mac.Sum(nil))
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
