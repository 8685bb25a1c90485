// Package auth issues and verifies bearer tokens and login credentials.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the auth package.
	Error = errs.Class("auth")

	// ErrMalformedToken is returned for tokens that cannot be split or decoded,
	// or whose payload lacks sub or exp or carries an empty sub.
	ErrMalformedToken = errs.Class("malformed token")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errs.Class("invalid signature")
	// ErrExpired is returned once the current time is past exp.
	ErrExpired = errs.Class("token expired")
)

var tokenHeader = mustEncodeSegment(struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}{Alg: "HS256", Typ: "JWT"})

type claims struct {
	Sub *string `json:"sub"`
	Iat int64   `json:"iat"`
	Exp *int64  `json:"exp"`
}

// TokenService signs and verifies compact bearer tokens of the form
// base64url(header).base64url(payload).hex(hmac-sha256).
//
// Tokens carry no revocation state.
type TokenService struct {
	secret []byte
	nowFn  func() time.Time
}

// NewTokenService returns a TokenService keyed with secret.
func NewTokenService(secret []byte) *TokenService {
	return &TokenService{secret: secret, nowFn: time.Now}
}

// SetNow overrides the clock; tests only.
func (s *TokenService) SetNow(now func() time.Time) { s.nowFn = now }

// Issue returns a token for subject valid for ttl.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", Error.New("empty subject")
	}
	iat := s.nowFn().Unix()
	exp := iat + int64(ttl/time.Second)
	payload, err := json.Marshal(claims{Sub: &subject, Iat: iat, Exp: &exp})
	if err != nil {
		return "", Error.Wrap(err)
	}

	signingInput := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + s.sign(signingInput), nil
}

// Verify checks the signature and expiry of token and returns its subject.
func (s *TokenService) Verify(token string) (string, error) {
	pos := strings.LastIndexByte(token, '.')
	if pos < 0 {
		return "", ErrMalformedToken.New("missing signature")
	}
	signingInput, sig := token[:pos], token[pos+1:]

	expected := s.sign(signingInput)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", ErrInvalidSignature.New("signature mismatch")
	}

	dot := strings.IndexByte(signingInput, '.')
	if dot < 0 {
		return "", ErrMalformedToken.New("missing payload")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(signingInput[dot+1:], "="))
	if err != nil {
		return "", ErrMalformedToken.Wrap(err)
	}

	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", ErrMalformedToken.Wrap(err)
	}
	if c.Sub == nil || c.Exp == nil {
		return "", ErrMalformedToken.New("sub and exp are required")
	}
	if *c.Sub == "" {
		return "", ErrMalformedToken.New("empty sub")
	}
	if s.nowFn().Unix() > *c.Exp {
		return "", ErrExpired.New("exp %d", *c.Exp)
	}
	return *c.Sub, nil
}

func (s *TokenService) sign(signingInput string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(signingInput))
	return hex.EncodeToString(mac.Sum(nil))
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func mustEncodeSegment(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
