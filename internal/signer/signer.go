// Package signer mints and verifies the signed result envelopes that
// carry tool outputs across the protocol boundary. Results are wrapped in
// an HS256 JWT so the agent can detect tampering and replay of stale
// results.
package signer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apelabs/ape/internal/aperrors"
)

// Lifetime is how long a signed result stays valid after minting.
const Lifetime = 600 * time.Second

// Envelope is the wire shape of a signed tool result.
type Envelope struct {
	ResultID string `json:"result_id"`
	Payload  any    `json:"payload"`
	Sig      string `json:"sig"`
}

// claims mirrors the JWT body: the result id and payload are embedded so
// verification does not depend on the envelope's plaintext fields.
type claims struct {
	ResultID string `json:"result_id"`
	Payload  any    `json:"payload"`
	jwt.RegisteredClaims
}

// Signer signs and verifies result envelopes with a shared HMAC secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New creates a Signer. The secret must be non-empty; config.Load
// enforces that before a Signer is ever constructed.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the time source. Tests use this to cross the
// expiry boundary deterministically.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign wraps a tool result payload in a signed envelope.
func (s *Signer) Sign(resultID string, payload any) (Envelope, error) {
	iat := s.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ResultID: resultID,
		Payload:  payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(Lifetime)),
		},
	})
	sig, err := token.SignedString(s.secret)
	if err != nil {
		return Envelope{}, aperrors.Wrap(aperrors.CodeSignatureError, "sign result", err)
	}
	return Envelope{ResultID: resultID, Payload: payload, Sig: sig}, nil
}

// Verify checks an envelope's signature and expiry and returns the
// payload embedded in the token. Every failure mode collapses to
// SIGNATURE_ERROR: expired tokens, bad signatures, wrong algorithms, and
// tokens that validate but carry no payload claim all mean the result
// cannot be trusted.
func (s *Signer) Verify(env Envelope) (any, error) {
	var c claims
	token, err := jwt.ParseWithClaims(env.Sig, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, aperrors.Newf(aperrors.CodeSignatureError, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, aperrors.Wrap(aperrors.CodeSignatureError, "verify result signature", err)
	}
	if !token.Valid {
		return nil, aperrors.New(aperrors.CodeSignatureError, "result signature invalid")
	}
	if c.Payload == nil {
		return nil, aperrors.New(aperrors.CodeSignatureError, "signed token carries no payload")
	}
	if env.ResultID != "" && c.ResultID != env.ResultID {
		return nil, aperrors.New(aperrors.CodeSignatureError, "result_id mismatch between envelope and token")
	}
	return c.Payload, nil
}
