package jwtx

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnknownKID  = errors.New("jwtx: unknown kid")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier checks EdDSA signatures against a set of public keys indexed by
// kid. Expiry is left to the caller so that expired tokens can still be told
// apart from forged ones.
type Verifier struct {
	issuer string

	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewVerifier(issuer string) *Verifier {
	return &Verifier{issuer: issuer, keys: make(map[string]ed25519.PublicKey)}
}

// Trust registers the public key of s.
func (v *Verifier) Trust(s *Signer) {
	v.mu.Lock()
	v.keys[s.KID()] = s.PublicKey()
	v.mu.Unlock()
}

func (v *Verifier) key(kid string) (ed25519.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[kid]
	if !ok {
		return nil, ErrUnknownKID
	}
	return k, nil
}

// Parse verifies the signature and issuer of token and returns its claims.
func (v *Verifier) Parse(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("jwtx: missing kid")
		}
		return v.key(kid)
	})
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse or verify: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("jwtx: invalid token claims")
	}
	if err := claims.ValidateIssuer(v.issuer); err != nil {
		return nil, err
	}
	return claims, nil
}

// Verify is Parse followed by an expiry check at now.
func (v *Verifier) Verify(token string, now time.Time) (*Claims, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return nil, err
	}
	if err := claims.ValidateExpiry(now, 0); err != nil {
		return nil, err
	}
	return claims, nil
}
