// Package security verifies the signed tokens the satellite ground-control
// webhook attaches to every delivery.
package security

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// groundControlPublicKeyPEM is the pinned ground-control signing key.
// Deployments can override it with a key file, but the default ships in the
// binary so a fresh install verifies real traffic out of the box.
const groundControlPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAlaWAVJfNWC4XfnRx96p9
cztBcdQV6l8aKmzAlZdpEcQR6MSPzlgvihaUHNJgKm8t5ShR3jcDXIOI7er30cIN
4/9aVFMe0LWZClUGgCSLc3rrMD4FzgOJ4ibD8scVyER/sirRzf5/dswJedEiMte1
ElMQy2M6IWBACry9u12kIqG0HrhaQOzc6Tr8pHUWTKft3xwGpxCkV+K1N+9HCKFc
cbwb8okRP6FFAMm5sBbw4yAu39IVvcSL43Tucaa79FzOmfGs5mMvQfvO1ua7cOLK
fAwkhxEjirC0/RYX7Wio5yL6jmykAHJqFG2HT0uyjjrQWMtoGgwv9cIcI7xbsDX6
owIDAQAB
-----END PUBLIC KEY-----`

// Verifier validates RS256 tokens against a pinned RSA public key.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier loads the verifier. keyFile, when non-empty, replaces the
// built-in ground-control key.
func NewVerifier(keyFile string) (*Verifier, error) {
	pem := []byte(groundControlPublicKeyPEM)
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key file: %w", err)
		}
		pem = b
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// NewVerifierFromPEM builds a verifier from PEM bytes directly.
func NewVerifierFromPEM(pem []byte) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// Verify checks the token signature and returns its claims. Only RS256 is
// accepted; anything else fails closed.
func (v *Verifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return claims, nil
}
