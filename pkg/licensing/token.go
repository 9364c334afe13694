package licensing

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing  = errors.New("decision token missing")
	ErrTokenMismatch = errors.New("decision token does not match decision")
)

const decisionIssuer = "talkscribe-license"

// DecisionClaims binds a decision to the device it was issued for.
type DecisionClaims struct {
	Plan Plan `json:"plan"`
	jwt.RegisteredClaims
}

// DecisionSigner issues EdDSA tokens for plan decisions.
type DecisionSigner struct {
	key ed25519.PrivateKey
}

// NewDecisionSigner creates a signer. A nil signer signs nothing.
func NewDecisionSigner(key ed25519.PrivateKey) *DecisionSigner {
	if len(key) != ed25519.PrivateKeySize {
		return nil
	}
	return &DecisionSigner{key: key}
}

// PublicKey returns the verification key matching the signer.
func (s *DecisionSigner) PublicKey() ed25519.PublicKey {
	if s == nil {
		return nil
	}
	return s.key.Public().(ed25519.PublicKey)
}

// Sign sets d.Token for deviceID.
func (s *DecisionSigner) Sign(deviceID string, d *Decision) error {
	if s == nil || d == nil {
		return nil
	}
	issued := time.Unix(d.ServerTime, 0)
	validFor := d.CacheTTL() + d.OfflineGrace()
	claims := DecisionClaims{
		Plan: d.Plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    decisionIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(validFor)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("sign decision: %w", err)
	}
	d.Token = token
	return nil
}

// DecisionVerifier checks decision tokens on the client.
type DecisionVerifier struct {
	key ed25519.PublicKey
	now func() time.Time
}

// NewDecisionVerifier creates a verifier. A nil verifier accepts every decision.
func NewDecisionVerifier(key ed25519.PublicKey, now func() time.Time) *DecisionVerifier {
	if len(key) != ed25519.PublicKeySize {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &DecisionVerifier{key: key, now: now}
}

// Verify checks that d carries a valid token for deviceID and d.Plan.
func (v *DecisionVerifier) Verify(deviceID string, d *Decision) error {
	if v == nil {
		return nil
	}
	if d == nil || d.Token == "" {
		return ErrTokenMissing
	}
	var claims DecisionClaims
	_, err := jwt.ParseWithClaims(d.Token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(decisionIssuer),
		jwt.WithSubject(deviceID),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("verify decision token: %w", err)
	}
	if claims.Plan != d.Plan {
		return ErrTokenMismatch
	}
	return nil
}
