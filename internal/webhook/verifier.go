// Package webhook ingests payment-provider notifications and turns paid
// subscriptions into ledger upgrades.
package webhook

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
)

const (
	// SignatureHeader carries "ts=<unix>,sig=<hex>" for v2 notifications.
	SignatureHeader = "Paddle-Signature"

	classicSignatureField = "p_signature"
)

var (
	ErrSignatureMissing = fmt.Errorf("webhook signature missing: %w", errs.ErrSignature)
	ErrSignatureInvalid = fmt.Errorf("webhook signature invalid: %w", errs.ErrSignature)
	ErrSignatureExpired = fmt.Errorf("webhook signature outside tolerance: %w", errs.ErrSignature)
	ErrKeyNotConfigured = fmt.Errorf("webhook public key not configured: %w", errs.ErrSignature)
)

// SignedRequest is what a Verifier needs from an inbound notification.
type SignedRequest struct {
	Header http.Header
	Body   []byte
	Form   url.Values
}

// Verifier authenticates one signature scheme.
type Verifier interface {
	Verify(req *SignedRequest) error
}

// KeyStore holds the provider public key and allows swapping it at runtime.
type KeyStore struct {
	key atomic.Pointer[crypto.PublicKey]
}

// NewKeyStore returns a store holding key (which may be nil).
func NewKeyStore(key crypto.PublicKey) *KeyStore {
	ks := &KeyStore{}
	ks.Set(key)
	return ks
}

// Set replaces the key. A nil key clears it.
func (k *KeyStore) Set(key crypto.PublicKey) {
	if key == nil {
		k.key.Store(nil)
		return
	}
	k.key.Store(&key)
}

// Load returns the current key or nil.
func (k *KeyStore) Load() crypto.PublicKey {
	if k == nil {
		return nil
	}
	p := k.key.Load()
	if p == nil {
		return nil
	}
	return *p
}

// V2Verifier checks the Paddle-Signature header over "<ts>:<raw body>".
type V2Verifier struct {
	Key crypto.PublicKey
	// Tolerance bounds |now - ts|; zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

func (v *V2Verifier) Verify(req *SignedRequest) error {
	if v.Key == nil {
		return ErrKeyNotConfigured
	}
	ts, sig, err := parseSignatureHeader(req.Header.Get(SignatureHeader))
	if err != nil {
		return err
	}

	if v.Tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		skew := now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return ErrSignatureExpired
		}
	}

	signed := make([]byte, 0, len(ts)+1+len(req.Body))
	signed = append(signed, ts...)
	signed = append(signed, ':')
	signed = append(signed, req.Body...)

	switch key := v.Key.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(signed)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return ErrSignatureInvalid
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, signed, sig) {
			return ErrSignatureInvalid
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrSignatureInvalid, v.Key)
	}
	return nil
}

func parseSignatureHeader(header string) (ts string, sig []byte, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil, ErrSignatureMissing
	}
	var sigHex string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "ts="):
			ts = strings.TrimPrefix(part, "ts=")
		case strings.HasPrefix(part, "sig="):
			sigHex = strings.TrimPrefix(part, "sig=")
		}
	}
	if ts == "" || sigHex == "" {
		return "", nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}
	sig, err = hex.DecodeString(sigHex)
	if err != nil {
		return "", nil, fmt.Errorf("%w: signature is not hex", ErrSignatureInvalid)
	}
	return ts, sig, nil
}

// ClassicVerifier checks the p_signature form field: base64 RSA-SHA1 over the
// PHP-serialized, key-sorted remaining fields.
type ClassicVerifier struct {
	Key crypto.PublicKey
}

func (v *ClassicVerifier) Verify(req *SignedRequest) error {
	key, ok := v.Key.(*rsa.PublicKey)
	if !ok || key == nil {
		if v.Key == nil {
			return ErrKeyNotConfigured
		}
		return fmt.Errorf("%w: classic signatures need an RSA key", ErrSignatureInvalid)
	}
	encoded := req.Form.Get(classicSignatureField)
	if encoded == "" {
		return ErrSignatureMissing
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrSignatureInvalid)
	}

	fields := make(map[string]string, len(req.Form))
	for k, values := range req.Form {
		if k == classicSignatureField || len(values) == 0 {
			continue
		}
		fields[k] = values[0]
	}
	digest := sha1.Sum([]byte(phpSerialize(fields)))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// Select picks the scheme by payload shape: a Paddle-Signature header means
// v2, a p_signature form field means classic.
func Select(keys *KeyStore, req *SignedRequest, tolerance time.Duration) Verifier {
	key := keys.Load()
	if req.Header.Get(SignatureHeader) == "" && req.Form.Get(classicSignatureField) != "" {
		return &ClassicVerifier{Key: key}
	}
	return &V2Verifier{Key: key, Tolerance: tolerance}
}
