package licensing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedPublicKey  = errors.New("malformed public key")
	ErrMalformedPrivateKey = errors.New("malformed private key")
	ErrUnsupportedKeyType  = errors.New("unsupported public key type")
)

// PublicKeyFingerprint returns an SHA256 fingerprint for logging.
func PublicKeyFingerprint(key crypto.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil || len(der) == 0 {
		return ""
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// DecodePublicKey accepts a PEM "PUBLIC KEY" block, the bare base64 PKIX body a
// payment dashboard hands out, or a raw base64 Ed25519 key. Only RSA and
// Ed25519 keys are returned.
func DecodePublicKey(encoded string) (crypto.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrMalformedPublicKey
	}

	var der []byte
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := decodeBase64(stripWhitespace(encoded))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
		}
		if len(decoded) == ed25519.PublicKeySize {
			return ed25519.PublicKey(decoded), nil
		}
		der = decoded
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if rsaKey, rsaErr := x509.ParsePKCS1PublicKey(der); rsaErr == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	switch k := key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// DecodeEd25519PublicKey decodes a key and requires it to be Ed25519.
func DecodeEd25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	key, err := DecodePublicKey(encoded)
	if err != nil {
		return nil, err
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: want ed25519, got %T", ErrUnsupportedKeyType, key)
	}
	return edKey, nil
}

// DecodeEd25519PrivateKey accepts a base64 32-byte seed or 64-byte private key.
func DecodeEd25519PrivateKey(encoded string) (ed25519.PrivateKey, error) {
	decoded, err := decodeBase64(stripWhitespace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPrivateKey, err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, ErrMalformedPrivateKey
	}
}

func decodeBase64(s string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
	}
	return decoded, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}
