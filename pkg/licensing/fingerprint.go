package licensing

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"
)

// Fingerprint is a coarse, non-unique description of the browser environment.
// It correlates devices that are probably the same machine; it is not an identity.
type Fingerprint struct {
	UA       string `json:"ua"`
	Platform string `json:"platform"`
	TZ       string `json:"tz"`
	Lang     string `json:"lang"`
	Screen   string `json:"scr"`
}

// Hash returns the hex SHA-256 of the pipe-joined fingerprint fields.
func (f Fingerprint) Hash() string {
	src := strings.Join([]string{f.UA, f.Platform, f.TZ, f.Lang, f.Screen}, "|")
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// IsZero reports whether no field was collected.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// NormalizeEmail lower-cases and validates an email address. It returns "" when
// the input is not a bare local@domain address; callers must check.
func NormalizeEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" {
		return ""
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Name != "" || addr.Address != e {
		return ""
	}
	at := strings.LastIndexByte(e, '@')
	if at <= 0 || at == len(e)-1 {
		return ""
	}
	domain := e[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return ""
	}
	return e
}
