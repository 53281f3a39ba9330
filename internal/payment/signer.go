package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// Signer computes and checks HMAC-SHA512 signatures over canonical strings.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for secret. A blank secret is a configuration error.
func NewSigner(secret string) (Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return Signer{}, configf("hash secret is not set")
	}
	return Signer{secret: []byte(secret)}, nil
}

// Sign returns the lowercase hex HMAC-SHA512 of canonical.
func (s Signer) Sign(canonical string) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it with provided in constant time.
func (s Signer) Verify(canonical, provided string) bool {
	if len(s.secret) == 0 || provided == "" {
		return false
	}
	expected := s.Sign(canonical)
	return hmac.Equal([]byte(expected), []byte(provided))
}
