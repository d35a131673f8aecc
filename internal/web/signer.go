package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signer authenticates form values that make a round trip through the
// client, such as the raw text preserved across a CAPTCHA downgrade.
type signer struct {
	key []byte
}

func newSigner(secretKey string) *signer {
	return &signer{key: []byte(secretKey)}
}

func (s *signer) Sign(value string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *signer) Verify(value, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	return hmac.Equal(mac.Sum(nil), expected)
}
