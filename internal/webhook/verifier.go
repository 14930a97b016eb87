package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// AlchemySignatureHeader carries the hex HMAC-SHA256 of the raw body
const AlchemySignatureHeader = "X-Alchemy-Signature"

// ErrInvalidSignature is returned for deliveries failing authentication
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates a delivery before its body is parsed
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// HMACVerifier checks an HMAC-SHA256 signature header
type HMACVerifier struct {
	key    []byte
	header string
}

// NewHMACVerifier verifies the X-Alchemy-Signature header with signingKey
func NewHMACVerifier(signingKey string) *HMACVerifier {
	return &HMACVerifier{key: []byte(signingKey), header: AlchemySignatureHeader}
}

// WithHeader reads the signature from a different header
func (v *HMACVerifier) WithHeader(name string) *HMACVerifier {
	v.header = name
	return v
}

func (v *HMACVerifier) Verify(header http.Header, body []byte) error {
	signature := strings.TrimPrefix(header.Get(v.header), "sha256=")
	if signature == "" {
		return ErrInvalidSignature
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(expected, Sign(v.key, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the HMAC-SHA256 of body
func Sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// NoopVerifier accepts every delivery
type NoopVerifier struct{}

func (NoopVerifier) Verify(http.Header, []byte) error { return nil }

// NewVerifier returns an HMACVerifier when signingKey is set, else a NoopVerifier
func NewVerifier(signingKey string) Verifier {
	if signingKey == "" {
		return NoopVerifier{}
	}
	return NewHMACVerifier(signingKey)
}
