package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignatureVerifier authenticates a raw webhook delivery. Implementations
// must not parse the body beyond what the signature scheme itself covers and
// must compare digests in constant time.
type SignatureVerifier interface {
	Header() string
	Verify(secret []byte, headers http.Header, body []byte, now time.Time) error
}

type SignatureEncoding string

const (
	EncodingHex    SignatureEncoding = "hex"
	EncodingBase64 SignatureEncoding = "base64"
)

// HMACSignature is the common scheme: HMAC-SHA256 over the exact raw body,
// carried in one header as hex or base64, optionally behind a fixed prefix
// such as "sha256=".
type HMACSignature struct {
	HeaderName string
	Encoding   SignatureEncoding
	Prefix     string
}

func (s HMACSignature) Header() string { return s.HeaderName }

func (s HMACSignature) Verify(secret []byte, headers http.Header, body []byte, _ time.Time) error {
	provided := strings.TrimSpace(headers.Get(s.HeaderName))
	if provided == "" {
		return fmt.Errorf("%w: missing %s header", ErrUnauthorized, s.HeaderName)
	}
	if s.Prefix != "" {
		if !strings.HasPrefix(provided, s.Prefix) {
			return fmt.Errorf("%w: malformed %s header", ErrUnauthorized, s.HeaderName)
		}
		provided = provided[len(s.Prefix):]
	}
	got, err := DecodeSignature(s.Encoding, provided)
	if err != nil {
		return fmt.Errorf("%w: malformed %s header", ErrUnauthorized, s.HeaderName)
	}
	if !hmac.Equal(got, ComputeHMAC(secret, body)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}

// Sign produces the header value a sender would attach for body.
func (s HMACSignature) Sign(secret, body []byte) string {
	return s.Prefix + EncodeSignature(s.Encoding, ComputeHMAC(secret, body))
}

// ComputeHMAC returns HMAC-SHA256(secret, payload).
func ComputeHMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func DecodeSignature(enc SignatureEncoding, value string) ([]byte, error) {
	switch enc {
	case EncodingBase64:
		return base64.StdEncoding.Strict().DecodeString(value)
	default:
		return hex.DecodeString(strings.ToLower(value))
	}
}

func EncodeSignature(enc SignatureEncoding, sum []byte) string {
	switch enc {
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(sum)
	default:
		return hex.EncodeToString(sum)
	}
}
