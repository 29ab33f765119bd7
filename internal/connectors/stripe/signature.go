package stripe

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	signatureHeader           = "Stripe-Signature"
	DefaultSignatureTolerance = 5 * time.Minute
)

// Signature verifies Stripe-Signature headers ("t=<unix>,v1=<hex>[,v1=...]").
// The signed payload is "<t>.<raw body>"; deliveries whose timestamp is
// outside Tolerance of now are rejected as replays.
type Signature struct {
	Tolerance time.Duration
}

func (s Signature) Header() string { return signatureHeader }

func (s Signature) Verify(secret []byte, headers http.Header, body []byte, now time.Time) error {
	raw := strings.TrimSpace(headers.Get(signatureHeader))
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", registry.ErrUnauthorized, signatureHeader)
	}

	var timestamp string
	var candidates [][]byte
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if sig, err := hex.DecodeString(value); err == nil {
				candidates = append(candidates, sig)
			}
		}
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed %s header", registry.ErrUnauthorized, signatureHeader)
	}

	expected := registry.ComputeHMAC(secret, signedPayload(timestamp, body))
	matched := false
	for _, sig := range candidates {
		if hmac.Equal(sig, expected) {
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("%w: signature mismatch", registry.ErrUnauthorized)
	}

	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", registry.ErrUnauthorized)
	}
	return nil
}

// Sign builds a header value for body at ts.
func (s Signature) Sign(secret, body []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(registry.ComputeHMAC(secret, signedPayload(t, body)))
}

func signedPayload(timestamp string, body []byte) []byte {
	out := make([]byte, 0, len(timestamp)+1+len(body))
	out = append(out, timestamp...)
	out = append(out, '.')
	return append(out, body...)
}
