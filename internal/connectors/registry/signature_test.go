package registry

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestHMACSignatureVerify(t *testing.T) {
	t.Parallel()

	secret := []byte("whsec_test")
	body := []byte(`{"id":"evt_1","type":"customer.created"}`)

	schemes := []HMACSignature{
		{HeaderName: "X-Signature-256", Encoding: EncodingHex, Prefix: "sha256="},
		{HeaderName: "X-Shopify-Hmac-Sha256", Encoding: EncodingBase64},
	}
	for _, scheme := range schemes {
		t.Run(scheme.HeaderName, func(t *testing.T) {
			t.Parallel()

			headers := http.Header{}
			headers.Set(scheme.HeaderName, scheme.Sign(secret, body))
			if err := scheme.Verify(secret, headers, body, time.Now()); err != nil {
				t.Fatalf("Verify(valid) error = %v", err)
			}

			for i := range body {
				tampered := append([]byte(nil), body...)
				tampered[i] ^= 0x01
				if err := scheme.Verify(secret, headers, tampered, time.Now()); !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("Verify(body byte %d flipped) error = %v, want ErrUnauthorized", i, err)
				}
			}

			sig := []byte(scheme.Sign(secret, body))
			for i := len(scheme.Prefix); i < len(sig); i++ {
				forged := append([]byte(nil), sig...)
				forged[i] ^= 0x01
				h := http.Header{}
				h.Set(scheme.HeaderName, string(forged))
				if err := scheme.Verify(secret, h, body, time.Now()); !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("Verify(signature byte %d flipped) error = %v, want ErrUnauthorized", i, err)
				}
			}

			if err := scheme.Verify([]byte("other"), headers, body, time.Now()); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("Verify(wrong secret) error = %v", err)
			}
			if err := scheme.Verify(secret, http.Header{}, body, time.Now()); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("Verify(missing header) error = %v", err)
			}
		})
	}
}
