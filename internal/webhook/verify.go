// Package webhook authenticates, de-duplicates and routes provider webhook
// deliveries into live settlement sessions.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request
// body, keyed with the per-provider shared secret.
const SignatureHeader = "X-Webhook-Signature"

var (
	ErrUnknownProvider = errors.New("webhook: unknown provider")
	ErrBadSignature    = errors.New("webhook: signature mismatch")
	ErrReplay          = errors.New("webhook: event already processed")
	ErrMalformed       = errors.New("webhook: malformed payload")
)

// Verifier checks delivery authenticity against per-provider secrets.
type Verifier struct {
	secrets map[string][]byte
}

// NewVerifier creates a Verifier from provider name to shared secret.
func NewVerifier(secrets map[string]string) *Verifier {
	v := &Verifier{secrets: make(map[string][]byte, len(secrets))}
	for name, secret := range secrets {
		v.secrets[name] = []byte(secret)
	}
	return v
}

// Verify checks signature against the HMAC of body under the provider's
// secret. The comparison is constant time.
func (v *Verifier) Verify(provider string, body []byte, signature string) error {
	secret, ok := v.secrets[provider]
	if !ok {
		return ErrUnknownProvider
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, digest(secret, body)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the hex signature a provider would attach to body. Used by
// delivery simulation tooling and tests.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(digest([]byte(secret), body))
}

func digest(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
