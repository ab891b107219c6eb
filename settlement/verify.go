package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/usage-credits/credit"
)

// ErrInvalidSignature is returned when a webhook body fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrSecretNotConfigured is returned by a verifier without a secret. It
// wraps credit.ErrUnavailable: the delivery should be retried once the
// server is configured.
var ErrSecretNotConfigured = fmt.Errorf("%w: webhook secret is not configured", credit.ErrUnavailable)

// Verifier authenticates a raw webhook body against its signature header.
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// HMACVerifier checks a hex-encoded HMAC-SHA256 of the raw body.
type HMACVerifier struct {
	Secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{Secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(payload []byte, signature string) error {
	if len(v.Secret) == 0 {
		return ErrSecretNotConfigured
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(v.Secret, payload)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 of payload.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHex is Sign hex-encoded, the form carried in the signature header.
func SignHex(secret string, payload []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), payload))
}
