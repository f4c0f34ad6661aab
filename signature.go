package didauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// SignatureVerifier verifies a challenge signature made with the key a DID encodes
type SignatureVerifier interface {
	Verify(did, nonce, timestamp, signatureB64 string, extraFields ...string) bool
}

// SignatureVerifierFunc adapts a function to the SignatureVerifier interface
type SignatureVerifierFunc func(did, nonce, timestamp, signatureB64 string, extraFields ...string) bool

// Verify implements SignatureVerifier.
func (f SignatureVerifierFunc) Verify(did, nonce, timestamp, signatureB64 string, extraFields ...string) bool {
	if f == nil {
		return false
	}
	return f(did, nonce, timestamp, signatureB64, extraFields...)
}

// Ed25519Verifier is the default SignatureVerifier
type Ed25519Verifier struct{}

var _ SignatureVerifier = Ed25519Verifier{}

// CanonicalMessage joins the challenge fields with "|". Extra fields are
// appended in call order and signer and verifier must agree on that order.
func CanonicalMessage(did, nonce, timestamp string, extraFields ...string) string {
	parts := make([]string, 0, 3+len(extraFields))
	parts = append(parts, did, nonce, timestamp)
	parts = append(parts, extraFields...)
	return strings.Join(parts, "|")
}

// Verify never fails loudly: malformed keys or signatures just return false.
func (Ed25519Verifier) Verify(did, nonce, timestamp, signatureB64 string, extraFields ...string) bool {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return false
	}

	sig, ok := decodeSignature(signatureB64)
	if !ok {
		return false
	}

	message := CanonicalMessage(did, nonce, timestamp, extraFields...)
	return ed25519.Verify(pub, []byte(message), sig)
}

// SignChallenge produces the base64 signature a client sends for a challenge
func SignChallenge(priv ed25519.PrivateKey, did, nonce, timestamp string, extraFields ...string) string {
	message := CanonicalMessage(did, nonce, timestamp, extraFields...)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

func decodeSignature(raw string) ([]byte, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	for _, enc := range encodings {
		sig, err := enc.DecodeString(raw)
		if err == nil && len(sig) == ed25519.SignatureSize {
			return sig, true
		}
	}
	return nil, false
}

// ParseTimestamp accepts unix milliseconds or RFC3339
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, newError(ErrBadRequest, map[string]any{"reason": "timestamp is required"})
	}

	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, wrapError(ErrBadRequest, err, map[string]any{"reason": "invalid timestamp", "timestamp": raw})
	}
	return ts, nil
}

// CheckFreshness rejects timestamps further than window away from now, in
// either direction. It is independent of signature validity.
func CheckFreshness(timestamp string, now time.Time, window time.Duration) error {
	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return err
	}

	if window <= 0 {
		window = DefaultFreshnessWindow
	}

	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}

	if skew > window {
		return newError(ErrStaleTimestamp, map[string]any{
			"timestamp": timestamp,
			"skew":      skew.String(),
		})
	}
	return nil
}
