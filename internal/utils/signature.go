package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Signer computes keyed integrity signatures over policy-like payloads.
// The payload is canonicalized before hashing: keys are sorted (encoding/json
// sorts map keys) and time values are rendered as RFC3339Nano in UTC, so the
// order in which a caller assembles fields never changes the signature.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer keyed with secret. An empty secret is rejected
// since it would make every signature forgeable.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signer: empty secret")
	}
	return &Signer{key: []byte(secret)}, nil
}

// Sign returns base64(HMAC-SHA256(key, canonical(payload))).
func (s *Signer) Sign(payload map[string]any) (string, error) {
	msg, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(payload map[string]any, signature string) bool {
	want, err := s.Sign(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// Canonicalize renders payload as sorted-key JSON with stringified times.
func Canonicalize(payload map[string]any) ([]byte, error) {
	return json.Marshal(canonicalValue(payload))
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalValue(val)
		}
		return out
	case []string:
		if t == nil {
			return []string{}
		}
		return t
	default:
		return v
	}
}
