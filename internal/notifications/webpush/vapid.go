package webpush

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// vapidTokenTTL is the lifetime of a signed VAPID JWT. RFC 8292 caps it at
// 24 hours.
const vapidTokenTTL = 12 * time.Hour

// VAPIDKeys is the application server identity.
type VAPIDKeys struct {
	// private is the raw base64url scalar handed to webpush-go.
	private string
	// PublicKey is the base64url uncompressed point sent as the k= parameter.
	PublicKey string
}

// ParseVAPIDKeys decodes a base64url private scalar. When publicKey is empty
// it is derived from the private key; otherwise it must match.
func ParseVAPIDKeys(privateKey, publicKey string) (*VAPIDKeys, error) {
	raw, err := decodeKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("webpush: decoding vapid private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("webpush: invalid vapid private key: %w", err)
	}
	pub := priv.PublicKey().Bytes()
	derived := base64.RawURLEncoding.EncodeToString(pub)

	if publicKey != "" {
		given, err := decodeKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("webpush: decoding vapid public key: %w", err)
		}
		if base64.RawURLEncoding.EncodeToString(given) != derived {
			return nil, fmt.Errorf("webpush: vapid public key does not match private key")
		}
	}

	return &VAPIDKeys{
		private:   base64.RawURLEncoding.EncodeToString(raw),
		PublicKey: derived,
	}, nil
}

// GenerateVAPIDKeys creates a fresh key pair and returns both halves in the
// base64url form ParseVAPIDKeys accepts.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(priv.Bytes()),
		base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}

// decodeKey accepts the base64url (padded or raw) and std encodings that
// browsers and client libraries hand back for keys.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
