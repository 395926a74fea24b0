package clients

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateKeypair creates a WireGuard Curve25519 keypair server-side, so
// client devices never have to run wg themselves. Both keys are returned
// base64-encoded, the format wg(8) uses.
func GenerateKeypair() (privateKey, publicKey string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("reading randomness: %w", err)
	}
	// Curve25519 scalar clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]),
		base64.StdEncoding.EncodeToString(pub), nil
}

// GeneratePresharedKey returns a random 32-byte preshared key for the extra
// symmetric layer WireGuard supports.
func GeneratePresharedKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// NewConfigToken returns a URL-safe token used as the one-time password for
// config downloads.
func NewConfigToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
