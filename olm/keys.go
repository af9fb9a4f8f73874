package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// wipe scrubs a secret byte slice in place.
func wipe(b []byte) {
	memguard.WipeBytes(b)
}

var (
	// ErrBadSignature is returned when an ed25519 signature fails to verify.
	ErrBadSignature = errors.New("bad message signature")
	// ErrInvalidKey is returned when a key cannot be decoded from base64 or
	// has the wrong length.
	ErrInvalidKey = errors.New("invalid key")
)

// encodeKey is how all public keys appear on the wire: unpadded base64.
func encodeKey(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeKey(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidKey
	}
	return b, nil
}

// generateCurve25519 returns a clamped X25519 private key and its public key.
func generateCurve25519() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// VerifySignature checks an ed25519 signature. key and signature are unpadded
// base64, matching the account's signing output.
func VerifySignature(key string, message []byte, signature string) error {
	pub, err := decodeKey(key)
	if err != nil {
		return err
	}
	sig, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrBadSignature
	}
	return nil
}
