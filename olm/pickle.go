package olm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// The current supported version of the pickle blob format.
const pickleFormatVersion = 1

// ErrBadPickle is returned when a pickle cannot be opened: wrong pickle key,
// truncated input or a corrupted ciphertext all look the same to the AEAD.
var ErrBadPickle = errors.New("wrong pickle key or corrupted pickle")

// pickleBlob is the serialised envelope around an encrypted object state.
type pickleBlob struct {
	V      int    `cbor:"v"`
	Nonce  []byte `cbor:"nonce"`
	Cipher []byte `cbor:"cipher"`
}

func pickleAEADKey(pickleKey []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, pickleKey, nil, []byte("olm-core.pickle.v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// pickle serialises state as CBOR and seals it with a key derived from
// pickleKey. The returned string is safe to write to untrusted storage.
func pickle(pickleKey []byte, state interface{}) (string, error) {
	payload, err := cbor.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("pickle: %w", err)
	}
	defer memguard.WipeBytes(payload)

	key, err := pickleAEADKey(pickleKey)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	blob, err := cbor.Marshal(pickleBlob{
		V:      pickleFormatVersion,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, payload, nil),
	})
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(blob), nil
}

// unpickle reverses pickle, decoding the plaintext CBOR into state.
func unpickle(pickleKey []byte, pickled string, state interface{}) error {
	raw, err := base64.RawStdEncoding.DecodeString(pickled)
	if err != nil {
		return ErrBadPickle
	}
	var blob pickleBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return ErrBadPickle
	}
	if blob.V > pickleFormatVersion {
		return fmt.Errorf("unsupported pickle version %d", blob.V)
	}
	key, err := pickleAEADKey(pickleKey)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	payload, err := aead.Open(nil, blob.Nonce, blob.Cipher, nil)
	if err != nil {
		return ErrBadPickle
	}
	defer memguard.WipeBytes(payload)
	if err := cbor.Unmarshal(payload, state); err != nil {
		return ErrBadPickle
	}
	return nil
}
