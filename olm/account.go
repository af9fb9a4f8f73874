package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// MaxOneTimeKeys is the maximum number of one-time keys an account will hold.
// Matches the ceiling used by existing deployments.
const MaxOneTimeKeys = 100

// ErrUnknownOneTimeKey is returned when a handshake references a one-time key
// which this account does not hold (never generated, or already consumed).
var ErrUnknownOneTimeKey = errors.New("unknown or already-consumed one-time key")

// IdentityKeys are the long-term public keys for a device.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

type oneTimeKey struct {
	ID        string `cbor:"id"`
	Priv      []byte `cbor:"priv"`
	Pub       []byte `cbor:"pub"`
	Published bool   `cbor:"published"`
}

type accountState struct {
	IdentityPriv []byte       `cbor:"identity_priv"`
	IdentityPub  []byte       `cbor:"identity_pub"`
	SigningSeed  []byte       `cbor:"signing_seed"`
	NextKeyID    uint32       `cbor:"next_key_id"`
	OneTimeKeys  []oneTimeKey `cbor:"one_time_keys"`
	Fallback     *oneTimeKey  `cbor:"fallback,omitempty"`
	PrevFallback *oneTimeKey  `cbor:"prev_fallback,omitempty"`
}

// Account is a device's long-term cryptographic identity: a curve25519
// identity key, an ed25519 signing key, a pool of one-time prekeys and a
// rotating fallback key. Accounts are kept pickled in the crypto store and
// materialized only for the duration of a store transaction; call Wipe when
// done with one.
type Account struct {
	st accountState
}

// NewAccount creates a fresh account with new identity and signing keys and
// an empty one-time key pool.
func NewAccount() (*Account, error) {
	priv, pub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return &Account{st: accountState{
		IdentityPriv: priv,
		IdentityPub:  pub,
		SigningSeed:  seed,
	}}, nil
}

// UnpickleAccount restores an account from its pickled form.
func UnpickleAccount(pickleKey []byte, pickled string) (*Account, error) {
	a := &Account{}
	if err := unpickle(pickleKey, pickled, &a.st); err != nil {
		return nil, err
	}
	return a, nil
}

// Pickle serialises the account, encrypted with pickleKey.
func (a *Account) Pickle(pickleKey []byte) (string, error) {
	return pickle(pickleKey, &a.st)
}

// Wipe scrubs the account's secret key material. The account is unusable
// afterwards.
func (a *Account) Wipe() {
	memguard.WipeBytes(a.st.IdentityPriv)
	memguard.WipeBytes(a.st.SigningSeed)
	for i := range a.st.OneTimeKeys {
		memguard.WipeBytes(a.st.OneTimeKeys[i].Priv)
	}
	if a.st.Fallback != nil {
		memguard.WipeBytes(a.st.Fallback.Priv)
	}
	if a.st.PrevFallback != nil {
		memguard.WipeBytes(a.st.PrevFallback.Priv)
	}
	a.st = accountState{}
}

func (a *Account) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.st.SigningSeed)
}

// IdentityKeys returns the public identity keys for this account.
func (a *Account) IdentityKeys() IdentityKeys {
	return IdentityKeys{
		Curve25519: encodeKey(a.st.IdentityPub),
		Ed25519:    encodeKey(a.signingKey().Public().(ed25519.PublicKey)),
	}
}

// Sign signs message with the account's ed25519 key and returns the
// signature as unpadded base64.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(a.signingKey(), message))
}

// MaxNumberOfOneTimeKeys returns how many one-time keys the account can hold.
func (a *Account) MaxNumberOfOneTimeKeys() int {
	return MaxOneTimeKeys
}

// GenerateOneTimeKeys adds n new unpublished one-time keys. Oldest keys are
// discarded beyond the pool ceiling.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := generateCurve25519()
		if err != nil {
			return err
		}
		a.st.OneTimeKeys = append(a.st.OneTimeKeys, oneTimeKey{
			ID:   a.nextKeyID(),
			Priv: priv,
			Pub:  pub,
		})
	}
	if excess := len(a.st.OneTimeKeys) - MaxOneTimeKeys; excess > 0 {
		for i := 0; i < excess; i++ {
			memguard.WipeBytes(a.st.OneTimeKeys[i].Priv)
		}
		a.st.OneTimeKeys = a.st.OneTimeKeys[excess:]
	}
	return nil
}

func (a *Account) nextKeyID() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a.st.NextKeyID)
	a.st.NextKeyID++
	return base64.RawStdEncoding.EncodeToString(b[:])
}

// OneTimeKeys returns the unpublished one-time keys, as a map from key id to
// base64 public key.
func (a *Account) OneTimeKeys() map[string]string {
	keys := make(map[string]string)
	for _, k := range a.st.OneTimeKeys {
		if !k.Published {
			keys[k.ID] = encodeKey(k.Pub)
		}
	}
	return keys
}

// MarkKeysAsPublished marks every one-time key, and the fallback key, as
// published.
func (a *Account) MarkKeysAsPublished() {
	for i := range a.st.OneTimeKeys {
		a.st.OneTimeKeys[i].Published = true
	}
	if a.st.Fallback != nil {
		a.st.Fallback.Published = true
	}
}

// GenerateFallbackKey replaces the fallback key with a fresh one, keeping the
// previous key around so messages in flight can still complete a handshake.
func (a *Account) GenerateFallbackKey() error {
	priv, pub, err := generateCurve25519()
	if err != nil {
		return err
	}
	if a.st.PrevFallback != nil {
		memguard.WipeBytes(a.st.PrevFallback.Priv)
	}
	a.st.PrevFallback = a.st.Fallback
	a.st.Fallback = &oneTimeKey{ID: a.nextKeyID(), Priv: priv, Pub: pub}
	return nil
}

// UnpublishedFallbackKey returns the fallback key if it has not been
// published yet, as a map from key id to base64 public key.
func (a *Account) UnpublishedFallbackKey() map[string]string {
	keys := make(map[string]string)
	if a.st.Fallback != nil && !a.st.Fallback.Published {
		keys[a.st.Fallback.ID] = encodeKey(a.st.Fallback.Pub)
	}
	return keys
}

// ForgetOldFallbackKey scrubs and drops the previous fallback key.
func (a *Account) ForgetOldFallbackKey() {
	if a.st.PrevFallback != nil {
		memguard.WipeBytes(a.st.PrevFallback.Priv)
		a.st.PrevFallback = nil
	}
}

// findKey locates the private half of a one-time or fallback key by its
// public key.
func (a *Account) findKey(pub []byte) ([]byte, error) {
	for _, k := range a.st.OneTimeKeys {
		if string(k.Pub) == string(pub) {
			return k.Priv, nil
		}
	}
	for _, fb := range []*oneTimeKey{a.st.Fallback, a.st.PrevFallback} {
		if fb != nil && string(fb.Pub) == string(pub) {
			return fb.Priv, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOneTimeKey, encodeKey(pub))
}

// RemoveOneTimeKeys discards the one-time key consumed by the given inbound
// session. Fallback keys are deliberately not removed; they are reusable
// until rotated.
func (a *Account) RemoveOneTimeKeys(s *Session) {
	consumed := s.st.OTKPub
	for i, k := range a.st.OneTimeKeys {
		if string(k.Pub) == string(consumed) {
			memguard.WipeBytes(a.st.OneTimeKeys[i].Priv)
			a.st.OneTimeKeys = append(a.st.OneTimeKeys[:i], a.st.OneTimeKeys[i+1:]...)
			return
		}
	}
}
