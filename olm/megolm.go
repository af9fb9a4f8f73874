package olm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// Session key wire formats. The full format carries a signature by the
// session's own ed25519 key so a directly-shared key is self-authenticating;
// the export format lacks it (an exported or forwarded key cannot prove its
// own provenance and is marked untrusted by the caller).
const (
	groupKeyVersionExport = 0x01
	groupKeyVersionFull   = 0x02
)

var (
	// ErrUnknownMessageIndex is returned when a group message's ratchet
	// index precedes the first index known to the session, or an export is
	// requested before the first known index.
	ErrUnknownMessageIndex = errors.New("unknown message index")
	// ErrGroupKeyFormat is returned for an undecodable group session key.
	ErrGroupKeyFormat = errors.New("invalid group session key")
)

// groupRatchet is an HMAC-SHA256 chain advanced once per message.
type groupRatchet [32]byte

func (r groupRatchet) advance() groupRatchet {
	mac := hmac.New(sha256.New, r[:])
	mac.Write([]byte("olm-core.megolm.advance"))
	var next groupRatchet
	copy(next[:], mac.Sum(nil))
	return next
}

func (r groupRatchet) at(from, to uint32) groupRatchet {
	cur := r
	for i := from; i < to; i++ {
		cur = cur.advance()
	}
	return cur
}

func (r groupRatchet) messageKey() []byte {
	mac := hmac.New(sha256.New, r[:])
	mac.Write([]byte("olm-core.megolm.message"))
	return mac.Sum(nil)
}

// groupMessage layout: version(1) || index(4, BE) || ciphertext || sig(64).
// The signature covers everything before it, keyed by the session's ed25519
// key (whose public half is the session id).
func encodeGroupPayload(index uint32, ct []byte) []byte {
	out := make([]byte, 5, 5+len(ct))
	out[0] = groupKeyVersionFull
	binary.BigEndian.PutUint32(out[1:5], index)
	return append(out, ct...)
}

func groupNonce(index uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], index)
	return nonce
}

type outboundGroupState struct {
	SigningSeed []byte       `cbor:"signing_seed"`
	Ratchet     groupRatchet `cbor:"ratchet"`
	Index       uint32       `cbor:"index"`
}

// OutboundGroupSession is the sending half of a group session. It is held
// only in memory by the device (pickled, never written to the store).
type OutboundGroupSession struct {
	st outboundGroupState
}

// NewOutboundGroupSession creates a group session with a fresh ratchet and
// signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	var r groupRatchet
	if _, err := rand.Read(r[:]); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{st: outboundGroupState{SigningSeed: seed, Ratchet: r}}, nil
}

// UnpickleOutboundGroupSession restores a session from its pickled form.
func UnpickleOutboundGroupSession(pickleKey []byte, pickled string) (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{}
	if err := unpickle(pickleKey, pickled, &s.st); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OutboundGroupSession) Pickle(pickleKey []byte) (string, error) {
	return pickle(pickleKey, &s.st)
}

func (s *OutboundGroupSession) Wipe() {
	memguard.WipeBytes(s.st.SigningSeed)
	memguard.WipeBytes(s.st.Ratchet[:])
	s.st = outboundGroupState{}
}

// ID returns the session id: the base64 of the session's ed25519 public key.
func (s *OutboundGroupSession) ID() string {
	pub := ed25519.NewKeyFromSeed(s.st.SigningSeed).Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(pub)
}

// MessageIndex returns the current chain index: the index the next encrypted
// message will use.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.st.Index
}

// SessionKey exports the session at its current index in the full (signed)
// format, for sharing with room members. Recipients can decrypt from this
// index onward but no earlier.
func (s *OutboundGroupSession) SessionKey() string {
	priv := ed25519.NewKeyFromSeed(s.st.SigningSeed)
	pub := priv.Public().(ed25519.PublicKey)
	body := make([]byte, 0, 1+4+32+32)
	body = append(body, groupKeyVersionFull)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], s.st.Index)
	body = append(body, b[:]...)
	body = append(body, s.st.Ratchet[:]...)
	body = append(body, pub...)
	body = append(body, ed25519.Sign(priv, body)...)
	return base64.RawStdEncoding.EncodeToString(body)
}

// Encrypt seals plaintext at the current chain index and advances the
// ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	mk := s.st.Ratchet.messageKey()
	defer wipe(mk)
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return "", err
	}
	priv := ed25519.NewKeyFromSeed(s.st.SigningSeed)
	pub := priv.Public().(ed25519.PublicKey)
	ct := aead.Seal(nil, groupNonce(s.st.Index), plaintext, pub)
	payload := encodeGroupPayload(s.st.Index, ct)
	payload = append(payload, ed25519.Sign(priv, payload)...)

	s.st.Ratchet = s.st.Ratchet.advance()
	s.st.Index++
	return base64.RawStdEncoding.EncodeToString(payload), nil
}

type inboundGroupState struct {
	SigningPub      []byte       `cbor:"signing_pub"`
	FirstKnownIndex uint32       `cbor:"first_known_index"`
	Ratchet         groupRatchet `cbor:"ratchet"` // ratchet value at FirstKnownIndex
}

// InboundGroupSession is the receiving half of a group session, able to
// decrypt any message at or after its first known index.
type InboundGroupSession struct {
	st inboundGroupState
}

func parseGroupKey(sessionKey string, wantVersion byte, verify bool) (*inboundGroupState, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, ErrGroupKeyFormat
	}
	minLen := 1 + 4 + 32 + 32
	if verify {
		minLen += ed25519.SignatureSize
	}
	if len(raw) < minLen || raw[0] != wantVersion {
		return nil, ErrGroupKeyFormat
	}
	st := &inboundGroupState{FirstKnownIndex: binary.BigEndian.Uint32(raw[1:5])}
	copy(st.Ratchet[:], raw[5:37])
	st.SigningPub = append([]byte(nil), raw[37:69]...)
	if verify {
		body, sig := raw[:69], raw[69:69+ed25519.SignatureSize]
		if !ed25519.Verify(ed25519.PublicKey(st.SigningPub), body, sig) {
			return nil, ErrBadSignature
		}
	}
	return st, nil
}

// NewInboundGroupSession accepts a directly-shared session key (full signed
// format).
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	st, err := parseGroupKey(sessionKey, groupKeyVersionFull, true)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{st: *st}, nil
}

// ImportInboundGroupSession accepts key material in the export format (no
// signature), as produced by Export or by a key forward.
func ImportInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	st, err := parseGroupKey(sessionKey, groupKeyVersionExport, false)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{st: *st}, nil
}

// UnpickleInboundGroupSession restores a session from its pickled form.
func UnpickleInboundGroupSession(pickleKey []byte, pickled string) (*InboundGroupSession, error) {
	s := &InboundGroupSession{}
	if err := unpickle(pickleKey, pickled, &s.st); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *InboundGroupSession) Pickle(pickleKey []byte) (string, error) {
	return pickle(pickleKey, &s.st)
}

func (s *InboundGroupSession) Wipe() {
	memguard.WipeBytes(s.st.Ratchet[:])
	s.st = inboundGroupState{}
}

// ID returns the session id: the base64 of the session's ed25519 public key.
func (s *InboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.st.SigningPub)
}

// FirstKnownIndex returns the earliest chain index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.st.FirstKnownIndex
}

// Decrypt opens a group message, returning the plaintext and the chain index
// the message was encrypted at.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	if len(raw) < 5+ed25519.SignatureSize || raw[0] != groupKeyVersionFull {
		return nil, 0, ErrBadMessageFormat
	}
	body, sig := raw[:len(raw)-ed25519.SignatureSize], raw[len(raw)-ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(s.st.SigningPub), body, sig) {
		return nil, 0, ErrBadSignature
	}
	index := binary.BigEndian.Uint32(body[1:5])
	if index < s.st.FirstKnownIndex {
		return nil, 0, fmt.Errorf("%w: %d is before first known index %d", ErrUnknownMessageIndex, index, s.st.FirstKnownIndex)
	}
	r := s.st.Ratchet.at(s.st.FirstKnownIndex, index)
	mk := r.messageKey()
	defer wipe(mk)
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, 0, err
	}
	pt, err := aead.Open(nil, groupNonce(index), body[5:], s.st.SigningPub)
	if err != nil {
		return nil, 0, ErrBadMessageMAC
	}
	return pt, index, nil
}

// Export serialises the session key at the given chain index in the export
// format. Fails if index precedes the first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.st.FirstKnownIndex {
		return "", fmt.Errorf("%w: cannot export at %d, first known index is %d", ErrUnknownMessageIndex, index, s.st.FirstKnownIndex)
	}
	r := s.st.Ratchet.at(s.st.FirstKnownIndex, index)
	body := make([]byte, 0, 1+4+32+32)
	body = append(body, groupKeyVersionExport)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	body = append(body, b[:]...)
	body = append(body, r[:]...)
	body = append(body, s.st.SigningPub...)
	return base64.RawStdEncoding.EncodeToString(body), nil
}
