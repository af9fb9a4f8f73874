package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message types on the wire. A pre-key message carries the handshake
// material needed for the recipient to construct the session; once a session
// has received a message, plain messages are used.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

var (
	// ErrBadMessageFormat is returned when a ciphertext cannot be decoded.
	ErrBadMessageFormat = errors.New("failed to decode message")
	// ErrBadMessageMAC is returned when a ciphertext fails authentication.
	ErrBadMessageMAC = errors.New("bad message MAC")
	// ErrBadHandshake is returned when a pre-key message is inconsistent
	// with the claimed sender.
	ErrBadHandshake = errors.New("malformed or mismatched handshake message")
)

// Message is an encrypted pairwise message.
type Message struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// preKeyMessage wraps the first ratchet message(s) of a session with the
// handshake material the responder needs to derive the shared secret.
type preKeyMessage struct {
	Identity []byte         `cbor:"id_key"`
	Eph      []byte         `cbor:"eph"`
	OTK      []byte         `cbor:"otk"`
	Msg      ratchetMessage `cbor:"msg"`
}

type sessionState struct {
	ID          string `cbor:"id"`
	IsOutbound  bool   `cbor:"outbound"`
	HasReceived bool   `cbor:"has_received"`
	// The initiator's curve25519 identity key; for an outbound session this
	// is our own key, for an inbound one it is the peer's.
	InitIdentityPub []byte       `cbor:"init_identity"`
	EphPub          []byte       `cbor:"eph_pub"`
	OTKPub          []byte       `cbor:"otk_pub"`
	Ratchet         ratchetState `cbor:"ratchet"`
}

// Session is a pairwise double-ratchet session with exactly one remote
// device. Sessions are kept pickled in the crypto store and materialized
// only inside a store transaction; call Wipe when done with one.
type Session struct {
	st sessionState
}

// sessionID derives the session identifier from the handshake components.
// Both ends compute the same value without coordination.
func sessionID(initIdentity, eph, otk []byte) string {
	h := sha256.New()
	h.Write(initIdentity)
	h.Write(eph)
	h.Write(otk)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// x3dhInitiator derives the shared root key on the initiating side.
func x3dhInitiator(idPriv, ephPriv, peerIdentityPub, peerOTKPub []byte) ([]byte, error) {
	dh1, err := dh(idPriv, peerOTKPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephPriv, peerOTKPub)
	if err != nil {
		return nil, err
	}
	return x3dhRoot(dh1, dh2, dh3), nil
}

// x3dhResponder derives the same root key on the receiving side.
func x3dhResponder(idPriv, otkPriv, peerIdentityPub, peerEphPub []byte) ([]byte, error) {
	dh1, err := dh(otkPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(idPriv, peerEphPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(otkPriv, peerEphPub)
	if err != nil {
		return nil, err
	}
	return x3dhRoot(dh1, dh2, dh3), nil
}

func x3dhRoot(dh1, dh2, dh3 []byte) []byte {
	concat := make([]byte, 0, 96)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	defer wipe(concat)
	h := sha256.Sum256(append([]byte("olm-core.x3dh."), concat...))
	return h[:]
}

// NewOutboundSession performs the outbound handshake against a remote
// device's identity key and one of its one-time keys.
func NewOutboundSession(a *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	idPub, err := decodeKey(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	otkPub, err := decodeKey(theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("one-time key: %w", err)
	}
	ephPriv, ephPub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	defer wipe(ephPriv)

	root, err := x3dhInitiator(a.st.IdentityPriv, ephPriv, idPub, otkPub)
	if err != nil {
		return nil, err
	}
	defer wipe(root)
	rs, err := initRatchetInitiator(root, idPub)
	if err != nil {
		return nil, err
	}
	return &Session{st: sessionState{
		ID:              sessionID(a.st.IdentityPub, ephPub, otkPub),
		IsOutbound:      true,
		InitIdentityPub: append([]byte(nil), a.st.IdentityPub...),
		EphPub:          ephPub,
		OTKPub:          otkPub,
		Ratchet:         *rs,
	}}, nil
}

func parsePreKeyMessage(ciphertext string) (*preKeyMessage, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	var pk preKeyMessage
	if err := cbor.Unmarshal(raw, &pk); err != nil {
		return nil, ErrBadMessageFormat
	}
	if len(pk.Identity) != 32 || len(pk.Eph) != 32 || len(pk.OTK) != 32 {
		return nil, ErrBadHandshake
	}
	return &pk, nil
}

// NewInboundSession performs the inbound handshake from a received pre-key
// message. It consumes no account state itself; the caller removes the used
// one-time key via Account.RemoveOneTimeKeys once the session is accepted.
func NewInboundSession(a *Account, theirIdentityKey string, ciphertext string) (*Session, error) {
	pk, err := parsePreKeyMessage(ciphertext)
	if err != nil {
		return nil, err
	}
	idPub, err := decodeKey(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	if string(idPub) != string(pk.Identity) {
		return nil, fmt.Errorf("%w: identity key does not match message", ErrBadHandshake)
	}
	otkPriv, err := a.findKey(pk.OTK)
	if err != nil {
		return nil, err
	}
	root, err := x3dhResponder(a.st.IdentityPriv, otkPriv, pk.Identity, pk.Eph)
	if err != nil {
		return nil, err
	}
	defer wipe(root)
	rs, err := initRatchetResponder(root, a.st.IdentityPriv, pk.Msg.DHPub[:])
	if err != nil {
		return nil, err
	}
	return &Session{st: sessionState{
		ID:              sessionID(pk.Identity, pk.Eph, pk.OTK),
		InitIdentityPub: append([]byte(nil), pk.Identity...),
		EphPub:          append([]byte(nil), pk.Eph...),
		OTKPub:          append([]byte(nil), pk.OTK...),
		Ratchet:         *rs,
	}}, nil
}

// UnpickleSession restores a session from its pickled form.
func UnpickleSession(pickleKey []byte, pickled string) (*Session, error) {
	s := &Session{}
	if err := unpickle(pickleKey, pickled, &s.st); err != nil {
		return nil, err
	}
	return s, nil
}

// Pickle serialises the session, encrypted with pickleKey.
func (s *Session) Pickle(pickleKey []byte) (string, error) {
	return pickle(pickleKey, &s.st)
}

// Wipe scrubs the session's secret ratchet state.
func (s *Session) Wipe() {
	wipe(s.st.Ratchet.RootKey)
	wipe(s.st.Ratchet.DHPriv)
	wipe(s.st.Ratchet.SendCK)
	wipe(s.st.Ratchet.RecvCK)
	for k := range s.st.Ratchet.Skipped {
		wipe(s.st.Ratchet.Skipped[k])
	}
	s.st = sessionState{}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.st.ID
}

// HasReceivedMessage reports whether this session has successfully decrypted
// a message, i.e. is past the pre-key stage.
func (s *Session) HasReceivedMessage() bool {
	return s.st.HasReceived
}

func (s *Session) ad() []byte {
	return []byte(s.st.ID)
}

// Encrypt seals plaintext. Outbound sessions keep producing pre-key messages
// until they have received a reply, so the responder can always complete the
// handshake from any one of them.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	msg, err := s.st.Ratchet.ratchetEncrypt(s.ad(), plaintext)
	if err != nil {
		return Message{}, err
	}
	if s.st.IsOutbound && !s.st.HasReceived {
		raw, err := cbor.Marshal(preKeyMessage{
			Identity: s.st.InitIdentityPub,
			Eph:      s.st.EphPub,
			OTK:      s.st.OTKPub,
			Msg:      *msg,
		})
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageTypePreKey, Body: base64.RawStdEncoding.EncodeToString(raw)}, nil
	}
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeNormal, Body: base64.RawStdEncoding.EncodeToString(raw)}, nil
}

// Decrypt opens a received message of the given type.
func (s *Session) Decrypt(messageType int, ciphertext string) ([]byte, error) {
	var msg *ratchetMessage
	switch messageType {
	case MessageTypePreKey:
		pk, err := parsePreKeyMessage(ciphertext)
		if err != nil {
			return nil, err
		}
		if sessionID(pk.Identity, pk.Eph, pk.OTK) != s.st.ID {
			return nil, fmt.Errorf("%w: pre-key message is for a different session", ErrBadHandshake)
		}
		msg = &pk.Msg
	case MessageTypeNormal:
		raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
		if err != nil {
			return nil, ErrBadMessageFormat
		}
		msg = &ratchetMessage{}
		if err := cbor.Unmarshal(raw, msg); err != nil {
			return nil, ErrBadMessageFormat
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessageFormat, messageType)
	}
	pt, err := s.st.Ratchet.ratchetDecrypt(s.ad(), msg)
	if err != nil {
		return nil, err
	}
	s.st.HasReceived = true
	return pt, nil
}

// MatchesInboundSession reports whether the given pre-key message belongs to
// this session. It does not mutate any state.
func (s *Session) MatchesInboundSession(ciphertext string) (bool, error) {
	pk, err := parsePreKeyMessage(ciphertext)
	if err != nil {
		return false, err
	}
	return sessionID(pk.Identity, pk.Eph, pk.OTK) == s.st.ID, nil
}
