package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const maxSkippedMessageKeys = 1000

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// ratchetState is the serialisable double-ratchet state for a pairwise
// session. Skipped message keys are kept so out-of-order delivery within a
// chain still decrypts.
type ratchetState struct {
	RootKey   []byte            `cbor:"rk"`
	DHPriv    []byte            `cbor:"dh_priv"`
	DHPub     []byte            `cbor:"dh_pub"`
	PeerDHPub []byte            `cbor:"peer_dh_pub"`
	SendCK    []byte            `cbor:"send_ck,omitempty"`
	RecvCK    []byte            `cbor:"recv_ck,omitempty"`
	Ns        uint32            `cbor:"ns"`
	Nr        uint32            `cbor:"nr"`
	PN        uint32            `cbor:"pn"`
	Skipped   map[string][]byte `cbor:"skipped"`
}

// ratchetMessage is the wire form of a single ratchet message: the sender's
// current ratchet public key, chain positions, and the AEAD ciphertext.
type ratchetMessage struct {
	DHPub [32]byte `cbor:"dh"`
	PN    uint32   `cbor:"pn"`
	N     uint32   `cbor:"n"`
	CT    []byte   `cbor:"ct"`
}

func newRatchetKeyPair() (priv, pub []byte, err error) {
	return generateCurve25519()
}

func dh(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

// kdfRoot advances the root key, yielding a new root key and a chain key.
func kdfRoot(rk, dhOut []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dhOut, rk, []byte("olm-core.ratchet.root"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

// kdfChain advances a chain key, yielding the next chain key and a message key.
func kdfChain(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("olm-core.ratchet.chain"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

// initRatchetInitiator seeds the sending chain from the shared root, using a
// fresh ratchet key against the responder's identity key.
func initRatchetInitiator(root, peerIdentityPub []byte) (*ratchetState, error) {
	priv, pub, err := newRatchetKeyPair()
	if err != nil {
		return nil, err
	}
	out, err := dh(priv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	newRK, sendCK := kdfRoot(root, out)
	wipe(out)
	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentityPub,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// initRatchetResponder seeds the receiving chain using the responder's
// identity private key and the initiator's first ratchet public key.
func initRatchetResponder(root, ourIdentityPriv, senderRatchetPub []byte) (*ratchetState, error) {
	priv, pub, err := newRatchetKeyPair()
	if err != nil {
		return nil, err
	}
	out, err := dh(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return nil, err
	}
	newRK, recvCK := kdfRoot(root, out)
	wipe(out)
	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt seals plaintext, auto-stepping the DH ratchet on the
// responder's first send.
func (st *ratchetState) ratchetEncrypt(ad, plaintext []byte) (*ratchetMessage, error) {
	if len(st.SendCK) == 0 {
		st.PN = st.Ns
		st.Ns = 0
		priv, pub, err := newRatchetKeyPair()
		if err != nil {
			return nil, err
		}
		out, err := dh(priv, st.PeerDHPub)
		if err != nil {
			return nil, err
		}
		newRK, sendCK := kdfRoot(st.RootKey, out)
		wipe(out)
		st.RootKey = newRK
		st.DHPriv, st.DHPub = priv, pub
		st.SendCK = sendCK
	}

	nextCK, mk := kdfChain(st.SendCK)
	st.SendCK = nextCK
	msg := &ratchetMessage{PN: st.PN, N: st.Ns}
	copy(msg.DHPub[:], st.DHPub)
	ct, err := sealRatchetMessage(mk, msg, ad, plaintext)
	wipe(mk)
	if err != nil {
		return nil, err
	}
	msg.CT = ct
	st.Ns++
	return msg, nil
}

// ratchetDecrypt opens a message, consuming skipped keys and stepping the DH
// ratchet when the remote ratchet key changes.
func (st *ratchetState) ratchetDecrypt(ad []byte, msg *ratchetMessage) ([]byte, error) {
	sameChain := string(st.PeerDHPub) == string(msg.DHPub[:])
	if sameChain {
		st.skipTo(msg.N)
		if mk, ok := st.Skipped[skippedKeyID(msg.DHPub[:], msg.N)]; ok {
			delete(st.Skipped, skippedKeyID(msg.DHPub[:], msg.N))
			pt, err := openRatchetMessage(mk, msg, ad)
			wipe(mk)
			return pt, err
		}
	} else {
		st.skipTo(msg.PN)
		out, err := dh(st.DHPriv, msg.DHPub[:])
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRoot(st.RootKey, out)
		wipe(out)

		priv, pub, err := newRatchetKeyPair()
		if err != nil {
			return nil, err
		}
		out2, err := dh(priv, msg.DHPub[:])
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRoot(rk2, out2)
		wipe(out2)

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk3
		st.DHPriv, st.DHPub = priv, pub
		st.PeerDHPub = append([]byte(nil), msg.DHPub[:]...)
		st.SendCK, st.RecvCK = sendCK, recvCK
		st.skipTo(msg.N)
		if mk, ok := st.Skipped[skippedKeyID(msg.DHPub[:], msg.N)]; ok {
			delete(st.Skipped, skippedKeyID(msg.DHPub[:], msg.N))
			pt, err := openRatchetMessage(mk, msg, ad)
			wipe(mk)
			return pt, err
		}
	}

	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfChain(st.RecvCK)
	pt, err := openRatchetMessage(mk, msg, ad)
	wipe(mk)
	if err != nil {
		return nil, err
	}
	st.RecvCK = nextCK
	st.Nr = msg.N + 1
	return pt, nil
}

// skipTo derives and stashes message keys for chain positions before n, with
// a hard cap on retained keys.
func (st *ratchetState) skipTo(n uint32) {
	for len(st.RecvCK) != 0 && st.Nr < n {
		nextCK, mk := kdfChain(st.RecvCK)
		st.RecvCK = nextCK
		if len(st.Skipped) >= maxSkippedMessageKeys {
			for k := range st.Skipped {
				wipe(st.Skipped[k])
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func skippedKeyID(peerPub []byte, n uint32) string {
	b := make([]byte, len(peerPub)+4)
	copy(b, peerPub)
	binary.BigEndian.PutUint32(b[len(peerPub):], n)
	return base64.RawStdEncoding.EncodeToString(b)
}

func ratchetNonce(n uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], n)
	return nonce
}

func ratchetAD(msg *ratchetMessage, ad []byte) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, msg.DHPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], msg.N)
	return append(out, b[:]...)
}

func sealRatchetMessage(mk []byte, msg *ratchetMessage, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, ratchetNonce(msg.N), plaintext, ratchetAD(msg, ad)), nil
}

func openRatchetMessage(mk []byte, msg *ratchetMessage, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, ratchetNonce(msg.N), msg.CT, ratchetAD(msg, ad))
	if err != nil {
		return nil, ErrBadMessageMAC
	}
	return pt, nil
}
