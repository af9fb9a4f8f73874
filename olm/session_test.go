package olm

import (
	"errors"
	"testing"
)

// establishSessions runs the handshake: alice opens an outbound session to
// one of bob's one-time keys and sends the first message, which bob uses to
// create the matching inbound session.
func establishSessions(t *testing.T) (alice, bob *Account, aliceSess, bobSess *Session) {
	t.Helper()
	var err error
	alice, err = NewAccount()
	assertNoError(t, err)
	bob, err = NewAccount()
	assertNoError(t, err)
	assertNoError(t, bob.GenerateOneTimeKeys(1))

	var otk string
	for _, pub := range bob.OneTimeKeys() {
		otk = pub
	}
	bob.MarkKeysAsPublished()

	aliceSess, err = NewOutboundSession(alice, bob.IdentityKeys().Curve25519, otk)
	assertNoError(t, err)

	first, err := aliceSess.Encrypt([]byte("hello bob"))
	assertNoError(t, err)
	assertVal(t, "first message type", first.Type, MessageTypePreKey)

	bobSess, err = NewInboundSession(bob, alice.IdentityKeys().Curve25519, first.Body)
	assertNoError(t, err)
	bob.RemoveOneTimeKeys(bobSess)

	pt, err := bobSess.Decrypt(first.Type, first.Body)
	assertNoError(t, err)
	assertVal(t, "first plaintext", string(pt), "hello bob")
	return
}

func TestSessionHandshake(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	assertVal(t, "session ids agree", bobSess.ID(), aliceSess.ID())
	assertVal(t, "alice has received", aliceSess.HasReceivedMessage(), false)
	assertVal(t, "bob has received", bobSess.HasReceivedMessage(), true)
}

func TestSessionBidirectional(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	// bob replies: a normal message which flips alice out of prekey mode
	reply, err := bobSess.Encrypt([]byte("hello alice"))
	assertNoError(t, err)
	assertVal(t, "reply type", reply.Type, MessageTypeNormal)
	pt, err := aliceSess.Decrypt(reply.Type, reply.Body)
	assertNoError(t, err)
	assertVal(t, "reply plaintext", string(pt), "hello alice")
	assertVal(t, "alice has received", aliceSess.HasReceivedMessage(), true)

	for i, body := range []string{"one", "two", "three"} {
		sender, receiver := aliceSess, bobSess
		if i%2 == 1 {
			sender, receiver = bobSess, aliceSess
		}
		msg, err := sender.Encrypt([]byte(body))
		assertNoError(t, err)
		assertVal(t, "message type", msg.Type, MessageTypeNormal)
		pt, err := receiver.Decrypt(msg.Type, msg.Body)
		assertNoError(t, err)
		assertVal(t, "round trip", string(pt), body)
	}
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	m1, err := aliceSess.Encrypt([]byte("first"))
	assertNoError(t, err)
	m2, err := aliceSess.Encrypt([]byte("second"))
	assertNoError(t, err)
	m3, err := aliceSess.Encrypt([]byte("third"))
	assertNoError(t, err)

	pt, err := bobSess.Decrypt(m3.Type, m3.Body)
	assertNoError(t, err)
	assertVal(t, "newest first", string(pt), "third")
	pt, err = bobSess.Decrypt(m1.Type, m1.Body)
	assertNoError(t, err)
	assertVal(t, "skipped key 1", string(pt), "first")
	pt, err = bobSess.Decrypt(m2.Type, m2.Body)
	assertNoError(t, err)
	assertVal(t, "skipped key 2", string(pt), "second")
}

func TestSessionPickleRoundTrip(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()

	pickled, err := bobSess.Pickle(testPickleKey)
	assertNoError(t, err)
	bobSess.Wipe()

	restored, err := UnpickleSession(testPickleKey, pickled)
	assertNoError(t, err)
	defer restored.Wipe()
	assertVal(t, "restored id", restored.ID(), aliceSess.ID())

	// the restored session can still talk in both directions
	msg, err := aliceSess.Encrypt([]byte("after restore"))
	assertNoError(t, err)
	pt, err := restored.Decrypt(msg.Type, msg.Body)
	assertNoError(t, err)
	assertVal(t, "plaintext after restore", string(pt), "after restore")

	reply, err := restored.Encrypt([]byte("back at you"))
	assertNoError(t, err)
	pt, err = aliceSess.Decrypt(reply.Type, reply.Body)
	assertNoError(t, err)
	assertVal(t, "reply after restore", string(pt), "back at you")
}

func TestSessionMatchesInboundSession(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	// a fresh prekey message from the same outbound session matches
	msg, err := aliceSess.Encrypt([]byte("ping"))
	assertNoError(t, err)
	assertVal(t, "ping type", msg.Type, MessageTypePreKey)
	ok, err := bobSess.MatchesInboundSession(msg.Body)
	assertNoError(t, err)
	assertVal(t, "matches own prekey message", ok, true)

	// a prekey message for a different session does not
	_, other, otherSess, _ := establishSessions(t)
	defer other.Wipe()
	defer otherSess.Wipe()
	foreign, err := otherSess.Encrypt([]byte("foreign"))
	assertNoError(t, err)
	ok, err = bobSess.MatchesInboundSession(foreign.Body)
	assertNoError(t, err)
	assertVal(t, "matches foreign prekey message", ok, false)
}

func TestSessionBadMessages(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	msg, err := aliceSess.Encrypt([]byte("intact"))
	assertNoError(t, err)
	tampered := msg.Body[:len(msg.Body)-2] + "zz"
	if _, err := bobSess.Decrypt(msg.Type, tampered); err == nil {
		t.Fatalf("decrypted a tampered message")
	}
	if _, err := bobSess.Decrypt(MessageTypeNormal, "!!not-base64!!"); err == nil {
		t.Fatalf("decrypted garbage ciphertext")
	}
}

func TestNewInboundSessionRejectsWrongIdentity(t *testing.T) {
	alice, err := NewAccount()
	assertNoError(t, err)
	defer alice.Wipe()
	bob, err := NewAccount()
	assertNoError(t, err)
	defer bob.Wipe()
	mallory, err := NewAccount()
	assertNoError(t, err)
	defer mallory.Wipe()
	assertNoError(t, bob.GenerateOneTimeKeys(1))

	var otk string
	for _, pub := range bob.OneTimeKeys() {
		otk = pub
	}
	aliceSess, err := NewOutboundSession(alice, bob.IdentityKeys().Curve25519, otk)
	assertNoError(t, err)
	defer aliceSess.Wipe()
	first, err := aliceSess.Encrypt([]byte("hi"))
	assertNoError(t, err)

	if _, err := NewInboundSession(bob, mallory.IdentityKeys().Curve25519, first.Body); !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("got %v want ErrBadHandshake", err)
	}
}

func TestNewInboundSessionUnknownOneTimeKey(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishSessions(t)
	defer alice.Wipe()
	defer bob.Wipe()
	defer aliceSess.Wipe()
	defer bobSess.Wipe()

	// the one-time key was removed after the first inbound session, so a
	// second claim of it must fail
	carol, err := NewAccount()
	assertNoError(t, err)
	defer carol.Wipe()
	otk := encodeKey(bobSess.st.OTKPub)
	carolSess, err := NewOutboundSession(carol, bob.IdentityKeys().Curve25519, otk)
	assertNoError(t, err)
	defer carolSess.Wipe()
	first, err := carolSess.Encrypt([]byte("stale claim"))
	assertNoError(t, err)

	if _, err := NewInboundSession(bob, carol.IdentityKeys().Curve25519, first.Body); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Fatalf("got %v want ErrUnknownOneTimeKey", err)
	}
}
