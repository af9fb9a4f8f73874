package olm

import (
	"errors"
	"testing"
)

func TestGroupSessionRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer out.Wipe()
	assertVal(t, "initial index", out.MessageIndex(), uint32(0))

	in, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	defer in.Wipe()
	assertVal(t, "session ids agree", in.ID(), out.ID())
	assertVal(t, "first known index", in.FirstKnownIndex(), uint32(0))

	for i, body := range []string{"zero", "one", "two"} {
		ct, err := out.Encrypt([]byte(body))
		assertNoError(t, err)
		pt, index, err := in.Decrypt(ct)
		assertNoError(t, err)
		assertVal(t, "plaintext", string(pt), body)
		assertVal(t, "message index", index, uint32(i))
	}
	assertVal(t, "index after three messages", out.MessageIndex(), uint32(3))
}

func TestGroupSessionOutOfOrder(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer out.Wipe()
	in, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	defer in.Wipe()

	c0, err := out.Encrypt([]byte("zero"))
	assertNoError(t, err)
	c1, err := out.Encrypt([]byte("one"))
	assertNoError(t, err)

	// group messages are stateless to decrypt: any order, any number of times
	pt, idx, err := in.Decrypt(c1)
	assertNoError(t, err)
	assertVal(t, "out of order plaintext", string(pt), "one")
	assertVal(t, "out of order index", idx, uint32(1))
	pt, idx, err = in.Decrypt(c0)
	assertNoError(t, err)
	assertVal(t, "earlier plaintext", string(pt), "zero")
	assertVal(t, "earlier index", idx, uint32(0))
	pt, _, err = in.Decrypt(c1)
	assertNoError(t, err)
	assertVal(t, "repeat decrypt", string(pt), "one")
}

func TestGroupSessionLateJoinerCannotReadBackwards(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer out.Wipe()

	c0, err := out.Encrypt([]byte("before share"))
	assertNoError(t, err)
	c1, err := out.Encrypt([]byte("also before share"))
	assertNoError(t, err)

	// key shared at index 2: messages 0 and 1 stay unreadable
	late, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	defer late.Wipe()
	assertVal(t, "late first known index", late.FirstKnownIndex(), uint32(2))

	if _, _, err := late.Decrypt(c0); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("got %v want ErrUnknownMessageIndex", err)
	}
	if _, _, err := late.Decrypt(c1); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("got %v want ErrUnknownMessageIndex", err)
	}
	c2, err := out.Encrypt([]byte("after share"))
	assertNoError(t, err)
	pt, idx, err := late.Decrypt(c2)
	assertNoError(t, err)
	assertVal(t, "late plaintext", string(pt), "after share")
	assertVal(t, "late index", idx, uint32(2))
}

func TestGroupSessionExportImport(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer out.Wipe()
	in, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	defer in.Wipe()

	c0, err := out.Encrypt([]byte("zero"))
	assertNoError(t, err)
	c1, err := out.Encrypt([]byte("one"))
	assertNoError(t, err)

	exported, err := in.Export(1)
	assertNoError(t, err)
	imported, err := ImportInboundGroupSession(exported)
	assertNoError(t, err)
	defer imported.Wipe()

	assertVal(t, "imported id", imported.ID(), in.ID())
	assertVal(t, "imported first known index", imported.FirstKnownIndex(), uint32(1))
	pt, idx, err := imported.Decrypt(c1)
	assertNoError(t, err)
	assertVal(t, "imported plaintext", string(pt), "one")
	assertVal(t, "imported index", idx, uint32(1))
	if _, _, err := imported.Decrypt(c0); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("got %v want ErrUnknownMessageIndex", err)
	}
	if _, err := imported.Export(0); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("export before first known index: got %v want ErrUnknownMessageIndex", err)
	}

	// export format carries no signature so it is not accepted as a
	// directly-shared key
	if _, err := NewInboundGroupSession(exported); err == nil {
		t.Fatalf("accepted an export-format key as a shared session key")
	}
}

func TestGroupSessionRejectsTampering(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer out.Wipe()
	in, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	defer in.Wipe()

	ct, err := out.Encrypt([]byte("intact"))
	assertNoError(t, err)
	flip := byte('A')
	if ct[10] == 'A' {
		flip = 'B'
	}
	tampered := ct[:10] + string(flip) + ct[11:]
	if _, _, err := in.Decrypt(tampered); err == nil {
		t.Fatalf("decrypted a tampered message")
	}
	if _, _, err := in.Decrypt("!!not-base64!!"); !errors.Is(err, ErrBadMessageFormat) {
		t.Fatalf("got %v want ErrBadMessageFormat", err)
	}

	// a message signed by a different session is rejected
	other, err := NewOutboundGroupSession()
	assertNoError(t, err)
	defer other.Wipe()
	foreign, err := other.Encrypt([]byte("foreign"))
	assertNoError(t, err)
	if _, _, err := in.Decrypt(foreign); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v want ErrBadSignature", err)
	}
}

func TestGroupSessionPickleRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession()
	assertNoError(t, err)
	_, err = out.Encrypt([]byte("advance once"))
	assertNoError(t, err)

	outPickled, err := out.Pickle(testPickleKey)
	assertNoError(t, err)
	in, err := NewInboundGroupSession(out.SessionKey())
	assertNoError(t, err)
	inPickled, err := in.Pickle(testPickleKey)
	assertNoError(t, err)
	in.Wipe()
	out.Wipe()

	out2, err := UnpickleOutboundGroupSession(testPickleKey, outPickled)
	assertNoError(t, err)
	defer out2.Wipe()
	in2, err := UnpickleInboundGroupSession(testPickleKey, inPickled)
	assertNoError(t, err)
	defer in2.Wipe()

	assertVal(t, "restored outbound index", out2.MessageIndex(), uint32(1))
	assertVal(t, "restored inbound first known index", in2.FirstKnownIndex(), uint32(1))
	ct, err := out2.Encrypt([]byte("post restore"))
	assertNoError(t, err)
	pt, idx, err := in2.Decrypt(ct)
	assertNoError(t, err)
	assertVal(t, "post restore plaintext", string(pt), "post restore")
	assertVal(t, "post restore index", idx, uint32(1))
}
