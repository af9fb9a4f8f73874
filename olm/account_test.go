package olm

import (
	"errors"
	"reflect"
	"testing"
)

var testPickleKey = []byte("0123456789abcdef0123456789abcdef")

func assertVal(t *testing.T, msg string, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: got %v want %v", msg, got, want)
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestAccountIdentityKeysAndSigning(t *testing.T) {
	a, err := NewAccount()
	assertNoError(t, err)
	defer a.Wipe()

	keys := a.IdentityKeys()
	if keys.Curve25519 == "" || keys.Ed25519 == "" {
		t.Fatalf("empty identity keys: %+v", keys)
	}
	if _, err := decodeKey(keys.Curve25519); err != nil {
		t.Fatalf("curve25519 key does not decode: %s", err)
	}

	msg := []byte(`{"algorithms":["m.megolm.v1"]}`)
	sig := a.Sign(msg)
	assertNoError(t, VerifySignature(keys.Ed25519, msg, sig))
	if err := VerifySignature(keys.Ed25519, []byte("tampered"), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v want ErrBadSignature", err)
	}
}

func TestAccountOneTimeKeys(t *testing.T) {
	a, err := NewAccount()
	assertNoError(t, err)
	defer a.Wipe()

	assertNoError(t, a.GenerateOneTimeKeys(5))
	otks := a.OneTimeKeys()
	assertVal(t, "unpublished OTK count", len(otks), 5)

	a.MarkKeysAsPublished()
	assertVal(t, "unpublished OTKs after publish", len(a.OneTimeKeys()), 0)

	// generating more only surfaces the new ones
	assertNoError(t, a.GenerateOneTimeKeys(3))
	more := a.OneTimeKeys()
	assertVal(t, "unpublished OTK count after regen", len(more), 3)
	for id := range otks {
		if _, ok := more[id]; ok {
			t.Errorf("published key %s still reported as unpublished", id)
		}
	}
}

func TestAccountOneTimeKeyPoolCap(t *testing.T) {
	a, err := NewAccount()
	assertNoError(t, err)
	defer a.Wipe()

	assertNoError(t, a.GenerateOneTimeKeys(a.MaxNumberOfOneTimeKeys()))
	a.MarkKeysAsPublished()
	assertNoError(t, a.GenerateOneTimeKeys(10))
	// the oldest keys were evicted to stay under the cap
	assertVal(t, "pool size", len(a.st.OneTimeKeys), a.MaxNumberOfOneTimeKeys())
	assertVal(t, "unpublished count", len(a.OneTimeKeys()), 10)
}

func TestAccountFallbackKey(t *testing.T) {
	a, err := NewAccount()
	assertNoError(t, err)
	defer a.Wipe()

	assertVal(t, "fallback before generation", len(a.UnpublishedFallbackKey()), 0)
	assertNoError(t, a.GenerateFallbackKey())
	fb := a.UnpublishedFallbackKey()
	assertVal(t, "fallback key count", len(fb), 1)

	a.MarkKeysAsPublished()
	assertVal(t, "fallback after publish", len(a.UnpublishedFallbackKey()), 0)

	// rotation keeps the old key claimable until it is forgotten
	assertNoError(t, a.GenerateFallbackKey())
	fb2 := a.UnpublishedFallbackKey()
	assertVal(t, "rotated fallback count", len(fb2), 1)
	for id := range fb {
		if _, ok := fb2[id]; ok {
			t.Errorf("rotated fallback reused id %s", id)
		}
	}
	if a.st.PrevFallback == nil {
		t.Fatalf("previous fallback was dropped on rotation")
	}
	a.ForgetOldFallbackKey()
	if a.st.PrevFallback != nil {
		t.Fatalf("previous fallback survived ForgetOldFallbackKey")
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	a, err := NewAccount()
	assertNoError(t, err)
	defer a.Wipe()
	assertNoError(t, a.GenerateOneTimeKeys(3))
	assertNoError(t, a.GenerateFallbackKey())

	pickled, err := a.Pickle(testPickleKey)
	assertNoError(t, err)

	b, err := UnpickleAccount(testPickleKey, pickled)
	assertNoError(t, err)
	defer b.Wipe()
	assertVal(t, "identity keys", b.IdentityKeys(), a.IdentityKeys())
	assertVal(t, "one-time keys", b.OneTimeKeys(), a.OneTimeKeys())
	assertVal(t, "fallback key", b.UnpublishedFallbackKey(), a.UnpublishedFallbackKey())

	// signing key survives the round trip
	msg := []byte("still me")
	assertNoError(t, VerifySignature(a.IdentityKeys().Ed25519, msg, b.Sign(msg)))

	if _, err := UnpickleAccount([]byte("wrong key"), pickled); !errors.Is(err, ErrBadPickle) {
		t.Fatalf("got %v want ErrBadPickle", err)
	}
}
