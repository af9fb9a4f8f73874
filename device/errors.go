package device

import (
	"errors"
	"fmt"
)

// MaxPlaintextLength is the ceiling on plaintext accepted for encryption.
// Homeservers cap events at 65536 bytes; once base64 overhead is paid this
// is the largest plaintext that can fit.
const MaxPlaintextLength = 65536 * 3 / 4

// ErrSessionNotFound is returned when an operation names a pairwise session
// which is not in the store.
var ErrSessionNotFound = errors.New("unknown session")

// PayloadTooLargeError is returned for plaintexts over MaxPlaintextLength,
// before any cryptography runs.
type PayloadTooLargeError struct {
	Size int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("M_TOO_LARGE: event too large (%d > %d bytes)", e.Size, MaxPlaintextLength)
}

func (e *PayloadTooLargeError) ErrCode() string {
	return "M_TOO_LARGE"
}

// DecryptionError is a classified group decryption failure, suitable for
// surfacing to the user.
type DecryptionError struct {
	Code   string
	Detail string
	// The withheld code responsible for the failure, if any.
	WithheldCode string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// ReplayError is returned when a group message index is seen twice for
// different events.
type ReplayError struct {
	SenderKey    string
	SessionID    string
	MessageIndex uint32
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("duplicate message index, possible replay attack: %s|%s|%d",
		e.SenderKey, e.SessionID, e.MessageIndex)
}

// withheldMessages maps withheld codes to the fixed user-facing strings.
var withheldMessages = map[string]string{
	"m.unverified":   "The sender has disabled encrypting to unverified devices.",
	"m.blacklisted":  "The sender has blocked you.",
	"m.unauthorised": "You are not authorised to read the message.",
	"m.no_olm":       "The sender was unable to establish a secure channel.",
}

// calculateWithheldMessage picks the message for a withheld record: the
// fixed string for a known code, the sender's own reason otherwise, and a
// generic fallback when neither exists.
func calculateWithheldMessage(code, reason string) string {
	if msg, ok := withheldMessages[code]; ok {
		return msg
	}
	if reason != "" {
		return reason
	}
	return "decryption key withheld"
}
