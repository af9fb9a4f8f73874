package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/olm"
	"github.com/matrix-org/olm-core/store"
)

// SessionSummary describes a pairwise session without exposing its secrets.
type SessionSummary struct {
	SessionID             string `json:"sessionId"`
	LastReceivedMessageTs int64  `json:"lastReceivedMessageTs"`
	HasReceivedMessage    bool   `json:"hasReceivedMessage"`
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

var sessionPartitions = []store.Partition{store.PartitionSessions}

// withSession materializes one pairwise session inside txn for fn and wipes
// it after. If save is set the session is re-pickled and stored, along with
// any change fn made to info.
func (d *OlmDevice) withSession(txn store.Txn, deviceKey, sessionID string, save bool, fn func(info *store.SessionInfo, session *olm.Session) error) error {
	return d.withPickleKey(func(pickleKey []byte) error {
		info, err := d.store.GetSession(txn, deviceKey, sessionID)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("%w: device %s session %s", ErrSessionNotFound, deviceKey, sessionID)
		}
		session, err := olm.UnpickleSession(pickleKey, info.Session)
		if err != nil {
			return err
		}
		defer session.Wipe()
		if err := fn(info, session); err != nil {
			return err
		}
		if !save {
			return nil
		}
		repickled, err := session.Pickle(pickleKey)
		if err != nil {
			return err
		}
		info.Session = repickled
		return d.store.StoreSession(txn, info)
	})
}

// CreateOutboundSession establishes a new session to the device owning
// theirIdentityKey, claiming theirOneTimeKey. Returns the new session id.
//
// The creation holds the per-device in-flight marker: concurrent lookups for
// the same device wait for it rather than racing a second handshake.
func (d *OlmDevice) CreateOutboundSession(ctx context.Context, theirIdentityKey, theirOneTimeKey string) (string, error) {
	if err := d.inflight.Acquire(ctx, theirIdentityKey); err != nil {
		return "", err
	}
	defer d.inflight.End(theirIdentityKey)

	var sessionID string
	partitions := []store.Partition{store.PartitionAccount, store.PartitionSessions}
	err := d.store.DoTxn(ctx, store.ReadWrite, partitions, func(txn store.Txn) error {
		return d.withAccount(txn, false, func(account *olm.Account) error {
			return d.withPickleKey(func(pickleKey []byte) error {
				session, err := olm.NewOutboundSession(account, theirIdentityKey, theirOneTimeKey)
				if err != nil {
					return err
				}
				defer session.Wipe()
				sessionID = session.ID()
				pickled, err := session.Pickle(pickleKey)
				if err != nil {
					return err
				}
				return d.store.StoreSession(txn, &store.SessionInfo{
					DeviceKey: theirIdentityKey,
					SessionID: sessionID,
					Session:   pickled,
					// a fiction: nothing has been received yet, but scoring
					// fresh sessions as current keeps selection stable
					LastReceivedMessageTs: nowMs(),
				})
			})
		})
	})
	if err != nil {
		return "", err
	}
	sessionsAdded.WithLabelValues("olm_outbound").Inc()
	logger.Trace().Str("device", theirIdentityKey).Str("session", sessionID).Msg("created outbound session")
	return sessionID, nil
}

// CreateInboundSession accepts the first (prekey) message of a new session
// from the device owning theirIdentityKey. The consumed one-time key is
// removed from the account in the same transaction that persists the
// session. Returns the new session id and the first plaintext.
func (d *OlmDevice) CreateInboundSession(ctx context.Context, theirIdentityKey string, messageType int, ciphertext string) (string, []byte, error) {
	if messageType != olm.MessageTypePreKey {
		return "", nil, fmt.Errorf("expected a prekey message, got type %d", messageType)
	}
	if err := d.inflight.Acquire(ctx, theirIdentityKey); err != nil {
		return "", nil, err
	}
	defer d.inflight.End(theirIdentityKey)

	var sessionID string
	var plaintext []byte
	partitions := []store.Partition{store.PartitionAccount, store.PartitionSessions}
	err := d.store.DoTxn(ctx, store.ReadWrite, partitions, func(txn store.Txn) error {
		return d.withAccount(txn, true, func(account *olm.Account) error {
			return d.withPickleKey(func(pickleKey []byte) error {
				session, err := olm.NewInboundSession(account, theirIdentityKey, ciphertext)
				if err != nil {
					return err
				}
				defer session.Wipe()
				account.RemoveOneTimeKeys(session)
				plaintext, err = session.Decrypt(messageType, ciphertext)
				if err != nil {
					return err
				}
				sessionID = session.ID()
				pickled, err := session.Pickle(pickleKey)
				if err != nil {
					return err
				}
				return d.store.StoreSession(txn, &store.SessionInfo{
					DeviceKey:             theirIdentityKey,
					SessionID:             sessionID,
					Session:               pickled,
					LastReceivedMessageTs: nowMs(),
				})
			})
		})
	})
	if err != nil {
		return "", nil, err
	}
	sessionsAdded.WithLabelValues("olm_inbound").Inc()
	logger.Trace().Str("device", theirIdentityKey).Str("session", sessionID).Msg("created inbound session")
	return sessionID, plaintext, nil
}

// GetSessionIDsForDevice lists the ids of every session with the device.
// Waits out any in-flight session creation for the device first.
func (d *OlmDevice) GetSessionIDsForDevice(ctx context.Context, theirDeviceIdentityKey string) ([]string, error) {
	if err := d.inflight.Wait(ctx, theirDeviceIdentityKey); err != nil {
		return nil, err
	}
	var ids []string
	err := d.store.DoTxn(ctx, store.ReadOnly, sessionPartitions, func(txn store.Txn) error {
		sessions, err := d.store.GetSessions(txn, theirDeviceIdentityKey)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(sessions))
		for id := range sessions {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// GetSessionInfoForDevice summarises every session with the device, ordered
// by session id. With nowait set the in-flight creation marker is ignored;
// the marker's owner uses that to inspect sessions mid-creation.
func (d *OlmDevice) GetSessionInfoForDevice(ctx context.Context, deviceIdentityKey string, nowait bool) ([]SessionSummary, error) {
	if !nowait {
		if err := d.inflight.Wait(ctx, deviceIdentityKey); err != nil {
			return nil, err
		}
	}
	var summaries []SessionSummary
	err := d.store.DoTxn(ctx, store.ReadOnly, sessionPartitions, func(txn store.Txn) error {
		sessions, err := d.store.GetSessions(txn, deviceIdentityKey)
		if err != nil {
			return err
		}
		summaries = make([]SessionSummary, 0, len(sessions))
		for _, info := range sessions {
			err := d.withSession(txn, deviceIdentityKey, info.SessionID, false, func(info *store.SessionInfo, session *olm.Session) error {
				summaries = append(summaries, SessionSummary{
					SessionID:             info.SessionID,
					LastReceivedMessageTs: info.LastReceivedMessageTs,
					HasReceivedMessage:    session.HasReceivedMessage(),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SessionID < summaries[j].SessionID })
	return summaries, nil
}

// GetSessionIDForDevice picks the session to use for encrypting to the
// device: the one which most recently received a message, ties broken by the
// lexicographically smallest session id. Returns "" when no session exists.
func (d *OlmDevice) GetSessionIDForDevice(ctx context.Context, theirDeviceIdentityKey string, nowait bool) (string, error) {
	summaries, err := d.GetSessionInfoForDevice(ctx, theirDeviceIdentityKey, nowait)
	if err != nil {
		return "", err
	}
	best := ""
	var bestTs int64 = -1
	for _, summary := range summaries {
		if summary.LastReceivedMessageTs > bestTs {
			best = summary.SessionID
			bestTs = summary.LastReceivedMessageTs
		}
		// summaries are id-ordered so an equal-ts candidate never replaces
		// the earlier id
	}
	return best, nil
}

// EncryptMessage encrypts plaintext on the given session. The advanced
// ratchet is persisted before this returns.
func (d *OlmDevice) EncryptMessage(ctx context.Context, theirDeviceIdentityKey, sessionID string, plaintext []byte) (olm.Message, error) {
	if len(plaintext) > MaxPlaintextLength {
		return olm.Message{}, &PayloadTooLargeError{Size: len(plaintext)}
	}
	var msg olm.Message
	err := d.store.DoTxn(ctx, store.ReadWrite, sessionPartitions, func(txn store.Txn) error {
		return d.withSession(txn, theirDeviceIdentityKey, sessionID, true, func(info *store.SessionInfo, session *olm.Session) error {
			var err error
			msg, err = session.Encrypt(plaintext)
			return err
		})
	})
	return msg, err
}

// DecryptMessage decrypts a message received on the given session, updating
// its last-received timestamp.
func (d *OlmDevice) DecryptMessage(ctx context.Context, theirDeviceIdentityKey, sessionID string, messageType int, ciphertext string) ([]byte, error) {
	ctx, span := internal.StartSpan(ctx, "DecryptMessage")
	defer span.End()
	var plaintext []byte
	err := d.store.DoTxn(ctx, store.ReadWrite, sessionPartitions, func(txn store.Txn) error {
		return d.withSession(txn, theirDeviceIdentityKey, sessionID, true, func(info *store.SessionInfo, session *olm.Session) error {
			var err error
			plaintext, err = session.Decrypt(messageType, ciphertext)
			if err != nil {
				return err
			}
			info.LastReceivedMessageTs = nowMs()
			return nil
		})
	})
	return plaintext, err
}

// MatchesSession reports whether an incoming prekey message belongs to the
// given existing session. Non-prekey messages never match.
func (d *OlmDevice) MatchesSession(ctx context.Context, theirDeviceIdentityKey, sessionID string, messageType int, ciphertext string) (bool, error) {
	if messageType != olm.MessageTypePreKey {
		return false, nil
	}
	var matches bool
	err := d.store.DoTxn(ctx, store.ReadOnly, sessionPartitions, func(txn store.Txn) error {
		return d.withSession(txn, theirDeviceIdentityKey, sessionID, false, func(info *store.SessionInfo, session *olm.Session) error {
			var err error
			matches, err = session.MatchesInboundSession(ciphertext)
			return err
		})
	})
	return matches, err
}

// RecordSessionProblem notes that something went wrong with the sessions for
// the given device key, so that later decryption failures can be attributed
// to a known cause. A fixed problem marks all earlier ones resolved too.
func (d *OlmDevice) RecordSessionProblem(ctx context.Context, deviceKey, problemType string, fixed bool) error {
	logger.Info().Str("device_key", deviceKey).Str("type", problemType).Bool("fixed", fixed).
		Msg("recording session problem")
	return d.store.StoreSessionProblem(ctx, deviceKey, problemType, fixed)
}

// SessionMayHaveProblems returns the problem, if any, affecting messages
// encrypted by the given device at or after the given timestamp.
func (d *OlmDevice) SessionMayHaveProblems(ctx context.Context, deviceKey string, timestamp int64) (*store.SessionProblem, error) {
	return d.store.GetSessionProblem(ctx, deviceKey, timestamp)
}

// FilterOutNotifiedErrorDevices returns the subset of devices that have not
// yet been told about a session error, marking them as notified so each
// device is only bothered once.
func (d *OlmDevice) FilterOutNotifiedErrorDevices(ctx context.Context, devices []store.RoomKeyRecipient) ([]store.RoomKeyRecipient, error) {
	return d.store.FilterOutNotifiedErrorDevices(ctx, devices)
}
