package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/olm"
	"github.com/matrix-org/olm-core/store"
)

// MegolmAlgorithm is the group encryption algorithm name.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// GroupSessionKey is the shareable key of an outbound group session.
type GroupSessionKey struct {
	ChainIndex uint32 `json:"chain_index"`
	Key        string `json:"key"`
}

// InboundGroupSessionKey is key material extracted from a stored inbound
// group session, for forwarding or backup.
type InboundGroupSessionKey struct {
	ChainIndex                   uint32   `json:"chain_index"`
	Key                          string   `json:"key"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
	SenderClaimedEd25519Key      string   `json:"sender_claimed_ed25519_key"`
	SharedHistory                bool     `json:"shared_history"`
	Untrusted                    bool     `json:"untrusted"`
}

// DecryptedGroupMessage is a successful group decryption plus the stored
// provenance a caller needs to judge the result.
type DecryptedGroupMessage struct {
	Plaintext                    []byte
	MessageIndex                 uint32
	KeysClaimed                  map[string]string
	SenderKey                    string
	ForwardingCurve25519KeyChain []string
	Untrusted                    bool
}

// ExportedRoomKey is the portable form of an inbound group session,
// capturing it at its first known index.
type ExportedRoomKey struct {
	Algorithm                    string            `json:"algorithm"`
	SenderKey                    string            `json:"sender_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	RoomID                       string            `json:"room_id"`
	SessionID                    string            `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
	FirstKnownIndex              uint32            `json:"first_known_index"`
	SharedHistory                bool              `json:"org.matrix.msc3061.shared_history"`
}

// AddGroupSessionOpts qualifies a session being added.
type AddGroupSessionOpts struct {
	// The key arrived over an unauthenticated path (import or forward).
	Untrusted bool
	// The sender permits sharing this key with new room members.
	SharedHistory bool
}

// CreateOutboundGroupSession makes a new group session for sending. It lives
// in memory only; losing it just means starting a fresh session.
func (d *OlmDevice) CreateOutboundGroupSession() (string, error) {
	var sessionID string
	err := d.withPickleKey(func(pickleKey []byte) error {
		session, err := olm.NewOutboundGroupSession()
		if err != nil {
			return err
		}
		defer session.Wipe()
		sessionID = session.ID()
		pickled, err := session.Pickle(pickleKey)
		if err != nil {
			return err
		}
		d.outboundGroupMu.Lock()
		d.outboundGroupSessions[sessionID] = pickled
		d.outboundGroupMu.Unlock()
		return nil
	})
	return sessionID, err
}

// withOutboundGroupSession materializes an outbound group session for fn,
// storing the advanced state back and wiping the secrets after.
func (d *OlmDevice) withOutboundGroupSession(sessionID string, fn func(session *olm.OutboundGroupSession) error) error {
	return d.withPickleKey(func(pickleKey []byte) error {
		d.outboundGroupMu.Lock()
		defer d.outboundGroupMu.Unlock()
		pickled, ok := d.outboundGroupSessions[sessionID]
		if !ok {
			return fmt.Errorf("unknown outbound group session %s", sessionID)
		}
		session, err := olm.UnpickleOutboundGroupSession(pickleKey, pickled)
		if err != nil {
			return err
		}
		defer session.Wipe()
		if err := fn(session); err != nil {
			return err
		}
		repickled, err := session.Pickle(pickleKey)
		if err != nil {
			return err
		}
		d.outboundGroupSessions[sessionID] = repickled
		return nil
	})
}

// EncryptGroupMessage encrypts plaintext on the outbound group session,
// advancing its ratchet.
func (d *OlmDevice) EncryptGroupMessage(sessionID string, plaintext []byte) (string, error) {
	if len(plaintext) > MaxPlaintextLength {
		return "", &PayloadTooLargeError{Size: len(plaintext)}
	}
	var ciphertext string
	err := d.withOutboundGroupSession(sessionID, func(session *olm.OutboundGroupSession) error {
		var err error
		ciphertext, err = session.Encrypt(plaintext)
		return err
	})
	return ciphertext, err
}

// GetOutboundGroupSessionKey returns the session key for sharing with room
// members, at the current chain index.
func (d *OlmDevice) GetOutboundGroupSessionKey(sessionID string) (GroupSessionKey, error) {
	var key GroupSessionKey
	err := d.withOutboundGroupSession(sessionID, func(session *olm.OutboundGroupSession) error {
		key = GroupSessionKey{
			ChainIndex: session.MessageIndex(),
			Key:        session.SessionKey(),
		}
		return nil
	})
	return key, err
}

var groupAddPartitions = []store.Partition{store.PartitionInboundGroupSessions, store.PartitionSharedHistory}

// AddInboundGroupSession stores key material for an inbound group session.
// A session we already know at an earlier (or equally early but no less
// trusted) ratchet index wins over the new material; the one exception is a
// trusted copy of a session we only held untrusted at the same index, which
// upgrades the stored record in place.
func (d *OlmDevice) AddInboundGroupSession(
	ctx context.Context,
	roomID, senderKey string,
	forwardingCurve25519KeyChain []string,
	sessionID, sessionKey string,
	keysClaimed map[string]string,
	exportFormat bool,
	opts AddGroupSessionOpts,
) error {
	ctx, span := internal.StartSpan(ctx, "AddInboundGroupSession")
	defer span.End()
	var session *olm.InboundGroupSession
	var err error
	if exportFormat {
		session, err = olm.ImportInboundGroupSession(sessionKey)
	} else {
		session, err = olm.NewInboundGroupSession(sessionKey)
	}
	if err != nil {
		return err
	}
	defer session.Wipe()
	if session.ID() != sessionID {
		return fmt.Errorf("mismatched group session ID from senderKey: %s", senderKey)
	}

	ref := store.GroupSessionRef{SenderKey: senderKey, SessionID: sessionID}
	return d.store.DoTxn(ctx, store.ReadWrite, groupAddPartitions, func(txn store.Txn) error {
		existingData, err := d.store.GetGroupSession(txn, senderKey, sessionID)
		if err != nil {
			return err
		}
		if existingData != nil {
			keep, err := d.keepExistingGroupSession(existingData, session, opts.Untrusted)
			if err != nil {
				return err
			}
			if keep {
				internal.Logf(ctx, "addInboundGroupSession", "keeping existing record for session %s|%s", senderKey, sessionID)
				return nil
			}
		}
		return d.withPickleKey(func(pickleKey []byte) error {
			pickled, err := session.Pickle(pickleKey)
			if err != nil {
				return err
			}
			data := &store.InboundGroupSessionData{
				RoomID:                       roomID,
				Session:                      pickled,
				KeysClaimed:                  keysClaimed,
				ForwardingCurve25519KeyChain: forwardingCurve25519KeyChain,
				Untrusted:                    opts.Untrusted,
				SharedHistory:                opts.SharedHistory,
			}
			if err := d.store.StoreGroupSession(txn, ref, data); err != nil {
				return err
			}
			sessionsAdded.WithLabelValues("megolm_inbound").Inc()
			// only a brand-new record is indexed: a replacement means the
			// session was already on offer under whatever terms it first
			// arrived with
			if opts.SharedHistory && existingData == nil {
				return d.store.AddSharedHistorySession(txn, roomID, ref)
			}
			return nil
		})
	})
}

// keepExistingGroupSession decides the add/merge precedence: report true to
// keep the stored record, false to overwrite it with the new session.
func (d *OlmDevice) keepExistingGroupSession(existingData *store.InboundGroupSessionData, newSession *olm.InboundGroupSession, newUntrusted bool) (keep bool, err error) {
	err = d.withPickleKey(func(pickleKey []byte) error {
		existing, err := olm.UnpickleInboundGroupSession(pickleKey, existingData.Session)
		if err != nil {
			return err
		}
		defer existing.Wipe()
		if existing.FirstKnownIndex() > newSession.FirstKnownIndex() {
			// the new session reaches further back
			return nil
		}
		if !existingData.Untrusted || newUntrusted {
			// the existing session is at least as early and at least as
			// trusted
			keep = true
			return nil
		}
		if existing.FirstKnownIndex() < newSession.FirstKnownIndex() {
			// the new session is trusted but begins later; an earlier start
			// outranks the trust upgrade
			keep = true
			return nil
		}
		// same index, existing untrusted, new trusted: upgrade in place
		return nil
	})
	return
}

// AddInboundGroupSessionWithheld records why a sender withheld a group
// session, independently of whether any session record exists.
func (d *OlmDevice) AddInboundGroupSessionWithheld(ctx context.Context, roomID, senderKey, sessionID, code, reason string) error {
	ref := store.GroupSessionRef{SenderKey: senderKey, SessionID: sessionID}
	return d.store.DoTxn(ctx, store.ReadWrite, []store.Partition{store.PartitionWithheld}, func(txn store.Txn) error {
		return d.store.StoreGroupSessionWithheld(txn, ref, &store.Withheld{
			RoomID: roomID,
			Code:   code,
			Reason: reason,
		})
	})
}

// getGroupSessionChecked loads a session record and its withheld note,
// enforcing the room binding: a session stored for one room must not serve
// another. An empty roomID is a wildcard lookup.
func (d *OlmDevice) getGroupSessionChecked(txn store.Txn, roomID, senderKey, sessionID string) (*store.InboundGroupSessionData, *store.Withheld, error) {
	data, err := d.store.GetGroupSession(txn, senderKey, sessionID)
	if err != nil {
		return nil, nil, err
	}
	withheld, err := d.store.GetGroupSessionWithheld(txn, senderKey, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if data != nil && roomID != "" && roomID != data.RoomID {
		return nil, nil, fmt.Errorf("mismatched room_id for inbound group session (expected %s, was %s)", data.RoomID, roomID)
	}
	return data, withheld, nil
}

func withheldError(withheld *store.Withheld) *DecryptionError {
	return &DecryptionError{
		Code:         "MEGOLM_UNKNOWN_INBOUND_SESSION_ID",
		Detail:       calculateWithheldMessage(withheld.Code, withheld.Reason),
		WithheldCode: withheld.Code,
	}
}

var groupDecryptPartitions = []store.Partition{store.PartitionInboundGroupSessions, store.PartitionWithheld}

// DecryptGroupMessage decrypts a received group message for the given room.
// eventID and timestamp identify the carrying event for replay detection: a
// message index may only ever be seen on one event.
//
// Returns (nil, nil) when no session and no withheld record is known; a
// *DecryptionError when the key was withheld; a *ReplayError on index reuse.
func (d *OlmDevice) DecryptGroupMessage(ctx context.Context, roomID, senderKey, sessionID, body, eventID string, timestamp int64) (*DecryptedGroupMessage, error) {
	ctx, span := internal.StartSpan(ctx, "DecryptGroupMessage")
	defer span.End()
	var result *DecryptedGroupMessage
	err := d.store.DoTxn(ctx, store.ReadWrite, groupDecryptPartitions, func(txn store.Txn) error {
		data, withheld, err := d.getGroupSessionChecked(txn, roomID, senderKey, sessionID)
		if err != nil {
			groupDecryptOutcomes.WithLabelValues("bad_room").Inc()
			return err
		}
		if data == nil {
			if withheld != nil {
				groupDecryptOutcomes.WithLabelValues("withheld").Inc()
				return withheldError(withheld)
			}
			groupDecryptOutcomes.WithLabelValues("unknown_session").Inc()
			return nil
		}
		return d.withPickleKey(func(pickleKey []byte) error {
			session, err := olm.UnpickleInboundGroupSession(pickleKey, data.Session)
			if err != nil {
				return err
			}
			defer session.Wipe()
			plaintext, messageIndex, err := session.Decrypt(body)
			if err != nil {
				if errors.Is(err, olm.ErrUnknownMessageIndex) && withheld != nil {
					groupDecryptOutcomes.WithLabelValues("withheld").Inc()
					return withheldError(withheld)
				}
				groupDecryptOutcomes.WithLabelValues("error").Inc()
				return err
			}

			// a message index must only ever arrive on one event
			replayKey := fmt.Sprintf("%s|%s|%d", senderKey, sessionID, messageIndex)
			if item := d.replayIndexes.Get(replayKey); item != nil {
				seen := item.Value()
				if seen.EventID != eventID || seen.Timestamp != timestamp {
					replayErr := &ReplayError{SenderKey: senderKey, SessionID: sessionID, MessageIndex: messageIndex}
					internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(replayErr)
					groupDecryptOutcomes.WithLabelValues("replay").Inc()
					return replayErr
				}
			}
			d.replayIndexes.Set(replayKey, replayRecord{EventID: eventID, Timestamp: timestamp}, ttlcache.NoTTL)

			groupDecryptOutcomes.WithLabelValues("success").Inc()
			result = &DecryptedGroupMessage{
				Plaintext:                    plaintext,
				MessageIndex:                 messageIndex,
				KeysClaimed:                  data.KeysClaimed,
				SenderKey:                    senderKey,
				ForwardingCurve25519KeyChain: data.ForwardingCurve25519KeyChain,
				Untrusted:                    data.Untrusted,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasInboundSessionKeys reports whether key material is stored for the
// session, and stored for this room.
func (d *OlmDevice) HasInboundSessionKeys(ctx context.Context, roomID, senderKey, sessionID string) (bool, error) {
	var has bool
	err := d.store.DoTxn(ctx, store.ReadOnly, []store.Partition{store.PartitionInboundGroupSessions}, func(txn store.Txn) error {
		data, err := d.store.GetGroupSession(txn, senderKey, sessionID)
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		if data.RoomID != roomID {
			logger.Warn().Str("session", sessionID).Str("have_room", data.RoomID).Str("want_room", roomID).
				Msg("inbound group session belongs to a different room")
			return nil
		}
		has = true
		return nil
	})
	return has, err
}

// GetInboundGroupSessionKey extracts key material for forwarding. A negative
// chainIndex means the earliest known index. Returns nil when the session is
// unknown.
func (d *OlmDevice) GetInboundGroupSessionKey(ctx context.Context, roomID, senderKey, sessionID string, chainIndex int64) (*InboundGroupSessionKey, error) {
	var key *InboundGroupSessionKey
	err := d.store.DoTxn(ctx, store.ReadOnly, []store.Partition{store.PartitionInboundGroupSessions, store.PartitionWithheld}, func(txn store.Txn) error {
		data, _, err := d.getGroupSessionChecked(txn, roomID, senderKey, sessionID)
		if err != nil || data == nil {
			return err
		}
		return d.withPickleKey(func(pickleKey []byte) error {
			session, err := olm.UnpickleInboundGroupSession(pickleKey, data.Session)
			if err != nil {
				return err
			}
			defer session.Wipe()
			index := uint32(chainIndex)
			if chainIndex < 0 {
				index = session.FirstKnownIndex()
			}
			exported, err := session.Export(index)
			if err != nil {
				return err
			}
			key = &InboundGroupSessionKey{
				ChainIndex:                   index,
				Key:                          exported,
				ForwardingCurve25519KeyChain: data.ForwardingCurve25519KeyChain,
				SenderClaimedEd25519Key:      data.KeysClaimed["ed25519"],
				SharedHistory:                data.SharedHistory,
				Untrusted:                    data.Untrusted,
			}
			return nil
		})
	})
	return key, err
}

// ExportInboundGroupSession captures a stored session at its first known
// index for key backup or forwarding. Returns nil when the session is
// unknown.
func (d *OlmDevice) ExportInboundGroupSession(ctx context.Context, senderKey, sessionID string) (*ExportedRoomKey, error) {
	var exported *ExportedRoomKey
	err := d.store.DoTxn(ctx, store.ReadOnly, []store.Partition{store.PartitionInboundGroupSessions}, func(txn store.Txn) error {
		data, err := d.store.GetGroupSession(txn, senderKey, sessionID)
		if err != nil || data == nil {
			return err
		}
		return d.withPickleKey(func(pickleKey []byte) error {
			session, err := olm.UnpickleInboundGroupSession(pickleKey, data.Session)
			if err != nil {
				return err
			}
			defer session.Wipe()
			firstKnownIndex := session.FirstKnownIndex()
			key, err := session.Export(firstKnownIndex)
			if err != nil {
				return err
			}
			exported = &ExportedRoomKey{
				Algorithm:                    MegolmAlgorithm,
				SenderKey:                    senderKey,
				SenderClaimedKeys:            data.KeysClaimed,
				RoomID:                       data.RoomID,
				SessionID:                    sessionID,
				SessionKey:                   key,
				ForwardingCurve25519KeyChain: data.ForwardingCurve25519KeyChain,
				FirstKnownIndex:              firstKnownIndex,
				SharedHistory:                data.SharedHistory,
			}
			return nil
		})
	})
	return exported, err
}

// ImportRoomKey ingests an exported room key, as produced by
// ExportInboundGroupSession or received in a key forward. Imported keys are
// stored untrusted unless trusted is set.
func (d *OlmDevice) ImportRoomKey(ctx context.Context, keyJSON []byte, trusted bool) error {
	if !gjson.ValidBytes(keyJSON) {
		return fmt.Errorf("exported room key is not valid JSON")
	}
	parsed := gjson.ParseBytes(keyJSON)
	algorithm := parsed.Get("algorithm").Str
	if algorithm != MegolmAlgorithm {
		return fmt.Errorf("cannot import room key for unknown algorithm %q", algorithm)
	}
	roomID := parsed.Get("room_id").Str
	senderKey := parsed.Get("sender_key").Str
	sessionID := parsed.Get("session_id").Str
	sessionKey := parsed.Get("session_key").Str
	if roomID == "" || senderKey == "" || sessionID == "" || sessionKey == "" {
		return fmt.Errorf("exported room key is missing a required field")
	}
	var forwardingChain []string
	for _, item := range parsed.Get("forwarding_curve25519_key_chain").Array() {
		forwardingChain = append(forwardingChain, item.Str)
	}
	keysClaimed := make(map[string]string)
	parsed.Get("sender_claimed_keys").ForEach(func(key, value gjson.Result) bool {
		keysClaimed[key.Str] = value.Str
		return true
	})
	sharedHistory := parsed.Get(`org\.matrix\.msc3061\.shared_history`).Bool()

	return d.AddInboundGroupSession(ctx, roomID, senderKey, forwardingChain, sessionID, sessionKey, keysClaimed, true, AddGroupSessionOpts{
		Untrusted:     !trusted,
		SharedHistory: sharedHistory,
	})
}

// GetSharedHistoryInboundGroupSessions lists the sessions in the room whose
// senders permit sharing with new members.
func (d *OlmDevice) GetSharedHistoryInboundGroupSessions(ctx context.Context, roomID string) ([]store.GroupSessionRef, error) {
	var refs []store.GroupSessionRef
	err := d.store.DoTxn(ctx, store.ReadOnly, []store.Partition{store.PartitionSharedHistory}, func(txn store.Txn) error {
		var err error
		refs, err = d.store.GetSharedHistorySessions(txn, roomID)
		return err
	})
	return refs, err
}

// AddParkedSharedHistory stashes a room key received for a room we have not
// joined yet, to be replayed once membership is confirmed.
func (d *OlmDevice) AddParkedSharedHistory(ctx context.Context, roomID string, parked *store.ParkedSharedHistory) error {
	logger.Info().Str("room", roomID).Str("session", parked.SessionID).Msg("parking shared history key")
	return d.store.AddParkedSharedHistory(ctx, roomID, parked)
}

// TakeParkedSharedHistory removes and returns all keys parked for the room.
func (d *OlmDevice) TakeParkedSharedHistory(ctx context.Context, roomID string) ([]*store.ParkedSharedHistory, error) {
	return d.store.TakeParkedSharedHistory(ctx, roomID)
}
