package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-org/olm-core/internal"
)

// Partition names a keyspace within the crypto store. The set is fixed;
// every transaction declares up front which partitions it will touch.
type Partition string

const (
	PartitionAccount               Partition = "account"
	PartitionSessions              Partition = "sessions"
	PartitionInboundGroupSessions  Partition = "inbound_group_sessions"
	PartitionWithheld              Partition = "inbound_group_sessions_withheld"
	PartitionSharedHistory         Partition = "shared_history_inbound_group_sessions"
	PartitionDeviceData            Partition = "device_data"
	PartitionRooms                 Partition = "rooms"
	PartitionSessionsNeedingBackup Partition = "sessions_needing_backup"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// SessionInfo is a persisted pairwise session.
type SessionInfo struct {
	DeviceKey string `json:"deviceKey" cbor:"device_key"`
	SessionID string `json:"sessionId" cbor:"session_id"`
	// The pickled session.
	Session string `json:"session" cbor:"session"`
	// Wall-clock ms of the last message received on this session, or the
	// session creation time if nothing has been received yet. Drives
	// session selection.
	LastReceivedMessageTs int64 `json:"lastReceivedMessageTs" cbor:"last_received_ts"`
}

// InboundGroupSessionData is a persisted inbound group session. Field names
// follow the exported room key format.
type InboundGroupSessionData struct {
	RoomID  string `json:"room_id" cbor:"room_id"`
	Session string `json:"session" cbor:"session"`
	// Keys the original sender claimed to own, e.g. their ed25519 key.
	KeysClaimed map[string]string `json:"keysClaimed" cbor:"keys_claimed"`
	// Identity keys of devices which forwarded this session to us, oldest
	// first. Empty for sessions received directly from the sender.
	ForwardingCurve25519KeyChain []string `json:"forwardingCurve25519KeyChain" cbor:"forwarding_chain"`
	// Set if the session arrived over an unauthenticated path (e.g. an
	// import or a forward) and has not been verified against a backup.
	Untrusted bool `json:"untrusted,omitempty" cbor:"untrusted,omitempty"`
	// Whether the sender allows this key to be shared with new members on
	// invite (MSC3061).
	SharedHistory bool `json:"sharedHistory,omitempty" cbor:"shared_history,omitempty"`
}

// Withheld records that a sender deliberately did not share a group session
// with us, and why.
type Withheld struct {
	RoomID string `json:"room_id" cbor:"room_id"`
	Code   string `json:"code" cbor:"code"`
	Reason string `json:"reason" cbor:"reason"`
}

// GroupSessionRef identifies a group session.
type GroupSessionRef struct {
	SenderKey string `json:"senderKey" cbor:"sender_key"`
	SessionID string `json:"sessionId" cbor:"session_id"`
}

// InboundGroupSessionRecord pairs a session ref with its stored data, for
// whole-store enumeration.
type InboundGroupSessionRecord struct {
	GroupSessionRef
	Data *InboundGroupSessionData
}

// RoomInfo is the per-room encryption configuration.
type RoomInfo struct {
	Algorithm          string `json:"algorithm" cbor:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty" cbor:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty" cbor:"rotation_period_msgs,omitempty"`
}

// Txn is an opaque handle for a live transaction. Record operations only
// accept the Txn given to the DoTxn callback; using it outside the callback,
// or against a different store, is a programming error.
type Txn interface {
	scope() *txnScope
}

// txnScope carries a transaction's declared mode and partitions so each
// record operation can verify it was declared up front.
type txnScope struct {
	mode       Mode
	partitions map[Partition]bool
}

func newTxnScope(mode Mode, partitions []Partition) *txnScope {
	scope := &txnScope{mode: mode, partitions: make(map[Partition]bool, len(partitions))}
	for _, p := range partitions {
		scope.partitions[p] = true
	}
	return scope
}

func (s *txnScope) scope() *txnScope { return s }

// check fails if the partition was not declared, or on a write in a
// read-only transaction.
func (s *txnScope) check(p Partition, write bool) error {
	if !s.partitions[p] {
		internal.Assert("store op on undeclared partition "+string(p), false)
		return fmt.Errorf("partition %q not declared by this transaction", p)
	}
	if write && s.mode != ReadWrite {
		internal.Assert("store write in read-only transaction", false)
		return fmt.Errorf("write to partition %q in a read-only transaction", p)
	}
	return nil
}

// RoomKeyRequestState is the lifecycle state of an outgoing room key
// request.
type RoomKeyRequestState int

const (
	// RoomKeyRequestStateUnsent means the request is queued but not yet
	// sent to recipient devices.
	RoomKeyRequestStateUnsent RoomKeyRequestState = iota
	// RoomKeyRequestStateSent means the request has been sent and we are
	// waiting for a reply.
	RoomKeyRequestStateSent
	// RoomKeyRequestStateCancellationPending means the request should be
	// cancelled.
	RoomKeyRequestStateCancellationPending
	// RoomKeyRequestStateCancellationPendingAndWillResend means the request
	// should be cancelled and then re-sent from scratch.
	RoomKeyRequestStateCancellationPendingAndWillResend
)

// RoomKeyRequestBody identifies the key being requested. Two requests with
// equal bodies are the same request.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm" cbor:"algorithm"`
	RoomID    string `json:"room_id" cbor:"room_id"`
	SenderKey string `json:"sender_key" cbor:"sender_key"`
	SessionID string `json:"session_id" cbor:"session_id"`
}

// RoomKeyRecipient is a device an outgoing request is addressed to.
type RoomKeyRecipient struct {
	UserID   string `json:"userId" cbor:"user_id"`
	DeviceID string `json:"deviceId" cbor:"device_id"`
}

// OutgoingRoomKeyRequest is a persisted room key request.
type OutgoingRoomKeyRequest struct {
	RequestID         string              `json:"requestId" cbor:"request_id"`
	RequestBody       RoomKeyRequestBody  `json:"requestBody" cbor:"request_body"`
	Recipients        []RoomKeyRecipient  `json:"recipients" cbor:"recipients"`
	State             RoomKeyRequestState `json:"state" cbor:"state"`
	CancellationTxnID string              `json:"cancellationTxnId,omitempty" cbor:"cancellation_txn_id,omitempty"`
}

// SessionProblem records a decryption failure against a device, so that
// later failures can be attributed to a known-broken session.
type SessionProblem struct {
	Type  string `json:"type" cbor:"type"`
	Fixed bool   `json:"fixed" cbor:"fixed"`
	Time  int64  `json:"time" cbor:"time"`
}

// resolveSessionProblem applies the problem lookup rule to a device's
// problem log, sorted by ascending Time: report the first problem newer
// than timestamp, carrying the overall fixed status; failing that, report
// the latest problem if it is still unfixed.
func resolveSessionProblem(problems []SessionProblem, timestamp int64) *SessionProblem {
	if len(problems) == 0 {
		return nil
	}
	last := problems[len(problems)-1]
	for _, p := range problems {
		if p.Time > timestamp {
			p.Fixed = last.Fixed
			return &p
		}
	}
	if last.Fixed {
		return nil
	}
	return &last
}

// ParkedSharedHistory is key material for a shared-history session that
// arrived before the room membership justifying it, held until the join is
// processed.
type ParkedSharedHistory struct {
	SenderID                     string            `json:"senderId" cbor:"sender_id"`
	SenderKey                    string            `json:"senderKey" cbor:"sender_key"`
	SessionID                    string            `json:"sessionId" cbor:"session_id"`
	SessionKey                   string            `json:"sessionKey" cbor:"session_key"`
	KeysClaimed                  map[string]string `json:"keysClaimed" cbor:"keys_claimed"`
	ForwardingCurve25519KeyChain []string          `json:"forwardingCurve25519KeyChain" cbor:"forwarding_chain"`
}

// CryptoStore persists all of a device's encryption state. Record
// operations (those taking a Txn) must be called inside a DoTxn callback,
// with the partition they touch declared in that transaction's partition
// set. Missing records are returned as zero values, not errors.
//
// The outgoing room key request, session problem, and parked shared
// history operations manage their own transactions and are callable
// directly.
type CryptoStore interface {
	// DoTxn runs fn inside a single transaction scoped to the given
	// partitions. If fn returns an error or panics the transaction is
	// rolled back, otherwise it is committed.
	DoTxn(ctx context.Context, mode Mode, partitions []Partition, fn func(txn Txn) error) error

	// account
	GetAccountPickle(txn Txn) (string, error)
	StoreAccountPickle(txn Txn, pickled string) error

	// sessions
	CountSessions(txn Txn) (int, error)
	GetSession(txn Txn, deviceKey, sessionID string) (*SessionInfo, error)
	GetSessions(txn Txn, deviceKey string) (map[string]*SessionInfo, error)
	GetAllSessions(txn Txn) ([]*SessionInfo, error)
	StoreSession(txn Txn, info *SessionInfo) error

	// inbound group sessions
	GetGroupSession(txn Txn, senderKey, sessionID string) (*InboundGroupSessionData, error)
	GetGroupSessionWithheld(txn Txn, senderKey, sessionID string) (*Withheld, error)
	GetAllGroupSessions(txn Txn) ([]*InboundGroupSessionRecord, error)
	// AddGroupSession stores data only if no record exists yet for the ref;
	// it reports whether the record was written.
	AddGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) (bool, error)
	StoreGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) error
	StoreGroupSessionWithheld(txn Txn, ref GroupSessionRef, withheld *Withheld) error

	// shared history index
	AddSharedHistorySession(txn Txn, roomID string, ref GroupSessionRef) error
	GetSharedHistorySessions(txn Txn, roomID string) ([]GroupSessionRef, error)

	// device data
	GetDeviceData(txn Txn) ([]byte, error)
	StoreDeviceData(txn Txn, data []byte) error

	// rooms
	GetRoom(txn Txn, roomID string) (*RoomInfo, error)
	GetRooms(txn Txn) (map[string]*RoomInfo, error)
	StoreRoom(txn Txn, roomID string, info *RoomInfo) error

	// backup marking
	MarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error
	UnmarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error
	CountSessionsNeedingBackup(txn Txn) (int, error)
	GetSessionsNeedingBackup(txn Txn, limit int) ([]*InboundGroupSessionRecord, error)

	// outgoing room key requests
	//
	// GetOrAddOutgoingRoomKeyRequest returns the existing request with the
	// same body in any state, or stores and returns req.
	GetOrAddOutgoingRoomKeyRequest(ctx context.Context, req *OutgoingRoomKeyRequest) (*OutgoingRoomKeyRequest, error)
	GetOutgoingRoomKeyRequest(ctx context.Context, body RoomKeyRequestBody) (*OutgoingRoomKeyRequest, error)
	// GetOutgoingRoomKeyRequestByState returns one request in any of the
	// wanted states, or nil.
	GetOutgoingRoomKeyRequestByState(ctx context.Context, wantedStates []RoomKeyRequestState) (*OutgoingRoomKeyRequest, error)
	GetAllOutgoingRoomKeyRequestsByState(ctx context.Context, state RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error)
	GetOutgoingRoomKeyRequestsByTarget(ctx context.Context, userID, deviceID string, wantedStates []RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error)
	// UpdateOutgoingRoomKeyRequest moves a request to newState only if it
	// is currently in expectedState, returning the updated request or nil
	// if the state did not match. cancellationTxnID, if non-empty, is
	// recorded on the request.
	UpdateOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState, newState RoomKeyRequestState, cancellationTxnID string) (*OutgoingRoomKeyRequest, error)
	// DeleteOutgoingRoomKeyRequest removes a request only if it is in
	// expectedState, reporting whether it was deleted.
	DeleteOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState RoomKeyRequestState) (bool, error)

	// session problems
	//
	// StoreSessionProblem appends a problem to the device's log, stamped
	// with the current time.
	StoreSessionProblem(ctx context.Context, deviceKey, problemType string, fixed bool) error
	// GetSessionProblem reports a problem affecting messages received
	// after timestamp, or nil.
	GetSessionProblem(ctx context.Context, deviceKey string, timestamp int64) (*SessionProblem, error)
	// FilterOutNotifiedErrorDevices returns the devices not yet notified
	// of a decryption error, marking them as notified.
	FilterOutNotifiedErrorDevices(ctx context.Context, devices []RoomKeyRecipient) ([]RoomKeyRecipient, error)

	// parked shared history
	AddParkedSharedHistory(ctx context.Context, roomID string, parked *ParkedSharedHistory) error
	// TakeParkedSharedHistory removes and returns everything parked for
	// the room.
	TakeParkedSharedHistory(ctx context.Context, roomID string) ([]*ParkedSharedHistory, error)
}

// AllPartitions is the full fixed partition set.
var AllPartitions = []Partition{
	PartitionAccount,
	PartitionSessions,
	PartitionInboundGroupSessions,
	PartitionWithheld,
	PartitionSharedHistory,
	PartitionDeviceData,
	PartitionRooms,
	PartitionSessionsNeedingBackup,
}

// Key computes the composite record key for a group session ref. '|' never
// appears in a base64 key.
func (r GroupSessionRef) Key() string {
	return r.SenderKey + "|" + r.SessionID
}

func splitGroupKey(key string) GroupSessionRef {
	i := strings.IndexByte(key, '|')
	if i < 0 {
		return GroupSessionRef{SenderKey: key}
	}
	return GroupSessionRef{SenderKey: key[:i], SessionID: key[i+1:]}
}
