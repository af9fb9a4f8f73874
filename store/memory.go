package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// MemoryCryptoStore keeps everything in process memory. It is the reference
// backend for tests and ephemeral devices. Transactions serialize on a
// store-wide mutex; there is no rollback, so a failed callback may leave
// partial writes behind, same as any non-durable backend.
type MemoryCryptoStore struct {
	mu sync.Mutex

	accountPickle string
	sessions      map[string]map[string]*SessionInfo
	groupSessions map[string]*InboundGroupSessionData
	withheld      map[string]*Withheld
	sharedHistory map[string][]GroupSessionRef
	deviceData    []byte
	rooms         map[string]*RoomInfo
	needingBackup map[string]GroupSessionRef
	keyRequests   []*OutgoingRoomKeyRequest

	sessionProblems map[string][]SessionProblem
	notifiedErrors  map[RoomKeyRecipient]bool
	parkedHistory   map[string][]*ParkedSharedHistory
}

func NewMemoryCryptoStore() *MemoryCryptoStore {
	return &MemoryCryptoStore{
		sessions:      make(map[string]map[string]*SessionInfo),
		groupSessions: make(map[string]*InboundGroupSessionData),
		withheld:      make(map[string]*Withheld),
		sharedHistory: make(map[string][]GroupSessionRef),
		rooms:         make(map[string]*RoomInfo),
		needingBackup: make(map[string]GroupSessionRef),

		sessionProblems: make(map[string][]SessionProblem),
		notifiedErrors:  make(map[RoomKeyRecipient]bool),
		parkedHistory:   make(map[string][]*ParkedSharedHistory),
	}
}

type memoryTxn struct {
	*txnScope
	store *MemoryCryptoStore
}

func (s *MemoryCryptoStore) txn(t Txn, p Partition, write bool) (*memoryTxn, error) {
	mt, ok := t.(*memoryTxn)
	if !ok || mt.store != s {
		return nil, fmt.Errorf("transaction does not belong to this store")
	}
	if err := mt.check(p, write); err != nil {
		return nil, err
	}
	return mt, nil
}

func (s *MemoryCryptoStore) DoTxn(ctx context.Context, mode Mode, partitions []Partition, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTxn{txnScope: newTxnScope(mode, partitions), store: s})
}

func (s *MemoryCryptoStore) GetAccountPickle(txn Txn) (string, error) {
	if _, err := s.txn(txn, PartitionAccount, false); err != nil {
		return "", err
	}
	return s.accountPickle, nil
}

func (s *MemoryCryptoStore) StoreAccountPickle(txn Txn, pickled string) error {
	if _, err := s.txn(txn, PartitionAccount, true); err != nil {
		return err
	}
	s.accountPickle = pickled
	return nil
}

func (s *MemoryCryptoStore) CountSessions(txn Txn) (int, error) {
	if _, err := s.txn(txn, PartitionSessions, false); err != nil {
		return 0, err
	}
	n := 0
	for _, byID := range s.sessions {
		n += len(byID)
	}
	return n, nil
}

func (s *MemoryCryptoStore) GetSession(txn Txn, deviceKey, sessionID string) (*SessionInfo, error) {
	if _, err := s.txn(txn, PartitionSessions, false); err != nil {
		return nil, err
	}
	info := s.sessions[deviceKey][sessionID]
	if info == nil {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (s *MemoryCryptoStore) GetSessions(txn Txn, deviceKey string) (map[string]*SessionInfo, error) {
	if _, err := s.txn(txn, PartitionSessions, false); err != nil {
		return nil, err
	}
	out := make(map[string]*SessionInfo, len(s.sessions[deviceKey]))
	for id, info := range s.sessions[deviceKey] {
		cp := *info
		out[id] = &cp
	}
	return out, nil
}

func (s *MemoryCryptoStore) GetAllSessions(txn Txn) ([]*SessionInfo, error) {
	if _, err := s.txn(txn, PartitionSessions, false); err != nil {
		return nil, err
	}
	var out []*SessionInfo
	for _, byID := range s.sessions {
		for _, info := range byID {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryCryptoStore) StoreSession(txn Txn, info *SessionInfo) error {
	if _, err := s.txn(txn, PartitionSessions, true); err != nil {
		return err
	}
	byID := s.sessions[info.DeviceKey]
	if byID == nil {
		byID = make(map[string]*SessionInfo)
		s.sessions[info.DeviceKey] = byID
	}
	cp := *info
	byID[info.SessionID] = &cp
	return nil
}

func copyGroupSessionData(data *InboundGroupSessionData) *InboundGroupSessionData {
	if data == nil {
		return nil
	}
	cp := *data
	if data.KeysClaimed != nil {
		cp.KeysClaimed = make(map[string]string, len(data.KeysClaimed))
		for k, v := range data.KeysClaimed {
			cp.KeysClaimed[k] = v
		}
	}
	cp.ForwardingCurve25519KeyChain = append([]string(nil), data.ForwardingCurve25519KeyChain...)
	return &cp
}

func (s *MemoryCryptoStore) GetGroupSession(txn Txn, senderKey, sessionID string) (*InboundGroupSessionData, error) {
	if _, err := s.txn(txn, PartitionInboundGroupSessions, false); err != nil {
		return nil, err
	}
	return copyGroupSessionData(s.groupSessions[GroupSessionRef{senderKey, sessionID}.Key()]), nil
}

func (s *MemoryCryptoStore) GetGroupSessionWithheld(txn Txn, senderKey, sessionID string) (*Withheld, error) {
	if _, err := s.txn(txn, PartitionWithheld, false); err != nil {
		return nil, err
	}
	w := s.withheld[GroupSessionRef{senderKey, sessionID}.Key()]
	if w == nil {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryCryptoStore) GetAllGroupSessions(txn Txn) ([]*InboundGroupSessionRecord, error) {
	if _, err := s.txn(txn, PartitionInboundGroupSessions, false); err != nil {
		return nil, err
	}
	var out []*InboundGroupSessionRecord
	for key, data := range s.groupSessions {
		out = append(out, &InboundGroupSessionRecord{
			GroupSessionRef: splitGroupKey(key),
			Data:            copyGroupSessionData(data),
		})
	}
	return out, nil
}

func (s *MemoryCryptoStore) AddGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) (bool, error) {
	if _, err := s.txn(txn, PartitionInboundGroupSessions, true); err != nil {
		return false, err
	}
	if _, exists := s.groupSessions[ref.Key()]; exists {
		return false, nil
	}
	s.groupSessions[ref.Key()] = copyGroupSessionData(data)
	return true, nil
}

func (s *MemoryCryptoStore) StoreGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) error {
	if _, err := s.txn(txn, PartitionInboundGroupSessions, true); err != nil {
		return err
	}
	s.groupSessions[ref.Key()] = copyGroupSessionData(data)
	return nil
}

func (s *MemoryCryptoStore) StoreGroupSessionWithheld(txn Txn, ref GroupSessionRef, withheld *Withheld) error {
	if _, err := s.txn(txn, PartitionWithheld, true); err != nil {
		return err
	}
	cp := *withheld
	s.withheld[ref.Key()] = &cp
	return nil
}

func (s *MemoryCryptoStore) AddSharedHistorySession(txn Txn, roomID string, ref GroupSessionRef) error {
	if _, err := s.txn(txn, PartitionSharedHistory, true); err != nil {
		return err
	}
	if slices.Contains(s.sharedHistory[roomID], ref) {
		return nil
	}
	s.sharedHistory[roomID] = append(s.sharedHistory[roomID], ref)
	return nil
}

func (s *MemoryCryptoStore) GetSharedHistorySessions(txn Txn, roomID string) ([]GroupSessionRef, error) {
	if _, err := s.txn(txn, PartitionSharedHistory, false); err != nil {
		return nil, err
	}
	return append([]GroupSessionRef(nil), s.sharedHistory[roomID]...), nil
}

func (s *MemoryCryptoStore) GetDeviceData(txn Txn) ([]byte, error) {
	if _, err := s.txn(txn, PartitionDeviceData, false); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.deviceData...), nil
}

func (s *MemoryCryptoStore) StoreDeviceData(txn Txn, data []byte) error {
	if _, err := s.txn(txn, PartitionDeviceData, true); err != nil {
		return err
	}
	s.deviceData = append([]byte(nil), data...)
	return nil
}

func (s *MemoryCryptoStore) GetRoom(txn Txn, roomID string) (*RoomInfo, error) {
	if _, err := s.txn(txn, PartitionRooms, false); err != nil {
		return nil, err
	}
	info := s.rooms[roomID]
	if info == nil {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (s *MemoryCryptoStore) GetRooms(txn Txn) (map[string]*RoomInfo, error) {
	if _, err := s.txn(txn, PartitionRooms, false); err != nil {
		return nil, err
	}
	out := make(map[string]*RoomInfo, len(s.rooms))
	for id, info := range s.rooms {
		cp := *info
		out[id] = &cp
	}
	return out, nil
}

func (s *MemoryCryptoStore) StoreRoom(txn Txn, roomID string, info *RoomInfo) error {
	if _, err := s.txn(txn, PartitionRooms, true); err != nil {
		return err
	}
	cp := *info
	s.rooms[roomID] = &cp
	return nil
}

func (s *MemoryCryptoStore) MarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	if _, err := s.txn(txn, PartitionSessionsNeedingBackup, true); err != nil {
		return err
	}
	for _, ref := range refs {
		s.needingBackup[ref.Key()] = ref
	}
	return nil
}

func (s *MemoryCryptoStore) UnmarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	if _, err := s.txn(txn, PartitionSessionsNeedingBackup, true); err != nil {
		return err
	}
	for _, ref := range refs {
		delete(s.needingBackup, ref.Key())
	}
	return nil
}

func (s *MemoryCryptoStore) CountSessionsNeedingBackup(txn Txn) (int, error) {
	if _, err := s.txn(txn, PartitionSessionsNeedingBackup, false); err != nil {
		return 0, err
	}
	return len(s.needingBackup), nil
}

func (s *MemoryCryptoStore) GetSessionsNeedingBackup(txn Txn, limit int) ([]*InboundGroupSessionRecord, error) {
	mt, err := s.txn(txn, PartitionSessionsNeedingBackup, false)
	if err != nil {
		return nil, err
	}
	if err := mt.check(PartitionInboundGroupSessions, false); err != nil {
		return nil, err
	}
	var out []*InboundGroupSessionRecord
	for _, ref := range s.needingBackup {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, &InboundGroupSessionRecord{
			GroupSessionRef: ref,
			Data:            copyGroupSessionData(s.groupSessions[ref.Key()]),
		})
	}
	return out, nil
}

func copyKeyRequest(req *OutgoingRoomKeyRequest) *OutgoingRoomKeyRequest {
	cp := *req
	cp.Recipients = append([]RoomKeyRecipient(nil), req.Recipients...)
	return &cp
}

func (s *MemoryCryptoStore) GetOrAddOutgoingRoomKeyRequest(ctx context.Context, req *OutgoingRoomKeyRequest) (*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keyRequests {
		if existing.RequestBody == req.RequestBody {
			return copyKeyRequest(existing), nil
		}
	}
	s.keyRequests = append(s.keyRequests, copyKeyRequest(req))
	return copyKeyRequest(req), nil
}

func (s *MemoryCryptoStore) GetOutgoingRoomKeyRequest(ctx context.Context, body RoomKeyRequestBody) (*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.keyRequests {
		if req.RequestBody == body {
			return copyKeyRequest(req), nil
		}
	}
	return nil, nil
}

func (s *MemoryCryptoStore) GetOutgoingRoomKeyRequestByState(ctx context.Context, wantedStates []RoomKeyRequestState) (*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.keyRequests {
		if slices.Contains(wantedStates, req.State) {
			return copyKeyRequest(req), nil
		}
	}
	return nil, nil
}

func (s *MemoryCryptoStore) GetAllOutgoingRoomKeyRequestsByState(ctx context.Context, state RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OutgoingRoomKeyRequest
	for _, req := range s.keyRequests {
		if req.State == state {
			out = append(out, copyKeyRequest(req))
		}
	}
	return out, nil
}

func (s *MemoryCryptoStore) GetOutgoingRoomKeyRequestsByTarget(ctx context.Context, userID, deviceID string, wantedStates []RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OutgoingRoomKeyRequest
	for _, req := range s.keyRequests {
		if !slices.Contains(wantedStates, req.State) {
			continue
		}
		for _, recip := range req.Recipients {
			if recip.UserID == userID && recip.DeviceID == deviceID {
				out = append(out, copyKeyRequest(req))
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryCryptoStore) UpdateOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState, newState RoomKeyRequestState, cancellationTxnID string) (*OutgoingRoomKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.keyRequests {
		if req.RequestID != requestID {
			continue
		}
		if req.State != expectedState {
			return nil, nil
		}
		req.State = newState
		if cancellationTxnID != "" {
			req.CancellationTxnID = cancellationTxnID
		}
		return copyKeyRequest(req), nil
	}
	return nil, nil
}

func (s *MemoryCryptoStore) DeleteOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState RoomKeyRequestState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, req := range s.keyRequests {
		if req.RequestID != requestID {
			continue
		}
		if req.State != expectedState {
			return false, nil
		}
		s.keyRequests = append(s.keyRequests[:i], s.keyRequests[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (s *MemoryCryptoStore) StoreSessionProblem(ctx context.Context, deviceKey, problemType string, fixed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionProblems[deviceKey] = append(s.sessionProblems[deviceKey], SessionProblem{
		Type:  problemType,
		Fixed: fixed,
		Time:  time.Now().UnixMilli(),
	})
	return nil
}

func (s *MemoryCryptoStore) GetSessionProblem(ctx context.Context, deviceKey string, timestamp int64) (*SessionProblem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolveSessionProblem(s.sessionProblems[deviceKey], timestamp), nil
}

func (s *MemoryCryptoStore) FilterOutNotifiedErrorDevices(ctx context.Context, devices []RoomKeyRecipient) ([]RoomKeyRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoomKeyRecipient
	for _, device := range devices {
		if s.notifiedErrors[device] {
			continue
		}
		s.notifiedErrors[device] = true
		out = append(out, device)
	}
	return out, nil
}

func copyParkedSharedHistory(parked *ParkedSharedHistory) *ParkedSharedHistory {
	cp := *parked
	if parked.KeysClaimed != nil {
		cp.KeysClaimed = make(map[string]string, len(parked.KeysClaimed))
		for k, v := range parked.KeysClaimed {
			cp.KeysClaimed[k] = v
		}
	}
	cp.ForwardingCurve25519KeyChain = append([]string(nil), parked.ForwardingCurve25519KeyChain...)
	return &cp
}

func (s *MemoryCryptoStore) AddParkedSharedHistory(ctx context.Context, roomID string, parked *ParkedSharedHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parkedHistory[roomID] = append(s.parkedHistory[roomID], copyParkedSharedHistory(parked))
	return nil
}

func (s *MemoryCryptoStore) TakeParkedSharedHistory(ctx context.Context, roomID string) ([]*ParkedSharedHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parked := s.parkedHistory[roomID]
	delete(s.parkedHistory, roomID)
	return parked, nil
}
