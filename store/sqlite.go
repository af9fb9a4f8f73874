package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/sqlutil"
)

// these partitions are private to this backend; they are not part of
// the transactional partition set.
const (
	sqliteKeyRequestPartition     = "outgoing_room_key_requests"
	sqliteSessionProblemPartition = "session_problems"
	sqliteNotifiedErrorPartition  = "notified_error_devices"
	sqliteParkedHistoryPartition  = "parked_shared_history"
)

// SQLiteCryptoStore is the degraded flat key/value backend, for
// environments without a Postgres. Everything lives in one
// (partition, key, value) table with CBOR values; multi-record lookups scan.
type SQLiteCryptoStore struct {
	db *sqlx.DB
	// sqlite tolerates one writer; serialize whole transactions
	mu sync.Mutex
}

func NewSQLiteCryptoStore(path string) (*SQLiteCryptoStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS olmcore_kv (
		partition TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY(partition, key)
	);`)
	return &SQLiteCryptoStore{db: db}, nil
}

type sqliteTxn struct {
	*txnScope
	store *SQLiteCryptoStore
	tx    *sqlx.Tx
}

func (s *SQLiteCryptoStore) txn(t Txn, p Partition, write bool) (*sqlx.Tx, error) {
	st, ok := t.(*sqliteTxn)
	if !ok || st.store != s {
		return nil, fmt.Errorf("transaction does not belong to this store")
	}
	if err := st.check(p, write); err != nil {
		return nil, err
	}
	return st.tx, nil
}

func (s *SQLiteCryptoStore) DoTxn(ctx context.Context, mode Mode, partitions []Partition, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := internal.StartSpan(ctx, "SQLiteCryptoStoreTxn")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		return fn(&sqliteTxn{txnScope: newTxnScope(mode, partitions), store: s, tx: tx})
	})
}

func kvGet(tx *sqlx.Tx, partition, key string, out interface{}) (bool, error) {
	var blob []byte
	err := tx.Get(&blob, `SELECT value FROM olmcore_kv WHERE partition = $1 AND key = $2`, partition, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, cbor.Unmarshal(blob, out)
}

func kvPut(tx *sqlx.Tx, partition, key string, value interface{}) error {
	blob, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_kv(partition, key, value) VALUES($1, $2, $3)
		ON CONFLICT (partition, key) DO UPDATE SET value = excluded.value`,
		partition, key, blob,
	)
	return err
}

func kvScan(tx *sqlx.Tx, partition, keyPrefix string, visit func(key string, blob []byte) error) error {
	query := `SELECT key, value FROM olmcore_kv WHERE partition = $1`
	args := []interface{}{partition}
	if keyPrefix != "" {
		// keys are base64 so LIKE metacharacters cannot occur in the prefix
		query += ` AND key LIKE $2`
		args = append(args, keyPrefix+"%")
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return err
		}
		if err := visit(key, blob); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteCryptoStore) GetAccountPickle(txn Txn) (string, error) {
	tx, err := s.txn(txn, PartitionAccount, false)
	if err != nil {
		return "", err
	}
	var pickled string
	if _, err := kvGet(tx, string(PartitionAccount), "-", &pickled); err != nil {
		return "", err
	}
	return pickled, nil
}

func (s *SQLiteCryptoStore) StoreAccountPickle(txn Txn, pickled string) error {
	tx, err := s.txn(txn, PartitionAccount, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionAccount), "-", pickled)
}

func (s *SQLiteCryptoStore) CountSessions(txn Txn) (int, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.Get(&count, `SELECT count(*) FROM olmcore_kv WHERE partition = $1`, string(PartitionSessions))
	return count, err
}

func (s *SQLiteCryptoStore) GetSession(txn Txn, deviceKey, sessionID string) (*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	var info SessionInfo
	found, err := kvGet(tx, string(PartitionSessions), deviceKey+"|"+sessionID, &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

func (s *SQLiteCryptoStore) GetSessions(txn Txn, deviceKey string) (map[string]*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*SessionInfo)
	err = kvScan(tx, string(PartitionSessions), deviceKey+"|", func(key string, blob []byte) error {
		info := &SessionInfo{}
		if err := cbor.Unmarshal(blob, info); err != nil {
			return err
		}
		out[info.SessionID] = info
		return nil
	})
	return out, err
}

func (s *SQLiteCryptoStore) GetAllSessions(txn Txn) ([]*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	var out []*SessionInfo
	err = kvScan(tx, string(PartitionSessions), "", func(key string, blob []byte) error {
		info := &SessionInfo{}
		if err := cbor.Unmarshal(blob, info); err != nil {
			return err
		}
		out = append(out, info)
		return nil
	})
	return out, err
}

func (s *SQLiteCryptoStore) StoreSession(txn Txn, info *SessionInfo) error {
	tx, err := s.txn(txn, PartitionSessions, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionSessions), info.DeviceKey+"|"+info.SessionID, info)
}

func (s *SQLiteCryptoStore) GetGroupSession(txn Txn, senderKey, sessionID string) (*InboundGroupSessionData, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, false)
	if err != nil {
		return nil, err
	}
	var data InboundGroupSessionData
	found, err := kvGet(tx, string(PartitionInboundGroupSessions), GroupSessionRef{senderKey, sessionID}.Key(), &data)
	if err != nil || !found {
		return nil, err
	}
	return &data, nil
}

func (s *SQLiteCryptoStore) GetGroupSessionWithheld(txn Txn, senderKey, sessionID string) (*Withheld, error) {
	tx, err := s.txn(txn, PartitionWithheld, false)
	if err != nil {
		return nil, err
	}
	var withheld Withheld
	found, err := kvGet(tx, string(PartitionWithheld), GroupSessionRef{senderKey, sessionID}.Key(), &withheld)
	if err != nil || !found {
		return nil, err
	}
	return &withheld, nil
}

func (s *SQLiteCryptoStore) GetAllGroupSessions(txn Txn) ([]*InboundGroupSessionRecord, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, false)
	if err != nil {
		return nil, err
	}
	var out []*InboundGroupSessionRecord
	err = kvScan(tx, string(PartitionInboundGroupSessions), "", func(key string, blob []byte) error {
		rec := &InboundGroupSessionRecord{GroupSessionRef: splitGroupKey(key), Data: &InboundGroupSessionData{}}
		if err := cbor.Unmarshal(blob, rec.Data); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *SQLiteCryptoStore) AddGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) (bool, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, true)
	if err != nil {
		return false, err
	}
	blob, err := cbor.Marshal(data)
	if err != nil {
		return false, err
	}
	result, err := tx.Exec(
		`INSERT INTO olmcore_kv(partition, key, value) VALUES($1, $2, $3)
		ON CONFLICT (partition, key) DO NOTHING`,
		string(PartitionInboundGroupSessions), ref.Key(), blob,
	)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	return inserted > 0, err
}

func (s *SQLiteCryptoStore) StoreGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) error {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionInboundGroupSessions), ref.Key(), data)
}

func (s *SQLiteCryptoStore) StoreGroupSessionWithheld(txn Txn, ref GroupSessionRef, withheld *Withheld) error {
	tx, err := s.txn(txn, PartitionWithheld, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionWithheld), ref.Key(), withheld)
}

func (s *SQLiteCryptoStore) AddSharedHistorySession(txn Txn, roomID string, ref GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSharedHistory, true)
	if err != nil {
		return err
	}
	var refs []GroupSessionRef
	if _, err := kvGet(tx, string(PartitionSharedHistory), roomID, &refs); err != nil {
		return err
	}
	for _, existing := range refs {
		if existing == ref {
			return nil
		}
	}
	return kvPut(tx, string(PartitionSharedHistory), roomID, append(refs, ref))
}

func (s *SQLiteCryptoStore) GetSharedHistorySessions(txn Txn, roomID string) ([]GroupSessionRef, error) {
	tx, err := s.txn(txn, PartitionSharedHistory, false)
	if err != nil {
		return nil, err
	}
	var refs []GroupSessionRef
	if _, err := kvGet(tx, string(PartitionSharedHistory), roomID, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *SQLiteCryptoStore) GetDeviceData(txn Txn) ([]byte, error) {
	tx, err := s.txn(txn, PartitionDeviceData, false)
	if err != nil {
		return nil, err
	}
	var data []byte
	if _, err := kvGet(tx, string(PartitionDeviceData), "-", &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteCryptoStore) StoreDeviceData(txn Txn, data []byte) error {
	tx, err := s.txn(txn, PartitionDeviceData, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionDeviceData), "-", data)
}

func (s *SQLiteCryptoStore) GetRoom(txn Txn, roomID string) (*RoomInfo, error) {
	tx, err := s.txn(txn, PartitionRooms, false)
	if err != nil {
		return nil, err
	}
	var info RoomInfo
	found, err := kvGet(tx, string(PartitionRooms), roomID, &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

func (s *SQLiteCryptoStore) GetRooms(txn Txn) (map[string]*RoomInfo, error) {
	tx, err := s.txn(txn, PartitionRooms, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*RoomInfo)
	err = kvScan(tx, string(PartitionRooms), "", func(key string, blob []byte) error {
		info := &RoomInfo{}
		if err := cbor.Unmarshal(blob, info); err != nil {
			return err
		}
		out[key] = info
		return nil
	})
	return out, err
}

func (s *SQLiteCryptoStore) StoreRoom(txn Txn, roomID string, info *RoomInfo) error {
	tx, err := s.txn(txn, PartitionRooms, true)
	if err != nil {
		return err
	}
	return kvPut(tx, string(PartitionRooms), roomID, info)
}

func (s *SQLiteCryptoStore) MarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, true)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := kvPut(tx, string(PartitionSessionsNeedingBackup), ref.Key(), ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteCryptoStore) UnmarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, true)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		_, err = tx.Exec(`DELETE FROM olmcore_kv WHERE partition = $1 AND key = $2`,
			string(PartitionSessionsNeedingBackup), ref.Key())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteCryptoStore) CountSessionsNeedingBackup(txn Txn) (int, error) {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, false)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.Get(&count, `SELECT count(*) FROM olmcore_kv WHERE partition = $1`, string(PartitionSessionsNeedingBackup))
	return count, err
}

func (s *SQLiteCryptoStore) GetSessionsNeedingBackup(txn Txn, limit int) ([]*InboundGroupSessionRecord, error) {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, false)
	if err != nil {
		return nil, err
	}
	if err := txn.scope().check(PartitionInboundGroupSessions, false); err != nil {
		return nil, err
	}
	var out []*InboundGroupSessionRecord
	err = kvScan(tx, string(PartitionSessionsNeedingBackup), "", func(key string, blob []byte) error {
		if limit > 0 && len(out) >= limit {
			return nil
		}
		rec := &InboundGroupSessionRecord{GroupSessionRef: splitGroupKey(key)}
		var data InboundGroupSessionData
		found, err := kvGet(tx, string(PartitionInboundGroupSessions), key, &data)
		if err != nil {
			return err
		}
		if found {
			rec.Data = &data
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

var errStopScan = errors.New("stop scan")

func (s *SQLiteCryptoStore) scanKeyRequests(tx *sqlx.Tx, visit func(req *OutgoingRoomKeyRequest) (done bool, err error)) error {
	err := kvScan(tx, sqliteKeyRequestPartition, "", func(key string, blob []byte) error {
		req := &OutgoingRoomKeyRequest{}
		if err := cbor.Unmarshal(blob, req); err != nil {
			return err
		}
		done, err := visit(req)
		if err != nil {
			return err
		}
		if done {
			return errStopScan
		}
		return nil
	})
	if err == errStopScan {
		return nil
	}
	return err
}

func (s *SQLiteCryptoStore) inOwnTxn(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlutil.WithTransaction(s.db, fn)
}

func (s *SQLiteCryptoStore) GetOrAddOutgoingRoomKeyRequest(ctx context.Context, req *OutgoingRoomKeyRequest) (result *OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		scanErr := s.scanKeyRequests(tx, func(existing *OutgoingRoomKeyRequest) (bool, error) {
			if existing.RequestBody == req.RequestBody {
				result = existing
				return true, nil
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		if result != nil {
			return nil
		}
		if err := kvPut(tx, sqliteKeyRequestPartition, req.RequestID, req); err != nil {
			return err
		}
		cp := *req
		result = &cp
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) GetOutgoingRoomKeyRequest(ctx context.Context, body RoomKeyRequestBody) (result *OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		scanErr := s.scanKeyRequests(tx, func(req *OutgoingRoomKeyRequest) (bool, error) {
			if req.RequestBody == body {
				result = req
				return true, nil
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) GetOutgoingRoomKeyRequestByState(ctx context.Context, wantedStates []RoomKeyRequestState) (result *OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		scanErr := s.scanKeyRequests(tx, func(req *OutgoingRoomKeyRequest) (bool, error) {
			for _, state := range wantedStates {
				if req.State == state {
					result = req
					return true, nil
				}
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) GetAllOutgoingRoomKeyRequestsByState(ctx context.Context, state RoomKeyRequestState) (out []*OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		return s.scanKeyRequests(tx, func(req *OutgoingRoomKeyRequest) (bool, error) {
			if req.State == state {
				out = append(out, req)
			}
			return false, nil
		})
	})
	return
}

func (s *SQLiteCryptoStore) GetOutgoingRoomKeyRequestsByTarget(ctx context.Context, userID, deviceID string, wantedStates []RoomKeyRequestState) (out []*OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		return s.scanKeyRequests(tx, func(req *OutgoingRoomKeyRequest) (bool, error) {
			wanted := false
			for _, state := range wantedStates {
				if req.State == state {
					wanted = true
					break
				}
			}
			if !wanted {
				return false, nil
			}
			for _, recip := range req.Recipients {
				if recip.UserID == userID && recip.DeviceID == deviceID {
					out = append(out, req)
					break
				}
			}
			return false, nil
		})
	})
	return
}

func (s *SQLiteCryptoStore) UpdateOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState, newState RoomKeyRequestState, cancellationTxnID string) (result *OutgoingRoomKeyRequest, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		req := &OutgoingRoomKeyRequest{}
		found, err := kvGet(tx, sqliteKeyRequestPartition, requestID, req)
		if err != nil || !found {
			return err
		}
		if req.State != expectedState {
			return nil
		}
		req.State = newState
		if cancellationTxnID != "" {
			req.CancellationTxnID = cancellationTxnID
		}
		if err := kvPut(tx, sqliteKeyRequestPartition, requestID, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) DeleteOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState RoomKeyRequestState) (deleted bool, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		req := &OutgoingRoomKeyRequest{}
		found, err := kvGet(tx, sqliteKeyRequestPartition, requestID, req)
		if err != nil || !found {
			return err
		}
		if req.State != expectedState {
			return nil
		}
		_, err = tx.Exec(`DELETE FROM olmcore_kv WHERE partition = $1 AND key = $2`,
			sqliteKeyRequestPartition, requestID)
		deleted = err == nil
		return err
	})
	return
}

func (s *SQLiteCryptoStore) StoreSessionProblem(ctx context.Context, deviceKey, problemType string, fixed bool) error {
	return s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		var problems []SessionProblem
		if _, err := kvGet(tx, sqliteSessionProblemPartition, deviceKey, &problems); err != nil {
			return err
		}
		problems = append(problems, SessionProblem{
			Type:  problemType,
			Fixed: fixed,
			Time:  time.Now().UnixMilli(),
		})
		return kvPut(tx, sqliteSessionProblemPartition, deviceKey, problems)
	})
}

func (s *SQLiteCryptoStore) GetSessionProblem(ctx context.Context, deviceKey string, timestamp int64) (result *SessionProblem, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		var problems []SessionProblem
		if _, err := kvGet(tx, sqliteSessionProblemPartition, deviceKey, &problems); err != nil {
			return err
		}
		result = resolveSessionProblem(problems, timestamp)
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) FilterOutNotifiedErrorDevices(ctx context.Context, devices []RoomKeyRecipient) (remaining []RoomKeyRecipient, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		for _, device := range devices {
			key := device.UserID + "|" + device.DeviceID
			var seen bool
			found, err := kvGet(tx, sqliteNotifiedErrorPartition, key, &seen)
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if err := kvPut(tx, sqliteNotifiedErrorPartition, key, true); err != nil {
				return err
			}
			remaining = append(remaining, device)
		}
		return nil
	})
	return
}

func (s *SQLiteCryptoStore) AddParkedSharedHistory(ctx context.Context, roomID string, parked *ParkedSharedHistory) error {
	return s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		var entries []*ParkedSharedHistory
		if _, err := kvGet(tx, sqliteParkedHistoryPartition, roomID, &entries); err != nil {
			return err
		}
		entries = append(entries, parked)
		return kvPut(tx, sqliteParkedHistoryPartition, roomID, entries)
	})
}

func (s *SQLiteCryptoStore) TakeParkedSharedHistory(ctx context.Context, roomID string) (entries []*ParkedSharedHistory, err error) {
	err = s.inOwnTxn(ctx, func(tx *sqlx.Tx) error {
		found, err := kvGet(tx, sqliteParkedHistoryPartition, roomID, &entries)
		if err != nil || !found {
			return err
		}
		_, err = tx.Exec(`DELETE FROM olmcore_kv WHERE partition = $1 AND key = $2`,
			sqliteParkedHistoryPartition, roomID)
		return err
	})
	return
}
