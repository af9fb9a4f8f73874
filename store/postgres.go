package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// PostgresCryptoStore is the durable indexed backend. Each partition maps to
// its own table; record payloads are CBOR in BYTEA columns so the schema
// never chases the record types.
type PostgresCryptoStore struct {
	db *sqlx.DB
}

// NewPostgresCryptoStore connects and ensures the schema exists.
func NewPostgresCryptoStore(postgresURI string) (*PostgresCryptoStore, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQL db: %w", err)
	}
	return NewPostgresCryptoStoreWithDB(db), nil
}

func NewPostgresCryptoStoreWithDB(db *sqlx.DB) *PostgresCryptoStore {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS olmcore_account (
		id SMALLINT NOT NULL PRIMARY KEY DEFAULT 1 CHECK(id = 1),
		pickle TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS olmcore_sessions (
		device_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		session TEXT NOT NULL,
		last_received_ts BIGINT NOT NULL,
		PRIMARY KEY(device_key, session_id)
	);
	-- session pickles are rewritten on every ratchet step
	ALTER TABLE olmcore_sessions SET (fillfactor = 90);
	CREATE TABLE IF NOT EXISTS olmcore_inbound_group_sessions (
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY(sender_key, session_id)
	);
	CREATE TABLE IF NOT EXISTS olmcore_inbound_group_sessions_withheld (
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY(sender_key, session_id)
	);
	CREATE TABLE IF NOT EXISTS olmcore_shared_history_sessions (
		room_id TEXT NOT NULL,
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		PRIMARY KEY(room_id, sender_key, session_id)
	);
	CREATE TABLE IF NOT EXISTS olmcore_device_data (
		id SMALLINT NOT NULL PRIMARY KEY DEFAULT 1 CHECK(id = 1),
		data BYTEA NOT NULL
	);
	CREATE TABLE IF NOT EXISTS olmcore_rooms (
		room_id TEXT NOT NULL PRIMARY KEY,
		data BYTEA NOT NULL
	);
	CREATE TABLE IF NOT EXISTS olmcore_sessions_needing_backup (
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		PRIMARY KEY(sender_key, session_id)
	);
	CREATE TABLE IF NOT EXISTS olmcore_outgoing_key_requests (
		request_id TEXT NOT NULL PRIMARY KEY,
		algorithm TEXT NOT NULL,
		room_id TEXT NOT NULL,
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		recipients BYTEA NOT NULL,
		state SMALLINT NOT NULL,
		cancellation_txn_id TEXT NOT NULL DEFAULT '',
		UNIQUE(algorithm, room_id, sender_key, session_id)
	);
	CREATE INDEX IF NOT EXISTS olmcore_outgoing_key_requests_state_idx ON olmcore_outgoing_key_requests(state);
	CREATE TABLE IF NOT EXISTS olmcore_session_problems (
		device_key TEXT NOT NULL,
		problem_type TEXT NOT NULL,
		fixed BOOL NOT NULL,
		time BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS olmcore_session_problems_device_idx ON olmcore_session_problems(device_key);
	CREATE TABLE IF NOT EXISTS olmcore_notified_error_devices (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		PRIMARY KEY(user_id, device_id)
	);
	CREATE TABLE IF NOT EXISTS olmcore_parked_shared_history (
		room_id TEXT NOT NULL,
		parked BYTEA NOT NULL
	);
	CREATE INDEX IF NOT EXISTS olmcore_parked_shared_history_room_idx ON olmcore_parked_shared_history(room_id);
	`)
	return &PostgresCryptoStore{db: db}
}

type postgresTxn struct {
	*txnScope
	store *PostgresCryptoStore
	tx    *sqlx.Tx
}

func (s *PostgresCryptoStore) txn(t Txn, p Partition, write bool) (*sqlx.Tx, error) {
	pt, ok := t.(*postgresTxn)
	if !ok || pt.store != s {
		return nil, fmt.Errorf("transaction does not belong to this store")
	}
	if err := pt.check(p, write); err != nil {
		return nil, err
	}
	return pt.tx, nil
}

func (s *PostgresCryptoStore) DoTxn(ctx context.Context, mode Mode, partitions []Partition, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := internal.StartSpan(ctx, "PostgresCryptoStoreTxn")
	defer span.End()
	return sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		return fn(&postgresTxn{txnScope: newTxnScope(mode, partitions), store: s, tx: tx})
	})
}

func (s *PostgresCryptoStore) GetAccountPickle(txn Txn) (string, error) {
	tx, err := s.txn(txn, PartitionAccount, false)
	if err != nil {
		return "", err
	}
	var pickled string
	err = tx.Get(&pickled, `SELECT pickle FROM olmcore_account WHERE id = 1`)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return pickled, err
}

func (s *PostgresCryptoStore) StoreAccountPickle(txn Txn, pickled string) error {
	tx, err := s.txn(txn, PartitionAccount, true)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_account(id, pickle) VALUES(1, $1)
		ON CONFLICT (id) DO UPDATE SET pickle = excluded.pickle`, pickled,
	)
	return err
}

func (s *PostgresCryptoStore) CountSessions(txn Txn) (int, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.Get(&count, `SELECT count(*) FROM olmcore_sessions`)
	return count, err
}

type sessionRow struct {
	DeviceKey      string `db:"device_key"`
	SessionID      string `db:"session_id"`
	Session        string `db:"session"`
	LastReceivedTs int64  `db:"last_received_ts"`
}

func (r *sessionRow) info() *SessionInfo {
	return &SessionInfo{
		DeviceKey:             r.DeviceKey,
		SessionID:             r.SessionID,
		Session:               r.Session,
		LastReceivedMessageTs: r.LastReceivedTs,
	}
}

func (s *PostgresCryptoStore) GetSession(txn Txn, deviceKey, sessionID string) (*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	var row sessionRow
	err = tx.Get(&row, `SELECT device_key, session_id, session, last_received_ts FROM olmcore_sessions
		WHERE device_key = $1 AND session_id = $2`, deviceKey, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.info(), nil
}

func (s *PostgresCryptoStore) GetSessions(txn Txn, deviceKey string) (map[string]*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	var rows []sessionRow
	err = tx.Select(&rows, `SELECT device_key, session_id, session, last_received_ts FROM olmcore_sessions
		WHERE device_key = $1`, deviceKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*SessionInfo, len(rows))
	for i := range rows {
		out[rows[i].SessionID] = rows[i].info()
	}
	return out, nil
}

func (s *PostgresCryptoStore) GetAllSessions(txn Txn) ([]*SessionInfo, error) {
	tx, err := s.txn(txn, PartitionSessions, false)
	if err != nil {
		return nil, err
	}
	var rows []sessionRow
	err = tx.Select(&rows, `SELECT device_key, session_id, session, last_received_ts FROM olmcore_sessions`)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionInfo, len(rows))
	for i := range rows {
		out[i] = rows[i].info()
	}
	return out, nil
}

func (s *PostgresCryptoStore) StoreSession(txn Txn, info *SessionInfo) error {
	tx, err := s.txn(txn, PartitionSessions, true)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_sessions(device_key, session_id, session, last_received_ts) VALUES($1, $2, $3, $4)
		ON CONFLICT (device_key, session_id) DO UPDATE SET session = excluded.session, last_received_ts = excluded.last_received_ts`,
		info.DeviceKey, info.SessionID, info.Session, info.LastReceivedMessageTs,
	)
	return err
}

func (s *PostgresCryptoStore) GetGroupSession(txn Txn, senderKey, sessionID string) (*InboundGroupSessionData, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, false)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = tx.Get(&blob, `SELECT data FROM olmcore_inbound_group_sessions WHERE sender_key = $1 AND session_id = $2`,
		senderKey, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data InboundGroupSessionData
	if err := cbor.Unmarshal(blob, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (s *PostgresCryptoStore) GetGroupSessionWithheld(txn Txn, senderKey, sessionID string) (*Withheld, error) {
	tx, err := s.txn(txn, PartitionWithheld, false)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = tx.Get(&blob, `SELECT data FROM olmcore_inbound_group_sessions_withheld WHERE sender_key = $1 AND session_id = $2`,
		senderKey, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var withheld Withheld
	if err := cbor.Unmarshal(blob, &withheld); err != nil {
		return nil, err
	}
	return &withheld, nil
}

func (s *PostgresCryptoStore) GetAllGroupSessions(txn Txn) ([]*InboundGroupSessionRecord, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, false)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(`SELECT sender_key, session_id, data FROM olmcore_inbound_group_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InboundGroupSessionRecord
	for rows.Next() {
		rec := &InboundGroupSessionRecord{Data: &InboundGroupSessionData{}}
		var blob []byte
		if err := rows.Scan(&rec.SenderKey, &rec.SessionID, &blob); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(blob, rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresCryptoStore) AddGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) (bool, error) {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, true)
	if err != nil {
		return false, err
	}
	blob, err := cbor.Marshal(data)
	if err != nil {
		return false, err
	}
	result, err := tx.Exec(
		`INSERT INTO olmcore_inbound_group_sessions(sender_key, session_id, data) VALUES($1, $2, $3)
		ON CONFLICT (sender_key, session_id) DO NOTHING`,
		ref.SenderKey, ref.SessionID, blob,
	)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	return inserted > 0, err
}

func (s *PostgresCryptoStore) StoreGroupSession(txn Txn, ref GroupSessionRef, data *InboundGroupSessionData) error {
	tx, err := s.txn(txn, PartitionInboundGroupSessions, true)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(data)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_inbound_group_sessions(sender_key, session_id, data) VALUES($1, $2, $3)
		ON CONFLICT (sender_key, session_id) DO UPDATE SET data = excluded.data`,
		ref.SenderKey, ref.SessionID, blob,
	)
	return err
}

func (s *PostgresCryptoStore) StoreGroupSessionWithheld(txn Txn, ref GroupSessionRef, withheld *Withheld) error {
	tx, err := s.txn(txn, PartitionWithheld, true)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(withheld)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_inbound_group_sessions_withheld(sender_key, session_id, data) VALUES($1, $2, $3)
		ON CONFLICT (sender_key, session_id) DO UPDATE SET data = excluded.data`,
		ref.SenderKey, ref.SessionID, blob,
	)
	return err
}

func (s *PostgresCryptoStore) AddSharedHistorySession(txn Txn, roomID string, ref GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSharedHistory, true)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_shared_history_sessions(room_id, sender_key, session_id) VALUES($1, $2, $3)
		ON CONFLICT (room_id, sender_key, session_id) DO NOTHING`,
		roomID, ref.SenderKey, ref.SessionID,
	)
	return err
}

func (s *PostgresCryptoStore) GetSharedHistorySessions(txn Txn, roomID string) ([]GroupSessionRef, error) {
	tx, err := s.txn(txn, PartitionSharedHistory, false)
	if err != nil {
		return nil, err
	}
	var refs []GroupSessionRef
	rows, err := tx.Query(`SELECT sender_key, session_id FROM olmcore_shared_history_sessions WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref GroupSessionRef
		if err := rows.Scan(&ref.SenderKey, &ref.SessionID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresCryptoStore) GetDeviceData(txn Txn) ([]byte, error) {
	tx, err := s.txn(txn, PartitionDeviceData, false)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = tx.Get(&data, `SELECT data FROM olmcore_device_data WHERE id = 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (s *PostgresCryptoStore) StoreDeviceData(txn Txn, data []byte) error {
	tx, err := s.txn(txn, PartitionDeviceData, true)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_device_data(id, data) VALUES(1, $1)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, data,
	)
	return err
}

func (s *PostgresCryptoStore) GetRoom(txn Txn, roomID string) (*RoomInfo, error) {
	tx, err := s.txn(txn, PartitionRooms, false)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = tx.Get(&blob, `SELECT data FROM olmcore_rooms WHERE room_id = $1`, roomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info RoomInfo
	if err := cbor.Unmarshal(blob, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresCryptoStore) GetRooms(txn Txn) (map[string]*RoomInfo, error) {
	tx, err := s.txn(txn, PartitionRooms, false)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(`SELECT room_id, data FROM olmcore_rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*RoomInfo)
	for rows.Next() {
		var roomID string
		var blob []byte
		if err := rows.Scan(&roomID, &blob); err != nil {
			return nil, err
		}
		info := &RoomInfo{}
		if err := cbor.Unmarshal(blob, info); err != nil {
			return nil, err
		}
		out[roomID] = info
	}
	return out, rows.Err()
}

func (s *PostgresCryptoStore) StoreRoom(txn Txn, roomID string, info *RoomInfo) error {
	tx, err := s.txn(txn, PartitionRooms, true)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO olmcore_rooms(room_id, data) VALUES($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET data = excluded.data`, roomID, blob,
	)
	return err
}

func (s *PostgresCryptoStore) MarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, true)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		_, err = tx.Exec(
			`INSERT INTO olmcore_sessions_needing_backup(sender_key, session_id) VALUES($1, $2)
			ON CONFLICT (sender_key, session_id) DO NOTHING`,
			ref.SenderKey, ref.SessionID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresCryptoStore) UnmarkSessionsNeedingBackup(txn Txn, refs []GroupSessionRef) error {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, true)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		_, err = tx.Exec(`DELETE FROM olmcore_sessions_needing_backup WHERE sender_key = $1 AND session_id = $2`,
			ref.SenderKey, ref.SessionID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresCryptoStore) CountSessionsNeedingBackup(txn Txn) (int, error) {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, false)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.Get(&count, `SELECT count(*) FROM olmcore_sessions_needing_backup`)
	return count, err
}

func (s *PostgresCryptoStore) GetSessionsNeedingBackup(txn Txn, limit int) ([]*InboundGroupSessionRecord, error) {
	tx, err := s.txn(txn, PartitionSessionsNeedingBackup, false)
	if err != nil {
		return nil, err
	}
	if err := txn.scope().check(PartitionInboundGroupSessions, false); err != nil {
		return nil, err
	}
	query := `SELECT b.sender_key, b.session_id, g.data FROM olmcore_sessions_needing_backup AS b
		JOIN olmcore_inbound_group_sessions AS g
		ON b.sender_key = g.sender_key AND b.session_id = g.session_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := tx.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InboundGroupSessionRecord
	for rows.Next() {
		rec := &InboundGroupSessionRecord{Data: &InboundGroupSessionData{}}
		var blob []byte
		if err := rows.Scan(&rec.SenderKey, &rec.SessionID, &blob); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(blob, rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type keyRequestRow struct {
	RequestID         string `db:"request_id"`
	Algorithm         string `db:"algorithm"`
	RoomID            string `db:"room_id"`
	SenderKey         string `db:"sender_key"`
	SessionID         string `db:"session_id"`
	Recipients        []byte `db:"recipients"`
	State             int    `db:"state"`
	CancellationTxnID string `db:"cancellation_txn_id"`
}

func (r *keyRequestRow) request() (*OutgoingRoomKeyRequest, error) {
	req := &OutgoingRoomKeyRequest{
		RequestID: r.RequestID,
		RequestBody: RoomKeyRequestBody{
			Algorithm: r.Algorithm,
			RoomID:    r.RoomID,
			SenderKey: r.SenderKey,
			SessionID: r.SessionID,
		},
		State:             RoomKeyRequestState(r.State),
		CancellationTxnID: r.CancellationTxnID,
	}
	if err := cbor.Unmarshal(r.Recipients, &req.Recipients); err != nil {
		return nil, err
	}
	return req, nil
}

const keyRequestCols = `request_id, algorithm, room_id, sender_key, session_id, recipients, state, cancellation_txn_id`

func (s *PostgresCryptoStore) GetOrAddOutgoingRoomKeyRequest(ctx context.Context, req *OutgoingRoomKeyRequest) (result *OutgoingRoomKeyRequest, err error) {
	err = sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		var row keyRequestRow
		err := tx.Get(&row, `SELECT `+keyRequestCols+` FROM olmcore_outgoing_key_requests
			WHERE algorithm = $1 AND room_id = $2 AND sender_key = $3 AND session_id = $4`,
			req.RequestBody.Algorithm, req.RequestBody.RoomID, req.RequestBody.SenderKey, req.RequestBody.SessionID)
		if err == nil {
			result, err = row.request()
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}
		recipients, err := cbor.Marshal(req.Recipients)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO olmcore_outgoing_key_requests(`+keyRequestCols+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
			req.RequestID, req.RequestBody.Algorithm, req.RequestBody.RoomID, req.RequestBody.SenderKey,
			req.RequestBody.SessionID, recipients, int(req.State), req.CancellationTxnID,
		)
		if err != nil {
			return err
		}
		cp := *req
		result = &cp
		return nil
	})
	return
}

func (s *PostgresCryptoStore) GetOutgoingRoomKeyRequest(ctx context.Context, body RoomKeyRequestBody) (*OutgoingRoomKeyRequest, error) {
	var row keyRequestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+keyRequestCols+` FROM olmcore_outgoing_key_requests
		WHERE algorithm = $1 AND room_id = $2 AND sender_key = $3 AND session_id = $4`,
		body.Algorithm, body.RoomID, body.SenderKey, body.SessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.request()
}

func (s *PostgresCryptoStore) GetOutgoingRoomKeyRequestByState(ctx context.Context, wantedStates []RoomKeyRequestState) (*OutgoingRoomKeyRequest, error) {
	if len(wantedStates) == 0 {
		return nil, nil
	}
	states := make([]int64, len(wantedStates))
	for i, st := range wantedStates {
		states[i] = int64(st)
	}
	var row keyRequestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+keyRequestCols+` FROM olmcore_outgoing_key_requests
		WHERE state = ANY($1) LIMIT 1`, pq.Int64Array(states))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.request()
}

func (s *PostgresCryptoStore) GetAllOutgoingRoomKeyRequestsByState(ctx context.Context, state RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error) {
	var rows []keyRequestRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+keyRequestCols+` FROM olmcore_outgoing_key_requests
		WHERE state = $1`, int(state))
	if err != nil {
		return nil, err
	}
	out := make([]*OutgoingRoomKeyRequest, 0, len(rows))
	for i := range rows {
		req, err := rows[i].request()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *PostgresCryptoStore) GetOutgoingRoomKeyRequestsByTarget(ctx context.Context, userID, deviceID string, wantedStates []RoomKeyRequestState) ([]*OutgoingRoomKeyRequest, error) {
	// recipients are opaque CBOR so the filter happens client-side; the
	// request table is small (pending requests only)
	var out []*OutgoingRoomKeyRequest
	for _, state := range wantedStates {
		reqs, err := s.GetAllOutgoingRoomKeyRequestsByState(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			for _, recip := range req.Recipients {
				if recip.UserID == userID && recip.DeviceID == deviceID {
					out = append(out, req)
					break
				}
			}
		}
	}
	return out, nil
}

func (s *PostgresCryptoStore) UpdateOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState, newState RoomKeyRequestState, cancellationTxnID string) (result *OutgoingRoomKeyRequest, err error) {
	err = sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		var row keyRequestRow
		err := tx.Get(&row, `SELECT `+keyRequestCols+` FROM olmcore_outgoing_key_requests
			WHERE request_id = $1 FOR UPDATE`, requestID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if RoomKeyRequestState(row.State) != expectedState {
			logger.Warn().Str("request_id", requestID).
				Int("state", row.State).Int("expected", int(expectedState)).
				Msg("UpdateOutgoingRoomKeyRequest: state mismatch, ignoring")
			return nil
		}
		row.State = int(newState)
		if cancellationTxnID != "" {
			row.CancellationTxnID = cancellationTxnID
		}
		_, err = tx.ExecContext(ctx, `UPDATE olmcore_outgoing_key_requests
			SET state = $1, cancellation_txn_id = $2 WHERE request_id = $3`,
			row.State, row.CancellationTxnID, requestID)
		if err != nil {
			return err
		}
		result, err = row.request()
		return err
	})
	return
}

func (s *PostgresCryptoStore) DeleteOutgoingRoomKeyRequest(ctx context.Context, requestID string, expectedState RoomKeyRequestState) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM olmcore_outgoing_key_requests
		WHERE request_id = $1 AND state = $2`, requestID, int(expectedState))
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	return deleted > 0, err
}

type sessionProblemRow struct {
	Type  string `db:"problem_type"`
	Fixed bool   `db:"fixed"`
	Time  int64  `db:"time"`
}

func (s *PostgresCryptoStore) StoreSessionProblem(ctx context.Context, deviceKey, problemType string, fixed bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO olmcore_session_problems(device_key, problem_type, fixed, time)
		VALUES($1, $2, $3, $4)`, deviceKey, problemType, fixed, time.Now().UnixMilli())
	return err
}

func (s *PostgresCryptoStore) GetSessionProblem(ctx context.Context, deviceKey string, timestamp int64) (*SessionProblem, error) {
	var rows []sessionProblemRow
	err := s.db.SelectContext(ctx, &rows, `SELECT problem_type, fixed, time FROM olmcore_session_problems
		WHERE device_key = $1 ORDER BY time ASC`, deviceKey)
	if err != nil {
		return nil, err
	}
	problems := make([]SessionProblem, len(rows))
	for i, row := range rows {
		problems[i] = SessionProblem{Type: row.Type, Fixed: row.Fixed, Time: row.Time}
	}
	return resolveSessionProblem(problems, timestamp), nil
}

func (s *PostgresCryptoStore) FilterOutNotifiedErrorDevices(ctx context.Context, devices []RoomKeyRecipient) (out []RoomKeyRecipient, err error) {
	err = sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		for _, device := range devices {
			result, err := tx.ExecContext(ctx, `INSERT INTO olmcore_notified_error_devices(user_id, device_id)
				VALUES($1, $2) ON CONFLICT DO NOTHING`, device.UserID, device.DeviceID)
			if err != nil {
				return err
			}
			inserted, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if inserted > 0 {
				out = append(out, device)
			}
		}
		return nil
	})
	return
}

func (s *PostgresCryptoStore) AddParkedSharedHistory(ctx context.Context, roomID string, parked *ParkedSharedHistory) error {
	blob, err := cbor.Marshal(parked)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO olmcore_parked_shared_history(room_id, parked)
		VALUES($1, $2)`, roomID, blob)
	return err
}

func (s *PostgresCryptoStore) TakeParkedSharedHistory(ctx context.Context, roomID string) (parked []*ParkedSharedHistory, err error) {
	err = sqlutil.WithTransaction(s.db, func(tx *sqlx.Tx) error {
		var blobs [][]byte
		if err := tx.SelectContext(ctx, &blobs, `SELECT parked FROM olmcore_parked_shared_history
			WHERE room_id = $1 FOR UPDATE`, roomID); err != nil {
			return err
		}
		for _, blob := range blobs {
			var p ParkedSharedHistory
			if err := cbor.Unmarshal(blob, &p); err != nil {
				return err
			}
			parked = append(parked, &p)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM olmcore_parked_shared_history WHERE room_id = $1`, roomID)
		return err
	})
	return
}
