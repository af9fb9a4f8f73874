package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pressly/goose/v3"

	"github.com/matrix-org/olm-core/store"
)

func init() {
	goose.AddMigrationContext(upCborGroupSessions, downCborGroupSessions)
}

// Early deployments stored inbound group session records as JSONB; the
// store now writes CBOR BYTEA. Convert in place.
func upCborGroupSessions(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'olmcore_inbound_group_sessions' AND column_name = 'data'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the table doesn't exist yet and will be created with the
			// correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions ADD COLUMN IF NOT EXISTS datab BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT sender_key, session_id, data FROM olmcore_inbound_group_sessions")
	if err != nil {
		return err
	}
	defer rows.Close()

	var ref store.GroupSessionRef
	var data []byte
	records := make(map[store.GroupSessionRef][]byte)
	for rows.Next() {
		if err = rows.Scan(&ref.SenderKey, &ref.SessionID, &data); err != nil {
			return err
		}
		records[ref] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for ref, jsonBytes := range records {
		var data store.InboundGroupSessionData
		if err := json.Unmarshal(jsonBytes, &data); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := cbor.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE olmcore_inbound_group_sessions SET datab = $1 WHERE sender_key = $2 AND session_id = $3;", cborBytes, ref.SenderKey, ref.SessionID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions DROP COLUMN IF EXISTS data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions RENAME COLUMN datab TO data;")
	return err
}

func downCborGroupSessions(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions ADD COLUMN IF NOT EXISTS dataj JSONB;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT sender_key, session_id, data FROM olmcore_inbound_group_sessions")
	if err != nil {
		return err
	}
	defer rows.Close()

	var ref store.GroupSessionRef
	var data []byte
	records := make(map[store.GroupSessionRef][]byte)
	for rows.Next() {
		if err = rows.Scan(&ref.SenderKey, &ref.SessionID, &data); err != nil {
			return err
		}
		records[ref] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for ref, cborBytes := range records {
		var data store.InboundGroupSessionData
		if err := cbor.Unmarshal(cborBytes, &data); err != nil {
			return fmt.Errorf("failed to unmarshal CBOR: %v", err)
		}
		jsonBytes, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal as JSON: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE olmcore_inbound_group_sessions SET dataj = $1 WHERE sender_key = $2 AND session_id = $3;", jsonBytes, ref.SenderKey, ref.SessionID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions DROP COLUMN IF EXISTS data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS olmcore_inbound_group_sessions RENAME COLUMN dataj TO data;")
	return err
}
