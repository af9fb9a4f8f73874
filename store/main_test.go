package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/olm-core/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=olmcore_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("olmcore_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

// eachBackend runs fn once per backend so every implementation passes the
// same behavioural suite.
func eachBackend(t *testing.T, fn func(t *testing.T, s CryptoStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryCryptoStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteCryptoStore(filepath.Join(t.TempDir(), "crypto.db"))
		if err != nil {
			t.Fatalf("failed to open sqlite store: %s", err)
		}
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		db, close := connectToDB(t)
		defer close()
		s := NewPostgresCryptoStoreWithDB(db)
		// wipe between subtests: the postgres database is shared
		db.MustExec(`
		TRUNCATE olmcore_account, olmcore_sessions, olmcore_inbound_group_sessions,
			olmcore_inbound_group_sessions_withheld, olmcore_shared_history_sessions,
			olmcore_device_data, olmcore_rooms, olmcore_sessions_needing_backup,
			olmcore_outgoing_key_requests, olmcore_session_problems,
			olmcore_notified_error_devices, olmcore_parked_shared_history`)
		fn(t, s)
	})
}
