package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/olm"
	"github.com/matrix-org/olm-core/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// defaultPickleKey encrypts pickles for devices which don't supply their own
// key. It gates accidental disclosure, not a determined attacker with store
// access; callers wanting real at-rest protection pass InitOpts.PickleKey.
const defaultPickleKey = "DEFAULT_KEY"

var groupDecryptOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "olmcore",
	Subsystem: "device",
	Name:      "group_decrypt_total",
	Help:      "Outcomes of group message decryption attempts.",
}, []string{"outcome"})

var sessionsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "olmcore",
	Subsystem: "device",
	Name:      "sessions_added_total",
	Help:      "Sessions created or stored, by kind.",
}, []string{"kind"})

// maxReplayIndexes bounds the replay detection cache.
const maxReplayIndexes = 65536

// replayRecord remembers which event first used a message index.
type replayRecord struct {
	EventID   string
	Timestamp int64
}

// ExportedDevice is the portable dump of a device: the account and every
// pairwise session, pickled under the exported pickle key.
type ExportedDevice struct {
	PickleKey      string               `json:"pickleKey"`
	PickledAccount string               `json:"pickledAccount"`
	Sessions       []*store.SessionInfo `json:"sessions"`
}

// InitOpts configures OlmDevice.Init.
type InitOpts struct {
	// PickleKey encrypts all pickles written to the store. Defaults to a
	// well-known key when empty.
	PickleKey []byte
	// FromExportedDevice restores the account and sessions from an export
	// instead of creating or loading them. Any state already in the store
	// is overwritten.
	FromExportedDevice *ExportedDevice
	// EnableMetrics registers the prometheus collectors.
	EnableMetrics bool
}

// OlmDevice is the session crypto core: it owns the device identity and all
// pairwise and group sessions, persisting every secret through the crypto
// store as pickles. All secret material is materialized only inside store
// transactions and wiped before they commit.
type OlmDevice struct {
	store     store.CryptoStore
	pickleKey *memguard.Enclave

	// Populated by Init.
	DeviceCurve25519Key string
	DeviceEd25519Key    string

	// Outbound group sessions are kept in memory only: if we lose them we
	// just make a new session for the room.
	outboundGroupMu       sync.Mutex
	outboundGroupSessions map[string]string

	// (senderKey|sessionID|index) -> first event seen with that index.
	// Capped at maxReplayIndexes; the oldest records are evicted first.
	replayIndexes *ttlcache.Cache[string, replayRecord]

	inflight *inflightSessions
}

func NewOlmDevice(cryptoStore store.CryptoStore) *OlmDevice {
	return &OlmDevice{
		store:                 cryptoStore,
		outboundGroupSessions: make(map[string]string),
		replayIndexes:         ttlcache.New[string, replayRecord](ttlcache.WithCapacity[string, replayRecord](maxReplayIndexes)),
		inflight:              newInflightSessions(),
	}
}

// Init materializes the device: restoring from an export if given, else
// loading the persisted account, else creating and persisting a fresh one.
// Init is idempotent for a given store.
func (d *OlmDevice) Init(ctx context.Context, opts InitOpts) error {
	pickleKey := opts.PickleKey
	if len(pickleKey) == 0 {
		pickleKey = []byte(defaultPickleKey)
	}
	d.pickleKey = memguard.NewEnclave(pickleKey)

	if opts.EnableMetrics {
		for _, collector := range []prometheus.Collector{groupDecryptOutcomes, sessionsAdded} {
			if err := prometheus.Register(collector); err != nil {
				if _, already := err.(prometheus.AlreadyRegisteredError); !already {
					return err
				}
			}
		}
	}

	partitions := []store.Partition{store.PartitionAccount, store.PartitionSessions}
	err := d.store.DoTxn(ctx, store.ReadWrite, partitions, func(txn store.Txn) error {
		if opts.FromExportedDevice != nil {
			return d.initFromExport(txn, opts.FromExportedDevice)
		}
		return d.initAccount(txn)
	})
	if err != nil {
		return err
	}
	logger.Info().Str("curve25519", d.DeviceCurve25519Key).Msg("olm device initialised")
	return nil
}

func (d *OlmDevice) initAccount(txn store.Txn) error {
	pickled, err := d.store.GetAccountPickle(txn)
	if err != nil {
		return err
	}
	return d.withPickleKey(func(pickleKey []byte) error {
		var account *olm.Account
		if pickled != "" {
			account, err = olm.UnpickleAccount(pickleKey, pickled)
			if err != nil {
				return fmt.Errorf("failed to unpickle account: %w", err)
			}
		} else {
			account, err = olm.NewAccount()
			if err != nil {
				return err
			}
			fresh, err := account.Pickle(pickleKey)
			if err != nil {
				return err
			}
			if err := d.store.StoreAccountPickle(txn, fresh); err != nil {
				return err
			}
		}
		defer account.Wipe()
		keys := account.IdentityKeys()
		d.DeviceCurve25519Key = keys.Curve25519
		d.DeviceEd25519Key = keys.Ed25519
		return nil
	})
}

// initFromExport re-pickles the exported account and sessions under our own
// pickle key and persists them, replacing whatever the store held.
func (d *OlmDevice) initFromExport(txn store.Txn, exported *ExportedDevice) error {
	return d.withPickleKey(func(pickleKey []byte) error {
		account, err := olm.UnpickleAccount([]byte(exported.PickleKey), exported.PickledAccount)
		if err != nil {
			return fmt.Errorf("failed to unpickle exported account: %w", err)
		}
		defer account.Wipe()
		repickled, err := account.Pickle(pickleKey)
		if err != nil {
			return err
		}
		if err := d.store.StoreAccountPickle(txn, repickled); err != nil {
			return err
		}
		keys := account.IdentityKeys()
		d.DeviceCurve25519Key = keys.Curve25519
		d.DeviceEd25519Key = keys.Ed25519

		for _, info := range exported.Sessions {
			session, err := olm.UnpickleSession([]byte(exported.PickleKey), info.Session)
			if err != nil {
				return fmt.Errorf("failed to unpickle exported session %s: %w", info.SessionID, err)
			}
			repickledSession, err := session.Pickle(pickleKey)
			session.Wipe()
			if err != nil {
				return err
			}
			if err := d.store.StoreSession(txn, &store.SessionInfo{
				DeviceKey:             info.DeviceKey,
				SessionID:             info.SessionID,
				Session:               repickledSession,
				LastReceivedMessageTs: info.LastReceivedMessageTs,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export dumps the account and all pairwise sessions. The dump is pickled
// under the device's own pickle key, which is included.
func (d *OlmDevice) Export(ctx context.Context) (*ExportedDevice, error) {
	var exported *ExportedDevice
	partitions := []store.Partition{store.PartitionAccount, store.PartitionSessions}
	err := d.store.DoTxn(ctx, store.ReadOnly, partitions, func(txn store.Txn) error {
		pickledAccount, err := d.store.GetAccountPickle(txn)
		if err != nil {
			return err
		}
		sessions, err := d.store.GetAllSessions(txn)
		if err != nil {
			return err
		}
		return d.withPickleKey(func(pickleKey []byte) error {
			exported = &ExportedDevice{
				PickleKey:      string(pickleKey),
				PickledAccount: pickledAccount,
				Sessions:       sessions,
			}
			return nil
		})
	})
	return exported, err
}

// withPickleKey runs fn with the plaintext pickle key, which only exists
// outside its enclave for the duration of the call.
func (d *OlmDevice) withPickleKey(fn func(pickleKey []byte) error) error {
	internal.Assert("device is initialised", d.pickleKey != nil)
	if d.pickleKey == nil {
		return fmt.Errorf("olm device not initialised")
	}
	buf, err := d.pickleKey.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// withAccount materializes the account inside txn for fn and wipes it after.
// If save is set the (possibly mutated) account is re-pickled and stored
// before returning.
func (d *OlmDevice) withAccount(txn store.Txn, save bool, fn func(account *olm.Account) error) error {
	return d.withPickleKey(func(pickleKey []byte) error {
		pickled, err := d.store.GetAccountPickle(txn)
		if err != nil {
			return err
		}
		if pickled == "" {
			return fmt.Errorf("no account in crypto store")
		}
		account, err := olm.UnpickleAccount(pickleKey, pickled)
		if err != nil {
			return err
		}
		defer account.Wipe()
		if err := fn(account); err != nil {
			return err
		}
		if !save {
			return nil
		}
		repickled, err := account.Pickle(pickleKey)
		if err != nil {
			return err
		}
		return d.store.StoreAccountPickle(txn, repickled)
	})
}

// accountTxn is a read-modify-write transaction over just the account.
func (d *OlmDevice) accountTxn(ctx context.Context, save bool, fn func(account *olm.Account) error) error {
	mode := store.ReadOnly
	if save {
		mode = store.ReadWrite
	}
	return d.store.DoTxn(ctx, mode, []store.Partition{store.PartitionAccount}, func(txn store.Txn) error {
		return d.withAccount(txn, save, fn)
	})
}

// Sign signs message with the device's ed25519 key.
func (d *OlmDevice) Sign(ctx context.Context, message []byte) (string, error) {
	var signature string
	err := d.accountTxn(ctx, false, func(account *olm.Account) error {
		signature = account.Sign(message)
		return nil
	})
	return signature, err
}

// GetOneTimeKeys returns the unpublished one-time keys, by key id.
func (d *OlmDevice) GetOneTimeKeys(ctx context.Context) (map[string]string, error) {
	var keys map[string]string
	err := d.accountTxn(ctx, false, func(account *olm.Account) error {
		keys = account.OneTimeKeys()
		return nil
	})
	return keys, err
}

// MaxNumberOfOneTimeKeys returns the size ceiling of the one-time key pool.
func (d *OlmDevice) MaxNumberOfOneTimeKeys() int {
	return olm.MaxOneTimeKeys
}

// MarkKeysAsPublished records that the current one-time and fallback keys
// have been uploaded.
func (d *OlmDevice) MarkKeysAsPublished(ctx context.Context) error {
	return d.accountTxn(ctx, true, func(account *olm.Account) error {
		account.MarkKeysAsPublished()
		return nil
	})
}

// GenerateOneTimeKeys adds n new one-time keys to the pool.
func (d *OlmDevice) GenerateOneTimeKeys(ctx context.Context, n int) error {
	return d.accountTxn(ctx, true, func(account *olm.Account) error {
		return account.GenerateOneTimeKeys(n)
	})
}

// GenerateFallbackKey rotates in a new fallback key, keeping the previous
// one claimable until ForgetOldFallbackKey.
func (d *OlmDevice) GenerateFallbackKey(ctx context.Context) error {
	return d.accountTxn(ctx, true, func(account *olm.Account) error {
		return account.GenerateFallbackKey()
	})
}

// GetFallbackKey returns the unpublished fallback key, if any.
func (d *OlmDevice) GetFallbackKey(ctx context.Context) (map[string]string, error) {
	var key map[string]string
	err := d.accountTxn(ctx, false, func(account *olm.Account) error {
		key = account.UnpublishedFallbackKey()
		return nil
	})
	return key, err
}

// ForgetOldFallbackKey drops the previous fallback key.
func (d *OlmDevice) ForgetOldFallbackKey(ctx context.Context) error {
	return d.accountTxn(ctx, true, func(account *olm.Account) error {
		account.ForgetOldFallbackKey()
		return nil
	})
}

// VerifySignature checks an ed25519 signature made by key over message.
func (d *OlmDevice) VerifySignature(key string, message []byte, signature string) error {
	return olm.VerifySignature(key, message, signature)
}
