package store

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"
)

func assertVal(t *testing.T, msg string, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: got %v want %v", msg, got, want)
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func rw(t *testing.T, s CryptoStore, partitions []Partition, fn func(txn Txn) error) {
	t.Helper()
	assertNoError(t, s.DoTxn(context.Background(), ReadWrite, partitions, fn))
}

func ro(t *testing.T, s CryptoStore, partitions []Partition, fn func(txn Txn) error) {
	t.Helper()
	assertNoError(t, s.DoTxn(context.Background(), ReadOnly, partitions, fn))
}

func TestStoreAccount(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ro(t, s, []Partition{PartitionAccount}, func(txn Txn) error {
			pickled, err := s.GetAccountPickle(txn)
			assertNoError(t, err)
			assertVal(t, "account before storing", pickled, "")
			return nil
		})
		rw(t, s, []Partition{PartitionAccount}, func(txn Txn) error {
			return s.StoreAccountPickle(txn, "pickled-account-1")
		})
		rw(t, s, []Partition{PartitionAccount}, func(txn Txn) error {
			return s.StoreAccountPickle(txn, "pickled-account-2")
		})
		ro(t, s, []Partition{PartitionAccount}, func(txn Txn) error {
			pickled, err := s.GetAccountPickle(txn)
			assertNoError(t, err)
			assertVal(t, "account after overwrite", pickled, "pickled-account-2")
			return nil
		})
	})
}

func TestStoreSessions(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		infos := []*SessionInfo{
			{DeviceKey: "curve-A", SessionID: "sess-1", Session: "pickle-1", LastReceivedMessageTs: 100},
			{DeviceKey: "curve-A", SessionID: "sess-2", Session: "pickle-2", LastReceivedMessageTs: 200},
			{DeviceKey: "curve-B", SessionID: "sess-3", Session: "pickle-3", LastReceivedMessageTs: 300},
		}
		rw(t, s, []Partition{PartitionSessions}, func(txn Txn) error {
			for _, info := range infos {
				if err := s.StoreSession(txn, info); err != nil {
					return err
				}
			}
			return nil
		})
		ro(t, s, []Partition{PartitionSessions}, func(txn Txn) error {
			count, err := s.CountSessions(txn)
			assertNoError(t, err)
			assertVal(t, "session count", count, 3)

			got, err := s.GetSession(txn, "curve-A", "sess-2")
			assertNoError(t, err)
			assertVal(t, "GetSession", got, infos[1])

			missing, err := s.GetSession(txn, "curve-A", "no-such-session")
			assertNoError(t, err)
			if missing != nil {
				t.Errorf("GetSession for missing session: got %+v want nil", missing)
			}

			byID, err := s.GetSessions(txn, "curve-A")
			assertNoError(t, err)
			assertVal(t, "GetSessions size", len(byID), 2)
			assertVal(t, "GetSessions entry", byID["sess-1"], infos[0])

			all, err := s.GetAllSessions(txn)
			assertNoError(t, err)
			assertVal(t, "GetAllSessions size", len(all), 3)
			return nil
		})
		// updates replace the pickle and timestamp
		updated := &SessionInfo{DeviceKey: "curve-A", SessionID: "sess-1", Session: "pickle-1b", LastReceivedMessageTs: 999}
		rw(t, s, []Partition{PartitionSessions}, func(txn Txn) error {
			return s.StoreSession(txn, updated)
		})
		ro(t, s, []Partition{PartitionSessions}, func(txn Txn) error {
			got, err := s.GetSession(txn, "curve-A", "sess-1")
			assertNoError(t, err)
			assertVal(t, "updated session", got, updated)
			count, err := s.CountSessions(txn)
			assertNoError(t, err)
			assertVal(t, "count after update", count, 3)
			return nil
		})
	})
}

func TestStoreGroupSessions(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ref := GroupSessionRef{SenderKey: "curve-A", SessionID: "megolm-1"}
		data := &InboundGroupSessionData{
			RoomID:      "!room:localhost",
			Session:     "group-pickle-1",
			KeysClaimed: map[string]string{"ed25519": "ed-A"},
		}
		rw(t, s, []Partition{PartitionInboundGroupSessions}, func(txn Txn) error {
			added, err := s.AddGroupSession(txn, ref, data)
			assertNoError(t, err)
			assertVal(t, "first add", added, true)
			// add-if-absent must not clobber
			added, err = s.AddGroupSession(txn, ref, &InboundGroupSessionData{RoomID: "!other:localhost", Session: "evil"})
			assertNoError(t, err)
			assertVal(t, "second add", added, false)
			return nil
		})
		ro(t, s, []Partition{PartitionInboundGroupSessions}, func(txn Txn) error {
			got, err := s.GetGroupSession(txn, ref.SenderKey, ref.SessionID)
			assertNoError(t, err)
			assertVal(t, "group session after duplicate add", got, data)
			return nil
		})
		// StoreGroupSession overwrites unconditionally
		data2 := &InboundGroupSessionData{RoomID: "!room:localhost", Session: "group-pickle-2", KeysClaimed: map[string]string{"ed25519": "ed-A"}, ForwardingCurve25519KeyChain: []string{"curve-F"}}
		rw(t, s, []Partition{PartitionInboundGroupSessions}, func(txn Txn) error {
			return s.StoreGroupSession(txn, ref, data2)
		})
		ro(t, s, []Partition{PartitionInboundGroupSessions}, func(txn Txn) error {
			got, err := s.GetGroupSession(txn, ref.SenderKey, ref.SessionID)
			assertNoError(t, err)
			assertVal(t, "group session after store", got, data2)
			all, err := s.GetAllGroupSessions(txn)
			assertNoError(t, err)
			assertVal(t, "all group sessions", len(all), 1)
			assertVal(t, "all group sessions ref", all[0].GroupSessionRef, ref)
			return nil
		})
	})
}

func TestStoreWithheld(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ref := GroupSessionRef{SenderKey: "curve-A", SessionID: "megolm-1"}
		withheld := &Withheld{RoomID: "!room:localhost", Code: "m.unverified", Reason: "device not verified"}
		rw(t, s, []Partition{PartitionWithheld}, func(txn Txn) error {
			return s.StoreGroupSessionWithheld(txn, ref, withheld)
		})
		ro(t, s, []Partition{PartitionWithheld}, func(txn Txn) error {
			got, err := s.GetGroupSessionWithheld(txn, ref.SenderKey, ref.SessionID)
			assertNoError(t, err)
			assertVal(t, "withheld", got, withheld)
			missing, err := s.GetGroupSessionWithheld(txn, "curve-B", ref.SessionID)
			assertNoError(t, err)
			if missing != nil {
				t.Errorf("withheld for unknown sender: got %+v want nil", missing)
			}
			return nil
		})
	})
}

func TestStoreSharedHistory(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		roomID := "!shared:localhost"
		refs := []GroupSessionRef{
			{SenderKey: "curve-A", SessionID: "megolm-1"},
			{SenderKey: "curve-B", SessionID: "megolm-2"},
		}
		rw(t, s, []Partition{PartitionSharedHistory}, func(txn Txn) error {
			for _, ref := range refs {
				if err := s.AddSharedHistorySession(txn, roomID, ref); err != nil {
					return err
				}
			}
			// adding the same ref twice is a no-op
			return s.AddSharedHistorySession(txn, roomID, refs[0])
		})
		ro(t, s, []Partition{PartitionSharedHistory}, func(txn Txn) error {
			got, err := s.GetSharedHistorySessions(txn, roomID)
			assertNoError(t, err)
			sort.Slice(got, func(i, j int) bool { return got[i].SenderKey < got[j].SenderKey })
			assertVal(t, "shared history refs", got, refs)
			other, err := s.GetSharedHistorySessions(txn, "!other:localhost")
			assertNoError(t, err)
			assertVal(t, "shared history for other room", len(other), 0)
			return nil
		})
	})
}

func TestStoreDeviceDataAndRooms(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		rw(t, s, []Partition{PartitionDeviceData, PartitionRooms}, func(txn Txn) error {
			if err := s.StoreDeviceData(txn, []byte(`{"tracking":{}}`)); err != nil {
				return err
			}
			return s.StoreRoom(txn, "!room:localhost", &RoomInfo{Algorithm: "m.megolm.v1.aes-sha2", RotationPeriodMsgs: 100})
		})
		ro(t, s, []Partition{PartitionDeviceData, PartitionRooms}, func(txn Txn) error {
			data, err := s.GetDeviceData(txn)
			assertNoError(t, err)
			assertVal(t, "device data", string(data), `{"tracking":{}}`)

			room, err := s.GetRoom(txn, "!room:localhost")
			assertNoError(t, err)
			assertVal(t, "room", room, &RoomInfo{Algorithm: "m.megolm.v1.aes-sha2", RotationPeriodMsgs: 100})

			rooms, err := s.GetRooms(txn)
			assertNoError(t, err)
			assertVal(t, "rooms size", len(rooms), 1)
			return nil
		})
	})
}

func TestStoreSessionsNeedingBackup(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		refs := []GroupSessionRef{
			{SenderKey: "curve-A", SessionID: "megolm-1"},
			{SenderKey: "curve-A", SessionID: "megolm-2"},
		}
		backupPartitions := []Partition{PartitionSessionsNeedingBackup, PartitionInboundGroupSessions}
		rw(t, s, backupPartitions, func(txn Txn) error {
			for _, ref := range refs {
				if _, err := s.AddGroupSession(txn, ref, &InboundGroupSessionData{RoomID: "!r:l", Session: "p-" + ref.SessionID}); err != nil {
					return err
				}
			}
			return s.MarkSessionsNeedingBackup(txn, refs)
		})
		ro(t, s, backupPartitions, func(txn Txn) error {
			count, err := s.CountSessionsNeedingBackup(txn)
			assertNoError(t, err)
			assertVal(t, "needing backup", count, 2)

			recs, err := s.GetSessionsNeedingBackup(txn, 1)
			assertNoError(t, err)
			assertVal(t, "limited fetch", len(recs), 1)
			if recs[0].Data == nil || recs[0].Data.Session == "" {
				t.Errorf("backup record carries no session data: %+v", recs[0])
			}
			return nil
		})
		rw(t, s, backupPartitions, func(txn Txn) error {
			return s.UnmarkSessionsNeedingBackup(txn, refs[:1])
		})
		ro(t, s, backupPartitions, func(txn Txn) error {
			count, err := s.CountSessionsNeedingBackup(txn)
			assertNoError(t, err)
			assertVal(t, "needing backup after unmark", count, 1)
			return nil
		})
	})
}

func TestStoreTxnScope(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		// touching an undeclared partition fails
		err := s.DoTxn(context.Background(), ReadWrite, []Partition{PartitionAccount}, func(txn Txn) error {
			_, err := s.GetSession(txn, "curve-A", "sess-1")
			return err
		})
		if err == nil {
			t.Errorf("read of undeclared partition succeeded")
		}
		// writing in a read-only transaction fails
		err = s.DoTxn(context.Background(), ReadOnly, []Partition{PartitionAccount}, func(txn Txn) error {
			return s.StoreAccountPickle(txn, "sneaky")
		})
		if err == nil {
			t.Errorf("write in read-only transaction succeeded")
		}
	})
}

func TestStoreOutgoingRoomKeyRequests(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ctx := context.Background()
		body := RoomKeyRequestBody{
			Algorithm: "m.megolm.v1.aes-sha2",
			RoomID:    "!room:localhost",
			SenderKey: "curve-A",
			SessionID: "megolm-1",
		}
		req := &OutgoingRoomKeyRequest{
			RequestID:   "req-1",
			RequestBody: body,
			Recipients:  []RoomKeyRecipient{{UserID: "@alice:localhost", DeviceID: "DEV1"}},
			State:       RoomKeyRequestStateUnsent,
		}
		got, err := s.GetOrAddOutgoingRoomKeyRequest(ctx, req)
		assertNoError(t, err)
		assertVal(t, "first getOrAdd", got, req)

		// a second request for the same body returns the original
		dupe := &OutgoingRoomKeyRequest{RequestID: "req-2", RequestBody: body, State: RoomKeyRequestStateUnsent}
		got, err = s.GetOrAddOutgoingRoomKeyRequest(ctx, dupe)
		assertNoError(t, err)
		assertVal(t, "duplicate getOrAdd", got.RequestID, "req-1")

		got, err = s.GetOutgoingRoomKeyRequest(ctx, body)
		assertNoError(t, err)
		assertVal(t, "get by body", got.RequestID, "req-1")

		got, err = s.GetOutgoingRoomKeyRequestByState(ctx, []RoomKeyRequestState{RoomKeyRequestStateUnsent})
		assertNoError(t, err)
		assertVal(t, "get by state", got.RequestID, "req-1")

		byTarget, err := s.GetOutgoingRoomKeyRequestsByTarget(ctx, "@alice:localhost", "DEV1", []RoomKeyRequestState{RoomKeyRequestStateUnsent})
		assertNoError(t, err)
		assertVal(t, "by target", len(byTarget), 1)
		byTarget, err = s.GetOutgoingRoomKeyRequestsByTarget(ctx, "@bob:localhost", "DEV9", []RoomKeyRequestState{RoomKeyRequestStateUnsent})
		assertNoError(t, err)
		assertVal(t, "by wrong target", len(byTarget), 0)

		// state transition honours the expected state
		updated, err := s.UpdateOutgoingRoomKeyRequest(ctx, "req-1", RoomKeyRequestStateSent, RoomKeyRequestStateCancellationPending, "")
		assertNoError(t, err)
		if updated != nil {
			t.Errorf("update with wrong expected state succeeded: %+v", updated)
		}
		updated, err = s.UpdateOutgoingRoomKeyRequest(ctx, "req-1", RoomKeyRequestStateUnsent, RoomKeyRequestStateSent, "")
		assertNoError(t, err)
		assertVal(t, "updated state", updated.State, RoomKeyRequestStateSent)

		all, err := s.GetAllOutgoingRoomKeyRequestsByState(ctx, RoomKeyRequestStateSent)
		assertNoError(t, err)
		assertVal(t, "all sent", len(all), 1)

		// delete honours the expected state too
		deleted, err := s.DeleteOutgoingRoomKeyRequest(ctx, "req-1", RoomKeyRequestStateUnsent)
		assertNoError(t, err)
		assertVal(t, "delete with wrong state", deleted, false)
		deleted, err = s.DeleteOutgoingRoomKeyRequest(ctx, "req-1", RoomKeyRequestStateSent)
		assertNoError(t, err)
		assertVal(t, "delete", deleted, true)
		got, err = s.GetOutgoingRoomKeyRequest(ctx, body)
		assertNoError(t, err)
		if got != nil {
			t.Errorf("deleted request still present: %+v", got)
		}
	})
}

func TestStoreSessionProblems(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ctx := context.Background()
		const deviceKey = "curve-problematic"

		// nothing recorded yet
		problem, err := s.GetSessionProblem(ctx, deviceKey, 0)
		assertNoError(t, err)
		if problem != nil {
			t.Fatalf("expected no problem, got %+v", problem)
		}

		before := time.Now().UnixMilli() - 1
		assertNoError(t, s.StoreSessionProblem(ctx, deviceKey, "no_olm", false))

		problem, err = s.GetSessionProblem(ctx, deviceKey, before)
		assertNoError(t, err)
		if problem == nil {
			t.Fatal("expected a problem for a message sent before it was recorded")
		}
		assertVal(t, "problem type", problem.Type, "no_olm")
		assertVal(t, "problem fixed", problem.Fixed, false)

		// an unfixed problem still applies to messages sent after it
		problem, err = s.GetSessionProblem(ctx, deviceKey, time.Now().UnixMilli()+1000)
		assertNoError(t, err)
		if problem == nil {
			t.Fatal("expected the unfixed problem to apply to later messages")
		}

		// recording a fix marks the earlier problem resolved as well
		assertNoError(t, s.StoreSessionProblem(ctx, deviceKey, "no_olm", true))
		problem, err = s.GetSessionProblem(ctx, deviceKey, before)
		assertNoError(t, err)
		if problem == nil {
			t.Fatal("expected the fixed problem for an old message")
		}
		assertVal(t, "fixed after fix", problem.Fixed, true)
		problem, err = s.GetSessionProblem(ctx, deviceKey, time.Now().UnixMilli()+1000)
		assertNoError(t, err)
		if problem != nil {
			t.Fatalf("fixed problem should not apply to later messages: %+v", problem)
		}

		// other devices are unaffected
		problem, err = s.GetSessionProblem(ctx, "curve-other", before)
		assertNoError(t, err)
		if problem != nil {
			t.Fatalf("problem leaked to another device: %+v", problem)
		}
	})
}

func TestStoreNotifiedErrorDevices(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ctx := context.Background()
		alice := RoomKeyRecipient{UserID: "@alice:localhost", DeviceID: "DEV1"}
		bob := RoomKeyRecipient{UserID: "@bob:localhost", DeviceID: "DEV2"}

		remaining, err := s.FilterOutNotifiedErrorDevices(ctx, []RoomKeyRecipient{alice, bob})
		assertNoError(t, err)
		assertVal(t, "first filter", remaining, []RoomKeyRecipient{alice, bob})

		// both were marked notified by the first call
		remaining, err = s.FilterOutNotifiedErrorDevices(ctx, []RoomKeyRecipient{alice, bob})
		assertNoError(t, err)
		assertVal(t, "second filter", len(remaining), 0)

		// a new device still gets through
		carol := RoomKeyRecipient{UserID: "@carol:localhost", DeviceID: "DEV3"}
		remaining, err = s.FilterOutNotifiedErrorDevices(ctx, []RoomKeyRecipient{alice, carol})
		assertNoError(t, err)
		assertVal(t, "new device filter", remaining, []RoomKeyRecipient{carol})
	})
}

func TestStoreParkedSharedHistory(t *testing.T) {
	eachBackend(t, func(t *testing.T, s CryptoStore) {
		ctx := context.Background()
		const roomID = "!parked:localhost"
		first := &ParkedSharedHistory{
			SenderID:    "@alice:localhost",
			SenderKey:   "curve-A",
			SessionID:   "megolm-1",
			SessionKey:  "key-1",
			KeysClaimed: map[string]string{"ed25519": "ed-A"},
		}
		second := &ParkedSharedHistory{
			SenderID:                     "@bob:localhost",
			SenderKey:                    "curve-B",
			SessionID:                    "megolm-2",
			SessionKey:                   "key-2",
			ForwardingCurve25519KeyChain: []string{"curve-A"},
		}
		assertNoError(t, s.AddParkedSharedHistory(ctx, roomID, first))
		assertNoError(t, s.AddParkedSharedHistory(ctx, roomID, second))

		taken, err := s.TakeParkedSharedHistory(ctx, roomID)
		assertNoError(t, err)
		assertVal(t, "taken parked keys", taken, []*ParkedSharedHistory{first, second})

		// take removes them
		taken, err = s.TakeParkedSharedHistory(ctx, roomID)
		assertNoError(t, err)
		assertVal(t, "second take", len(taken), 0)

		// other rooms are untouched
		taken, err = s.TakeParkedSharedHistory(ctx, "!other:localhost")
		assertNoError(t, err)
		assertVal(t, "other room", len(taken), 0)
	})
}
