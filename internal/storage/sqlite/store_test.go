package sqlite_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInstanceLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned-identity")
	uid := []byte("instance-uid")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.GetInstance(ctx, owned, 9, uid)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	require.NoError(t, tx.UpsertInstance(ctx, &sqlite.InstanceRow{
		OwnedIdentity: owned,
		ProtocolID:    9,
		InstanceUID:   uid,
		StateID:       2,
		EncodedState:  []byte("state-v1"),
	}))
	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	row, err := tx.GetInstance(ctx, owned, 9, uid)
	require.NoError(t, err)
	assert.Equal(t, 2, row.StateID)
	assert.Equal(t, []byte("state-v1"), row.EncodedState)

	// Upsert replaces in place.
	require.NoError(t, tx.UpsertInstance(ctx, &sqlite.InstanceRow{
		OwnedIdentity: owned,
		ProtocolID:    9,
		InstanceUID:   uid,
		StateID:       3,
		EncodedState:  []byte("state-v2"),
	}))
	row, err = tx.GetInstance(ctx, owned, 9, uid)
	require.NoError(t, err)
	assert.Equal(t, 3, row.StateID)

	require.NoError(t, tx.DeleteInstance(ctx, owned, 9, uid))
	_, err = tx.GetInstance(ctx, owned, 9, uid)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
	require.NoError(t, tx.Commit())
}

func TestRollbackDiscardsChanges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned")
	uid := []byte("uid")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertInstance(ctx, &sqlite.InstanceRow{
		OwnedIdentity: owned, ProtocolID: 1, InstanceUID: uid, StateID: 1,
	}))
	require.NoError(t, tx.Rollback())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.GetInstance(ctx, owned, 1, uid)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestReceivedMessageLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned")
	uid := []byte("uid")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendReceivedMessage(ctx, owned, 9, uid, 4, []byte("first")))
	require.NoError(t, tx.AppendReceivedMessage(ctx, owned, 9, uid, 7, []byte("second")))
	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	msgs, err := tx.ListReceivedMessages(ctx, owned, 9, uid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 4, msgs[0].MessageID)
	assert.Equal(t, []byte("first"), msgs[0].Payload)
	assert.Equal(t, 7, msgs[1].MessageID)

	require.NoError(t, tx.DeleteReceivedMessage(ctx, msgs[0].ID))
	msgs, err = tx.ListReceivedMessages(ctx, owned, 9, uid)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 7, msgs[0].MessageID)

	require.NoError(t, tx.DeleteReceivedMessages(ctx, owned, 9, uid))
	msgs, err = tx.ListReceivedMessages(ctx, owned, 9, uid)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.NoError(t, tx.Commit())
}

func TestRecordSignatureDeduplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned")
	hash := sha256.Sum256([]byte("a signature"))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	fresh, err := tx.RecordSignature(ctx, owned, hash[:])
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = tx.RecordSignature(ctx, owned, hash[:])
	require.NoError(t, err)
	assert.False(t, fresh)

	// Same hash under another owned identity is a distinct entry.
	fresh, err = tx.RecordSignature(ctx, []byte("other-owned"), hash[:])
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, tx.Commit())
}

func TestGroupSnapshotLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned")
	group := []byte("group-identifier")

	_, err := store.GetGroupSnapshot(ctx, owned, group)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	row := &sqlite.GroupRow{
		OwnedIdentity:   owned,
		GroupIdentifier: group,
		Snapshot:        []byte("opaque-snapshot"),
		Version:         1,
	}
	members := []sqlite.GroupMemberRow{
		{Identity: []byte("alice"), Pending: true},
		{Identity: []byte("bob"), Pending: false},
	}
	require.NoError(t, store.PutGroupSnapshot(ctx, row, members))

	got, err := store.GetGroupSnapshot(ctx, owned, group)
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque-snapshot"), got.Snapshot)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.Frozen)

	require.NoError(t, store.SetGroupFrozen(ctx, owned, group, true))
	got, err = store.GetGroupSnapshot(ctx, owned, group)
	require.NoError(t, err)
	assert.True(t, got.Frozen)

	assert.ErrorIs(t, store.SetGroupFrozen(ctx, owned, []byte("missing"), true), sqlite.ErrNotFound)

	require.NoError(t, store.DeleteGroupSnapshot(ctx, owned, group))
	_, err = store.GetGroupSnapshot(ctx, owned, group)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	ids, err := store.GroupsWithMember(ctx, owned, []byte("alice"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGroupsWithMember(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owned := []byte("owned")
	put := func(group string, members ...string) {
		t.Helper()
		rows := make([]sqlite.GroupMemberRow, len(members))
		for i, m := range members {
			rows[i] = sqlite.GroupMemberRow{Identity: []byte(m)}
		}
		require.NoError(t, store.PutGroupSnapshot(ctx, &sqlite.GroupRow{
			OwnedIdentity:   owned,
			GroupIdentifier: []byte(group),
			Snapshot:        []byte("snap"),
			Version:         1,
		}, rows))
	}
	put("group-a", "alice", "bob")
	put("group-b", "bob")
	put("group-c", "alice", "carol")

	ids, err := store.GroupsWithMember(ctx, owned, []byte("alice"))
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte("group-a"), []byte("group-c")}, ids)

	// Rewriting a snapshot replaces its member index.
	put("group-a", "bob")
	ids, err = store.GroupsWithMember(ctx, owned, []byte("alice"))
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte("group-c")}, ids)
}
