// internal/groupstore/store_test.go
package groupstore_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/internal/groupstore"
	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/groupsv2"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

type keySigner struct {
	key ed25519.PrivateKey
}

func (s keySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

type fixture struct {
	store    *groupstore.Store
	owned    types.Identity
	ownedKey ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	owned := types.NewIdentity("server.example", pub)

	store := groupstore.New(db, nil)
	store.AddOwnedIdentity(owned, priv)
	return &fixture{store: store, owned: owned, ownedKey: priv}
}

func newContact(t *testing.T) types.Identity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.NewIdentity("server.example", pub)
}

// newSnapshot builds a two-member group with the fixture's owned identity as
// sole admin and the contact pending.
func (f *fixture) newSnapshot(t *testing.T, contact types.Identity) (groupsv2.Identifier, *groupsv2.GroupSnapshot) {
	t.Helper()
	chain, err := groupsv2.NewChain(f.owned, keySigner{key: f.ownedKey}, []types.Identity{f.owned})
	require.NoError(t, err)
	uid, err := chain.GroupUID()
	require.NoError(t, err)

	keys, err := groupsv2.NewBlobKeys(true)
	require.NoError(t, err)
	ownNonce, err := groupsv2.NewInvitationNonce()
	require.NoError(t, err)
	contactNonce, err := groupsv2.NewInvitationNonce()
	require.NoError(t, err)

	groupID := groupsv2.Identifier{
		Category:     groupsv2.CategoryServer,
		GroupUID:     uid,
		ServerDomain: f.owned.ServerDomain,
	}
	snap := &groupsv2.GroupSnapshot{
		Blob: &groupsv2.ServerBlob{
			Chain: chain,
			Members: []groupsv2.Member{
				{Identity: f.owned, Permissions: types.AdminPermissions, InvitationNonce: ownNonce},
				{Identity: contact, Permissions: types.DefaultMemberPermissions, InvitationNonce: contactNonce},
			},
			Version:                1,
			SerializedGroupDetails: []byte(`{"name":"book club"}`),
		},
		Keys:           keys,
		PendingMembers: []types.Identity{contact},
	}
	return groupID, snap
}

func TestSignWithOwnedIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sig, err := f.store.SignWithOwnedIdentity(ctx, f.owned, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, f.owned.Verify([]byte("payload"), sig))

	_, err = f.store.SignWithOwnedIdentity(ctx, newContact(t), []byte("payload"))
	assert.ErrorIs(t, err, groupstore.ErrUnknownOwnedIdentity)
}

func TestCreateGroupRefusesDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID, snap := f.newSnapshot(t, newContact(t))

	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))
	assert.ErrorIs(t, f.store.CreateGroup(ctx, f.owned, groupID, snap), groupstore.ErrGroupExists)
}

func TestGetGroupRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := newContact(t)
	groupID, snap := f.newSnapshot(t, contact)

	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	got, err := f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Blob.Version)
	assert.Equal(t, snap.Blob.SerializedGroupDetails, got.Blob.SerializedGroupDetails)
	require.Len(t, got.Blob.Members, 2)
	assert.Equal(t, snap.Keys.MainSeed, got.Keys.MainSeed)
	require.Len(t, got.PendingMembers, 1)
	assert.True(t, got.PendingMembers[0].Equal(contact))
	assert.False(t, got.Frozen)
}

func TestGetGroupMissing(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.newSnapshot(t, newContact(t))

	_, err := f.store.GetGroup(context.Background(), f.owned, groupID)
	assert.ErrorIs(t, err, groupsv2.ErrGroupNotFound)
}

func TestUpdateGroupRefusesStaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID, snap := f.newSnapshot(t, newContact(t))
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	// Same version: refused.
	require.Error(t, f.store.UpdateGroup(ctx, f.owned, groupID, snap))

	snap.Blob.Version = 2
	require.NoError(t, f.store.UpdateGroup(ctx, f.owned, groupID, snap))

	got, err := f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Blob.Version)
}

func TestUpdateGroupKeysKeepsBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID, snap := f.newSnapshot(t, newContact(t))
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	fresh, err := groupsv2.NewBlobKeys(false)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateGroupKeys(ctx, f.owned, groupID, fresh))

	got, err := f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.Equal(t, fresh.MainSeed, got.Keys.MainSeed)
	assert.False(t, got.Keys.IsAdmin())
	assert.EqualValues(t, 1, got.Blob.Version)
}

func TestFreezeAndUnfreeze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID, snap := f.newSnapshot(t, newContact(t))
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	require.NoError(t, f.store.FreezeGroup(ctx, f.owned, groupID))
	got, err := f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.True(t, got.Frozen)

	require.NoError(t, f.store.UnfreezeGroup(ctx, f.owned, groupID))
	got, err = f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.False(t, got.Frozen)

	otherID, _ := f.newSnapshot(t, newContact(t))
	assert.ErrorIs(t, f.store.FreezeGroup(ctx, f.owned, otherID), groupsv2.ErrGroupNotFound)
}

func TestMarkMemberJoined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := newContact(t)
	groupID, snap := f.newSnapshot(t, contact)
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	require.NoError(t, f.store.MarkMemberJoined(ctx, f.owned, groupID, contact))
	got, err := f.store.GetGroup(ctx, f.owned, groupID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingMembers)

	// Already joined: a second mark is a no-op, not an error.
	require.NoError(t, f.store.MarkMemberJoined(ctx, f.owned, groupID, contact))
}

func TestGroupsSharedWith(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := newContact(t)
	stranger := newContact(t)

	groupID, snap := f.newSnapshot(t, contact)
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	shared, err := f.store.GroupsSharedWith(ctx, f.owned, contact)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, groupID.String(), shared[0].String())

	shared, err = f.store.GroupsSharedWith(ctx, f.owned, stranger)
	require.NoError(t, err)
	assert.Empty(t, shared)
}

func TestDeleteGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID, snap := f.newSnapshot(t, newContact(t))
	require.NoError(t, f.store.CreateGroup(ctx, f.owned, groupID, snap))

	require.NoError(t, f.store.DeleteGroup(ctx, f.owned, groupID))
	_, err := f.store.GetGroup(ctx, f.owned, groupID)
	assert.ErrorIs(t, err, groupsv2.ErrGroupNotFound)

	// Deleting again stays quiet.
	require.NoError(t, f.store.DeleteGroup(ctx, f.owned, groupID))
}
