package groupsv2

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// newTestGroup builds a two-member group with the creator as sole admin,
// returning the blob, its keys, and the group identifier.
func newTestGroup(t *testing.T, creator, member testMember) (*ServerBlob, BlobKeys, Identifier) {
	t.Helper()

	keys, err := NewBlobKeys(true)
	require.NoError(t, err)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)
	uid, err := chain.GroupUID()
	require.NoError(t, err)

	creatorNonce, err := NewInvitationNonce()
	require.NoError(t, err)
	memberNonce, err := NewInvitationNonce()
	require.NoError(t, err)

	blob := &ServerBlob{
		Chain: chain,
		Members: []Member{
			{
				Identity:        creator.identity,
				Permissions:     types.AdminPermissions,
				InvitationNonce: creatorNonce,
			},
			{
				Identity:        member.identity,
				Permissions:     types.DefaultMemberPermissions,
				InvitationNonce: memberNonce,
			},
		},
		Version: 1,
	}
	groupID := Identifier{
		Category:     CategoryServer,
		GroupUID:     uid,
		ServerDomain: creator.identity.ServerDomain,
	}
	return blob, keys, groupID
}

func TestBlobEncodeParseRoundTrip(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	blob, _, _ := newTestGroup(t, creator, member)

	raw, err := blob.Encode()
	require.NoError(t, err)
	parsed, err := ParseBlob(raw)
	require.NoError(t, err)

	assert.Equal(t, blob.Version, parsed.Version)
	require.Len(t, parsed.Members, 2)
	assert.True(t, parsed.Members[0].Identity.Equal(creator.identity))
	assert.Equal(t, blob.Members[1].InvitationNonce, parsed.Members[1].InvitationNonce)
	assert.Nil(t, parsed.PhotoInfo)
}

func TestSignAndEncryptBlobRoundTrip(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	blob, keys, groupID := newTestGroup(t, creator, member)
	cv := newVerifier(t)

	ciphertext, err := SignAndEncryptBlob(blob, creator.identity, creator.signer, keys)
	require.NoError(t, err)

	got, signer, err := DecryptAndCheckBlob(ciphertext, keys, groupID, cv)
	require.NoError(t, err)
	assert.True(t, signer.Equal(creator.identity))
	assert.Equal(t, blob.Version, got.Version)
	require.Len(t, got.Members, 2)
}

func TestDecryptAndCheckBlobRejections(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	outsider := newMember(t)
	blob, keys, groupID := newTestGroup(t, creator, member)
	cv := newVerifier(t)

	t.Run("signer not a member", func(t *testing.T) {
		ciphertext, err := SignAndEncryptBlob(blob, outsider.identity, outsider.signer, keys)
		require.NoError(t, err)
		_, _, err = DecryptAndCheckBlob(ciphertext, keys, groupID, cv)
		assert.Error(t, err)
	})

	t.Run("signature by a different key", func(t *testing.T) {
		ciphertext, err := SignAndEncryptBlob(blob, creator.identity, member.signer, keys)
		require.NoError(t, err)
		_, _, err = DecryptAndCheckBlob(ciphertext, keys, groupID, cv)
		assert.Error(t, err)
	})

	t.Run("wrong group identifier", func(t *testing.T) {
		ciphertext, err := SignAndEncryptBlob(blob, creator.identity, creator.signer, keys)
		require.NoError(t, err)
		wrongID := groupID
		wrongUID, err := types.NewUID(rand.Reader)
		require.NoError(t, err)
		wrongID.GroupUID = wrongUID
		_, _, err = DecryptAndCheckBlob(ciphertext, keys, wrongID, cv)
		assert.Error(t, err)
	})

	t.Run("admin flag without chain backing", func(t *testing.T) {
		inflated := *blob
		inflated.Members = append([]Member(nil), blob.Members...)
		inflated.Members[1].Permissions = types.AdminPermissions
		ciphertext, err := SignAndEncryptBlob(&inflated, creator.identity, creator.signer, keys)
		require.NoError(t, err)
		_, _, err = DecryptAndCheckBlob(ciphertext, keys, groupID, cv)
		assert.Error(t, err)
	})
}

func TestSignaturePayloadDomainSeparation(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	_, _, groupID := newTestGroup(t, creator, member)

	nonce, err := NewInvitationNonce()
	require.NoError(t, err)

	join := JoinPingPayload(groupID, nonce, member.identity)
	leave := LeavePayload(groupID, nonce)
	kick := KickPayload(groupID, nonce)

	assert.NotEqual(t, join, leave)
	assert.NotEqual(t, leave, kick)
	assert.NotEqual(t, join, kick)

	// The join payload binds the recipient.
	otherRecipient := JoinPingPayload(groupID, nonce, creator.identity)
	assert.NotEqual(t, join, otherRecipient)

	// And the group.
	otherGroup := groupID
	otherUID, err := types.NewUID(rand.Reader)
	require.NoError(t, err)
	otherGroup.GroupUID = otherUID
	assert.NotEqual(t, join, JoinPingPayload(otherGroup, nonce, member.identity))
}

func TestReplayLogEntriesRemovesLeavers(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	blob, _, groupID := newTestGroup(t, creator, member)

	nonce := blob.FindMember(member.identity).InvitationNonce
	validSig := ed25519.Sign(member.key, LeavePayload(groupID, nonce))

	t.Run("valid leave entry removes the member", func(t *testing.T) {
		b := &ServerBlob{Chain: blob.Chain, Members: append([]Member(nil), blob.Members...), Version: blob.Version}
		ReplayLogEntries(b, groupID, []LogEntry{{Member: member.identity, Signature: validSig}})
		assert.Nil(t, b.FindMember(member.identity))
		assert.NotNil(t, b.FindMember(creator.identity))
	})

	t.Run("forged entry is skipped", func(t *testing.T) {
		b := &ServerBlob{Chain: blob.Chain, Members: append([]Member(nil), blob.Members...), Version: blob.Version}
		forged := ed25519.Sign(creator.key, LeavePayload(groupID, nonce))
		ReplayLogEntries(b, groupID, []LogEntry{{Member: member.identity, Signature: forged}})
		assert.NotNil(t, b.FindMember(member.identity))
	})

	t.Run("entry for a non-member is skipped", func(t *testing.T) {
		b := &ServerBlob{Chain: blob.Chain, Members: append([]Member(nil), blob.Members...), Version: blob.Version}
		outsider := newMember(t)
		ReplayLogEntries(b, groupID, []LogEntry{{Member: outsider.identity, Signature: validSig}})
		assert.Len(t, b.Members, 2)
	})
}

func TestBroadcastInvitationStripsMainSeed(t *testing.T) {
	creator := newMember(t)
	member := newMember(t)
	_, keys, groupID := newTestGroup(t, creator, member)
	require.True(t, keys.HasMainSeed())

	sent := &InvitationOrMembersUpdateBroadcastMessage{
		GroupID:      groupID,
		GroupVersion: 1,
		Keys:         keys,
	}
	rm := &engine.ReceivedMessage{
		MessageID: sent.MessageID(),
		Inputs:    sent.inputs(),
		Channel:   types.BroadcastReception(creator.identity),
	}

	decoded, err := decodeInvitationOrMembersUpdateBroadcast(rm)
	require.NoError(t, err)
	got := decoded.(*InvitationOrMembersUpdateBroadcastMessage)

	// The main seed never survives an unauthenticated hop; the version seed
	// does.
	assert.False(t, got.Keys.HasMainSeed())
	assert.Equal(t, keys.VersionSeed, got.Keys.VersionSeed)
	assert.True(t, got.GroupID.Equal(groupID))

	// The confirmed-channel form keeps the main seed.
	direct := &InvitationOrMembersUpdateMessage{
		GroupID:      groupID,
		GroupVersion: 1,
		Keys:         keys,
	}
	rm = &engine.ReceivedMessage{
		MessageID: direct.MessageID(),
		Inputs:    direct.inputs(),
	}
	decodedDirect, err := decodeInvitationOrMembersUpdate(rm)
	require.NoError(t, err)
	assert.True(t, decodedDirect.(*InvitationOrMembersUpdateMessage).Keys.HasMainSeed())
}
