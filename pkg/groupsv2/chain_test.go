package groupsv2

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

type keySigner struct {
	key ed25519.PrivateKey
}

func (s keySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

type testMember struct {
	identity types.Identity
	signer   keySigner
	key      ed25519.PrivateKey
}

func newMember(t *testing.T) testMember {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testMember{
		identity: types.NewIdentity("server.example", pub),
		signer:   keySigner{key: priv},
		key:      priv,
	}
}

func newVerifier(t *testing.T) *ChainVerifier {
	t.Helper()
	cv, err := NewChainVerifier(16)
	require.NoError(t, err)
	return cv
}

func TestNewChainRequiresCreatorInAdminSet(t *testing.T) {
	creator := newMember(t)
	other := newMember(t)

	_, err := NewChain(creator.identity, creator.signer, []types.Identity{other.identity})
	assert.Error(t, err)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity, other.identity})
	require.NoError(t, err)
	assert.Len(t, chain.Blocks, 1)
	assert.ElementsMatch(t, []types.Identity{creator.identity, other.identity}, chain.AdminSet())
}

func TestGroupUIDCommitsToGenesis(t *testing.T) {
	creator := newMember(t)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)

	uid, err := chain.GroupUID()
	require.NoError(t, err)
	assert.False(t, uid.IsZero())

	// The UID is stable across re-reads of the same chain.
	again, err := chain.GroupUID()
	require.NoError(t, err)
	assert.Equal(t, uid, again)

	// A different creator yields a different group UID.
	other := newMember(t)
	otherChain, err := NewChain(other.identity, other.signer, []types.Identity{other.identity})
	require.NoError(t, err)
	otherUID, err := otherChain.GroupUID()
	require.NoError(t, err)
	assert.NotEqual(t, uid, otherUID)

	// So does a second creation by the same creator with the same admin
	// set: the genesis seed makes every group unique.
	second, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)
	secondUID, err := second.GroupUID()
	require.NoError(t, err)
	assert.NotEqual(t, uid, secondUID)
}

func TestAppendExtendsAdminSet(t *testing.T) {
	creator := newMember(t)
	joiner := newMember(t)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)

	// A non-admin may not extend the chain.
	_, err = chain.Append(joiner.identity, joiner.signer, []types.Identity{joiner.identity})
	assert.Error(t, err)

	extended, err := chain.Append(creator.identity, creator.signer,
		[]types.Identity{creator.identity, joiner.identity})
	require.NoError(t, err)
	assert.Len(t, extended.Blocks, 2)
	assert.ElementsMatch(t, []types.Identity{creator.identity, joiner.identity}, extended.AdminSet())

	// The original chain is untouched and a prefix of its successor.
	assert.Len(t, chain.Blocks, 1)
	assert.True(t, chain.IsPrefixOf(extended))
	assert.False(t, extended.IsPrefixOf(chain))
}

func TestChainIntegrityVerification(t *testing.T) {
	creator := newMember(t)
	second := newMember(t)
	cv := newVerifier(t)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)
	chain, err = chain.Append(creator.identity, creator.signer,
		[]types.Identity{creator.identity, second.identity})
	require.NoError(t, err)

	uid, err := chain.GroupUID()
	require.NoError(t, err)

	_, err = cv.WithCheckedIntegrity(uid, chain)
	require.NoError(t, err)

	// Wrong group UID: the genesis hash no longer matches.
	wrongUID, err := types.NewUID(rand.Reader)
	require.NoError(t, err)
	_, err = cv.WithCheckedIntegrity(wrongUID, chain)
	assert.Error(t, err)

	// Tampered admin set invalidates the block signature.
	tampered := AdministratorsChain{Blocks: append([]ChainBlock(nil), chain.Blocks...)}
	tampered.Blocks[1].Admins = []types.Identity{second.identity}
	tamperedUID, err := tampered.GroupUID()
	require.NoError(t, err)
	_, err = cv.WithCheckedIntegrity(tamperedUID, tampered)
	assert.Error(t, err)

	// A block signed by someone outside the previous admin set is rejected
	// even with a valid signature.
	intruder := newMember(t)
	forged := ChainBlock{
		PrevHash: chain.Blocks[1].Hash(),
		Admins:   []types.Identity{intruder.identity},
		Signer:   intruder.identity,
	}
	sig, err := intruder.signer.Sign(forged.Hash())
	require.NoError(t, err)
	forged.Signature = sig
	forgedChain := AdministratorsChain{Blocks: append(append([]ChainBlock(nil), chain.Blocks...), forged)}
	_, err = cv.WithCheckedIntegrity(uid, forgedChain)
	assert.Error(t, err)
}

func TestChainEncodeParseRoundTrip(t *testing.T) {
	creator := newMember(t)
	second := newMember(t)
	cv := newVerifier(t)

	chain, err := NewChain(creator.identity, creator.signer, []types.Identity{creator.identity})
	require.NoError(t, err)
	chain, err = chain.Append(creator.identity, creator.signer,
		[]types.Identity{creator.identity, second.identity})
	require.NoError(t, err)

	raw, err := chain.Encode()
	require.NoError(t, err)
	parsed, err := ParseChain(raw)
	require.NoError(t, err)

	uid, err := chain.GroupUID()
	require.NoError(t, err)
	_, err = cv.WithCheckedIntegrity(uid, parsed)
	require.NoError(t, err)
	assert.Equal(t, chain.LastHash(), parsed.LastHash())
}
