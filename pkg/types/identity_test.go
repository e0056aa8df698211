package types_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func newTestIdentity(t *testing.T) (types.Identity, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.NewIdentity("server.example", pub), priv
}

func TestIdentityRoundTrip(t *testing.T) {
	id, _ := newTestIdentity(t)

	parsed, err := types.ParseIdentity(id.Bytes())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
	assert.Equal(t, "server.example", parsed.ServerDomain)
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	_, err := types.ParseIdentity(nil)
	assert.Error(t, err)

	_, err = types.ParseIdentity([]byte("not an identity"))
	assert.Error(t, err)
}

func TestIdentityVerify(t *testing.T) {
	id, priv := newTestIdentity(t)
	payload := []byte("signed payload")
	sig := ed25519.Sign(priv, payload)

	assert.True(t, id.Verify(payload, sig))
	assert.False(t, id.Verify([]byte("other payload"), sig))
	assert.False(t, id.Verify(payload, sig[:len(sig)-1]))

	other, _ := newTestIdentity(t)
	assert.False(t, other.Verify(payload, sig))
}

func TestUIDFromBytes(t *testing.T) {
	uid, err := types.NewUID(nil)
	require.NoError(t, err)
	assert.False(t, uid.IsZero())

	parsed, err := types.UIDFromBytes(uid.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uid, parsed)

	_, err = types.UIDFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSeedFromBytes(t *testing.T) {
	seed, err := types.NewSeed(nil)
	require.NoError(t, err)
	assert.False(t, seed.IsZero())

	parsed, err := types.SeedFromBytes(seed.Bytes())
	require.NoError(t, err)
	assert.Equal(t, seed, parsed)

	_, err = types.SeedFromBytes(make([]byte, 7))
	assert.Error(t, err)
}
