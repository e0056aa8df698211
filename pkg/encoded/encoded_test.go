package encoded_test

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func TestRoundTrip(t *testing.T) {
	uid, err := types.NewUID(rand.Reader)
	require.NoError(t, err)
	seed, err := types.NewSeed(rand.Reader)
	require.NoError(t, err)
	u := uuid.New()

	v := encoded.List(
		encoded.Bytes([]byte("payload")),
		encoded.Int(-42),
		encoded.Bool(true),
		encoded.String("domain.example"),
		encoded.UID(uid),
		encoded.Seed(seed),
		encoded.UUIDValue(u),
		encoded.List(),
	)

	raw, err := v.Encode()
	require.NoError(t, err)

	got, err := encoded.Decode(raw)
	require.NoError(t, err)

	vs, err := got.AsListOfLen(8)
	require.NoError(t, err)

	b, err := vs[0].AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), b)

	i, err := vs[1].AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i)

	ok, err := vs[2].AsBool()
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := vs[3].AsString()
	require.NoError(t, err)
	assert.Equal(t, "domain.example", s)

	gotUID, err := vs[4].AsUID()
	require.NoError(t, err)
	assert.Equal(t, uid, gotUID)

	gotSeed, err := vs[5].AsSeed()
	require.NoError(t, err)
	assert.Equal(t, seed, gotSeed)

	gotUUID, err := vs[6].AsUUID()
	require.NoError(t, err)
	assert.Equal(t, u, gotUUID)

	empty, err := vs[7].AsList()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAsListOfLenRejectsWrongArity(t *testing.T) {
	v := encoded.List(encoded.Int(1), encoded.Int(2))

	_, err := v.AsListOfLen(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, encoded.ErrArity))

	vs, err := v.AsListOfLen(2)
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestKindMismatch(t *testing.T) {
	v := encoded.Int(7)

	_, err := v.AsBytes()
	assert.Error(t, err)
	_, err = v.AsList()
	assert.Error(t, err)
	_, err = v.AsString()
	assert.Error(t, err)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := encoded.Decode([]byte{0xff, 0x00, 0xab})
	assert.Error(t, err)

	_, err = encoded.Decode(nil)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := encoded.List(encoded.Bytes([]byte{1, 2}), encoded.Int(3))
	b := encoded.List(encoded.Bytes([]byte{1, 2}), encoded.Int(3))
	c := encoded.List(encoded.Bytes([]byte{1, 2}), encoded.Int(4))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestZeroValueIsInvalid(t *testing.T) {
	var v encoded.Value
	assert.False(t, v.IsValid())
	assert.True(t, encoded.Int(0).IsValid())
}
