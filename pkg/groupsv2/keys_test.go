package groupsv2

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func TestNewBlobKeys(t *testing.T) {
	admin, err := NewBlobKeys(true)
	require.NoError(t, err)
	assert.True(t, admin.HasMainSeed())
	assert.True(t, admin.IsAdmin())
	assert.NotNil(t, admin.AdminPublicKey())

	member, err := NewBlobKeys(false)
	require.NoError(t, err)
	assert.True(t, member.HasMainSeed())
	assert.False(t, member.IsAdmin())
	assert.Nil(t, member.AdminPublicKey())

	assert.NotEqual(t, admin.MainSeed, member.MainSeed)
}

func TestBlobEncryptionRoundTrip(t *testing.T) {
	keys, err := NewBlobKeys(false)
	require.NoError(t, err)

	plaintext := []byte("the group blob plaintext")
	ciphertext, err := encryptBlob(keys, plaintext)
	require.NoError(t, err)

	got, err := decryptBlob(keys, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestBlobCiphertextHidesLength(t *testing.T) {
	keys, err := NewBlobKeys(false)
	require.NoError(t, err)

	short, err := encryptBlob(keys, []byte("a"))
	require.NoError(t, err)
	longer, err := encryptBlob(keys, bytes.Repeat([]byte("x"), 2000))
	require.NoError(t, err)

	// Both plaintexts pad to the same boundary, so the ciphertexts have the
	// same length and leak nothing about the member count.
	assert.Equal(t, len(short), len(longer))
}

func TestDecryptBlobRejectsWrongKeys(t *testing.T) {
	keys, err := NewBlobKeys(false)
	require.NoError(t, err)
	ciphertext, err := encryptBlob(keys, []byte("secret"))
	require.NoError(t, err)

	// Wrong main seed.
	wrong := keys
	wrong.MainSeed, err = types.NewSeed(rand.Reader)
	require.NoError(t, err)
	_, err = decryptBlob(wrong, ciphertext)
	assert.Error(t, err)

	// Rotated version seed, as after a blob update.
	rotated := keys
	rotated.VersionSeed, err = types.NewSeed(rand.Reader)
	require.NoError(t, err)
	_, err = decryptBlob(rotated, ciphertext)
	assert.Error(t, err)

	// Flipped ciphertext byte.
	flipped := append([]byte(nil), ciphertext...)
	flipped[len(flipped)/2] ^= 0x01
	_, err = decryptBlob(keys, flipped)
	assert.Error(t, err)
}

func TestUnpadRejectsMalformedPadding(t *testing.T) {
	_, err := unpad(nil)
	assert.Error(t, err)

	_, err = unpad(bytes.Repeat([]byte{0x00}, 16))
	assert.Error(t, err)

	got, err := unpad(append([]byte("data"), 0x80, 0x00, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestPhotoEncryptionRoundTrip(t *testing.T) {
	key, err := NewPhotoKey()
	require.NoError(t, err)

	photo := bytes.Repeat([]byte{0x42}, 512)
	ciphertext, err := encryptPhoto(key, photo)
	require.NoError(t, err)
	assert.NotEqual(t, photo, ciphertext)

	got, err := decryptPhoto(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, photo, got)

	other, err := NewPhotoKey()
	require.NoError(t, err)
	_, err = decryptPhoto(other, ciphertext)
	assert.Error(t, err)
}
