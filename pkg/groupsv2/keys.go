// pkg/groupsv2/keys.go
package groupsv2

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// blobPadBoundary is the multiple the plaintext is padded to before
// encryption, reducing what blob sizes leak about membership counts.
const blobPadBoundary = 4096

// blobKeyInfo is the HKDF info string for blob key derivation.
const blobKeyInfo = "groups-v2-blob-encryption-key"

// BlobKeys is the key material for one group blob. MainSeed must only ever
// cross authenticated (oblivious) or same-owner channels; VersionSeed and
// the admin key may travel over asymmetric broadcast.
type BlobKeys struct {
	MainSeed    types.Seed
	VersionSeed types.Seed
	// GroupAdminPriv is the server authentication key proving admin status
	// for blob writes. Only held by administrators.
	GroupAdminPriv ed25519.PrivateKey
}

// HasMainSeed reports whether the main seed is known (blob decryption is
// possible).
func (k BlobKeys) HasMainSeed() bool { return !k.MainSeed.IsZero() }

// IsAdmin reports whether the admin authentication key is held.
func (k BlobKeys) IsAdmin() bool { return len(k.GroupAdminPriv) == ed25519.PrivateKeySize }

// NewBlobKeys generates fresh seeds and, when admin is set, a fresh admin
// authentication keypair.
func NewBlobKeys(admin bool) (BlobKeys, error) {
	var keys BlobKeys
	var err error
	if keys.MainSeed, err = types.NewSeed(nil); err != nil {
		return BlobKeys{}, err
	}
	if keys.VersionSeed, err = types.NewSeed(nil); err != nil {
		return BlobKeys{}, err
	}
	if admin {
		if _, keys.GroupAdminPriv, err = ed25519.GenerateKey(nil); err != nil {
			return BlobKeys{}, fmt.Errorf("generate admin key: %w", err)
		}
	}
	return keys, nil
}

// AdminPublicKey returns the public half of the admin authentication key.
func (k BlobKeys) AdminPublicKey() ed25519.PublicKey {
	if !k.IsAdmin() {
		return nil
	}
	return k.GroupAdminPriv.Public().(ed25519.PublicKey)
}

func (k BlobKeys) value() encoded.Value {
	admin := []byte{}
	if k.IsAdmin() {
		admin = []byte(k.GroupAdminPriv)
	}
	return encoded.List(
		encoded.Seed(k.MainSeed),
		encoded.Seed(k.VersionSeed),
		encoded.Bytes(admin),
	)
}

func blobKeysFromValue(v encoded.Value) (BlobKeys, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return BlobKeys{}, err
	}
	var k BlobKeys
	if k.MainSeed, err = vs[0].AsSeed(); err != nil {
		return BlobKeys{}, fmt.Errorf("main seed: %w", err)
	}
	if k.VersionSeed, err = vs[1].AsSeed(); err != nil {
		return BlobKeys{}, fmt.Errorf("version seed: %w", err)
	}
	admin, err := vs[2].AsBytes()
	if err != nil {
		return BlobKeys{}, fmt.Errorf("admin key: %w", err)
	}
	if len(admin) > 0 {
		if len(admin) != ed25519.PrivateKeySize {
			return BlobKeys{}, fmt.Errorf("admin key must be %d bytes, got %d", ed25519.PrivateKeySize, len(admin))
		}
		k.GroupAdminPriv = ed25519.PrivateKey(admin)
	}
	return k, nil
}

// deriveBlobKey derives the blob AEAD key from the seed pair. Both seeds are
// required; knowing only the version seed (the broadcast subset) is not
// enough to decrypt anything.
func deriveBlobKey(mainSeed, versionSeed types.Seed) ([]byte, error) {
	secret := append(mainSeed.Bytes(), versionSeed.Bytes()...)
	r := hkdf.New(sha256.New, secret, nil, []byte(blobKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive blob key: %w", err)
	}
	return key, nil
}

// encryptBlob pads the plaintext to the next blobPadBoundary multiple and
// seals it under the key derived from the seed pair. The nonce is prepended.
func encryptBlob(keys BlobKeys, plaintext []byte) ([]byte, error) {
	key, err := deriveBlobKey(keys.MainSeed, keys.VersionSeed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	padded := pad(plaintext, blobPadBoundary)
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, padded, nil)...), nil
}

// decryptBlob reverses encryptBlob. Wrong keys fail at the AEAD open, not at
// the unpad.
func decryptBlob(keys BlobKeys, ciphertext []byte) ([]byte, error) {
	key, err := deriveBlobKey(keys.MainSeed, keys.VersionSeed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	padded, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("blob decryption failed: %w", err)
	}
	return unpad(padded)
}

// pad appends 0x80 then zero bytes up to the next multiple of boundary.
func pad(b []byte, boundary int) []byte {
	padLen := boundary - (len(b)+1)%boundary
	if padLen == boundary {
		padLen = 0
	}
	out := make([]byte, len(b)+1+padLen)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

func unpad(b []byte) ([]byte, error) {
	i := len(b) - 1
	for i >= 0 && b[i] == 0 {
		i--
	}
	if i < 0 || b[i] != 0x80 {
		return nil, fmt.Errorf("invalid padding")
	}
	return b[:i], nil
}

// NewPhotoKey draws a fresh photo encryption key. Photos use a standalone
// random key rather than the seed-derived blob key, so the photo reference
// can be handed out without handing out any seed material.
func NewPhotoKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("photo key: %w", err)
	}
	return key, nil
}

// encryptPhoto seals the photo under its standalone key, nonce prepended.
func encryptPhoto(key, photo []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, photo, nil)...), nil
}

// decryptPhoto reverses encryptPhoto.
func decryptPhoto(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	photo, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("photo decryption failed: %w", err)
	}
	return photo, nil
}
