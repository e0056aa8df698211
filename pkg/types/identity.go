// pkg/types/identity.go
package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// UIDLength is the byte length of protocol instance and device UIDs.
const UIDLength = 32

// SeedLength is the byte length of blob main/version seeds.
const SeedLength = 32

// UID identifies a protocol instance or a device. UIDs are either random or
// deterministically derived, never sequential.
type UID [UIDLength]byte

// NewUID returns a fresh random UID read from r (crypto/rand if r is nil).
func NewUID(r io.Reader) (UID, error) {
	if r == nil {
		r = rand.Reader
	}
	var uid UID
	if _, err := io.ReadFull(r, uid[:]); err != nil {
		return UID{}, fmt.Errorf("read uid: %w", err)
	}
	return uid, nil
}

// UIDFromBytes validates the length and copies b into a UID.
func UIDFromBytes(b []byte) (UID, error) {
	var uid UID
	if len(b) != UIDLength {
		return uid, fmt.Errorf("uid must be %d bytes, got %d", UIDLength, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

func (u UID) Bytes() []byte  { return append([]byte(nil), u[:]...) }
func (u UID) String() string { return hex.EncodeToString(u[:]) }
func (u UID) IsZero() bool   { return u == UID{} }

// Seed is a secret seed used to derive blob encryption keys.
type Seed [SeedLength]byte

// NewSeed returns a fresh random seed.
func NewSeed(r io.Reader) (Seed, error) {
	if r == nil {
		r = rand.Reader
	}
	var s Seed
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return s, nil
}

// SeedFromBytes validates the length and copies b into a Seed.
func SeedFromBytes(b []byte) (Seed, error) {
	var s Seed
	if len(b) != SeedLength {
		return s, fmt.Errorf("seed must be %d bytes, got %d", SeedLength, len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s Seed) Bytes() []byte { return append([]byte(nil), s[:]...) }
func (s Seed) IsZero() bool  { return s == Seed{} }

// Identity is a cryptographic identity: an Ed25519 public key anchored at a
// server domain. The same type covers owned identities and contacts; whether
// the private key is available is the identity manager's business.
type Identity struct {
	ServerDomain string
	PublicKey    ed25519.PublicKey
}

// NewIdentity builds an identity from its parts.
func NewIdentity(serverDomain string, publicKey ed25519.PublicKey) Identity {
	return Identity{ServerDomain: serverDomain, PublicKey: publicKey}
}

// Bytes serializes the identity as a length-prefixed domain followed by the
// raw public key. The serialization is canonical: two identities are equal
// iff their serializations are byte-identical.
func (id Identity) Bytes() []byte {
	buf := make([]byte, 2+len(id.ServerDomain)+len(id.PublicKey))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(id.ServerDomain)))
	copy(buf[2:], id.ServerDomain)
	copy(buf[2+len(id.ServerDomain):], id.PublicKey)
	return buf
}

// ParseIdentity decodes the serialization produced by Bytes.
func ParseIdentity(b []byte) (Identity, error) {
	if len(b) < 2 {
		return Identity{}, fmt.Errorf("identity too short: %d bytes", len(b))
	}
	domainLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+domainLen+ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("identity truncated: %d bytes, domain length %d", len(b), domainLen)
	}
	keyLen := len(b) - 2 - domainLen
	if keyLen != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("identity key must be %d bytes, got %d", ed25519.PublicKeySize, keyLen)
	}
	return Identity{
		ServerDomain: string(b[2 : 2+domainLen]),
		PublicKey:    append(ed25519.PublicKey(nil), b[2+domainLen:]...),
	}, nil
}

func (id Identity) Equal(other Identity) bool {
	return id.ServerDomain == other.ServerDomain && bytes.Equal(id.PublicKey, other.PublicKey)
}

func (id Identity) IsZero() bool {
	return id.ServerDomain == "" && len(id.PublicKey) == 0
}

// String renders a short, loggable form of the identity.
func (id Identity) String() string {
	if len(id.PublicKey) < 4 {
		return id.ServerDomain + "/?"
	}
	return id.ServerDomain + "/" + hex.EncodeToString(id.PublicKey[:4])
}

// Verify checks an Ed25519 signature by this identity over payload.
func (id Identity) Verify(payload, signature []byte) bool {
	if len(id.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(id.PublicKey, payload, signature)
}
