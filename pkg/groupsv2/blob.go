// pkg/groupsv2/blob.go
package groupsv2

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// invitationNonceLength is the byte length of per-member invitation nonces.
const invitationNonceLength = 16

// Member is one entry of the blob's member list. The invitation nonce is
// generated once when the member is added and never reused; it
// authenticates the member's join pings, leave log entries, and the kick
// messages targeting it.
type Member struct {
	Identity          types.Identity
	Permissions       types.Permission
	SerializedDetails []byte
	InvitationNonce   []byte
}

// NewInvitationNonce draws a fresh nonce.
func NewInvitationNonce() ([]byte, error) {
	nonce := make([]byte, invitationNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("invitation nonce: %w", err)
	}
	return nonce, nil
}

func (m Member) value() encoded.Value {
	return encoded.List(
		encoded.Identity(m.Identity),
		encoded.Int(int64(m.Permissions)),
		encoded.Bytes(m.SerializedDetails),
		encoded.Bytes(m.InvitationNonce),
	)
}

func memberFromValue(v encoded.Value) (Member, error) {
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return Member{}, err
	}
	var m Member
	if m.Identity, err = vs[0].AsIdentity(); err != nil {
		return Member{}, fmt.Errorf("identity: %w", err)
	}
	perms, err := vs[1].AsInt()
	if err != nil {
		return Member{}, fmt.Errorf("permissions: %w", err)
	}
	m.Permissions = types.Permission(perms)
	if m.SerializedDetails, err = vs[2].AsBytes(); err != nil {
		return Member{}, fmt.Errorf("details: %w", err)
	}
	if m.InvitationNonce, err = vs[3].AsBytes(); err != nil {
		return Member{}, fmt.Errorf("invitation nonce: %w", err)
	}
	if len(m.InvitationNonce) != invitationNonceLength {
		return Member{}, fmt.Errorf("invitation nonce must be %d bytes, got %d", invitationNonceLength, len(m.InvitationNonce))
	}
	return m, nil
}

// ServerPhotoInfo locates the group photo on the server: the label is the
// CID of the encrypted photo bytes, the key decrypts them. Content
// addressing lets any member re-upload the identical photo without creating
// a second server object.
type ServerPhotoInfo struct {
	ServerLabel cid.Cid
	PhotoKey    []byte
}

// PhotoLabel computes the content address of encrypted photo bytes.
func PhotoLabel(encryptedPhoto []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(encryptedPhoto, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("photo label: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func (p ServerPhotoInfo) value() encoded.Value {
	return encoded.List(
		encoded.Bytes(p.ServerLabel.Bytes()),
		encoded.Bytes(p.PhotoKey),
	)
}

func photoInfoFromValue(v encoded.Value) (ServerPhotoInfo, error) {
	vs, err := v.AsListOfLen(2)
	if err != nil {
		return ServerPhotoInfo{}, err
	}
	labelBytes, err := vs[0].AsBytes()
	if err != nil {
		return ServerPhotoInfo{}, fmt.Errorf("server label: %w", err)
	}
	label, err := cid.Cast(labelBytes)
	if err != nil {
		return ServerPhotoInfo{}, fmt.Errorf("server label: %w", err)
	}
	key, err := vs[1].AsBytes()
	if err != nil {
		return ServerPhotoInfo{}, fmt.Errorf("photo key: %w", err)
	}
	return ServerPhotoInfo{ServerLabel: label, PhotoKey: key}, nil
}

// ServerBlob is the authoritative group state: the administrators chain, the
// member list, a monotonically increasing version, the serialized group
// details, and the optional photo reference.
type ServerBlob struct {
	Chain                  AdministratorsChain
	Members                []Member
	Version                int64
	SerializedGroupDetails []byte
	PhotoInfo              *ServerPhotoInfo
}

// AdminMembers returns the identities of admin-flagged members.
func (b *ServerBlob) AdminMembers() []types.Identity {
	var out []types.Identity
	for _, m := range b.Members {
		if m.Permissions.IsAdmin() {
			out = append(out, m.Identity)
		}
	}
	return out
}

// FindMember returns the member entry for an identity, or nil.
func (b *ServerBlob) FindMember(id types.Identity) *Member {
	for i := range b.Members {
		if b.Members[i].Identity.Equal(id) {
			return &b.Members[i]
		}
	}
	return nil
}

// RemoveMember deletes the entry for an identity; returns false if absent.
func (b *ServerBlob) RemoveMember(id types.Identity) bool {
	for i := range b.Members {
		if b.Members[i].Identity.Equal(id) {
			b.Members = append(b.Members[:i], b.Members[i+1:]...)
			return true
		}
	}
	return false
}

func (b *ServerBlob) value() encoded.Value {
	memberVals := make([]encoded.Value, 0, len(b.Members))
	for _, m := range b.Members {
		memberVals = append(memberVals, m.value())
	}
	photo := encoded.List()
	hasPhoto := b.PhotoInfo != nil
	if hasPhoto {
		photo = b.PhotoInfo.value()
	}
	return encoded.List(
		b.Chain.value(),
		encoded.List(memberVals...),
		encoded.Int(b.Version),
		encoded.Bytes(b.SerializedGroupDetails),
		encoded.Bool(hasPhoto),
		photo,
	)
}

// Encode serializes the blob.
func (b *ServerBlob) Encode() ([]byte, error) {
	return b.value().Encode()
}

func blobFromValue(v encoded.Value) (*ServerBlob, error) {
	vs, err := v.AsListOfLen(6)
	if err != nil {
		return nil, err
	}
	b := &ServerBlob{}
	if b.Chain, err = chainFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	memberVals, err := vs[1].AsList()
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	for i, mv := range memberVals {
		m, err := memberFromValue(mv)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		b.Members = append(b.Members, m)
	}
	if b.Version, err = vs[2].AsInt(); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if b.SerializedGroupDetails, err = vs[3].AsBytes(); err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	hasPhoto, err := vs[4].AsBool()
	if err != nil {
		return nil, fmt.Errorf("photo flag: %w", err)
	}
	if hasPhoto {
		info, err := photoInfoFromValue(vs[5])
		if err != nil {
			return nil, fmt.Errorf("photo info: %w", err)
		}
		b.PhotoInfo = &info
	}
	return b, nil
}

// ParseBlob decodes a plaintext blob serialization. Integrity is NOT checked
// here; use DecryptAndCheckBlob for anything downloaded.
func ParseBlob(raw []byte) (*ServerBlob, error) {
	v, err := encoded.Decode(raw)
	if err != nil {
		return nil, err
	}
	return blobFromValue(v)
}

// SignAndEncryptBlob serializes the blob, signs it with the signer identity's
// long-term key, and encrypts (signature, signer, blob) under the blob keys,
// padding to the 4096-byte boundary first.
func SignAndEncryptBlob(blob *ServerBlob, signer types.Identity, sign Signer, keys BlobKeys) ([]byte, error) {
	raw, err := blob.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	sig, err := sign.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign blob: %w", err)
	}
	wrapped := encoded.List(
		encoded.Bytes(raw),
		encoded.Identity(signer),
		encoded.Bytes(sig),
	)
	plaintext, err := wrapped.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode signed blob: %w", err)
	}
	return encryptBlob(keys, plaintext)
}

// DecryptAndCheckBlob decrypts a downloaded blob and accepts it only if the
// administrators chain verifies against the group UID, the chain's admin
// set equals the admin-flagged member subset, the claimed signer is a
// member, and the signature is valid. Returns the blob and the signer.
func DecryptAndCheckBlob(ciphertext []byte, keys BlobKeys, groupID Identifier, cv *ChainVerifier) (*ServerBlob, types.Identity, error) {
	plaintext, err := decryptBlob(keys, ciphertext)
	if err != nil {
		return nil, types.Identity{}, err
	}
	wrapped, err := encoded.Decode(plaintext)
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("decode signed blob: %w", err)
	}
	vs, err := wrapped.AsListOfLen(3)
	if err != nil {
		return nil, types.Identity{}, err
	}
	raw, err := vs[0].AsBytes()
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("blob bytes: %w", err)
	}
	signer, err := vs[1].AsIdentity()
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("signer: %w", err)
	}
	sig, err := vs[2].AsBytes()
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("signature: %w", err)
	}

	blob, err := ParseBlob(raw)
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("parse blob: %w", err)
	}
	if _, err := cv.WithCheckedIntegrity(groupID.GroupUID, blob.Chain); err != nil {
		return nil, types.Identity{}, fmt.Errorf("administrators chain: %w", err)
	}
	if !identitySetsEqual(blob.Chain.AdminSet(), blob.AdminMembers()) {
		return nil, types.Identity{}, fmt.Errorf("chain admin set does not match admin-flagged members")
	}
	if blob.FindMember(signer) == nil {
		return nil, types.Identity{}, fmt.Errorf("blob signer %s is not a member", signer)
	}
	if !signer.Verify(raw, sig) {
		return nil, types.Identity{}, fmt.Errorf("invalid blob signature")
	}
	return blob, signer, nil
}

// Signature payload domain separators. Every nonce-based signature commits
// to the group, the nonce, and its purpose, so a signature can never be
// replayed for a different purpose or group.
const (
	sigPurposeJoinPing = "groups-v2-join-ping"
	sigPurposeLeave    = "groups-v2-leave"
	sigPurposeKick     = "groups-v2-kick"
)

func signaturePayload(purpose string, groupID Identifier, nonce []byte, extra []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(purpose)
	buf.Write(groupID.Bytes())
	buf.Write(nonce)
	buf.Write(extra)
	return buf.Bytes()
}

// JoinPingPayload is what a joining member signs: its own invitation nonce,
// bound to the group and the ping recipient.
func JoinPingPayload(groupID Identifier, nonce []byte, recipient types.Identity) []byte {
	return signaturePayload(sigPurposeJoinPing, groupID, nonce, recipient.Bytes())
}

// LeavePayload is what a leaving member signs for the server log entry.
func LeavePayload(groupID Identifier, nonce []byte) []byte {
	return signaturePayload(sigPurposeLeave, groupID, nonce, nil)
}

// KickPayload is what an admin signs when kicking the member owning nonce.
func KickPayload(groupID Identifier, nonce []byte) []byte {
	return signaturePayload(sigPurposeKick, groupID, nonce, nil)
}

// LogEntry is one tamper-evident server log record. The server appends them
// blindly; members verify the signature against the nonce recorded in the
// blob during replay.
type LogEntry struct {
	Member    types.Identity
	Signature []byte
}

func (e LogEntry) value() encoded.Value {
	return encoded.List(
		encoded.Identity(e.Member),
		encoded.Bytes(e.Signature),
	)
}

func logEntryFromValue(v encoded.Value) (LogEntry, error) {
	vs, err := v.AsListOfLen(2)
	if err != nil {
		return LogEntry{}, err
	}
	var e LogEntry
	if e.Member, err = vs[0].AsIdentity(); err != nil {
		return LogEntry{}, fmt.Errorf("member: %w", err)
	}
	if e.Signature, err = vs[1].AsBytes(); err != nil {
		return LogEntry{}, fmt.Errorf("signature: %w", err)
	}
	return e, nil
}

// ReplayLogEntries applies recent server log entries to a downloaded blob:
// a valid leave signature removes the member. The blob may be slightly stale
// relative to the log, so this always runs before a download is accepted.
// Invalid entries are skipped, not fatal: the server is untrusted and may
// inject garbage.
func ReplayLogEntries(blob *ServerBlob, groupID Identifier, entries []LogEntry) {
	for _, e := range entries {
		m := blob.FindMember(e.Member)
		if m == nil {
			continue
		}
		if !e.Member.Verify(LeavePayload(groupID, m.InvitationNonce), e.Signature) {
			continue
		}
		blob.RemoveMember(e.Member)
	}
}
