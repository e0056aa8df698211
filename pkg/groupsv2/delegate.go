// pkg/groupsv2/delegate.go
package groupsv2

import (
	"context"
	"errors"
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// ErrGroupNotFound is returned by the identity delegate when no local group
// exists for an identifier.
var ErrGroupNotFound = errors.New("groupsv2: group not found")

// GroupSnapshot is the identity manager's stored view of one group.
type GroupSnapshot struct {
	Blob *ServerBlob
	Keys BlobKeys
	// PendingMembers are members from the blob that have not yet proven key
	// possession with a valid join ping.
	PendingMembers []types.Identity
	// Frozen marks a group whose blob is being updated; user actions are
	// held off until the update settles.
	Frozen bool
}

// IdentityDelegate is the protocol's narrow view of the identity manager:
// group storage, owned-key signing, and contact lookups. Everything else
// about contacts and owned identities is out of scope.
type IdentityDelegate interface {
	// SignWithOwnedIdentity signs payload with the owned identity's
	// long-term key.
	SignWithOwnedIdentity(ctx context.Context, owned types.Identity, payload []byte) ([]byte, error)

	// CreateGroup stores a freshly created or freshly joined group.
	CreateGroup(ctx context.Context, owned types.Identity, groupID Identifier, snap *GroupSnapshot) error
	// UpdateGroup replaces the stored snapshot. The delegate must refuse a
	// blob whose version is not strictly greater than the stored one.
	UpdateGroup(ctx context.Context, owned types.Identity, groupID Identifier, snap *GroupSnapshot) error
	// DeleteGroup removes the stored group, if any.
	DeleteGroup(ctx context.Context, owned types.Identity, groupID Identifier) error
	// GetGroup loads the stored snapshot or ErrGroupNotFound.
	GetGroup(ctx context.Context, owned types.Identity, groupID Identifier) (*GroupSnapshot, error)

	// UpdateGroupKeys backfills key material for the stored version without
	// touching the blob. Used when a main seed finally arrives over an
	// authenticated channel for a group joined via broadcast.
	UpdateGroupKeys(ctx context.Context, owned types.Identity, groupID Identifier, keys BlobKeys) error

	// FreezeGroup and UnfreezeGroup toggle the frozen flag.
	FreezeGroup(ctx context.Context, owned types.Identity, groupID Identifier) error
	UnfreezeGroup(ctx context.Context, owned types.Identity, groupID Identifier) error

	// MarkMemberJoined promotes a pending member to full member after a
	// verified join ping.
	MarkMemberJoined(ctx context.Context, owned types.Identity, groupID Identifier, member types.Identity) error

	// GroupsSharedWith lists the identifiers of stored groups that have the
	// given contact in their member list. Used to batch-resend keys when a
	// channel with the contact is created.
	GroupsSharedWith(ctx context.Context, owned, contact types.Identity) ([]Identifier, error)
}

// ownedSigner adapts the delegate to the Signer interface for one owned
// identity.
type ownedSigner struct {
	ctx      context.Context
	delegate IdentityDelegate
	owned    types.Identity
}

func (s ownedSigner) Sign(payload []byte) ([]byte, error) {
	return s.delegate.SignWithOwnedIdentity(s.ctx, s.owned, payload)
}

// ChangeSet is an admin's requested group mutation. Zero-valued fields mean
// "no change"; an empty change set is a no-op the protocol reports as such.
type ChangeSet struct {
	// AddedMembers and their permissions and serialized details.
	AddedMembers []MemberChange
	// RemovedMembers lists identities to kick.
	RemovedMembers []types.Identity
	// PermissionChanges for existing members.
	PermissionChanges []MemberChange
	// NewSerializedGroupDetails replaces the group details when non-nil.
	NewSerializedGroupDetails []byte
	// NewPhoto replaces the group photo when non-nil. An empty non-nil
	// slice removes the photo.
	NewPhoto []byte
}

// MemberChange pairs an identity with its target permissions and details.
type MemberChange struct {
	Identity          types.Identity
	Permissions       types.Permission
	SerializedDetails []byte
}

// IsEmpty reports whether applying the change set would change nothing.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.AddedMembers) == 0 && len(cs.RemovedMembers) == 0 &&
		len(cs.PermissionChanges) == 0 && cs.NewSerializedGroupDetails == nil && cs.NewPhoto == nil
}

func (mc MemberChange) value() encoded.Value {
	return encoded.List(
		encoded.Identity(mc.Identity),
		encoded.Int(int64(mc.Permissions)),
		encoded.Bytes(mc.SerializedDetails),
	)
}

func memberChangeFromValue(v encoded.Value) (MemberChange, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return MemberChange{}, err
	}
	var mc MemberChange
	if mc.Identity, err = vs[0].AsIdentity(); err != nil {
		return MemberChange{}, fmt.Errorf("identity: %w", err)
	}
	perms, err := vs[1].AsInt()
	if err != nil {
		return MemberChange{}, fmt.Errorf("permissions: %w", err)
	}
	mc.Permissions = types.Permission(perms)
	if mc.SerializedDetails, err = vs[2].AsBytes(); err != nil {
		return MemberChange{}, fmt.Errorf("details: %w", err)
	}
	return mc, nil
}

func (cs *ChangeSet) value() encoded.Value {
	var added, permChanges, removed []encoded.Value
	for _, mc := range cs.AddedMembers {
		added = append(added, mc.value())
	}
	for _, id := range cs.RemovedMembers {
		removed = append(removed, encoded.Identity(id))
	}
	for _, mc := range cs.PermissionChanges {
		permChanges = append(permChanges, mc.value())
	}
	return encoded.List(
		encoded.List(added...),
		encoded.List(removed...),
		encoded.List(permChanges...),
		encoded.Bool(cs.NewSerializedGroupDetails != nil),
		encoded.Bytes(cs.NewSerializedGroupDetails),
		encoded.Bool(cs.NewPhoto != nil),
		encoded.Bytes(cs.NewPhoto),
	)
}

func changeSetFromValue(v encoded.Value) (*ChangeSet, error) {
	vs, err := v.AsListOfLen(7)
	if err != nil {
		return nil, err
	}
	cs := &ChangeSet{}
	added, err := vs[0].AsList()
	if err != nil {
		return nil, fmt.Errorf("added members: %w", err)
	}
	for i, av := range added {
		mc, err := memberChangeFromValue(av)
		if err != nil {
			return nil, fmt.Errorf("added member %d: %w", i, err)
		}
		cs.AddedMembers = append(cs.AddedMembers, mc)
	}
	removed, err := vs[1].AsList()
	if err != nil {
		return nil, fmt.Errorf("removed members: %w", err)
	}
	for i, rv := range removed {
		id, err := rv.AsIdentity()
		if err != nil {
			return nil, fmt.Errorf("removed member %d: %w", i, err)
		}
		cs.RemovedMembers = append(cs.RemovedMembers, id)
	}
	permChanges, err := vs[2].AsList()
	if err != nil {
		return nil, fmt.Errorf("permission changes: %w", err)
	}
	for i, pv := range permChanges {
		mc, err := memberChangeFromValue(pv)
		if err != nil {
			return nil, fmt.Errorf("permission change %d: %w", i, err)
		}
		cs.PermissionChanges = append(cs.PermissionChanges, mc)
	}
	hasDetails, err := vs[3].AsBool()
	if err != nil {
		return nil, fmt.Errorf("details flag: %w", err)
	}
	details, err := vs[4].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	if hasDetails {
		cs.NewSerializedGroupDetails = details
	}
	hasPhoto, err := vs[5].AsBool()
	if err != nil {
		return nil, fmt.Errorf("photo flag: %w", err)
	}
	photo, err := vs[6].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("photo: %w", err)
	}
	if hasPhoto {
		cs.NewPhoto = photo
	}
	return cs, nil
}

// EncodeSnapshot serializes a snapshot for storage. The identity manager
// keeps the result opaque; only this package reads it back.
func EncodeSnapshot(snap *GroupSnapshot) ([]byte, error) {
	pending := make([]encoded.Value, len(snap.PendingMembers))
	for i, id := range snap.PendingMembers {
		pending[i] = encoded.Identity(id)
	}
	return encoded.List(
		snap.Blob.value(),
		snap.Keys.value(),
		encoded.List(pending...),
		encoded.Bool(snap.Frozen),
	).Encode()
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(raw []byte) (*GroupSnapshot, error) {
	v, err := encoded.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	snap := &GroupSnapshot{}
	if snap.Blob, err = blobFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("snapshot blob: %w", err)
	}
	if snap.Keys, err = blobKeysFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("snapshot keys: %w", err)
	}
	pvs, err := vs[2].AsList()
	if err != nil {
		return nil, fmt.Errorf("snapshot pending members: %w", err)
	}
	for i, pv := range pvs {
		id, err := pv.AsIdentity()
		if err != nil {
			return nil, fmt.Errorf("snapshot pending member %d: %w", i, err)
		}
		snap.PendingMembers = append(snap.PendingMembers, id)
	}
	if snap.Frozen, err = vs[3].AsBool(); err != nil {
		return nil, fmt.Errorf("snapshot frozen flag: %w", err)
	}
	return snap, nil
}
