// pkg/groupsv2/steps_creation.go
package groupsv2

import (
	"context"
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// keysForMember restricts the distributed key material to what the member is
// entitled to: everyone gets the seeds, only admins get the group admin key.
func keysForMember(keys BlobKeys, isAdmin bool) BlobKeys {
	out := BlobKeys{MainSeed: keys.MainSeed, VersionSeed: keys.VersionSeed}
	if isAdmin {
		out.GroupAdminPriv = keys.GroupAdminPriv
	}
	return out
}

// broadcastKeys strips the main seed: it never crosses an unauthenticated
// hop, whoever the recipient is.
func broadcastKeys(keys BlobKeys) BlobKeys {
	keys.MainSeed = types.Seed{}
	return keys
}

// sendMemberInvitations fans the blob keys out to every member except the
// owned identity, preferring confirmed channels and falling back to
// asymmetric broadcast with the main seed withheld.
func (p *Protocol) sendMemberInvitations(ctx context.Context, sc *engine.StepContext, groupID Identifier, blob *ServerBlob, keys BlobKeys) error {
	for _, member := range blob.Members {
		if member.Identity.Equal(sc.OwnedIdentity) {
			continue
		}
		memberKeys := keysForMember(keys, member.Permissions.IsAdmin())
		confirmed, err := sc.Channels.HasConfirmedChannel(ctx, sc.OwnedIdentity, member.Identity)
		if err != nil {
			return fmt.Errorf("channel lookup for %s: %w", member.Identity, err)
		}
		if confirmed {
			devices, err := sc.Channels.ConfirmedDeviceUIDs(ctx, sc.OwnedIdentity, member.Identity)
			if err != nil {
				return fmt.Errorf("device lookup for %s: %w", member.Identity, err)
			}
			msg := &InvitationOrMembersUpdateMessage{
				GroupID:            groupID,
				GroupVersion:       blob.Version,
				Keys:               memberKeys,
				NotifiedDeviceUIDs: devices,
			}
			sc.PostMessage(engine.NewOutboundMessage(
				sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgInvitationOrMembersUpdate,
				types.AllConfirmedChannelsSend(member.Identity), msg.inputs()...))
			continue
		}
		msg := &InvitationOrMembersUpdateBroadcastMessage{
			GroupID:      groupID,
			GroupVersion: blob.Version,
			Keys:         broadcastKeys(memberKeys),
		}
		sc.PostMessage(engine.NewOutboundMessage(
			sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgInvitationOrMembersUpdateBroadcast,
			types.AsymmetricBroadcastSend(member.Identity), msg.inputs()...))
	}
	return nil
}

// propagateToOwnedDevices relays the blob keys to the owned identity's other
// devices, when there are any.
func (p *Protocol) propagateToOwnedDevices(ctx context.Context, sc *engine.StepContext, groupID Identifier, version int64, keys BlobKeys) error {
	devices, err := sc.Channels.OwnedDeviceUIDs(ctx, sc.OwnedIdentity)
	if err != nil {
		return fmt.Errorf("owned device lookup: %w", err)
	}
	if len(devices) == 0 {
		return nil
	}
	msg := &InvitationOrMembersUpdatePropagatedMessage{
		GroupID:      groupID,
		GroupVersion: version,
		Keys:         keys,
	}
	sc.PostMessage(engine.NewOutboundMessage(
		sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgInvitationOrMembersUpdatePropagated,
		types.AllOwnedOtherDevicesSend(sc.OwnedIdentity), msg.inputs()...))
	return nil
}

func (p *Protocol) initiateGroupCreation(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateGroupCreationMessage)
	if !ok {
		return engine.Ignore()
	}
	if !m.OwnPermissions.IsAdmin() {
		sc.Logger.Warn("group creation without admin permission refused")
		sc.Notify(NotificationGroupCreationFailed, encoded.List())
		return engine.Ignore()
	}

	// Creation is fail-closed: a member we cannot reach over a confirmed
	// channel would never receive the main seed, so the group is not created
	// at all.
	for _, mc := range m.OtherMembers {
		confirmed, err := sc.Channels.HasConfirmedChannel(ctx, sc.OwnedIdentity, mc.Identity)
		if err != nil {
			return engine.Fatal(fmt.Errorf("channel lookup for %s: %w", mc.Identity, err))
		}
		if !confirmed {
			sc.Logger.Warn("group creation refused, no confirmed channel", "member", mc.Identity.String())
			sc.Notify(NotificationGroupCreationFailed, encoded.List())
			return engine.Ignore()
		}
	}

	keys, err := NewBlobKeys(true)
	if err != nil {
		return engine.Fatal(err)
	}

	admins := []types.Identity{sc.OwnedIdentity}
	for _, mc := range m.OtherMembers {
		if mc.Permissions.IsAdmin() {
			admins = append(admins, mc.Identity)
		}
	}
	signer := ownedSigner{ctx: ctx, delegate: p.identities, owned: sc.OwnedIdentity}
	chain, err := NewChain(sc.OwnedIdentity, signer, admins)
	if err != nil {
		return engine.Fatal(fmt.Errorf("administrators chain: %w", err))
	}
	groupUID, err := chain.GroupUID()
	if err != nil {
		return engine.Fatal(err)
	}
	groupID := Identifier{
		Category:     CategoryServer,
		GroupUID:     groupUID,
		ServerDomain: sc.OwnedIdentity.ServerDomain,
	}

	ownNonce, err := NewInvitationNonce()
	if err != nil {
		return engine.Fatal(err)
	}
	members := []Member{{
		Identity:          sc.OwnedIdentity,
		Permissions:       m.OwnPermissions,
		InvitationNonce:   ownNonce,
		SerializedDetails: nil,
	}}
	for _, mc := range m.OtherMembers {
		nonce, err := NewInvitationNonce()
		if err != nil {
			return engine.Fatal(err)
		}
		members = append(members, Member{
			Identity:          mc.Identity,
			Permissions:       mc.Permissions,
			SerializedDetails: mc.SerializedDetails,
			InvitationNonce:   nonce,
		})
	}
	blob := &ServerBlob{
		Chain:                  chain,
		Members:                members,
		Version:                1,
		SerializedGroupDetails: m.SerializedGroupDetails,
	}

	hasPhoto := len(m.Photo) > 0
	if hasPhoto {
		photoKey, err := NewPhotoKey()
		if err != nil {
			return engine.Fatal(err)
		}
		encryptedPhoto, err := encryptPhoto(photoKey, m.Photo)
		if err != nil {
			return engine.Fatal(err)
		}
		label, err := PhotoLabel(encryptedPhoto)
		if err != nil {
			return engine.Fatal(err)
		}
		blob.PhotoInfo = &ServerPhotoInfo{ServerLabel: label, PhotoKey: photoKey}
		sc.PostServerQuery(putUserDataQuery(label, encryptedPhoto))
	}

	encryptedBlob, err := SignAndEncryptBlob(blob, sc.OwnedIdentity, signer, keys)
	if err != nil {
		return engine.Fatal(err)
	}
	sc.PostServerQuery(createGroupBlobQuery(groupID, keys.AdminPublicKey(), encryptedBlob))

	sc.Logger.Info("group creation started", "group", groupID.String(), "members", len(members))
	return engine.Continue(&UploadingCreatedGroupDataState{
		GroupID:       groupID,
		Blob:          blob,
		Keys:          keys,
		PhotoUploaded: !hasPhoto,
	})
}

func (p *Protocol) processCreatedPhotoUpload(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*UploadingCreatedGroupDataState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*UploadGroupPhotoResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	// A lost photo upload never blocks creation; the photo can be re-uploaded
	// later through a group update.
	if !m.Response.IsValid() {
		sc.Logger.Warn("group photo upload failed, continuing without it", "group", s.GroupID.String())
	}
	s.PhotoUploaded = true
	if s.BlobUploaded {
		if err := sc.StartChildProtocol(TypeID, sc.InstanceUID, MsgFinalizeGroupCreation); err != nil {
			return engine.Fatal(err)
		}
	}
	return engine.Continue(s)
}

func (p *Protocol) processCreatedBlobUpload(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*UploadingCreatedGroupDataState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*UploadGroupBlobResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	accepted, _ := m.Accepted()
	if !accepted {
		// Unlike the photo, the blob is the group. Clean up the server side
		// in case a half-created blob landed, and report the failure.
		sc.Logger.Error("initial blob upload failed, abandoning group creation", "group", s.GroupID.String())
		sc.PostServerQuery(deleteGroupBlobQuery(s.GroupID, s.Keys.GroupAdminPriv))
		sc.Notify(NotificationGroupCreationFailed, encoded.List(s.GroupID.value()))
		return engine.Continue(&FinalState{})
	}
	s.BlobUploaded = true
	if s.PhotoUploaded {
		if err := sc.StartChildProtocol(TypeID, sc.InstanceUID, MsgFinalizeGroupCreation); err != nil {
			return engine.Fatal(err)
		}
	}
	return engine.Continue(s)
}

func (p *Protocol) finalizeGroupCreation(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*UploadingCreatedGroupDataState)
	if !ok {
		return engine.Ignore()
	}
	if !s.BlobUploaded || !s.PhotoUploaded {
		return engine.Ignore()
	}

	// The fail-closed check runs again after the server round: a confirmed
	// channel lost since initiation would leave a member no authenticated
	// hop can ever carry the main seed to, so the whole creation unwinds.
	for _, member := range s.Blob.Members {
		if member.Identity.Equal(sc.OwnedIdentity) {
			continue
		}
		confirmed, err := sc.Channels.HasConfirmedChannel(ctx, sc.OwnedIdentity, member.Identity)
		if err != nil {
			return engine.Fatal(fmt.Errorf("channel lookup for %s: %w", member.Identity, err))
		}
		if !confirmed {
			sc.Logger.Error("confirmed channel lost before finalize, abandoning group creation",
				"group", s.GroupID.String(), "member", member.Identity.String())
			sc.PostServerQuery(deleteGroupBlobQuery(s.GroupID, s.Keys.GroupAdminPriv))
			sc.Notify(NotificationGroupCreationFailed, encoded.List(s.GroupID.value()))
			return engine.Continue(&FinalState{})
		}
	}

	var pending []types.Identity
	for _, member := range s.Blob.Members {
		if !member.Identity.Equal(sc.OwnedIdentity) {
			pending = append(pending, member.Identity)
		}
	}
	snap := &GroupSnapshot{Blob: s.Blob, Keys: s.Keys, PendingMembers: pending}
	if err := p.identities.CreateGroup(ctx, sc.OwnedIdentity, s.GroupID, snap); err != nil {
		return engine.Fatal(fmt.Errorf("store created group: %w", err))
	}

	if err := p.sendMemberInvitations(ctx, sc, s.GroupID, s.Blob, s.Keys); err != nil {
		return engine.Fatal(err)
	}
	if err := p.propagateToOwnedDevices(ctx, sc, s.GroupID, s.Blob.Version, s.Keys); err != nil {
		return engine.Fatal(err)
	}

	sc.Logger.Info("group created", "group", s.GroupID.String())
	sc.Notify(NotificationGroupCreated, encoded.List(s.GroupID.value()))
	return engine.Continue(&FinalState{})
}
