// pkg/groupsv2/steps_update.go
package groupsv2

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func (p *Protocol) initiateGroupUpdate(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateGroupUpdateMessage)
	if !ok {
		return engine.Ignore()
	}
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, m.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		sc.Notify(NotificationGroupUpdateFailed, encoded.List(m.GroupID.value()))
		return engine.Ignore()
	}
	if err != nil {
		return engine.Fatal(err)
	}
	if !snap.Keys.IsAdmin() {
		sc.Logger.Warn("group update without admin key refused", "group", m.GroupID.String())
		sc.Notify(NotificationGroupUpdateFailed, encoded.List(m.GroupID.value()))
		return engine.Ignore()
	}
	if snap.Frozen {
		sc.Notify(NotificationGroupUpdateFailed, encoded.List(m.GroupID.value()))
		return engine.Ignore()
	}
	if m.Changes.IsEmpty() {
		// An explicit no-op is still reported: the caller asked and nothing
		// needed doing, which is not a failure.
		sc.Notify(NotificationGroupUpdated, encoded.List(m.GroupID.value(), encoded.Int(snap.Blob.Version)))
		return engine.Continue(&FinalState{})
	}

	if err := p.identities.FreezeGroup(ctx, sc.OwnedIdentity, m.GroupID); err != nil {
		return engine.Fatal(err)
	}

	if len(m.Changes.NewPhoto) > 0 {
		photoKey, err := NewPhotoKey()
		if err != nil {
			return engine.Fatal(err)
		}
		encryptedPhoto, err := encryptPhoto(photoKey, m.Changes.NewPhoto)
		if err != nil {
			return engine.Fatal(err)
		}
		label, err := PhotoLabel(encryptedPhoto)
		if err != nil {
			return engine.Fatal(err)
		}
		sc.PostServerQuery(putUserDataQuery(label, encryptedPhoto))
		return engine.Continue(&UploadingUpdatedGroupPhotoState{
			GroupID:      m.GroupID,
			Changes:      m.Changes,
			NewPhotoInfo: ServerPhotoInfo{ServerLabel: label, PhotoKey: photoKey},
		})
	}

	if err := p.postLockRequest(sc, m.GroupID, snap.Keys.GroupAdminPriv); err != nil {
		return engine.Fatal(err)
	}
	return engine.Continue(&WaitingForLockState{GroupID: m.GroupID, Changes: m.Changes})
}

// postLockRequest signs a fresh nonce with the group-admin key and posts the
// lock request. The server grants the lock only when the signature verifies
// against the stored blob's admin public key, so a kicked ex-admin whose key
// was rotated can no longer stall updates.
func (p *Protocol) postLockRequest(sc *engine.StepContext, groupID Identifier, adminPriv ed25519.PrivateKey) error {
	nonce := make([]byte, lockNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("lock nonce: %w", err)
	}
	sc.PostServerQuery(requestLockQuery(groupID, nonce, adminPriv))
	return nil
}

func (p *Protocol) processUpdatedPhotoUpload(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*UploadingUpdatedGroupPhotoState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*UploadGroupPhotoResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	photoInfo := &s.NewPhotoInfo
	if !m.Response.IsValid() {
		// Proceed without the photo change rather than losing the rest of
		// the change set.
		sc.Logger.Warn("updated photo upload failed, dropping the photo change", "group", s.GroupID.String())
		s.Changes.NewPhoto = nil
		photoInfo = nil
	}
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, s.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Continue(&FinalState{})
	}
	if err != nil {
		return engine.Fatal(err)
	}
	if err := p.postLockRequest(sc, s.GroupID, snap.Keys.GroupAdminPriv); err != nil {
		return engine.Fatal(err)
	}
	return engine.Continue(&WaitingForLockState{
		GroupID:       s.GroupID,
		Changes:       s.Changes,
		NewPhotoInfo:  photoInfo,
		FailedUploads: s.FailedUploads,
	})
}

// abandonUpdate unfreezes the group and reports the update as failed.
func (p *Protocol) abandonUpdate(ctx context.Context, sc *engine.StepContext, groupID Identifier) engine.StepResult {
	if err := p.identities.UnfreezeGroup(ctx, sc.OwnedIdentity, groupID); err != nil {
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupUpdateFailed, encoded.List(groupID.value()))
	return engine.Continue(&FinalState{})
}

func (p *Protocol) processRequestLockResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*WaitingForLockState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*RequestLockResponseMessage)
	if !ok {
		return engine.Ignore()
	}

	lockNonce, encryptedBlob, entries, failed := m.Payload()
	if failed {
		s.FailedUploads++
		if s.FailedUploads > p.retryCap {
			sc.Logger.Error("blob lock retries exhausted", "group", s.GroupID.String(), "tries", s.FailedUploads)
			return p.abandonUpdate(ctx, sc, s.GroupID)
		}
		snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, s.GroupID)
		if errors.Is(err, ErrGroupNotFound) {
			return engine.Continue(&FinalState{})
		}
		if err != nil {
			return engine.Fatal(err)
		}
		if err := p.postLockRequest(sc, s.GroupID, snap.Keys.GroupAdminPriv); err != nil {
			return engine.Fatal(err)
		}
		return engine.Continue(s)
	}

	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, s.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Continue(&FinalState{})
	}
	if err != nil {
		return engine.Fatal(err)
	}

	// The server's blob under the lock is the consensus base, not our stored
	// copy: a concurrent admin may have won a round since we last looked.
	current, _, err := DecryptAndCheckBlob(encryptedBlob, snap.Keys, s.GroupID, p.verifier)
	if err != nil {
		sc.Logger.Warn("cannot decrypt blob under lock with stored keys", "group", s.GroupID.String(), "err", err)
		return p.abandonUpdate(ctx, sc, s.GroupID)
	}
	ReplayLogEntries(current, s.GroupID, entries)

	updated, kicked, err := applyChangeSet(current, s.Changes, s.NewPhotoInfo)
	if err != nil {
		sc.Logger.Warn("change set no longer applies", "group", s.GroupID.String(), "err", err)
		return p.abandonUpdate(ctx, sc, s.GroupID)
	}
	updated.Version = current.Version + 1

	updatedKeys := snap.Keys
	versionSeed, err := types.NewSeed(rand.Reader)
	if err != nil {
		return engine.Fatal(err)
	}
	updatedKeys.VersionSeed = versionSeed

	signer := ownedSigner{ctx: ctx, delegate: p.identities, owned: sc.OwnedIdentity}
	oldAdmins := updated.Chain.AdminSet()
	newAdmins := updated.AdminMembers()
	if !identitySetsEqual(oldAdmins, newAdmins) {
		chain, err := updated.Chain.Append(sc.OwnedIdentity, signer, newAdmins)
		if err != nil {
			return engine.Fatal(fmt.Errorf("extend administrators chain: %w", err))
		}
		updated.Chain = chain
		if adminLost(oldAdmins, newAdmins) {
			// A removed admin knows the old group-admin key; rotate it so
			// the server stops honoring that key for privileged calls.
			_, adminPriv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return engine.Fatal(fmt.Errorf("rotate admin key: %w", err))
			}
			updatedKeys.GroupAdminPriv = adminPriv
		}
	}

	sealed, err := SignAndEncryptBlob(updated, sc.OwnedIdentity, signer, updatedKeys)
	if err != nil {
		return engine.Fatal(err)
	}
	// The overwrite is authorized by the key on the server's current blob,
	// which is still the pre-rotation one even when this upload installs a
	// fresh admin key.
	sc.PostServerQuery(updateGroupBlobQuery(s.GroupID, lockNonce, snap.Keys.GroupAdminPriv, updatedKeys.AdminPublicKey(), sealed))

	return engine.Continue(&UploadingUpdatedGroupBlobState{
		GroupID:       s.GroupID,
		Changes:       s.Changes,
		UpdatedBlob:   updated,
		UpdatedKeys:   updatedKeys,
		OldKeys:       snap.Keys,
		KickedMembers: kicked,
		NewPhotoInfo:  s.NewPhotoInfo,
		FailedUploads: s.FailedUploads,
	})
}

func (p *Protocol) processUpdatedBlobUpload(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*UploadingUpdatedGroupBlobState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*UploadGroupBlobResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	accepted, definitive := m.Accepted()
	if definitive {
		sc.Logger.Error("blob upload failed for good", "group", s.GroupID.String())
		return p.abandonUpdate(ctx, sc, s.GroupID)
	}
	if !accepted {
		// Another admin won the round. Start over from a fresh lock; the
		// change set re-applies against whatever blob is current by then.
		s.FailedUploads++
		if s.FailedUploads > p.retryCap {
			sc.Logger.Error("blob upload retries exhausted", "group", s.GroupID.String(), "tries", s.FailedUploads)
			return p.abandonUpdate(ctx, sc, s.GroupID)
		}
		if err := p.postLockRequest(sc, s.GroupID, s.OldKeys.GroupAdminPriv); err != nil {
			return engine.Fatal(err)
		}
		return engine.Continue(&WaitingForLockState{
			GroupID:       s.GroupID,
			Changes:       s.Changes,
			NewPhotoInfo:  s.NewPhotoInfo,
			FailedUploads: s.FailedUploads,
		})
	}

	// Consensus reached: store, fan out, and evict.
	var pending []types.Identity
	for _, mc := range s.Changes.AddedMembers {
		if s.UpdatedBlob.FindMember(mc.Identity) != nil {
			pending = append(pending, mc.Identity)
		}
	}
	snap := &GroupSnapshot{Blob: s.UpdatedBlob, Keys: s.UpdatedKeys, PendingMembers: pending}
	if err := p.identities.UpdateGroup(ctx, sc.OwnedIdentity, s.GroupID, snap); err != nil {
		return engine.Fatal(fmt.Errorf("store updated group: %w", err))
	}

	if err := p.sendMemberInvitations(ctx, sc, s.GroupID, s.UpdatedBlob, s.UpdatedKeys); err != nil {
		return engine.Fatal(err)
	}
	if err := p.propagateToOwnedDevices(ctx, sc, s.GroupID, s.UpdatedBlob.Version, s.UpdatedKeys); err != nil {
		return engine.Fatal(err)
	}
	for _, kicked := range s.KickedMembers {
		if err := p.sendKick(ctx, sc, s.GroupID, s.UpdatedBlob.Chain, s.OldKeys, kicked); err != nil {
			return engine.Fatal(err)
		}
	}

	sc.Logger.Info("group update settled", "group", s.GroupID.String(), "version", s.UpdatedBlob.Version, "kicked", len(s.KickedMembers))
	sc.Notify(NotificationGroupUpdated, encoded.List(s.GroupID.value(), encoded.Int(s.UpdatedBlob.Version)))
	return engine.Continue(&FinalState{})
}

// sendKick encrypts the final chain under the keys the evicted member still
// holds and signs its invitation nonce, proving an admin ordered the kick.
func (p *Protocol) sendKick(ctx context.Context, sc *engine.StepContext, groupID Identifier, chain AdministratorsChain, keys BlobKeys, kicked Member) error {
	rawChain, err := chain.Encode()
	if err != nil {
		return err
	}
	encryptedChain, err := encryptBlob(keys, rawChain)
	if err != nil {
		return fmt.Errorf("encrypt kick chain: %w", err)
	}
	sig, err := p.identities.SignWithOwnedIdentity(ctx, sc.OwnedIdentity, KickPayload(groupID, kicked.InvitationNonce))
	if err != nil {
		return fmt.Errorf("sign kick: %w", err)
	}
	msg := &KickMessage{GroupID: groupID, EncryptedChain: encryptedChain, Signature: sig}
	confirmed, err := sc.Channels.HasConfirmedChannel(ctx, sc.OwnedIdentity, kicked.Identity)
	if err != nil {
		return err
	}
	send := types.AsymmetricBroadcastSend(kicked.Identity)
	if confirmed {
		send = types.AllConfirmedChannelsSend(kicked.Identity)
	}
	sc.PostMessage(engine.NewOutboundMessage(
		sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgKick, send, msg.inputs()...))
	return nil
}

// adminLost reports whether any old admin is absent from the new admin set.
func adminLost(oldAdmins, newAdmins []types.Identity) bool {
	for _, id := range oldAdmins {
		if !identitySetContains(newAdmins, id) {
			return true
		}
	}
	return false
}

// applyChangeSet rewrites a copy of the blob according to the change set and
// returns the member entries that were removed. Version is left to the
// caller.
func applyChangeSet(blob *ServerBlob, changes *ChangeSet, photoInfo *ServerPhotoInfo) (*ServerBlob, []Member, error) {
	updated := &ServerBlob{
		Chain:                  blob.Chain,
		Members:                append([]Member(nil), blob.Members...),
		Version:                blob.Version,
		SerializedGroupDetails: blob.SerializedGroupDetails,
		PhotoInfo:              blob.PhotoInfo,
	}

	var kicked []Member
	for _, id := range changes.RemovedMembers {
		member := updated.FindMember(id)
		if member == nil {
			continue
		}
		kicked = append(kicked, *member)
		updated.RemoveMember(id)
	}

	for _, mc := range changes.AddedMembers {
		if updated.FindMember(mc.Identity) != nil {
			continue
		}
		nonce, err := NewInvitationNonce()
		if err != nil {
			return nil, nil, err
		}
		updated.Members = append(updated.Members, Member{
			Identity:          mc.Identity,
			Permissions:       mc.Permissions,
			SerializedDetails: mc.SerializedDetails,
			InvitationNonce:   nonce,
		})
	}

	for _, mc := range changes.PermissionChanges {
		member := updated.FindMember(mc.Identity)
		if member == nil {
			return nil, nil, fmt.Errorf("permission change for non-member %s", mc.Identity)
		}
		member.Permissions = mc.Permissions
		if mc.SerializedDetails != nil {
			member.SerializedDetails = mc.SerializedDetails
		}
	}

	if changes.NewSerializedGroupDetails != nil {
		updated.SerializedGroupDetails = changes.NewSerializedGroupDetails
	}
	if changes.NewPhoto != nil {
		if len(changes.NewPhoto) == 0 {
			updated.PhotoInfo = nil
		} else if photoInfo != nil {
			updated.PhotoInfo = photoInfo
		}
	}

	if len(updated.AdminMembers()) == 0 {
		return nil, nil, fmt.Errorf("change set leaves the group without an admin")
	}
	return updated, kicked, nil
}
