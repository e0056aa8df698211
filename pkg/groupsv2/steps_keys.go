// pkg/groupsv2/steps_keys.go
package groupsv2

import (
	"context"
	"errors"
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func (p *Protocol) initiateGroupReDownload(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateGroupReDownloadMessage)
	if !ok {
		return engine.Ignore()
	}
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, m.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Ignore()
	}
	if err != nil {
		return engine.Fatal(err)
	}
	if err := p.identities.FreezeGroup(ctx, sc.OwnedIdentity, m.GroupID); err != nil {
		return engine.Fatal(err)
	}
	collected := NewInvitationCollectedData()
	collectFromStoredKeys(collected, sc.OwnedIdentity, snap.Keys)
	sc.PostServerQuery(getGroupBlobQuery(m.GroupID))
	return engine.Continue(&DownloadingGroupBlobState{
		GroupID:         m.GroupID,
		Collected:       collected,
		ExpectedVersion: snap.Blob.Version,
	})
}

func (p *Protocol) initiateBatchKeysResend(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateBatchKeysResendMessage)
	if !ok {
		return engine.Ignore()
	}
	groupIDs, err := p.identities.GroupsSharedWith(ctx, sc.OwnedIdentity, m.ContactIdentity)
	if err != nil {
		return engine.Fatal(fmt.Errorf("shared group lookup: %w", err))
	}
	resent := 0
	for _, groupID := range groupIDs {
		snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, groupID)
		if errors.Is(err, ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return engine.Fatal(err)
		}
		member := snap.Blob.FindMember(m.ContactIdentity)
		if member == nil {
			continue
		}
		keys := keysForMember(snap.Keys, member.Permissions.IsAdmin())
		out := &BlobKeysAfterChannelCreationMessage{
			GroupID:      groupID,
			GroupVersion: snap.Blob.Version,
			Keys:         keys,
		}
		sc.PostMessage(engine.NewOutboundMessage(
			sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgBlobKeysAfterChannelCreation,
			types.AllConfirmedChannelsSend(m.ContactIdentity), out.inputs()...))
		resent++
	}
	if resent > 0 {
		sc.Logger.Info("blob keys re-sent after channel creation",
			"contact", m.ContactIdentity.String(), "groups", resent)
	}
	return engine.Continue(&FinalState{})
}

func (p *Protocol) processBlobKeysAfterChannelCreation(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*BlobKeysAfterChannelCreationMessage)
	if !ok {
		return engine.Ignore()
	}
	// Same handling as a confirmed-channel invitation: backfill the main
	// seed at the stored version, or chase a newer blob.
	return p.startInvitationOrUpdate(ctx, sc, invitationPayload{
		GroupID:      m.GroupID,
		GroupVersion: m.GroupVersion,
		Keys:         m.Keys,
	})
}

func (p *Protocol) processPhotoDownloadResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*DownloadingGroupPhotoState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*DownloadGroupPhotoResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	encryptedPhoto, valid := m.EncryptedPhoto()
	if !valid {
		sc.Logger.Warn("group photo download failed", "group", s.GroupID.String())
		return engine.Continue(&FinalState{})
	}
	// The label is the content address of the ciphertext; a mismatch means
	// the server substituted the bytes.
	label, err := PhotoLabel(encryptedPhoto)
	if err != nil || !label.Equals(s.PhotoInfo.ServerLabel) {
		sc.Logger.Warn("group photo does not match its server label", "group", s.GroupID.String())
		return engine.Continue(&FinalState{})
	}
	photo, err := decryptPhoto(s.PhotoInfo.PhotoKey, encryptedPhoto)
	if err != nil {
		sc.Logger.Warn("group photo decryption failed", "group", s.GroupID.String())
		return engine.Continue(&FinalState{})
	}
	sc.Notify(NotificationGroupPhotoDownloaded, encoded.List(s.GroupID.value(), encoded.Bytes(photo)))
	return engine.Continue(&FinalState{})
}
