// pkg/groupsv2/steps_invitation.go
package groupsv2

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// invitationPayload is the normalized form of the three invitation variants.
type invitationPayload struct {
	GroupID      Identifier
	GroupVersion int64
	Keys         BlobKeys
}

func normalizeInvitation(msg engine.Message) (invitationPayload, bool) {
	switch m := msg.(type) {
	case *InvitationOrMembersUpdateMessage:
		return invitationPayload{m.GroupID, m.GroupVersion, m.Keys}, true
	case *InvitationOrMembersUpdateBroadcastMessage:
		// The decoder already discarded any broadcast main seed.
		return invitationPayload{m.GroupID, m.GroupVersion, m.Keys}, true
	case *InvitationOrMembersUpdatePropagatedMessage:
		return invitationPayload{m.GroupID, m.GroupVersion, m.Keys}, true
	default:
		return invitationPayload{}, false
	}
}

// collectFromInvitation folds a message's key material into the accumulator.
// The main seed is credited to the channel's remote identity; a message that
// arrived without one contributes only the version seed and admin key.
func collectFromInvitation(c *InvitationCollectedData, sc *engine.StepContext, inv invitationPayload) {
	if inv.Keys.HasMainSeed() && !sc.Channel.RemoteIdentity.IsZero() {
		c.AddMainSeed(sc.Channel.RemoteIdentity, inv.Keys.MainSeed)
	}
	c.AddVersionSeed(inv.Keys.VersionSeed)
	if inv.Keys.IsAdmin() {
		c.AddAdminPriv(inv.Keys.GroupAdminPriv)
	}
}

// collectFromStoredKeys seeds the accumulator with what we already hold for
// the stored version. The main seed never changes across versions, so it is
// always worth carrying into a re-download.
func collectFromStoredKeys(c *InvitationCollectedData, owned types.Identity, keys BlobKeys) {
	if keys.HasMainSeed() {
		c.AddMainSeed(owned, keys.MainSeed)
	}
	c.AddVersionSeed(keys.VersionSeed)
	if keys.IsAdmin() {
		c.AddAdminPriv(keys.GroupAdminPriv)
	}
}

func (p *Protocol) processInvitationOrMembersUpdate(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	inv, ok := normalizeInvitation(msg)
	if !ok {
		return engine.Ignore()
	}

	switch s := st.(type) {
	case *InitialState:
		return p.startInvitationOrUpdate(ctx, sc, inv)

	case *DownloadingGroupBlobState:
		if !inv.GroupID.Equal(s.GroupID) {
			return engine.Ignore()
		}
		collectFromInvitation(s.Collected, sc, inv)
		if inv.GroupVersion > s.ExpectedVersion {
			s.ExpectedVersion = inv.GroupVersion
		}
		return engine.Continue(s)

	case *INeedMoreSeedsState:
		if !inv.GroupID.Equal(s.GroupID) {
			return engine.Ignore()
		}
		collectFromInvitation(s.Collected, sc, inv)
		if inv.GroupVersion > s.ExpectedVersion {
			s.ExpectedVersion = inv.GroupVersion
		}
		if !s.Collected.CanAttemptDecryption() {
			return engine.Continue(s)
		}
		sc.PostServerQuery(getGroupBlobQuery(s.GroupID))
		return engine.Continue(&DownloadingGroupBlobState{
			GroupID:         s.GroupID,
			Collected:       s.Collected,
			ExpectedVersion: s.ExpectedVersion,
		})

	case *InvitationReceivedState:
		if !inv.GroupID.Equal(s.GroupID) {
			return engine.Ignore()
		}
		if inv.GroupVersion <= s.Blob.Version {
			// Stale or same version: at most it can fill in a missing main
			// seed for the blob we already verified.
			if !s.Keys.HasMainSeed() && inv.Keys.HasMainSeed() {
				s.Keys.MainSeed = inv.Keys.MainSeed
				return engine.Continue(s)
			}
			return engine.Ignore()
		}
		// A newer version supersedes the pending invitation; re-download and
		// re-prompt from the fresh blob.
		sc.DeleteDialog(s.DialogUUID)
		collected := NewInvitationCollectedData()
		collectFromStoredKeys(collected, sc.OwnedIdentity, s.Keys)
		collectFromInvitation(collected, sc, inv)
		sc.PostServerQuery(getGroupBlobQuery(s.GroupID))
		return engine.Continue(&DownloadingGroupBlobState{
			GroupID:         s.GroupID,
			Collected:       collected,
			ExpectedVersion: inv.GroupVersion,
		})

	default:
		return engine.Ignore()
	}
}

// startInvitationOrUpdate handles an invitation landing on an idle instance:
// either a group we already store (a members update) or a brand new
// invitation.
func (p *Protocol) startInvitationOrUpdate(ctx context.Context, sc *engine.StepContext, inv invitationPayload) engine.StepResult {
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, inv.GroupID)
	switch {
	case errors.Is(err, ErrGroupNotFound):
		collected := NewInvitationCollectedData()
		collectFromInvitation(collected, sc, inv)
		if !collected.CanAttemptDecryption() {
			return engine.Continue(&INeedMoreSeedsState{
				GroupID:         inv.GroupID,
				Collected:       collected,
				ExpectedVersion: inv.GroupVersion,
			})
		}
		sc.PostServerQuery(getGroupBlobQuery(inv.GroupID))
		return engine.Continue(&DownloadingGroupBlobState{
			GroupID:         inv.GroupID,
			Collected:       collected,
			ExpectedVersion: inv.GroupVersion,
		})
	case err != nil:
		return engine.Fatal(fmt.Errorf("group lookup: %w", err))
	}

	if inv.GroupVersion <= snap.Blob.Version {
		// Already at or past this version. The message may still carry the
		// main seed a broadcast-invited device is waiting for.
		if !snap.Keys.HasMainSeed() && inv.Keys.HasMainSeed() {
			merged := snap.Keys
			merged.MainSeed = inv.Keys.MainSeed
			if err := p.identities.UpdateGroupKeys(ctx, sc.OwnedIdentity, inv.GroupID, merged); err != nil {
				return engine.Fatal(fmt.Errorf("backfill main seed: %w", err))
			}
		}
		return engine.Continue(&FinalState{})
	}

	if err := p.identities.FreezeGroup(ctx, sc.OwnedIdentity, inv.GroupID); err != nil {
		return engine.Fatal(fmt.Errorf("freeze group: %w", err))
	}
	collected := NewInvitationCollectedData()
	collectFromStoredKeys(collected, sc.OwnedIdentity, snap.Keys)
	collectFromInvitation(collected, sc, inv)
	sc.PostServerQuery(getGroupBlobQuery(inv.GroupID))
	return engine.Continue(&DownloadingGroupBlobState{
		GroupID:         inv.GroupID,
		Collected:       collected,
		ExpectedVersion: inv.GroupVersion,
	})
}

func (p *Protocol) processBlobDownloadResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*DownloadingGroupBlobState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*DownloadGroupBlobResponseMessage)
	if !ok {
		return engine.Ignore()
	}

	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, s.GroupID)
	stored := err == nil
	if err != nil && !errors.Is(err, ErrGroupNotFound) {
		return engine.Fatal(fmt.Errorf("group lookup: %w", err))
	}

	encryptedBlob, entries, failed := m.Payload()
	if failed {
		sc.Logger.Warn("blob download failed", "group", s.GroupID.String())
		if stored {
			if err := p.identities.UnfreezeGroup(ctx, sc.OwnedIdentity, s.GroupID); err != nil {
				return engine.Fatal(err)
			}
		}
		return engine.Continue(&FinalState{})
	}

	blob, keys, decryptErr := p.tryDecryptBlob(encryptedBlob, s)
	if decryptErr != nil {
		sc.Logger.Info("no key combination decrypts the blob yet",
			"group", s.GroupID.String(), "combinations", len(s.Collected.KeyCombinations()))
		return engine.Continue(&INeedMoreSeedsState{
			GroupID:         s.GroupID,
			Collected:       s.Collected,
			ExpectedVersion: s.ExpectedVersion,
		})
	}
	ReplayLogEntries(blob, s.GroupID, entries)

	me := blob.FindMember(sc.OwnedIdentity)
	if me == nil {
		// The authoritative blob does not contain us: decline silently, and
		// drop the stored group if we had one.
		sc.Logger.Info("downloaded blob does not list the owned identity", "group", s.GroupID.String())
		if stored {
			if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, s.GroupID); err != nil {
				return engine.Fatal(err)
			}
			sc.Notify(NotificationGroupKicked, encoded.List(s.GroupID.value()))
		}
		return engine.Continue(&FinalState{})
	}

	if stored {
		return p.applyDownloadedUpdate(ctx, sc, s, snap, blob, keys)
	}

	// A fresh invitation: hold the verified blob and ask the user.
	dialogUUID := uuid.New()
	sc.PresentDialog(&engine.Dialog{
		UUID:              dialogUUID,
		Category:          engine.DialogAcceptGroupInvite,
		Payload:           encoded.List(s.GroupID.value(), encoded.Bytes(blob.SerializedGroupDetails), encoded.Int(blob.Version)),
		ResponseMessageID: MsgDialogAcceptGroupInvitation,
	})
	return engine.Continue(&InvitationReceivedState{
		GroupID:    s.GroupID,
		DialogUUID: dialogUUID,
		Blob:       blob,
		Keys:       keys,
	})
}

// tryDecryptBlob walks every collected key combination until one decrypts and
// verifies the blob. The winning combination is completed with the first
// admin key candidate, whose validity only the server can judge.
func (p *Protocol) tryDecryptBlob(encryptedBlob []byte, s *DownloadingGroupBlobState) (*ServerBlob, BlobKeys, error) {
	var lastErr error
	for _, combo := range s.Collected.KeyCombinations() {
		blob, _, err := DecryptAndCheckBlob(encryptedBlob, combo, s.GroupID, p.verifier)
		if err != nil {
			lastErr = err
			continue
		}
		if len(s.Collected.AdminPrivCandidates) > 0 {
			combo.GroupAdminPriv = s.Collected.AdminPrivCandidates[0]
		}
		return blob, combo, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key combination collected")
	}
	return nil, BlobKeys{}, lastErr
}

// applyDownloadedUpdate replaces the stored group with a newer verified blob.
func (p *Protocol) applyDownloadedUpdate(ctx context.Context, sc *engine.StepContext, s *DownloadingGroupBlobState, old *GroupSnapshot, blob *ServerBlob, keys BlobKeys) engine.StepResult {
	if blob.Version <= old.Blob.Version {
		if err := p.identities.UnfreezeGroup(ctx, sc.OwnedIdentity, s.GroupID); err != nil {
			return engine.Fatal(err)
		}
		return engine.Continue(&FinalState{})
	}

	// Members already proven for the old version stay proven; everyone else
	// is pending until their join ping arrives.
	oldPending := map[string]bool{}
	for _, id := range old.PendingMembers {
		oldPending[string(id.Bytes())] = true
	}
	oldMember := map[string]bool{}
	for _, memb := range old.Blob.Members {
		oldMember[string(memb.Identity.Bytes())] = true
	}
	var pending []types.Identity
	for _, memb := range blob.Members {
		if memb.Identity.Equal(sc.OwnedIdentity) {
			continue
		}
		key := string(memb.Identity.Bytes())
		if !oldMember[key] || oldPending[key] {
			pending = append(pending, memb.Identity)
		}
	}

	// The main seed is immutable; never lose one we already hold.
	if !keys.HasMainSeed() && old.Keys.HasMainSeed() {
		keys.MainSeed = old.Keys.MainSeed
	}

	snap := &GroupSnapshot{Blob: blob, Keys: keys, PendingMembers: pending}
	if err := p.identities.UpdateGroup(ctx, sc.OwnedIdentity, s.GroupID, snap); err != nil {
		return engine.Fatal(fmt.Errorf("apply group update: %w", err))
	}
	sc.Notify(NotificationGroupUpdated, encoded.List(s.GroupID.value(), encoded.Int(blob.Version)))

	newPhoto := blob.PhotoInfo != nil &&
		(old.Blob.PhotoInfo == nil || !old.Blob.PhotoInfo.ServerLabel.Equals(blob.PhotoInfo.ServerLabel))
	if newPhoto {
		sc.PostServerQuery(getUserDataQuery(blob.PhotoInfo.ServerLabel))
		return engine.Continue(&DownloadingGroupPhotoState{GroupID: s.GroupID, PhotoInfo: *blob.PhotoInfo})
	}
	return engine.Continue(&FinalState{})
}

func (p *Protocol) processInvitationDialogResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*InvitationReceivedState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*DialogAcceptGroupInvitationMessage)
	if !ok {
		return engine.Ignore()
	}
	if m.DialogUUID != s.DialogUUID {
		return engine.Ignore()
	}

	me := s.Blob.FindMember(sc.OwnedIdentity)
	if me == nil {
		sc.DeleteDialog(s.DialogUUID)
		return engine.Continue(&FinalState{})
	}

	// Tell the owned identity's other devices first, so their prompts go
	// away whichever way the user decided.
	devices, err := sc.Channels.OwnedDeviceUIDs(ctx, sc.OwnedIdentity)
	if err != nil {
		return engine.Fatal(err)
	}
	if len(devices) > 0 {
		prop := &PropagateInvitationDialogResponseMessage{Accepted: m.Accepted, OwnInvitationNonce: me.InvitationNonce}
		sc.PostMessage(engine.NewOutboundMessage(
			sc.OwnedIdentity, TypeID, sc.InstanceUID, MsgPropagateInvitationDialogResponse,
			types.AllOwnedOtherDevicesSend(sc.OwnedIdentity), prop.inputs()...))
	}

	if m.Accepted {
		return p.acceptInvitation(ctx, sc, s, me)
	}
	return p.rejectInvitation(ctx, sc, s, me)
}

func (p *Protocol) processPropagatedInvitationDialogResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*InvitationReceivedState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*PropagateInvitationDialogResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	// Only another device of the owned identity can know the nonce.
	if !sc.Channel.RemoteIdentity.Equal(sc.OwnedIdentity) {
		return engine.Ignore()
	}
	me := s.Blob.FindMember(sc.OwnedIdentity)
	if me == nil || string(me.InvitationNonce) != string(m.OwnInvitationNonce) {
		return engine.Ignore()
	}
	if m.Accepted {
		return p.acceptInvitation(ctx, sc, s, me)
	}
	return p.rejectInvitation(ctx, sc, s, me)
}

func (p *Protocol) acceptInvitation(ctx context.Context, sc *engine.StepContext, s *InvitationReceivedState, me *Member) engine.StepResult {
	sc.DeleteDialog(s.DialogUUID)

	var pending []types.Identity
	for _, member := range s.Blob.Members {
		if !member.Identity.Equal(sc.OwnedIdentity) {
			pending = append(pending, member.Identity)
		}
	}
	snap := &GroupSnapshot{Blob: s.Blob, Keys: s.Keys, PendingMembers: pending}
	if err := p.identities.CreateGroup(ctx, sc.OwnedIdentity, s.GroupID, snap); err != nil {
		return engine.Fatal(fmt.Errorf("store joined group: %w", err))
	}

	for _, member := range s.Blob.Members {
		if member.Identity.Equal(sc.OwnedIdentity) {
			continue
		}
		if err := p.sendPing(ctx, sc, s.GroupID, member.Identity, me.InvitationNonce, false); err != nil {
			return engine.Fatal(err)
		}
	}
	sc.Notify(NotificationGroupJoined, encoded.List(s.GroupID.value()))

	if s.Blob.PhotoInfo != nil {
		sc.PostServerQuery(getUserDataQuery(s.Blob.PhotoInfo.ServerLabel))
		return engine.Continue(&DownloadingGroupPhotoState{GroupID: s.GroupID, PhotoInfo: *s.Blob.PhotoInfo})
	}
	return engine.Continue(&FinalState{})
}

func (p *Protocol) rejectInvitation(ctx context.Context, sc *engine.StepContext, s *InvitationReceivedState, me *Member) engine.StepResult {
	sc.DeleteDialog(s.DialogUUID)
	sig, err := p.identities.SignWithOwnedIdentity(ctx, sc.OwnedIdentity, LeavePayload(s.GroupID, me.InvitationNonce))
	if err != nil {
		return engine.Fatal(fmt.Errorf("sign leave entry: %w", err))
	}
	sc.PostServerQuery(putGroupLogQuery(s.GroupID, LogEntry{Member: sc.OwnedIdentity, Signature: sig}))
	return engine.Continue(&RejectingInvitationOrLeavingGroupState{GroupID: s.GroupID})
}

func (p *Protocol) processPutGroupLogResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*RejectingInvitationOrLeavingGroupState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*PutGroupLogResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	if !m.Response.IsValid() {
		// The entry did not land; other members will still drop us from the
		// blob as soon as any admin replays the log, so finish regardless.
		sc.Logger.Warn("group log append failed", "group", s.GroupID.String())
	}
	if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, s.GroupID); err != nil {
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupLeft, encoded.List(s.GroupID.value()))
	return engine.Continue(&FinalState{})
}

// sendPing signs a join proof bound to the target and posts it, preferring a
// confirmed channel and falling back to broadcast.
func (p *Protocol) sendPing(ctx context.Context, sc *engine.StepContext, groupID Identifier, target types.Identity, ownNonce []byte, isResponse bool) error {
	sig, err := p.identities.SignWithOwnedIdentity(ctx, sc.OwnedIdentity, JoinPingPayload(groupID, ownNonce, target))
	if err != nil {
		return fmt.Errorf("sign join ping: %w", err)
	}
	msg := &PingMessage{
		GroupID:         groupID,
		Sender:          sc.OwnedIdentity,
		InvitationNonce: ownNonce,
		Signature:       sig,
		IsResponse:      isResponse,
	}
	confirmed, err := sc.Channels.HasConfirmedChannel(ctx, sc.OwnedIdentity, target)
	if err != nil {
		return err
	}
	send := types.AsymmetricBroadcastSend(target)
	if confirmed {
		send = types.AllConfirmedChannelsSend(target)
	}
	sc.PostMessage(engine.NewOutboundMessage(
		sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgPing, send, msg.inputs()...))
	return nil
}

func (p *Protocol) processPing(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*PingMessage)
	if !ok {
		return engine.Ignore()
	}
	if m.Sender.Equal(sc.OwnedIdentity) {
		return engine.Ignore()
	}
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, m.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Continue(&FinalState{})
	}
	if err != nil {
		return engine.Fatal(err)
	}

	seen, err := sc.SignatureSeen(ctx, m.Signature)
	if err != nil {
		return engine.Fatal(err)
	}
	if seen {
		return engine.Ignore()
	}

	member := snap.Blob.FindMember(m.Sender)
	if member == nil || string(member.InvitationNonce) != string(m.InvitationNonce) {
		return engine.Ignore()
	}
	if !m.Sender.Verify(JoinPingPayload(m.GroupID, m.InvitationNonce, sc.OwnedIdentity), m.Signature) {
		sc.Logger.Warn("join ping with invalid signature dropped", "group", m.GroupID.String())
		return engine.Ignore()
	}

	if err := p.identities.MarkMemberJoined(ctx, sc.OwnedIdentity, m.GroupID, m.Sender); err != nil {
		return engine.Fatal(err)
	}
	if !m.IsResponse {
		me := snap.Blob.FindMember(sc.OwnedIdentity)
		if me != nil {
			if err := p.sendPing(ctx, sc, m.GroupID, m.Sender, me.InvitationNonce, true); err != nil {
				return engine.Fatal(err)
			}
		}
	}
	return engine.Continue(&FinalState{})
}
