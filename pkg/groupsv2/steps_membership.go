// pkg/groupsv2/steps_membership.go
package groupsv2

import (
	"context"
	"errors"
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func (p *Protocol) initiateGroupLeave(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateGroupLeaveMessage)
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
	me := snap.Blob.FindMember(sc.OwnedIdentity)
	if me == nil {
		return engine.Ignore()
	}
	// The last admin cannot walk out on a populated group: nobody left could
	// ever update or disband it.
	if me.Permissions.IsAdmin() && len(snap.Blob.AdminMembers()) == 1 && len(snap.Blob.Members) > 1 {
		sc.Logger.Warn("sole admin cannot leave a populated group", "group", m.GroupID.String())
		sc.Notify(NotificationGroupUpdateFailed, encoded.List(m.GroupID.value()))
		return engine.Ignore()
	}

	sig, err := p.identities.SignWithOwnedIdentity(ctx, sc.OwnedIdentity, LeavePayload(m.GroupID, me.InvitationNonce))
	if err != nil {
		return engine.Fatal(fmt.Errorf("sign leave entry: %w", err))
	}
	sc.PostServerQuery(putGroupLogQuery(m.GroupID, LogEntry{Member: sc.OwnedIdentity, Signature: sig}))

	devices, err := sc.Channels.OwnedDeviceUIDs(ctx, sc.OwnedIdentity)
	if err != nil {
		return engine.Fatal(err)
	}
	if len(devices) > 0 {
		prop := &PropagatedGroupLeaveMessage{GroupID: m.GroupID, OwnInvitationNonce: me.InvitationNonce}
		sc.PostMessage(engine.NewOutboundMessage(
			sc.OwnedIdentity, TypeID, m.GroupID.ProtocolInstanceUID(), MsgPropagatedGroupLeave,
			types.AllOwnedOtherDevicesSend(sc.OwnedIdentity), prop.inputs()...))
	}
	return engine.Continue(&RejectingInvitationOrLeavingGroupState{GroupID: m.GroupID})
}

func (p *Protocol) processPropagatedGroupLeave(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*PropagatedGroupLeaveMessage)
	if !ok {
		return engine.Ignore()
	}
	if !sc.Channel.RemoteIdentity.Equal(sc.OwnedIdentity) {
		return engine.Ignore()
	}
	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, m.GroupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Continue(&FinalState{})
	}
	if err != nil {
		return engine.Fatal(err)
	}
	me := snap.Blob.FindMember(sc.OwnedIdentity)
	if me == nil || string(me.InvitationNonce) != string(m.OwnInvitationNonce) {
		return engine.Ignore()
	}
	if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, m.GroupID); err != nil {
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupLeft, encoded.List(m.GroupID.value()))
	return engine.Continue(&FinalState{})
}

func (p *Protocol) initiateGroupDisband(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*InitiateGroupDisbandMessage)
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
	if !snap.Keys.IsAdmin() {
		sc.Logger.Warn("group disband without admin key refused", "group", m.GroupID.String())
		sc.Notify(NotificationGroupDisbandFailed, encoded.List(m.GroupID.value()))
		return engine.Ignore()
	}
	sc.PostServerQuery(deleteGroupBlobQuery(m.GroupID, snap.Keys.GroupAdminPriv))
	return engine.Continue(&DisbandingGroupState{GroupID: m.GroupID, Blob: snap.Blob, Keys: snap.Keys})
}

func (p *Protocol) processDeleteGroupBlobResponse(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	s, ok := st.(*DisbandingGroupState)
	if !ok {
		return engine.Ignore()
	}
	m, ok := msg.(*DeleteGroupBlobResponseMessage)
	if !ok {
		return engine.Ignore()
	}
	if !m.Response.IsValid() {
		sc.Logger.Error("server-side blob deletion failed", "group", s.GroupID.String())
		sc.Notify(NotificationGroupDisbandFailed, encoded.List(s.GroupID.value()))
		return engine.Continue(&FinalState{})
	}

	// The blob is gone; evict every member and the owned identity's other
	// devices, then forget the group locally.
	for _, member := range s.Blob.Members {
		if member.Identity.Equal(sc.OwnedIdentity) {
			continue
		}
		if err := p.sendKick(ctx, sc, s.GroupID, s.Blob.Chain, s.Keys, member); err != nil {
			return engine.Fatal(err)
		}
	}
	devices, err := sc.Channels.OwnedDeviceUIDs(ctx, sc.OwnedIdentity)
	if err != nil {
		return engine.Fatal(err)
	}
	if len(devices) > 0 {
		prop := &PropagateGroupDisbandMessage{GroupID: s.GroupID}
		sc.PostMessage(engine.NewOutboundMessage(
			sc.OwnedIdentity, TypeID, s.GroupID.ProtocolInstanceUID(), MsgPropagateGroupDisband,
			types.AllOwnedOtherDevicesSend(sc.OwnedIdentity), prop.inputs()...))
	}
	if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, s.GroupID); err != nil {
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupDisbanded, encoded.List(s.GroupID.value()))
	return engine.Continue(&FinalState{})
}

func (p *Protocol) processPropagatedGroupDisband(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	m, ok := msg.(*PropagateGroupDisbandMessage)
	if !ok {
		return engine.Ignore()
	}
	if !sc.Channel.RemoteIdentity.Equal(sc.OwnedIdentity) {
		return engine.Ignore()
	}
	if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, m.GroupID); err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			return engine.Continue(&FinalState{})
		}
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupDisbanded, encoded.List(m.GroupID.value()))
	return engine.Continue(&FinalState{})
}

// processKick handles both the direct kick and its owned-device propagation.
// Authentication is entirely in the content: the chain must decrypt under
// keys only members hold, verify against the group identifier, and the
// signature over our invitation nonce must come from an admin of the final
// block.
func (p *Protocol) processKick(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
	var groupID Identifier
	var encryptedChain, signature []byte
	var propagated bool
	switch m := msg.(type) {
	case *KickMessage:
		groupID, encryptedChain, signature = m.GroupID, m.EncryptedChain, m.Signature
	case *PropagatedKickMessage:
		if !sc.Channel.RemoteIdentity.Equal(sc.OwnedIdentity) {
			return engine.Ignore()
		}
		groupID, encryptedChain, signature = m.GroupID, m.EncryptedChain, m.Signature
		propagated = true
	default:
		return engine.Ignore()
	}

	snap, err := p.identities.GetGroup(ctx, sc.OwnedIdentity, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return engine.Continue(&FinalState{})
	}
	if err != nil {
		return engine.Fatal(err)
	}
	me := snap.Blob.FindMember(sc.OwnedIdentity)
	if me == nil {
		return engine.Ignore()
	}

	rawChain, err := decryptBlob(snap.Keys, encryptedChain)
	if err != nil {
		sc.Logger.Warn("kick chain does not decrypt under stored keys", "group", groupID.String())
		return engine.Ignore()
	}
	chain, err := ParseChain(rawChain)
	if err != nil {
		return engine.Ignore()
	}
	if _, err := p.verifier.WithCheckedIntegrity(groupID.GroupUID, chain); err != nil {
		sc.Logger.Warn("kick chain fails integrity check", "group", groupID.String(), "err", err)
		return engine.Ignore()
	}
	if !snap.Blob.Chain.IsPrefixOf(chain) {
		return engine.Ignore()
	}
	payload := KickPayload(groupID, me.InvitationNonce)
	signedByAdmin := false
	for _, admin := range chain.AdminSet() {
		if admin.Verify(payload, signature) {
			signedByAdmin = true
			break
		}
	}
	if !signedByAdmin {
		sc.Logger.Warn("kick signature not from a chain admin", "group", groupID.String())
		return engine.Ignore()
	}

	if !propagated {
		devices, err := sc.Channels.OwnedDeviceUIDs(ctx, sc.OwnedIdentity)
		if err != nil {
			return engine.Fatal(err)
		}
		if len(devices) > 0 {
			prop := &PropagatedKickMessage{GroupID: groupID, EncryptedChain: encryptedChain, Signature: signature}
			sc.PostMessage(engine.NewOutboundMessage(
				sc.OwnedIdentity, TypeID, groupID.ProtocolInstanceUID(), MsgPropagatedKick,
				types.AllOwnedOtherDevicesSend(sc.OwnedIdentity), prop.inputs()...))
		}
	}
	if err := p.identities.DeleteGroup(ctx, sc.OwnedIdentity, groupID); err != nil {
		return engine.Fatal(err)
	}
	sc.Notify(NotificationGroupKicked, encoded.List(groupID.value()))
	return engine.Continue(&FinalState{})
}
