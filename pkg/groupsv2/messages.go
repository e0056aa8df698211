// pkg/groupsv2/messages.go
package groupsv2

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// Message identifiers. Values are part of the wire format and never change.
const (
	MsgInitiateGroupCreation = iota
	MsgUploadGroupPhotoResponse
	MsgUploadGroupBlobResponse
	MsgFinalizeGroupCreation
	MsgInvitationOrMembersUpdate
	MsgInvitationOrMembersUpdateBroadcast
	MsgInvitationOrMembersUpdatePropagated
	MsgDownloadGroupBlobResponse
	MsgDialogAcceptGroupInvitation
	MsgPing
	MsgPropagateInvitationDialogResponse
	MsgPutGroupLogResponse
	MsgInitiateGroupUpdate
	MsgRequestLockResponse
	MsgInitiateGroupLeave
	MsgPropagatedGroupLeave
	MsgInitiateGroupDisband
	MsgPropagateGroupDisband
	MsgKick
	MsgPropagatedKick
	MsgInitiateGroupReDownload
	MsgInitiateBatchKeysResend
	MsgBlobKeysAfterChannelCreation
	MsgDeleteGroupBlobResponse
	MsgDownloadGroupPhotoResponse
)

// messageInputs enforces the fixed arity of a message's input list at decode
// time. Wrong arity rejects the whole message, never a partial object.
func messageInputs(rm *engine.ReceivedMessage, n int) ([]encoded.Value, error) {
	if len(rm.Inputs) != n {
		return nil, fmt.Errorf("%w: message %d expects %d inputs, got %d", encoded.ErrArity, rm.MessageID, n, len(rm.Inputs))
	}
	return rm.Inputs, nil
}

func deviceUIDListValue(uids []types.UID) encoded.Value {
	vs := make([]encoded.Value, len(uids))
	for i, u := range uids {
		vs[i] = encoded.UID(u)
	}
	return encoded.List(vs...)
}

func deviceUIDListFromValue(v encoded.Value) ([]types.UID, error) {
	vs, err := v.AsList()
	if err != nil {
		return nil, err
	}
	uids := make([]types.UID, len(vs))
	for i, ev := range vs {
		if uids[i], err = ev.AsUID(); err != nil {
			return nil, fmt.Errorf("device uid %d: %w", i, err)
		}
	}
	return uids, nil
}

// InitiateGroupCreationMessage starts group creation on the creator's device.
// Always injected locally by the application layer.
type InitiateGroupCreationMessage struct {
	SerializedGroupDetails []byte
	// Photo is the raw group photo, empty for none.
	Photo          []byte
	OwnPermissions types.Permission
	OtherMembers   []MemberChange
}

func (InitiateGroupCreationMessage) MessageID() int { return MsgInitiateGroupCreation }

func (m *InitiateGroupCreationMessage) inputs() []encoded.Value {
	members := make([]encoded.Value, len(m.OtherMembers))
	for i, mc := range m.OtherMembers {
		members[i] = mc.value()
	}
	return []encoded.Value{
		encoded.Bytes(m.SerializedGroupDetails),
		encoded.Bytes(m.Photo),
		encoded.Int(int64(m.OwnPermissions)),
		encoded.List(members...),
	}
}

func decodeInitiateGroupCreation(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 4)
	if err != nil {
		return nil, err
	}
	m := &InitiateGroupCreationMessage{}
	if m.SerializedGroupDetails, err = vs[0].AsBytes(); err != nil {
		return nil, fmt.Errorf("group details: %w", err)
	}
	if m.Photo, err = vs[1].AsBytes(); err != nil {
		return nil, fmt.Errorf("photo: %w", err)
	}
	perms, err := vs[2].AsInt()
	if err != nil {
		return nil, fmt.Errorf("own permissions: %w", err)
	}
	m.OwnPermissions = types.Permission(perms)
	memberVals, err := vs[3].AsList()
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	m.OtherMembers = make([]MemberChange, len(memberVals))
	for i, mv := range memberVals {
		if m.OtherMembers[i], err = memberChangeFromValue(mv); err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
	}
	return m, nil
}

// UploadGroupPhotoResponseMessage is the server's answer to the photo upload
// issued during creation or update. Response is an empty list on definitive
// transport failure.
type UploadGroupPhotoResponseMessage struct {
	Response encoded.Value
}

func (UploadGroupPhotoResponseMessage) MessageID() int { return MsgUploadGroupPhotoResponse }

func decodeUploadGroupPhotoResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &UploadGroupPhotoResponseMessage{Response: rm.Response}, nil
}

// UploadGroupBlobResponseMessage is the server's answer to a blob create or
// update. The payload is a single boolean: true for accepted, false for a
// version/lock conflict.
type UploadGroupBlobResponseMessage struct {
	Response encoded.Value
}

func (UploadGroupBlobResponseMessage) MessageID() int { return MsgUploadGroupBlobResponse }

// Accepted reports the server's verdict. A missing or malformed payload is a
// definitive transport failure, reported separately from a rejection.
func (m *UploadGroupBlobResponseMessage) Accepted() (accepted, definitiveFailure bool) {
	if !m.Response.IsValid() {
		return false, true
	}
	vs, err := m.Response.AsListOfLen(1)
	if err != nil {
		return false, true
	}
	ok, err := vs[0].AsBool()
	if err != nil {
		return false, true
	}
	return ok, false
}

func decodeUploadGroupBlobResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &UploadGroupBlobResponseMessage{Response: rm.Response}, nil
}

// FinalizeGroupCreationMessage is posted locally by the upload-response steps
// once both the blob and the photo have settled.
type FinalizeGroupCreationMessage struct{}

func (FinalizeGroupCreationMessage) MessageID() int { return MsgFinalizeGroupCreation }

func decodeFinalizeGroupCreation(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &FinalizeGroupCreationMessage{}, nil
}

// InvitationOrMembersUpdateMessage carries the full blob keys to a member over
// a confirmed channel, either as an invitation or after a blob update.
type InvitationOrMembersUpdateMessage struct {
	GroupID      Identifier
	GroupVersion int64
	Keys         BlobKeys
	// NotifiedDeviceUIDs lists the recipient's own devices the sender already
	// reached, bounding propagation to one extra hop.
	NotifiedDeviceUIDs []types.UID
}

func (InvitationOrMembersUpdateMessage) MessageID() int { return MsgInvitationOrMembersUpdate }

func (m *InvitationOrMembersUpdateMessage) inputs() []encoded.Value {
	return []encoded.Value{
		m.GroupID.value(),
		encoded.Int(m.GroupVersion),
		m.Keys.value(),
		deviceUIDListValue(m.NotifiedDeviceUIDs),
	}
}

func decodeInvitationOrMembersUpdate(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 4)
	if err != nil {
		return nil, err
	}
	m := &InvitationOrMembersUpdateMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.GroupVersion, err = vs[1].AsInt(); err != nil {
		return nil, fmt.Errorf("group version: %w", err)
	}
	if m.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("blob keys: %w", err)
	}
	if m.NotifiedDeviceUIDs, err = deviceUIDListFromValue(vs[3]); err != nil {
		return nil, fmt.Errorf("notified devices: %w", err)
	}
	return m, nil
}

// InvitationOrMembersUpdateBroadcastMessage is the asymmetric-broadcast form
// of the invitation. Any mainSeed in its keys is discarded on reception: a
// seed received over an unauthenticated hop is a trap, never a credential.
type InvitationOrMembersUpdateBroadcastMessage struct {
	GroupID      Identifier
	GroupVersion int64
	Keys         BlobKeys
}

func (InvitationOrMembersUpdateBroadcastMessage) MessageID() int {
	return MsgInvitationOrMembersUpdateBroadcast
}

func (m *InvitationOrMembersUpdateBroadcastMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Int(m.GroupVersion), m.Keys.value()}
}

func decodeInvitationOrMembersUpdateBroadcast(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 3)
	if err != nil {
		return nil, err
	}
	m := &InvitationOrMembersUpdateBroadcastMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.GroupVersion, err = vs[1].AsInt(); err != nil {
		return nil, fmt.Errorf("group version: %w", err)
	}
	if m.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("blob keys: %w", err)
	}
	// Decoding is where the policy bites: broadcast keys never carry a main
	// seed into the protocol, whatever the sender put there.
	m.Keys.MainSeed = types.Seed{}
	return m, nil
}

// InvitationOrMembersUpdatePropagatedMessage relays an invitation between two
// devices of the same owned identity.
type InvitationOrMembersUpdatePropagatedMessage struct {
	GroupID      Identifier
	GroupVersion int64
	Keys         BlobKeys
}

func (InvitationOrMembersUpdatePropagatedMessage) MessageID() int {
	return MsgInvitationOrMembersUpdatePropagated
}

func (m *InvitationOrMembersUpdatePropagatedMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Int(m.GroupVersion), m.Keys.value()}
}

func decodeInvitationOrMembersUpdatePropagated(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 3)
	if err != nil {
		return nil, err
	}
	m := &InvitationOrMembersUpdatePropagatedMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.GroupVersion, err = vs[1].AsInt(); err != nil {
		return nil, fmt.Errorf("group version: %w", err)
	}
	if m.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("blob keys: %w", err)
	}
	return m, nil
}

// DownloadGroupBlobResponseMessage is the server's answer to a blob download.
// The payload is (encryptedBlob, logEntries); an empty list is a definitive
// failure, which the download step reports as such.
type DownloadGroupBlobResponseMessage struct {
	Response encoded.Value
}

func (DownloadGroupBlobResponseMessage) MessageID() int { return MsgDownloadGroupBlobResponse }

// Payload splits the response into the encrypted blob and the server log.
func (m *DownloadGroupBlobResponseMessage) Payload() (encryptedBlob []byte, entries []LogEntry, definitiveFailure bool) {
	if !m.Response.IsValid() {
		return nil, nil, true
	}
	vs, err := m.Response.AsListOfLen(2)
	if err != nil {
		return nil, nil, true
	}
	encryptedBlob, err = vs[0].AsBytes()
	if err != nil {
		return nil, nil, true
	}
	entryVals, err := vs[1].AsList()
	if err != nil {
		return nil, nil, true
	}
	entries = make([]LogEntry, 0, len(entryVals))
	for _, ev := range entryVals {
		entry, err := logEntryFromValue(ev)
		if err != nil {
			// A malformed log entry is the server's problem, not ours.
			continue
		}
		entries = append(entries, entry)
	}
	return encryptedBlob, entries, false
}

func decodeDownloadGroupBlobResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &DownloadGroupBlobResponseMessage{Response: rm.Response}, nil
}

// DialogAcceptGroupInvitationMessage is the user's answer to the invitation
// prompt.
type DialogAcceptGroupInvitationMessage struct {
	Accepted   bool
	DialogUUID uuid.UUID
}

func (DialogAcceptGroupInvitationMessage) MessageID() int { return MsgDialogAcceptGroupInvitation }

func (m *DialogAcceptGroupInvitationMessage) inputs() []encoded.Value {
	return []encoded.Value{encoded.Bool(m.Accepted), encoded.UUIDValue(m.DialogUUID)}
}

func decodeDialogAcceptGroupInvitation(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 2)
	if err != nil {
		return nil, err
	}
	m := &DialogAcceptGroupInvitationMessage{}
	if m.Accepted, err = vs[0].AsBool(); err != nil {
		return nil, fmt.Errorf("accepted: %w", err)
	}
	if m.DialogUUID, err = vs[1].AsUUID(); err != nil {
		return nil, fmt.Errorf("dialog uuid: %w", err)
	}
	return m, nil
}

// PingMessage proves possession of the group keys by signing the sender's own
// invitation nonce. Valid over any channel; the signature is the
// authentication.
type PingMessage struct {
	GroupID Identifier
	// Sender is the pinging member's identity as claimed; the signature check
	// against the blob's nonce for that member is what makes the claim stick.
	Sender          types.Identity
	InvitationNonce []byte
	Signature       []byte
	// IsResponse breaks the ping-pong: a responding ping is never answered.
	IsResponse bool
}

func (PingMessage) MessageID() int { return MsgPing }

func (m *PingMessage) inputs() []encoded.Value {
	return []encoded.Value{
		m.GroupID.value(),
		encoded.Identity(m.Sender),
		encoded.Bytes(m.InvitationNonce),
		encoded.Bytes(m.Signature),
		encoded.Bool(m.IsResponse),
	}
}

func decodePing(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 5)
	if err != nil {
		return nil, err
	}
	m := &PingMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.Sender, err = vs[1].AsIdentity(); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if m.InvitationNonce, err = vs[2].AsBytes(); err != nil {
		return nil, fmt.Errorf("invitation nonce: %w", err)
	}
	if m.Signature, err = vs[3].AsBytes(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if m.IsResponse, err = vs[4].AsBool(); err != nil {
		return nil, fmt.Errorf("is response: %w", err)
	}
	return m, nil
}

// PropagateInvitationDialogResponseMessage relays the user's accept/reject to
// the owned identity's other devices so they dismiss their own prompts.
type PropagateInvitationDialogResponseMessage struct {
	Accepted           bool
	OwnInvitationNonce []byte
}

func (PropagateInvitationDialogResponseMessage) MessageID() int {
	return MsgPropagateInvitationDialogResponse
}

func (m *PropagateInvitationDialogResponseMessage) inputs() []encoded.Value {
	return []encoded.Value{encoded.Bool(m.Accepted), encoded.Bytes(m.OwnInvitationNonce)}
}

func decodePropagateInvitationDialogResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 2)
	if err != nil {
		return nil, err
	}
	m := &PropagateInvitationDialogResponseMessage{}
	if m.Accepted, err = vs[0].AsBool(); err != nil {
		return nil, fmt.Errorf("accepted: %w", err)
	}
	if m.OwnInvitationNonce, err = vs[1].AsBytes(); err != nil {
		return nil, fmt.Errorf("invitation nonce: %w", err)
	}
	return m, nil
}

// PutGroupLogResponseMessage acknowledges a server log append (leave entries).
type PutGroupLogResponseMessage struct {
	Response encoded.Value
}

func (PutGroupLogResponseMessage) MessageID() int { return MsgPutGroupLogResponse }

func decodePutGroupLogResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &PutGroupLogResponseMessage{Response: rm.Response}, nil
}

// InitiateGroupUpdateMessage starts an admin's blob update.
type InitiateGroupUpdateMessage struct {
	GroupID Identifier
	Changes *ChangeSet
}

func (InitiateGroupUpdateMessage) MessageID() int { return MsgInitiateGroupUpdate }

func (m *InitiateGroupUpdateMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), m.Changes.value()}
}

func decodeInitiateGroupUpdate(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 2)
	if err != nil {
		return nil, err
	}
	m := &InitiateGroupUpdateMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.Changes, err = changeSetFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("change set: %w", err)
	}
	return m, nil
}

// RequestLockResponseMessage is the server's answer to a blob-lock request.
// The payload is (lockNonce, encryptedBlob, logEntries).
type RequestLockResponseMessage struct {
	Response encoded.Value
}

func (RequestLockResponseMessage) MessageID() int { return MsgRequestLockResponse }

// Payload splits the lock response. A missing or malformed payload means the
// lock was not granted this round; the caller decides whether to retry.
func (m *RequestLockResponseMessage) Payload() (lockNonce, encryptedBlob []byte, entries []LogEntry, failed bool) {
	if !m.Response.IsValid() {
		return nil, nil, nil, true
	}
	vs, err := m.Response.AsListOfLen(3)
	if err != nil {
		return nil, nil, nil, true
	}
	if lockNonce, err = vs[0].AsBytes(); err != nil {
		return nil, nil, nil, true
	}
	if encryptedBlob, err = vs[1].AsBytes(); err != nil {
		return nil, nil, nil, true
	}
	entryVals, err := vs[2].AsList()
	if err != nil {
		return nil, nil, nil, true
	}
	entries = make([]LogEntry, 0, len(entryVals))
	for _, ev := range entryVals {
		entry, err := logEntryFromValue(ev)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return lockNonce, encryptedBlob, entries, false
}

func decodeRequestLockResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &RequestLockResponseMessage{Response: rm.Response}, nil
}

// InitiateGroupLeaveMessage starts a voluntary leave.
type InitiateGroupLeaveMessage struct {
	GroupID Identifier
}

func (InitiateGroupLeaveMessage) MessageID() int { return MsgInitiateGroupLeave }

func (m *InitiateGroupLeaveMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value()}
}

func decodeInitiateGroupLeave(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 1)
	if err != nil {
		return nil, err
	}
	m := &InitiateGroupLeaveMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	return m, nil
}

// PropagatedGroupLeaveMessage tells the owned identity's other devices that
// this identity left the group from another device.
type PropagatedGroupLeaveMessage struct {
	GroupID            Identifier
	OwnInvitationNonce []byte
}

func (PropagatedGroupLeaveMessage) MessageID() int { return MsgPropagatedGroupLeave }

func (m *PropagatedGroupLeaveMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Bytes(m.OwnInvitationNonce)}
}

func decodePropagatedGroupLeave(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 2)
	if err != nil {
		return nil, err
	}
	m := &PropagatedGroupLeaveMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.OwnInvitationNonce, err = vs[1].AsBytes(); err != nil {
		return nil, fmt.Errorf("invitation nonce: %w", err)
	}
	return m, nil
}

// InitiateGroupDisbandMessage starts an admin's full group deletion.
type InitiateGroupDisbandMessage struct {
	GroupID Identifier
}

func (InitiateGroupDisbandMessage) MessageID() int { return MsgInitiateGroupDisband }

func (m *InitiateGroupDisbandMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value()}
}

func decodeInitiateGroupDisband(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 1)
	if err != nil {
		return nil, err
	}
	m := &InitiateGroupDisbandMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	return m, nil
}

// PropagateGroupDisbandMessage tells the owned identity's other devices that
// the group was disbanded from another device.
type PropagateGroupDisbandMessage struct {
	GroupID Identifier
}

func (PropagateGroupDisbandMessage) MessageID() int { return MsgPropagateGroupDisband }

func (m *PropagateGroupDisbandMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value()}
}

func decodePropagateGroupDisband(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 1)
	if err != nil {
		return nil, err
	}
	m := &PropagateGroupDisbandMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	return m, nil
}

// KickMessage tells a removed member it is out. The administrators chain is
// encrypted under the group's blob keys so only a past member can read it,
// and the signature over the member's invitation nonce proves an admin sent
// it.
type KickMessage struct {
	GroupID        Identifier
	EncryptedChain []byte
	Signature      []byte
}

func (KickMessage) MessageID() int { return MsgKick }

func (m *KickMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Bytes(m.EncryptedChain), encoded.Bytes(m.Signature)}
}

func decodeKick(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 3)
	if err != nil {
		return nil, err
	}
	m := &KickMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.EncryptedChain, err = vs[1].AsBytes(); err != nil {
		return nil, fmt.Errorf("encrypted chain: %w", err)
	}
	if m.Signature, err = vs[2].AsBytes(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return m, nil
}

// PropagatedKickMessage relays a validated kick to the owned identity's other
// devices.
type PropagatedKickMessage struct {
	GroupID        Identifier
	EncryptedChain []byte
	Signature      []byte
}

func (PropagatedKickMessage) MessageID() int { return MsgPropagatedKick }

func (m *PropagatedKickMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Bytes(m.EncryptedChain), encoded.Bytes(m.Signature)}
}

func decodePropagatedKick(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 3)
	if err != nil {
		return nil, err
	}
	m := &PropagatedKickMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.EncryptedChain, err = vs[1].AsBytes(); err != nil {
		return nil, fmt.Errorf("encrypted chain: %w", err)
	}
	if m.Signature, err = vs[2].AsBytes(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return m, nil
}

// InitiateGroupReDownloadMessage forces a fresh blob download for a group the
// application believes is stale.
type InitiateGroupReDownloadMessage struct {
	GroupID Identifier
}

func (InitiateGroupReDownloadMessage) MessageID() int { return MsgInitiateGroupReDownload }

func (m *InitiateGroupReDownloadMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value()}
}

func decodeInitiateGroupReDownload(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 1)
	if err != nil {
		return nil, err
	}
	m := &InitiateGroupReDownloadMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	return m, nil
}

// InitiateBatchKeysResendMessage re-sends blob keys for every group shared
// with a contact, right after a channel with that contact is confirmed. This
// is how a member invited over broadcast finally obtains the main seed.
type InitiateBatchKeysResendMessage struct {
	ContactIdentity  types.Identity
	ContactDeviceUID types.UID
}

func (InitiateBatchKeysResendMessage) MessageID() int { return MsgInitiateBatchKeysResend }

func (m *InitiateBatchKeysResendMessage) inputs() []encoded.Value {
	return []encoded.Value{encoded.Identity(m.ContactIdentity), encoded.UID(m.ContactDeviceUID)}
}

func decodeInitiateBatchKeysResend(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 2)
	if err != nil {
		return nil, err
	}
	m := &InitiateBatchKeysResendMessage{}
	if m.ContactIdentity, err = vs[0].AsIdentity(); err != nil {
		return nil, fmt.Errorf("contact: %w", err)
	}
	if m.ContactDeviceUID, err = vs[1].AsUID(); err != nil {
		return nil, fmt.Errorf("contact device: %w", err)
	}
	return m, nil
}

// BlobKeysAfterChannelCreationMessage carries the full blob keys for one
// group over a freshly confirmed channel.
type BlobKeysAfterChannelCreationMessage struct {
	GroupID      Identifier
	GroupVersion int64
	Keys         BlobKeys
}

func (BlobKeysAfterChannelCreationMessage) MessageID() int { return MsgBlobKeysAfterChannelCreation }

func (m *BlobKeysAfterChannelCreationMessage) inputs() []encoded.Value {
	return []encoded.Value{m.GroupID.value(), encoded.Int(m.GroupVersion), m.Keys.value()}
}

func decodeBlobKeysAfterChannelCreation(rm *engine.ReceivedMessage) (engine.Message, error) {
	vs, err := messageInputs(rm, 3)
	if err != nil {
		return nil, err
	}
	m := &BlobKeysAfterChannelCreationMessage{}
	if m.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if m.GroupVersion, err = vs[1].AsInt(); err != nil {
		return nil, fmt.Errorf("group version: %w", err)
	}
	if m.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("blob keys: %w", err)
	}
	return m, nil
}

// DeleteGroupBlobResponseMessage acknowledges the server-side blob deletion
// of a disbanded group.
type DeleteGroupBlobResponseMessage struct {
	Response encoded.Value
}

func (DeleteGroupBlobResponseMessage) MessageID() int { return MsgDeleteGroupBlobResponse }

func decodeDeleteGroupBlobResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &DeleteGroupBlobResponseMessage{Response: rm.Response}, nil
}

// DownloadGroupPhotoResponseMessage is the server's answer to a group photo
// download.
type DownloadGroupPhotoResponseMessage struct {
	Response encoded.Value
}

func (DownloadGroupPhotoResponseMessage) MessageID() int { return MsgDownloadGroupPhotoResponse }

// EncryptedPhoto extracts the downloaded ciphertext.
func (m *DownloadGroupPhotoResponseMessage) EncryptedPhoto() ([]byte, bool) {
	if !m.Response.IsValid() {
		return nil, false
	}
	vs, err := m.Response.AsListOfLen(1)
	if err != nil {
		return nil, false
	}
	photo, err := vs[0].AsBytes()
	if err != nil {
		return nil, false
	}
	return photo, true
}

func decodeDownloadGroupPhotoResponse(rm *engine.ReceivedMessage) (engine.Message, error) {
	if _, err := messageInputs(rm, 0); err != nil {
		return nil, err
	}
	return &DownloadGroupPhotoResponseMessage{Response: rm.Response}, nil
}

// messageDecoders is the closed decode table of the protocol.
var messageDecoders = map[int]func(*engine.ReceivedMessage) (engine.Message, error){
	MsgInitiateGroupCreation:               decodeInitiateGroupCreation,
	MsgUploadGroupPhotoResponse:            decodeUploadGroupPhotoResponse,
	MsgUploadGroupBlobResponse:             decodeUploadGroupBlobResponse,
	MsgFinalizeGroupCreation:               decodeFinalizeGroupCreation,
	MsgInvitationOrMembersUpdate:           decodeInvitationOrMembersUpdate,
	MsgInvitationOrMembersUpdateBroadcast:  decodeInvitationOrMembersUpdateBroadcast,
	MsgInvitationOrMembersUpdatePropagated: decodeInvitationOrMembersUpdatePropagated,
	MsgDownloadGroupBlobResponse:           decodeDownloadGroupBlobResponse,
	MsgDialogAcceptGroupInvitation:         decodeDialogAcceptGroupInvitation,
	MsgPing:                                decodePing,
	MsgPropagateInvitationDialogResponse:   decodePropagateInvitationDialogResponse,
	MsgPutGroupLogResponse:                 decodePutGroupLogResponse,
	MsgInitiateGroupUpdate:                 decodeInitiateGroupUpdate,
	MsgRequestLockResponse:                 decodeRequestLockResponse,
	MsgInitiateGroupLeave:                  decodeInitiateGroupLeave,
	MsgPropagatedGroupLeave:                decodePropagatedGroupLeave,
	MsgInitiateGroupDisband:                decodeInitiateGroupDisband,
	MsgPropagateGroupDisband:               decodePropagateGroupDisband,
	MsgKick:                                decodeKick,
	MsgPropagatedKick:                      decodePropagatedKick,
	MsgInitiateGroupReDownload:             decodeInitiateGroupReDownload,
	MsgInitiateBatchKeysResend:             decodeInitiateBatchKeysResend,
	MsgBlobKeysAfterChannelCreation:        decodeBlobKeysAfterChannelCreation,
	MsgDeleteGroupBlobResponse:             decodeDeleteGroupBlobResponse,
	MsgDownloadGroupPhotoResponse:          decodeDownloadGroupPhotoResponse,
}
