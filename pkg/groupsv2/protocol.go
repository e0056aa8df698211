// pkg/groupsv2/protocol.go
package groupsv2

import (
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
)

// TypeID is the protocol's wire identifier.
const TypeID engine.ProtocolID = 9

// DefaultBlobUpdateRetryCap bounds how many lock grants or blob uploads may
// be lost to concurrent updaters before an update is abandoned and reported
// as failed. Raising it trades user latency for resilience under heavy admin
// contention.
const DefaultBlobUpdateRetryCap = 9

// defaultChainCacheSize bounds the verified-chain cache.
const defaultChainCacheSize = 128

// Notification names emitted toward the application layer.
const (
	NotificationGroupCreated         = "groupsv2.group_created"
	NotificationGroupCreationFailed  = "groupsv2.group_creation_failed"
	NotificationGroupJoined          = "groupsv2.group_joined"
	NotificationGroupUpdated         = "groupsv2.group_updated"
	NotificationGroupUpdateFailed    = "groupsv2.group_update_failed"
	NotificationGroupLeft            = "groupsv2.group_left"
	NotificationGroupKicked          = "groupsv2.group_kicked"
	NotificationGroupDisbanded       = "groupsv2.group_disbanded"
	NotificationGroupDisbandFailed   = "groupsv2.group_disband_failed"
	NotificationGroupPhotoDownloaded = "groupsv2.group_photo_downloaded"
)

// Config carries the protocol's collaborators and tunables.
type Config struct {
	Identities IdentityDelegate
	// BlobUpdateRetryCap bounds consecutive lock/upload rejections per
	// update. DefaultBlobUpdateRetryCap when zero.
	BlobUpdateRetryCap int64
	// ChainCacheSize bounds the verified administrators-chain cache.
	// defaultChainCacheSize when zero.
	ChainCacheSize int
}

// Protocol is the group-consensus protocol definition. It is stateless apart
// from the verified-chain cache; everything durable lives in the engine's
// instance store and the identity delegate.
type Protocol struct {
	identities IdentityDelegate
	verifier   *ChainVerifier
	retryCap   int64
	steps      map[stepKey][]engine.StepSpec
}

type stepKey struct {
	stateID   int
	messageID int
}

// New builds the protocol from its configuration.
func New(cfg Config) (*Protocol, error) {
	if cfg.Identities == nil {
		return nil, fmt.Errorf("groupsv2: identity delegate is required")
	}
	retryCap := cfg.BlobUpdateRetryCap
	if retryCap == 0 {
		retryCap = DefaultBlobUpdateRetryCap
	}
	cacheSize := cfg.ChainCacheSize
	if cacheSize == 0 {
		cacheSize = defaultChainCacheSize
	}
	verifier, err := NewChainVerifier(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("groupsv2: %w", err)
	}
	p := &Protocol{
		identities: cfg.Identities,
		verifier:   verifier,
		retryCap:   retryCap,
	}
	p.steps = p.buildStepTable()
	return p, nil
}

func (p *Protocol) ID() engine.ProtocolID { return TypeID }
func (p *Protocol) Name() string          { return "GroupsV2" }

func (p *Protocol) InitialState() engine.State { return &InitialState{} }

func (p *Protocol) DecodeState(stateID int, enc encoded.Value) (engine.State, error) {
	decode, ok := stateDecoders[stateID]
	if !ok {
		return nil, fmt.Errorf("groupsv2: unknown state id %d", stateID)
	}
	return decode(enc)
}

func (p *Protocol) DecodeMessage(rm *engine.ReceivedMessage) (engine.Message, error) {
	decode, ok := messageDecoders[rm.MessageID]
	if !ok {
		return nil, fmt.Errorf("groupsv2: unknown message id %d", rm.MessageID)
	}
	return decode(rm)
}

func (p *Protocol) Steps(stateID, messageID int) []engine.StepSpec {
	return p.steps[stepKey{stateID, messageID}]
}

func (p *Protocol) IsTerminal(stateID int) bool { return stateID == StateFinal }

func (p *Protocol) EraseReceivedMessages() bool { return true }

func (p *Protocol) buildStepTable() map[stepKey][]engine.StepSpec {
	table := map[stepKey][]engine.StepSpec{}
	add := func(stateID, messageID int, name string, ch engine.ChannelRequirement, run engine.StepFunc) {
		key := stepKey{stateID, messageID}
		table[key] = append(table[key], engine.StepSpec{Name: name, Channel: ch, Run: run})
	}

	// Creation.
	add(StateInitial, MsgInitiateGroupCreation,
		"InitiateGroupCreation", engine.RequireLocal, p.initiateGroupCreation)
	add(StateUploadingCreatedGroupData, MsgUploadGroupPhotoResponse,
		"ProcessCreatedPhotoUpload", engine.RequireLocal, p.processCreatedPhotoUpload)
	add(StateUploadingCreatedGroupData, MsgUploadGroupBlobResponse,
		"ProcessCreatedBlobUpload", engine.RequireLocal, p.processCreatedBlobUpload)
	add(StateUploadingCreatedGroupData, MsgFinalizeGroupCreation,
		"FinalizeGroupCreation", engine.RequireLocal, p.finalizeGroupCreation)

	// Invitation and blob download. The same processing step handles the
	// confirmed-channel, broadcast, and owned-propagation variants; the
	// channel requirement on each entry is what keeps the variants honest.
	for _, st := range []int{StateInitial, StateDownloadingGroupBlob, StateINeedMoreSeeds, StateInvitationReceived} {
		add(st, MsgInvitationOrMembersUpdate,
			"ProcessInvitationOrMembersUpdate", engine.RequireAnyObliviousChannel, p.processInvitationOrMembersUpdate)
		add(st, MsgInvitationOrMembersUpdateBroadcast,
			"ProcessInvitationOrMembersUpdateBroadcast", engine.RequireAsymmetricBroadcast, p.processInvitationOrMembersUpdate)
		add(st, MsgInvitationOrMembersUpdatePropagated,
			"ProcessInvitationOrMembersUpdatePropagated", engine.RequireAnyObliviousChannel, p.processInvitationOrMembersUpdate)
	}
	add(StateDownloadingGroupBlob, MsgDownloadGroupBlobResponse,
		"ProcessDownloadGroupBlobResponse", engine.RequireLocal, p.processBlobDownloadResponse)
	add(StateInvitationReceived, MsgDialogAcceptGroupInvitation,
		"ProcessInvitationDialogResponse", engine.RequireLocal, p.processInvitationDialogResponse)
	add(StateInvitationReceived, MsgPropagateInvitationDialogResponse,
		"ProcessPropagatedInvitationDialogResponse", engine.RequireAnyObliviousChannel, p.processPropagatedInvitationDialogResponse)
	add(StateRejectingInvitationOrLeavingGroup, MsgPutGroupLogResponse,
		"ProcessPutGroupLogResponse", engine.RequireLocal, p.processPutGroupLogResponse)

	// Membership proofs.
	add(StateInitial, MsgPing,
		"ProcessPing", engine.RequireAny, p.processPing)

	// Update under server lock.
	add(StateInitial, MsgInitiateGroupUpdate,
		"InitiateGroupUpdate", engine.RequireLocal, p.initiateGroupUpdate)
	add(StateUploadingUpdatedGroupPhoto, MsgUploadGroupPhotoResponse,
		"ProcessUpdatedPhotoUpload", engine.RequireLocal, p.processUpdatedPhotoUpload)
	add(StateWaitingForLock, MsgRequestLockResponse,
		"ProcessRequestLockResponse", engine.RequireLocal, p.processRequestLockResponse)
	add(StateUploadingUpdatedGroupBlob, MsgUploadGroupBlobResponse,
		"ProcessUpdatedBlobUpload", engine.RequireLocal, p.processUpdatedBlobUpload)

	// Leave, disband, kick.
	add(StateInitial, MsgInitiateGroupLeave,
		"InitiateGroupLeave", engine.RequireLocal, p.initiateGroupLeave)
	add(StateInitial, MsgPropagatedGroupLeave,
		"ProcessPropagatedGroupLeave", engine.RequireAnyObliviousChannel, p.processPropagatedGroupLeave)
	add(StateInitial, MsgInitiateGroupDisband,
		"InitiateGroupDisband", engine.RequireLocal, p.initiateGroupDisband)
	add(StateDisbandingGroup, MsgDeleteGroupBlobResponse,
		"ProcessDeleteGroupBlobResponse", engine.RequireLocal, p.processDeleteGroupBlobResponse)
	add(StateInitial, MsgPropagateGroupDisband,
		"ProcessPropagatedGroupDisband", engine.RequireAnyObliviousChannel, p.processPropagatedGroupDisband)
	add(StateInitial, MsgKick,
		"ProcessKick", engine.RequireAny, p.processKick)
	add(StateInitial, MsgPropagatedKick,
		"ProcessPropagatedKick", engine.RequireAnyObliviousChannel, p.processKick)

	// Key maintenance.
	add(StateInitial, MsgInitiateGroupReDownload,
		"InitiateGroupReDownload", engine.RequireLocal, p.initiateGroupReDownload)
	add(StateInitial, MsgInitiateBatchKeysResend,
		"InitiateBatchKeysResend", engine.RequireLocal, p.initiateBatchKeysResend)
	add(StateInitial, MsgBlobKeysAfterChannelCreation,
		"ProcessBlobKeysAfterChannelCreation", engine.RequireAnyObliviousChannel, p.processBlobKeysAfterChannelCreation)
	add(StateDownloadingGroupPhoto, MsgDownloadGroupPhotoResponse,
		"ProcessDownloadGroupPhotoResponse", engine.RequireLocal, p.processPhotoDownloadResponse)

	return table
}
