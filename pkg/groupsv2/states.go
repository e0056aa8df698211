// pkg/groupsv2/states.go
package groupsv2

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
)

// State identifiers. Values are part of the persisted format; a state-shape
// change requires a new id, never an in-place re-encoding.
const (
	StateInitial = iota
	StateUploadingCreatedGroupData
	StateDownloadingGroupBlob
	StateINeedMoreSeeds
	StateInvitationReceived
	StateRejectingInvitationOrLeavingGroup
	StateWaitingForLock
	StateUploadingUpdatedGroupBlob
	StateUploadingUpdatedGroupPhoto
	StateDisbandingGroup
	StateDownloadingGroupPhoto

	StateFinal = 100
)

// InitialState is the state of an instance with no persisted row.
type InitialState struct{}

func (InitialState) StateID() int { return StateInitial }
func (InitialState) Encode() (encoded.Value, error) {
	return encoded.List(), nil
}

// FinalState terminates the instance.
type FinalState struct{}

func (FinalState) StateID() int { return StateFinal }
func (FinalState) Encode() (encoded.Value, error) {
	return encoded.List(), nil
}

func optionalPhotoInfoValue(p *ServerPhotoInfo) encoded.Value {
	if p == nil {
		return encoded.List()
	}
	return encoded.List(p.value())
}

func optionalPhotoInfoFromValue(v encoded.Value) (*ServerPhotoInfo, error) {
	vs, err := v.AsList()
	if err != nil {
		return nil, err
	}
	switch len(vs) {
	case 0:
		return nil, nil
	case 1:
		info, err := photoInfoFromValue(vs[0])
		if err != nil {
			return nil, err
		}
		return &info, nil
	default:
		return nil, fmt.Errorf("%w: optional photo info has %d elements", encoded.ErrArity, len(vs))
	}
}

// UploadingCreatedGroupDataState is the creator waiting for the server to
// acknowledge the initial blob and, when the group has one, the photo.
type UploadingCreatedGroupDataState struct {
	GroupID       Identifier
	Blob          *ServerBlob
	Keys          BlobKeys
	BlobUploaded  bool
	PhotoUploaded bool
}

func (UploadingCreatedGroupDataState) StateID() int { return StateUploadingCreatedGroupData }

func (s *UploadingCreatedGroupDataState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Blob.value(),
		s.Keys.value(),
		encoded.Bool(s.BlobUploaded),
		encoded.Bool(s.PhotoUploaded),
	), nil
}

func decodeUploadingCreatedGroupData(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(5)
	if err != nil {
		return nil, err
	}
	s := &UploadingCreatedGroupDataState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Blob, err = blobFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	if s.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	if s.BlobUploaded, err = vs[3].AsBool(); err != nil {
		return nil, fmt.Errorf("blob uploaded: %w", err)
	}
	if s.PhotoUploaded, err = vs[4].AsBool(); err != nil {
		return nil, fmt.Errorf("photo uploaded: %w", err)
	}
	return s, nil
}

// DownloadingGroupBlobState waits for the server's blob download response,
// holding every seed candidate collected so far.
type DownloadingGroupBlobState struct {
	GroupID         Identifier
	Collected       *InvitationCollectedData
	ExpectedVersion int64
}

func (DownloadingGroupBlobState) StateID() int { return StateDownloadingGroupBlob }

func (s *DownloadingGroupBlobState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Collected.value(),
		encoded.Int(s.ExpectedVersion),
	), nil
}

func decodeDownloadingGroupBlob(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return nil, err
	}
	s := &DownloadingGroupBlobState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Collected, err = collectedFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("collected data: %w", err)
	}
	if s.ExpectedVersion, err = vs[2].AsInt(); err != nil {
		return nil, fmt.Errorf("expected version: %w", err)
	}
	return s, nil
}

// INeedMoreSeedsState is reached when every collected key combination failed
// to decrypt the downloaded blob. The instance parks until another invitation
// brings fresh seeds.
type INeedMoreSeedsState struct {
	GroupID         Identifier
	Collected       *InvitationCollectedData
	ExpectedVersion int64
}

func (INeedMoreSeedsState) StateID() int { return StateINeedMoreSeeds }

func (s *INeedMoreSeedsState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Collected.value(),
		encoded.Int(s.ExpectedVersion),
	), nil
}

func decodeINeedMoreSeeds(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return nil, err
	}
	s := &INeedMoreSeedsState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Collected, err = collectedFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("collected data: %w", err)
	}
	if s.ExpectedVersion, err = vs[2].AsInt(); err != nil {
		return nil, fmt.Errorf("expected version: %w", err)
	}
	return s, nil
}

// InvitationReceivedState holds a verified blob while the user decides on the
// invitation prompt.
type InvitationReceivedState struct {
	GroupID    Identifier
	DialogUUID uuid.UUID
	Blob       *ServerBlob
	Keys       BlobKeys
}

func (InvitationReceivedState) StateID() int { return StateInvitationReceived }

func (s *InvitationReceivedState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		encoded.UUIDValue(s.DialogUUID),
		s.Blob.value(),
		s.Keys.value(),
	), nil
}

func decodeInvitationReceived(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return nil, err
	}
	s := &InvitationReceivedState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.DialogUUID, err = vs[1].AsUUID(); err != nil {
		return nil, fmt.Errorf("dialog uuid: %w", err)
	}
	if s.Blob, err = blobFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	if s.Keys, err = blobKeysFromValue(vs[3]); err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return s, nil
}

// RejectingInvitationOrLeavingGroupState waits for the server to acknowledge
// the signed leave log entry.
type RejectingInvitationOrLeavingGroupState struct {
	GroupID Identifier
}

func (RejectingInvitationOrLeavingGroupState) StateID() int {
	return StateRejectingInvitationOrLeavingGroup
}

func (s *RejectingInvitationOrLeavingGroupState) Encode() (encoded.Value, error) {
	return encoded.List(s.GroupID.value()), nil
}

func decodeRejectingInvitationOrLeavingGroup(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(1)
	if err != nil {
		return nil, err
	}
	s := &RejectingInvitationOrLeavingGroupState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	return s, nil
}

// WaitingForLockState is an admin waiting for the server's blob lock before
// applying a change set. FailedUploads counts lock or upload rejections; the
// update is abandoned when it passes the retry cap.
type WaitingForLockState struct {
	GroupID       Identifier
	Changes       *ChangeSet
	NewPhotoInfo  *ServerPhotoInfo
	FailedUploads int64
}

func (WaitingForLockState) StateID() int { return StateWaitingForLock }

func (s *WaitingForLockState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Changes.value(),
		optionalPhotoInfoValue(s.NewPhotoInfo),
		encoded.Int(s.FailedUploads),
	), nil
}

func decodeWaitingForLock(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return nil, err
	}
	s := &WaitingForLockState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Changes, err = changeSetFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("change set: %w", err)
	}
	if s.NewPhotoInfo, err = optionalPhotoInfoFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("photo info: %w", err)
	}
	if s.FailedUploads, err = vs[3].AsInt(); err != nil {
		return nil, fmt.Errorf("failed uploads: %w", err)
	}
	return s, nil
}

// UploadingUpdatedGroupBlobState is an admin waiting for the server's verdict
// on an updated blob. OldKeys are the keys of the version being replaced;
// kicked members can only decrypt under those.
type UploadingUpdatedGroupBlobState struct {
	GroupID       Identifier
	Changes       *ChangeSet
	UpdatedBlob   *ServerBlob
	UpdatedKeys   BlobKeys
	OldKeys       BlobKeys
	KickedMembers []Member
	NewPhotoInfo  *ServerPhotoInfo
	FailedUploads int64
}

func (UploadingUpdatedGroupBlobState) StateID() int { return StateUploadingUpdatedGroupBlob }

func (s *UploadingUpdatedGroupBlobState) Encode() (encoded.Value, error) {
	kicked := make([]encoded.Value, len(s.KickedMembers))
	for i, m := range s.KickedMembers {
		kicked[i] = m.value()
	}
	return encoded.List(
		s.GroupID.value(),
		s.Changes.value(),
		s.UpdatedBlob.value(),
		s.UpdatedKeys.value(),
		s.OldKeys.value(),
		encoded.List(kicked...),
		optionalPhotoInfoValue(s.NewPhotoInfo),
		encoded.Int(s.FailedUploads),
	), nil
}

func decodeUploadingUpdatedGroupBlob(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(8)
	if err != nil {
		return nil, err
	}
	s := &UploadingUpdatedGroupBlobState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Changes, err = changeSetFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("change set: %w", err)
	}
	if s.UpdatedBlob, err = blobFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("updated blob: %w", err)
	}
	if s.UpdatedKeys, err = blobKeysFromValue(vs[3]); err != nil {
		return nil, fmt.Errorf("updated keys: %w", err)
	}
	if s.OldKeys, err = blobKeysFromValue(vs[4]); err != nil {
		return nil, fmt.Errorf("old keys: %w", err)
	}
	kickedVals, err := vs[5].AsList()
	if err != nil {
		return nil, fmt.Errorf("kicked members: %w", err)
	}
	s.KickedMembers = make([]Member, len(kickedVals))
	for i, kv := range kickedVals {
		if s.KickedMembers[i], err = memberFromValue(kv); err != nil {
			return nil, fmt.Errorf("kicked member %d: %w", i, err)
		}
	}
	if s.NewPhotoInfo, err = optionalPhotoInfoFromValue(vs[6]); err != nil {
		return nil, fmt.Errorf("photo info: %w", err)
	}
	if s.FailedUploads, err = vs[7].AsInt(); err != nil {
		return nil, fmt.Errorf("failed uploads: %w", err)
	}
	return s, nil
}

// UploadingUpdatedGroupPhotoState is an admin waiting for the photo upload
// that precedes the lock request of a photo-changing update.
type UploadingUpdatedGroupPhotoState struct {
	GroupID       Identifier
	Changes       *ChangeSet
	NewPhotoInfo  ServerPhotoInfo
	FailedUploads int64
}

func (UploadingUpdatedGroupPhotoState) StateID() int { return StateUploadingUpdatedGroupPhoto }

func (s *UploadingUpdatedGroupPhotoState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Changes.value(),
		s.NewPhotoInfo.value(),
		encoded.Int(s.FailedUploads),
	), nil
}

func decodeUploadingUpdatedGroupPhoto(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(4)
	if err != nil {
		return nil, err
	}
	s := &UploadingUpdatedGroupPhotoState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Changes, err = changeSetFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("change set: %w", err)
	}
	if s.NewPhotoInfo, err = photoInfoFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("photo info: %w", err)
	}
	if s.FailedUploads, err = vs[3].AsInt(); err != nil {
		return nil, fmt.Errorf("failed uploads: %w", err)
	}
	return s, nil
}

// DisbandingGroupState waits for the server-side blob deletion before telling
// the members they are out.
type DisbandingGroupState struct {
	GroupID Identifier
	Blob    *ServerBlob
	Keys    BlobKeys
}

func (DisbandingGroupState) StateID() int { return StateDisbandingGroup }

func (s *DisbandingGroupState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.Blob.value(),
		s.Keys.value(),
	), nil
}

func decodeDisbandingGroup(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(3)
	if err != nil {
		return nil, err
	}
	s := &DisbandingGroupState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.Blob, err = blobFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	if s.Keys, err = blobKeysFromValue(vs[2]); err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return s, nil
}

// DownloadingGroupPhotoState waits for the encrypted group photo download.
type DownloadingGroupPhotoState struct {
	GroupID   Identifier
	PhotoInfo ServerPhotoInfo
}

func (DownloadingGroupPhotoState) StateID() int { return StateDownloadingGroupPhoto }

func (s *DownloadingGroupPhotoState) Encode() (encoded.Value, error) {
	return encoded.List(
		s.GroupID.value(),
		s.PhotoInfo.value(),
	), nil
}

func decodeDownloadingGroupPhoto(v encoded.Value) (engine.State, error) {
	vs, err := v.AsListOfLen(2)
	if err != nil {
		return nil, err
	}
	s := &DownloadingGroupPhotoState{}
	if s.GroupID, err = identifierFromValue(vs[0]); err != nil {
		return nil, fmt.Errorf("group identifier: %w", err)
	}
	if s.PhotoInfo, err = photoInfoFromValue(vs[1]); err != nil {
		return nil, fmt.Errorf("photo info: %w", err)
	}
	return s, nil
}

// stateDecoders is the closed decode table of the protocol.
var stateDecoders = map[int]func(encoded.Value) (engine.State, error){
	StateInitial: func(v encoded.Value) (engine.State, error) {
		if _, err := v.AsListOfLen(0); err != nil {
			return nil, err
		}
		return &InitialState{}, nil
	},
	StateUploadingCreatedGroupData:         decodeUploadingCreatedGroupData,
	StateDownloadingGroupBlob:              decodeDownloadingGroupBlob,
	StateINeedMoreSeeds:                    decodeINeedMoreSeeds,
	StateInvitationReceived:                decodeInvitationReceived,
	StateRejectingInvitationOrLeavingGroup: decodeRejectingInvitationOrLeavingGroup,
	StateWaitingForLock:                    decodeWaitingForLock,
	StateUploadingUpdatedGroupBlob:         decodeUploadingUpdatedGroupBlob,
	StateUploadingUpdatedGroupPhoto:        decodeUploadingUpdatedGroupPhoto,
	StateDisbandingGroup:                   decodeDisbandingGroup,
	StateDownloadingGroupPhoto:             decodeDownloadingGroupPhoto,
	StateFinal: func(v encoded.Value) (engine.State, error) {
		if _, err := v.AsListOfLen(0); err != nil {
			return nil, err
		}
		return &FinalState{}, nil
	},
}
