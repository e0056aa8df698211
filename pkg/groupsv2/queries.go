// pkg/groupsv2/queries.go
package groupsv2

import (
	"crypto/ed25519"

	"github.com/ipfs/go-cid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
)

// Server query payload builders. The server never sees plaintext: it stores
// the encrypted blob, checks the group-admin signature on privileged calls,
// and appends signed log entries it cannot read into.

func createGroupBlobQuery(groupID Identifier, adminPub ed25519.PublicKey, encryptedBlob []byte) *engine.ServerQuery {
	return &engine.ServerQuery{
		Kind:              engine.QueryCreateGroupBlob,
		ResponseMessageID: MsgUploadGroupBlobResponse,
		Payload: encoded.List(
			groupID.value(),
			encoded.Bytes(adminPub),
			encoded.Bytes(encryptedBlob),
		),
	}
}

func getGroupBlobQuery(groupID Identifier) *engine.ServerQuery {
	return &engine.ServerQuery{
		Kind:              engine.QueryGetGroupBlob,
		ResponseMessageID: MsgDownloadGroupBlobResponse,
		Payload:           encoded.List(groupID.value()),
	}
}

// updateBlobPurpose is the domain separator of the admin-key signature
// authorizing a blob overwrite under a held lock. The server verifies it
// against the admin public key of the blob being replaced, so only an admin
// of the current version can install the next one (and, with it, the next
// admin key).
const updateBlobPurpose = "groups-v2-update-blob"

func updateGroupBlobQuery(groupID Identifier, lockNonce []byte, adminPriv ed25519.PrivateKey, newAdminPub ed25519.PublicKey, encryptedBlob []byte) *engine.ServerQuery {
	signed := make([]byte, 0, len(updateBlobPurpose)+len(lockNonce)+len(encryptedBlob))
	signed = append(signed, updateBlobPurpose...)
	signed = append(signed, lockNonce...)
	signed = append(signed, encryptedBlob...)
	sig := ed25519.Sign(adminPriv, signed)
	return &engine.ServerQuery{
		Kind:              engine.QueryUpdateGroupBlob,
		ResponseMessageID: MsgUploadGroupBlobResponse,
		Payload: encoded.List(
			groupID.value(),
			encoded.Bytes(lockNonce),
			encoded.Bytes(newAdminPub),
			encoded.Bytes(encryptedBlob),
			encoded.Bytes(sig),
		),
	}
}

// deleteBlobPurpose is the domain separator of the admin-key signature
// authorizing a server-side blob deletion.
const deleteBlobPurpose = "groups-v2-delete-blob"

func deleteGroupBlobQuery(groupID Identifier, adminPriv ed25519.PrivateKey) *engine.ServerQuery {
	payload := append([]byte(deleteBlobPurpose), groupID.Bytes()...)
	sig := ed25519.Sign(adminPriv, payload)
	return &engine.ServerQuery{
		Kind:              engine.QueryDeleteGroupBlob,
		ResponseMessageID: MsgDeleteGroupBlobResponse,
		Payload:           encoded.List(groupID.value(), encoded.Bytes(sig)),
	}
}

// lockRequestPurpose is the domain separator of the admin-key signature on a
// lock request; lockNonceSize is the length of the fresh nonce it covers.
const (
	lockRequestPurpose = "groups-v2-request-lock"
	lockNonceSize      = 32
)

func requestLockQuery(groupID Identifier, lockNonce []byte, adminPriv ed25519.PrivateKey) *engine.ServerQuery {
	signed := make([]byte, 0, len(lockRequestPurpose)+len(groupID.Bytes())+len(lockNonce))
	signed = append(signed, lockRequestPurpose...)
	signed = append(signed, groupID.Bytes()...)
	signed = append(signed, lockNonce...)
	sig := ed25519.Sign(adminPriv, signed)
	return &engine.ServerQuery{
		Kind:              engine.QueryRequestGroupBlobLock,
		ResponseMessageID: MsgRequestLockResponse,
		Payload: encoded.List(
			groupID.value(),
			encoded.Bytes(lockNonce),
			encoded.Bytes(sig),
		),
	}
}

func putGroupLogQuery(groupID Identifier, entry LogEntry) *engine.ServerQuery {
	return &engine.ServerQuery{
		Kind:              engine.QueryPutGroupLog,
		ResponseMessageID: MsgPutGroupLogResponse,
		Payload:           encoded.List(groupID.value(), entry.value()),
	}
}

func putUserDataQuery(label cid.Cid, encryptedPhoto []byte) *engine.ServerQuery {
	return &engine.ServerQuery{
		Kind:              engine.QueryPutUserData,
		ResponseMessageID: MsgUploadGroupPhotoResponse,
		Payload:           encoded.List(encoded.Bytes(label.Bytes()), encoded.Bytes(encryptedPhoto)),
	}
}

func getUserDataQuery(label cid.Cid) *engine.ServerQuery {
	return &engine.ServerQuery{
		Kind:              engine.QueryGetUserData,
		ResponseMessageID: MsgDownloadGroupPhotoResponse,
		Payload:           encoded.List(encoded.Bytes(label.Bytes())),
	}
}
