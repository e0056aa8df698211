// pkg/engine/delegates.go
package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// ChannelDelegate abstracts the channel layer. The engine and the protocol
// steps never encrypt or route anything themselves: they hand fully built
// messages to Post and let the channel layer pick and secure the wire.
type ChannelDelegate interface {
	// Post sends an outbound protocol message over the channels selected by
	// its SendChannelInfo. Posting to an identity with no matching channel
	// is an error for NecessarilyConfirmed sends and a no-op otherwise.
	Post(ctx context.Context, msg *OutboundMessage) error
	// ConfirmedDeviceUIDs lists the device UIDs of remote for which a
	// confirmed oblivious channel exists from owned.
	ConfirmedDeviceUIDs(ctx context.Context, owned, remote types.Identity) ([]types.UID, error)
	// HasConfirmedChannel reports whether at least one confirmed oblivious
	// channel exists from owned to any device of remote.
	HasConfirmedChannel(ctx context.Context, owned, remote types.Identity) (bool, error)
	// OwnedDeviceUIDs lists the owned identity's other device UIDs.
	OwnedDeviceUIDs(ctx context.Context, owned types.Identity) ([]types.UID, error)
}

// ServerQueryKind enumerates the typed server queries a step may issue.
type ServerQueryKind int

const (
	QueryCreateGroupBlob ServerQueryKind = iota
	QueryGetGroupBlob
	QueryUpdateGroupBlob
	QueryDeleteGroupBlob
	QueryRequestGroupBlobLock
	QueryPutGroupLog
	QueryPutUserData
	QueryGetUserData
)

func (k ServerQueryKind) String() string {
	switch k {
	case QueryCreateGroupBlob:
		return "create_group_blob"
	case QueryGetGroupBlob:
		return "get_group_blob"
	case QueryUpdateGroupBlob:
		return "update_group_blob"
	case QueryDeleteGroupBlob:
		return "delete_group_blob"
	case QueryRequestGroupBlobLock:
		return "request_group_blob_lock"
	case QueryPutGroupLog:
		return "put_group_log"
	case QueryPutUserData:
		return "put_user_data"
	case QueryGetUserData:
		return "get_user_data"
	default:
		return "unknown"
	}
}

// ServerQuery is a request to the untrusted relay server. The transport
// executes it asynchronously and routes the response back into the engine as
// a message carrying ResponseMessageID with the response payload attached.
// An empty response payload signals a definitive transport failure; each
// step decides whether that is retryable.
type ServerQuery struct {
	OwnedIdentity     types.Identity
	ProtocolID        ProtocolID
	InstanceUID       types.UID
	ResponseMessageID int
	Kind              ServerQueryKind
	Payload           encoded.Value
}

// ServerQueryDelegate hands server queries to the transport layer. Retry and
// backoff of the transport itself are the delegate's concern, not the
// engine's; the engine only ever sees the final response message.
type ServerQueryDelegate interface {
	Post(ctx context.Context, q *ServerQuery) error
}

// DialogCategory enumerates the modal prompts a protocol may present.
type DialogCategory int

const (
	DialogAcceptGroupInvite DialogCategory = iota
	DialogFrozenGroupInvite
	DialogGroupUpdateFailed
)

// Dialog is a user-visible prompt keyed by a protocol-chosen UUID. The
// response, if any, comes back as a message carrying ResponseMessageID.
type Dialog struct {
	UUID              uuid.UUID
	OwnedIdentity     types.Identity
	ProtocolID        ProtocolID
	InstanceUID       types.UID
	Category          DialogCategory
	Payload           encoded.Value
	ResponseMessageID int
}

// DialogDelegate presents and retracts user dialogs.
type DialogDelegate interface {
	Present(ctx context.Context, d *Dialog) error
	Delete(ctx context.Context, owned types.Identity, dialogUUID uuid.UUID) error
}

// Notification is an application-facing event (group updated, update failed,
// and the like). Background consensus maintenance never notifies; explicit
// admin actions always do, distinguishing a no-op from a real failure.
type Notification struct {
	OwnedIdentity types.Identity
	Name          string
	Payload       encoded.Value
}

// NotificationDelegate delivers application notifications.
type NotificationDelegate interface {
	Notify(ctx context.Context, n *Notification)
}
