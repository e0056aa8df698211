// pkg/engine/protocol.go
package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// State is one persisted protocol state. Implementations are closed sets per
// protocol; decoding rejects any encoding whose field count does not match
// the variant's arity.
type State interface {
	StateID() int
	Encode() (encoded.Value, error)
}

// Message is a typed inbound protocol message, produced by the protocol's
// own message catalogue from a ReceivedMessage.
type Message interface {
	MessageID() int
}

// StepResult is the outcome of running a step. Exactly one of the three
// constructors applies:
//
//   - Continue(next): the transition succeeded, persist next.
//   - Ignore(): no valid transition, drop the message, state unchanged.
//   - Fatal(err): hard failure, roll back and leave the message pending.
type StepResult struct {
	kind stepResultKind
	next State
	err  error
}

type stepResultKind int

const (
	resultContinue stepResultKind = iota
	resultIgnore
	resultFatal
)

func Continue(next State) StepResult { return StepResult{kind: resultContinue, next: next} }
func Ignore() StepResult             { return StepResult{kind: resultIgnore} }
func Fatal(err error) StepResult     { return StepResult{kind: resultFatal, err: err} }

func (r StepResult) IsContinue() bool { return r.kind == resultContinue }
func (r StepResult) IsIgnore() bool   { return r.kind == resultIgnore }
func (r StepResult) Err() error       { return r.err }
func (r StepResult) Next() State      { return r.next }

// ChannelRequirement is a step's declared constraint on the arrival channel
// of the message it consumes.
type ChannelRequirement int

const (
	// RequireLocal accepts only locally injected messages.
	RequireLocal ChannelRequirement = iota
	// RequireAnyObliviousChannel accepts messages from any confirmed
	// oblivious channel, regardless of sender identity.
	RequireAnyObliviousChannel
	// RequireAnyObliviousChannelOrLocal accepts confirmed oblivious
	// channels and local injection (owned-device propagation reaches its
	// siblings this way).
	RequireAnyObliviousChannelOrLocal
	// RequireAsymmetricBroadcast accepts only asymmetric broadcast.
	RequireAsymmetricBroadcast
	// RequireAny accepts any channel; the step does its own sender
	// authentication (signature checks).
	RequireAny
)

// channelSatisfies is the channel-policy gate of the engine: a step whose
// requirement is not met by the message's actual arrival channel is not
// eligible, and is skipped without error.
func channelSatisfies(req ChannelRequirement, ch types.ReceptionChannelInfo) bool {
	switch req {
	case RequireLocal:
		return ch.Kind == types.ChannelLocal
	case RequireAnyObliviousChannel:
		return ch.Kind == types.ChannelObliviousChannel
	case RequireAnyObliviousChannelOrLocal:
		return ch.Kind == types.ChannelObliviousChannel || ch.Kind == types.ChannelLocal
	case RequireAsymmetricBroadcast:
		return ch.Kind == types.ChannelAsymmetricBroadcast
	case RequireAny:
		return true
	default:
		return false
	}
}

// StepFunc executes one transition. It may buffer outbound posts on the
// StepContext; the engine flushes them only after the new state is
// persisted.
type StepFunc func(ctx context.Context, sc *StepContext, st State, msg Message) StepResult

// StepSpec declares one legal (state, message) transition of a protocol.
type StepSpec struct {
	Name    string
	Channel ChannelRequirement
	Run     StepFunc
}

// Protocol is one protocol definition: a closed catalogue of states,
// messages, and steps. The engine drives it; the protocol never touches
// persistence or scheduling.
type Protocol interface {
	ID() ProtocolID
	Name() string
	// InitialState is the state of an instance that has no persisted row
	// yet.
	InitialState() State
	// DecodeState rebuilds a typed state from its persisted encoding.
	DecodeState(stateID int, enc encoded.Value) (State, error)
	// DecodeMessage turns a generic received message into a typed one.
	// Arity and kind errors here drop the message without running a step.
	DecodeMessage(rm *ReceivedMessage) (Message, error)
	// Steps lists the declared transitions for a (state, message) pair. An
	// empty result means the message does not apply to this state.
	Steps(stateID, messageID int) []StepSpec
	// IsTerminal reports whether a state ends the instance.
	IsTerminal(stateID int) bool
	// EraseReceivedMessages reports whether the received-message log is
	// erased when the instance terminates. Protocols kept for replay audit
	// return false.
	EraseReceivedMessages() bool
}

// StepContext is what a running step sees of the outside world: the four
// delegates, the protocol registry for child-protocol starts, and buffers
// for outbound side effects. Posts are flushed by the engine after the
// transition is persisted.
type StepContext struct {
	OwnedIdentity types.Identity
	ProtocolID    ProtocolID
	InstanceUID   types.UID
	// Channel is the reception channel of the message being processed. Steps
	// that attribute received material to a sender read the remote identity
	// from here, never from message fields.
	Channel types.ReceptionChannelInfo
	Logger  *slog.Logger

	Channels      ChannelDelegate
	ServerQueries ServerQueryDelegate
	Dialogs       DialogDelegate
	Notifications NotificationDelegate
	Registry      *Registry

	tx *sqlite.Tx

	posts         []*OutboundMessage
	queries       []*ServerQuery
	dialogs       []*Dialog
	deletedDialog []uuid.UUID
	notifications []*Notification
}

// PostMessage buffers an outbound protocol message.
func (sc *StepContext) PostMessage(msg *OutboundMessage) {
	sc.posts = append(sc.posts, msg)
}

// PostServerQuery buffers a typed server query. The response comes back as a
// fresh message for this instance carrying q.ResponseMessageID.
func (sc *StepContext) PostServerQuery(q *ServerQuery) {
	q.OwnedIdentity = sc.OwnedIdentity
	q.ProtocolID = sc.ProtocolID
	q.InstanceUID = sc.InstanceUID
	sc.queries = append(sc.queries, q)
}

// PresentDialog buffers a user dialog request.
func (sc *StepContext) PresentDialog(d *Dialog) {
	d.OwnedIdentity = sc.OwnedIdentity
	d.ProtocolID = sc.ProtocolID
	d.InstanceUID = sc.InstanceUID
	sc.dialogs = append(sc.dialogs, d)
}

// DeleteDialog buffers the retraction of a previously presented dialog.
func (sc *StepContext) DeleteDialog(dialogUUID uuid.UUID) {
	sc.deletedDialog = append(sc.deletedDialog, dialogUUID)
}

// Notify buffers an application notification.
func (sc *StepContext) Notify(name string, payload encoded.Value) {
	sc.notifications = append(sc.notifications, &Notification{
		OwnedIdentity: sc.OwnedIdentity,
		Name:          name,
		Payload:       payload,
	})
}

// StartChildProtocol buffers a locally injected message that starts (or
// resumes) another protocol instance. Child protocols are reached through
// the injected registry, never through package-level constants.
func (sc *StepContext) StartChildProtocol(protocolID ProtocolID, instanceUID types.UID, messageID int, inputs ...encoded.Value) error {
	if _, ok := sc.Registry.Get(protocolID); !ok {
		return fmt.Errorf("start child protocol: unknown protocol %d", protocolID)
	}
	sc.posts = append(sc.posts, NewOutboundMessage(
		sc.OwnedIdentity, protocolID, instanceUID, messageID,
		types.LocalSend(sc.OwnedIdentity), inputs...))
	return nil
}

// SignatureSeen records the hash of a signature in the persistent replay
// table, within the step's transaction. Returns false if the signature was
// already recorded, in which case the caller treats the message as a replay.
func (sc *StepContext) SignatureSeen(ctx context.Context, signature []byte) (bool, error) {
	h := sha256.Sum256(signature)
	fresh, err := sc.tx.RecordSignature(ctx, sc.OwnedIdentity.Bytes(), h[:])
	if err != nil {
		return false, err
	}
	return !fresh, nil
}
