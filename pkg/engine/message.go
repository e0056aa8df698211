// pkg/engine/message.go
package engine

import (
	"fmt"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// ProtocolID identifies a protocol type on the wire and in the instance
// store. Values are part of the persisted format and never change.
type ProtocolID int

// ReceivedMessage is the generic form of an inbound protocol message, before
// the protocol's own catalogue turns it into a typed message. Inputs is a
// fixed-arity list for a given MessageID; arity is checked by the typed
// decoder, never at use time.
type ReceivedMessage struct {
	OwnedIdentity types.Identity
	ProtocolID    ProtocolID
	InstanceUID   types.UID
	MessageID     int
	Inputs        []encoded.Value
	// Response carries the payload of a server-query or dialog response.
	// Invalid (zero) for plain protocol messages; valid-but-empty-list for
	// a definitive transport failure.
	Response encoded.Value
	Channel  types.ReceptionChannelInfo
}

// Encode serializes the generic message for parking in the instance's
// received-message log.
func (m *ReceivedMessage) Encode() ([]byte, error) {
	inputs := encoded.List(m.Inputs...)
	response := encoded.List()
	hasResponse := m.Response.IsValid()
	if hasResponse {
		response = m.Response
	}
	v := encoded.List(
		encoded.Identity(m.OwnedIdentity),
		encoded.Int(int64(m.ProtocolID)),
		encoded.UID(m.InstanceUID),
		encoded.Int(int64(m.MessageID)),
		inputs,
		encoded.Bool(hasResponse),
		response,
		encoded.Int(int64(m.Channel.Kind)),
		encoded.Bytes(m.Channel.RemoteIdentity.Bytes()),
		encoded.UID(m.Channel.RemoteDeviceUID),
	)
	return v.Encode()
}

// DecodeReceivedMessage parses a serialization produced by Encode.
func DecodeReceivedMessage(b []byte) (*ReceivedMessage, error) {
	v, err := encoded.Decode(b)
	if err != nil {
		return nil, err
	}
	vs, err := v.AsListOfLen(10)
	if err != nil {
		return nil, err
	}
	m := &ReceivedMessage{}
	if m.OwnedIdentity, err = vs[0].AsIdentity(); err != nil {
		return nil, fmt.Errorf("owned identity: %w", err)
	}
	protoID, err := vs[1].AsInt()
	if err != nil {
		return nil, fmt.Errorf("protocol id: %w", err)
	}
	m.ProtocolID = ProtocolID(protoID)
	if m.InstanceUID, err = vs[2].AsUID(); err != nil {
		return nil, fmt.Errorf("instance uid: %w", err)
	}
	msgID, err := vs[3].AsInt()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	m.MessageID = int(msgID)
	if m.Inputs, err = vs[4].AsList(); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	hasResponse, err := vs[5].AsBool()
	if err != nil {
		return nil, fmt.Errorf("response flag: %w", err)
	}
	if hasResponse {
		m.Response = vs[6]
	}
	channelKind, err := vs[7].AsInt()
	if err != nil {
		return nil, fmt.Errorf("channel kind: %w", err)
	}
	m.Channel.Kind = types.ChannelKind(channelKind)
	remoteBytes, err := vs[8].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("remote identity: %w", err)
	}
	if len(remoteBytes) > 0 && m.Channel.Kind != types.ChannelLocal {
		if m.Channel.RemoteIdentity, err = types.ParseIdentity(remoteBytes); err != nil {
			return nil, fmt.Errorf("remote identity: %w", err)
		}
	}
	if m.Channel.RemoteDeviceUID, err = vs[9].AsUID(); err != nil {
		return nil, fmt.Errorf("remote device uid: %w", err)
	}
	return m, nil
}

// OutboundMessage is a protocol message built by a step and handed to the
// channel delegate. Messages are immutable once constructed; steps never
// send directly.
type OutboundMessage struct {
	OwnedIdentity types.Identity
	ProtocolID    ProtocolID
	InstanceUID   types.UID
	MessageID     int
	Inputs        []encoded.Value
	SendChannel   types.SendChannelInfo
}

// NewOutboundMessage builds an outbound message from its destination tuple.
func NewOutboundMessage(owned types.Identity, protocolID ProtocolID, instanceUID types.UID, messageID int, sendChannel types.SendChannelInfo, inputs ...encoded.Value) *OutboundMessage {
	return &OutboundMessage{
		OwnedIdentity: owned,
		ProtocolID:    protocolID,
		InstanceUID:   instanceUID,
		MessageID:     messageID,
		Inputs:        inputs,
		SendChannel:   sendChannel,
	}
}

// AsReceived converts a locally addressed outbound message into the received
// message the engine would see, with local reception channel info. Used for
// SendLocal posts, which never cross the network.
func (m *OutboundMessage) AsReceived() *ReceivedMessage {
	return &ReceivedMessage{
		OwnedIdentity: m.SendChannel.ToIdentity,
		ProtocolID:    m.ProtocolID,
		InstanceUID:   m.InstanceUID,
		MessageID:     m.MessageID,
		Inputs:        m.Inputs,
		Channel:       types.LocalReception(),
	}
}
