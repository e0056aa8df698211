// internal/bridge/inbox.go
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// inboundMessageBody is the wire form of an inbound protocol message. The
// channel layer posts decrypted protocol messages here; the server-query
// transport posts query responses with Response set.
type inboundMessageBody struct {
	OwnedIdentity   []byte `json:"owned_identity"`
	ProtocolID      int    `json:"protocol_id"`
	InstanceUID     []byte `json:"instance_uid"`
	MessageID       int    `json:"message_id"`
	Inputs          []byte `json:"inputs,omitempty"`
	Response        []byte `json:"response,omitempty"`
	HasResponse     bool   `json:"has_response,omitempty"`
	ChannelKind     int    `json:"channel_kind"`
	RemoteIdentity  []byte `json:"remote_identity,omitempty"`
	RemoteDeviceUID []byte `json:"remote_device_uid,omitempty"`
}

func (b *inboundMessageBody) toReceived() (*engine.ReceivedMessage, error) {
	rm := &engine.ReceivedMessage{
		ProtocolID: engine.ProtocolID(b.ProtocolID),
		MessageID:  b.MessageID,
	}
	var err error
	if rm.OwnedIdentity, err = types.ParseIdentity(b.OwnedIdentity); err != nil {
		return nil, fmt.Errorf("owned identity: %w", err)
	}
	if rm.InstanceUID, err = types.UIDFromBytes(b.InstanceUID); err != nil {
		return nil, fmt.Errorf("instance uid: %w", err)
	}
	if len(b.Inputs) > 0 {
		v, err := encoded.Decode(b.Inputs)
		if err != nil {
			return nil, fmt.Errorf("inputs: %w", err)
		}
		if rm.Inputs, err = v.AsList(); err != nil {
			return nil, fmt.Errorf("inputs: %w", err)
		}
	}
	if b.HasResponse {
		// An empty response payload is a definitive transport failure and
		// still counts as a response.
		rm.Response = encoded.List()
		if len(b.Response) > 0 {
			if rm.Response, err = encoded.Decode(b.Response); err != nil {
				return nil, fmt.Errorf("response: %w", err)
			}
		}
	}
	rm.Channel.Kind = types.ChannelKind(b.ChannelKind)
	if len(b.RemoteIdentity) > 0 {
		if rm.Channel.RemoteIdentity, err = types.ParseIdentity(b.RemoteIdentity); err != nil {
			return nil, fmt.Errorf("remote identity: %w", err)
		}
	}
	if len(b.RemoteDeviceUID) > 0 {
		if rm.Channel.RemoteDeviceUID, err = types.UIDFromBytes(b.RemoteDeviceUID); err != nil {
			return nil, fmt.Errorf("remote device uid: %w", err)
		}
	}
	return rm, nil
}

// Inbox accepts inbound protocol messages over HTTP and feeds them to the
// engine's run loop.
type Inbox struct {
	messages chan *engine.ReceivedMessage
	logger   *slog.Logger
}

// NewInbox builds an inbox with the given channel capacity.
func NewInbox(capacity int, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		messages: make(chan *engine.ReceivedMessage, capacity),
		logger:   logger,
	}
}

// Messages is the channel to hand to the engine's Run loop.
func (in *Inbox) Messages() <-chan *engine.ReceivedMessage {
	return in.messages
}

// ServeHTTP accepts one inbound message per request. A malformed body is a
// 400; a full inbox is a 503 so the upstream retries with its own backoff.
func (in *Inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body inboundMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	rm, err := body.toReceived()
	if err != nil {
		in.logger.Warn("rejecting malformed inbound message", "error", err)
		http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}
	select {
	case in.messages <- rm:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
	}
}
