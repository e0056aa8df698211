// internal/bridge/bridge.go
//
// Package bridge connects the protocol engine to the rest of the messaging
// stack over HTTP. The channel layer, the server-query transport, and the
// application frontend run as separate daemons; the engine talks to them
// through the delegate interfaces, and this package implements those
// delegates as JSON POSTs against a configured upstream. The reverse
// direction is an inbox handler that turns upstream POSTs into received
// messages.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// Client implements the engine's outbound delegates against one upstream
// base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxTries   uint
}

var (
	_ engine.ChannelDelegate      = (*Client)(nil)
	_ engine.ServerQueryDelegate  = (*queryClient)(nil)
	_ engine.DialogDelegate       = (*Client)(nil)
	_ engine.NotificationDelegate = (*Client)(nil)
)

// NewClient builds a bridge client for the given upstream base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:   logger,
		maxTries: 4,
	}
}

// outboundMessageBody is the wire form of an outbound protocol message.
// Inputs carries the message's input list in the protocol encoding; the
// channel layer never looks inside it.
type outboundMessageBody struct {
	OwnedIdentity        []byte `json:"owned_identity"`
	ProtocolID           int    `json:"protocol_id"`
	InstanceUID          []byte `json:"instance_uid"`
	MessageID            int    `json:"message_id"`
	Inputs               []byte `json:"inputs"`
	SendChannelKind      int    `json:"send_channel_kind"`
	ToIdentity           []byte `json:"to_identity"`
	NecessarilyConfirmed bool   `json:"necessarily_confirmed"`
}

// Post hands an outbound protocol message to the channel layer.
func (c *Client) Post(ctx context.Context, msg *engine.OutboundMessage) error {
	inputs, err := encoded.List(msg.Inputs...).Encode()
	if err != nil {
		return fmt.Errorf("bridge: encode message inputs: %w", err)
	}
	body := outboundMessageBody{
		OwnedIdentity:        msg.OwnedIdentity.Bytes(),
		ProtocolID:           int(msg.ProtocolID),
		InstanceUID:          msg.InstanceUID.Bytes(),
		MessageID:            msg.MessageID,
		Inputs:               inputs,
		SendChannelKind:      int(msg.SendChannel.Kind),
		ToIdentity:           msg.SendChannel.ToIdentity.Bytes(),
		NecessarilyConfirmed: msg.SendChannel.NecessarilyConfirmed,
	}
	return c.postJSON(ctx, "/channel/messages", body, nil)
}

// ConfirmedDeviceUIDs lists the remote device UIDs with a confirmed channel
// from owned.
func (c *Client) ConfirmedDeviceUIDs(ctx context.Context, owned, remote types.Identity) ([]types.UID, error) {
	req := struct {
		OwnedIdentity  []byte `json:"owned_identity"`
		RemoteIdentity []byte `json:"remote_identity"`
	}{owned.Bytes(), remote.Bytes()}
	var resp struct {
		DeviceUIDs [][]byte `json:"device_uids"`
	}
	if err := c.postJSON(ctx, "/channel/confirmed-devices", req, &resp); err != nil {
		return nil, err
	}
	uids := make([]types.UID, 0, len(resp.DeviceUIDs))
	for _, raw := range resp.DeviceUIDs {
		uid, err := types.UIDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("bridge: device uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// HasConfirmedChannel reports whether a confirmed channel to any device of
// remote exists.
func (c *Client) HasConfirmedChannel(ctx context.Context, owned, remote types.Identity) (bool, error) {
	uids, err := c.ConfirmedDeviceUIDs(ctx, owned, remote)
	if err != nil {
		return false, err
	}
	return len(uids) > 0, nil
}

// OwnedDeviceUIDs lists the owned identity's other device UIDs.
func (c *Client) OwnedDeviceUIDs(ctx context.Context, owned types.Identity) ([]types.UID, error) {
	req := struct {
		OwnedIdentity []byte `json:"owned_identity"`
	}{owned.Bytes()}
	var resp struct {
		DeviceUIDs [][]byte `json:"device_uids"`
	}
	if err := c.postJSON(ctx, "/channel/owned-devices", req, &resp); err != nil {
		return nil, err
	}
	uids := make([]types.UID, 0, len(resp.DeviceUIDs))
	for _, raw := range resp.DeviceUIDs {
		uid, err := types.UIDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("bridge: device uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// serverQueryBody is the wire form of a server query. The transport runs it
// against the relay server and POSTs the result back to the inbox with
// ResponseMessageID.
type serverQueryBody struct {
	OwnedIdentity     []byte `json:"owned_identity"`
	ProtocolID        int    `json:"protocol_id"`
	InstanceUID       []byte `json:"instance_uid"`
	ResponseMessageID int    `json:"response_message_id"`
	Kind              string `json:"kind"`
	Payload           []byte `json:"payload"`
}

// queryClient adapts Client to the server-query delegate. The channel
// delegate already claims the Post method name.
type queryClient struct {
	c *Client
}

func (qc *queryClient) Post(ctx context.Context, q *engine.ServerQuery) error {
	return qc.c.postQuery(ctx, q)
}

// Queries returns the server-query delegate view of the client.
func (c *Client) Queries() engine.ServerQueryDelegate {
	return &queryClient{c: c}
}

// postQuery hands a server query to the transport layer.
func (c *Client) postQuery(ctx context.Context, q *engine.ServerQuery) error {
	payload, err := q.Payload.Encode()
	if err != nil {
		return fmt.Errorf("bridge: encode query payload: %w", err)
	}
	body := serverQueryBody{
		OwnedIdentity:     q.OwnedIdentity.Bytes(),
		ProtocolID:        int(q.ProtocolID),
		InstanceUID:       q.InstanceUID.Bytes(),
		ResponseMessageID: q.ResponseMessageID,
		Kind:              q.Kind.String(),
		Payload:           payload,
	}
	return c.postJSON(ctx, "/server/queries", body, nil)
}

// dialogBody is the wire form of a user dialog request.
type dialogBody struct {
	UUID              string `json:"uuid"`
	OwnedIdentity     []byte `json:"owned_identity"`
	ProtocolID        int    `json:"protocol_id"`
	InstanceUID       []byte `json:"instance_uid"`
	Category          int    `json:"category"`
	Payload           []byte `json:"payload"`
	ResponseMessageID int    `json:"response_message_id"`
}

// Present hands a dialog to the frontend.
func (c *Client) Present(ctx context.Context, d *engine.Dialog) error {
	payload, err := d.Payload.Encode()
	if err != nil {
		return fmt.Errorf("bridge: encode dialog payload: %w", err)
	}
	body := dialogBody{
		UUID:              d.UUID.String(),
		OwnedIdentity:     d.OwnedIdentity.Bytes(),
		ProtocolID:        int(d.ProtocolID),
		InstanceUID:       d.InstanceUID.Bytes(),
		Category:          int(d.Category),
		Payload:           payload,
		ResponseMessageID: d.ResponseMessageID,
	}
	return c.postJSON(ctx, "/dialogs", body, nil)
}

// Delete retracts a previously presented dialog.
func (c *Client) Delete(ctx context.Context, owned types.Identity, dialogUUID uuid.UUID) error {
	req := struct {
		UUID          string `json:"uuid"`
		OwnedIdentity []byte `json:"owned_identity"`
	}{dialogUUID.String(), owned.Bytes()}
	return c.postJSON(ctx, "/dialogs/delete", req, nil)
}

// Notify forwards an application notification. Notification delivery is best
// effort; failures are logged and swallowed.
func (c *Client) Notify(ctx context.Context, n *engine.Notification) {
	payload := []byte(nil)
	if n.Payload.IsValid() {
		raw, err := n.Payload.Encode()
		if err != nil {
			c.logger.Warn("notification payload encode failed", "name", n.Name, "error", err)
			return
		}
		payload = raw
	}
	req := struct {
		OwnedIdentity []byte `json:"owned_identity"`
		Name          string `json:"name"`
		Payload       []byte `json:"payload,omitempty"`
	}{n.OwnedIdentity.Bytes(), n.Name, payload}
	if err := c.postJSON(ctx, "/notifications", req, nil); err != nil {
		c.logger.Warn("notification delivery failed", "name", n.Name, "error", err)
	}
}

// postJSON POSTs body to the upstream path, retrying transient failures.
// 4xx responses are permanent; everything else is retried with exponential
// backoff up to maxTries.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridge: marshal request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	respBody, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.doPost(ctx, path, raw)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return fmt.Errorf("bridge: POST %s: %w", path, err)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("bridge: decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, backoff.Permanent(fmt.Errorf("upstream returned status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
}
