// internal/bridge/bridge_test.go
package bridge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

func testIdentity(t *testing.T) types.Identity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.NewIdentity("server.example", pub)
}

func testUID(t *testing.T) types.UID {
	t.Helper()
	uid, err := types.NewUID(rand.Reader)
	require.NoError(t, err)
	return uid
}

func postInbox(t *testing.T, in *Inbox, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, req)
	return rec
}

func TestInboxAcceptsMessage(t *testing.T) {
	in := NewInbox(4, nil)
	owned := testIdentity(t)
	uid := testUID(t)

	inputs, err := encoded.List(encoded.Int(42)).Encode()
	require.NoError(t, err)
	rec := postInbox(t, in, inboundMessageBody{
		OwnedIdentity: owned.Bytes(),
		ProtocolID:    9,
		InstanceUID:   uid.Bytes(),
		MessageID:     3,
		Inputs:        inputs,
		ChannelKind:   int(types.ChannelLocal),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case rm := <-in.Messages():
		assert.True(t, rm.OwnedIdentity.Equal(owned))
		assert.Equal(t, engine.ProtocolID(9), rm.ProtocolID)
		assert.Equal(t, uid, rm.InstanceUID)
		assert.Equal(t, 3, rm.MessageID)
		require.Len(t, rm.Inputs, 1)
		assert.False(t, rm.Response.IsValid())
	default:
		t.Fatal("no message queued")
	}
}

func TestInboxMapsEmptyResponseToTransportFailure(t *testing.T) {
	in := NewInbox(4, nil)
	rec := postInbox(t, in, inboundMessageBody{
		OwnedIdentity: testIdentity(t).Bytes(),
		InstanceUID:   testUID(t).Bytes(),
		HasResponse:   true,
		ChannelKind:   int(types.ChannelLocal),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rm := <-in.Messages()
	require.True(t, rm.Response.IsValid())
	vs, err := rm.Response.AsList()
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestInboxRejectsBadJSON(t *testing.T) {
	in := NewInbox(4, nil)
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboxRejectsMalformedIdentity(t *testing.T) {
	in := NewInbox(4, nil)
	rec := postInbox(t, in, inboundMessageBody{
		OwnedIdentity: []byte{0x01},
		InstanceUID:   testUID(t).Bytes(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboxFullReturns503(t *testing.T) {
	in := NewInbox(1, nil)
	body := inboundMessageBody{
		OwnedIdentity: testIdentity(t).Bytes(),
		InstanceUID:   testUID(t).Bytes(),
		ChannelKind:   int(types.ChannelLocal),
	}
	require.Equal(t, http.StatusAccepted, postInbox(t, in, body).Code)
	assert.Equal(t, http.StatusServiceUnavailable, postInbox(t, in, body).Code)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	msg := engine.NewOutboundMessage(
		testIdentity(t), 9, testUID(t), 3, types.LocalSend(testIdentity(t)))
	require.NoError(t, c.Post(context.Background(), msg))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	msg := engine.NewOutboundMessage(
		testIdentity(t), 9, testUID(t), 3, types.LocalSend(testIdentity(t)))
	require.Error(t, c.Post(context.Background(), msg))
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientConfirmedDeviceUIDs(t *testing.T) {
	device := testUID(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channel/confirmed-devices", r.URL.Path)
		resp := struct {
			DeviceUIDs [][]byte `json:"device_uids"`
		}{[][]byte{device.Bytes()}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	uids, err := c.ConfirmedDeviceUIDs(context.Background(), testIdentity(t), testIdentity(t))
	require.NoError(t, err)
	require.Len(t, uids, 1)
	assert.Equal(t, device, uids[0])

	ok, err := c.HasConfirmedChannel(context.Background(), testIdentity(t), testIdentity(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientPostsServerQuery(t *testing.T) {
	var got serverQueryBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/server/queries", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	q := &engine.ServerQuery{
		OwnedIdentity:     testIdentity(t),
		ProtocolID:        9,
		InstanceUID:       testUID(t),
		ResponseMessageID: 2,
		Kind:              engine.QueryRequestGroupBlobLock,
		Payload:           encoded.List(),
	}
	require.NoError(t, c.Queries().Post(context.Background(), q))
	assert.Equal(t, "request_group_blob_lock", got.Kind)
	assert.Equal(t, 2, got.ResponseMessageID)
}
