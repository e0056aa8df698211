package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// The counter protocol below exists only to exercise the engine: arm an
// instance, count increments from remote devices, review, settle. It covers
// every routing outcome the engine distinguishes.
const counterProtocolID engine.ProtocolID = 77

const (
	stateIdle   = 0
	stateArmed  = 1
	stateReview = 2
	stateDone   = 9
)

const (
	msgArm = iota
	msgIncrement
	msgReview
	msgSettle
	msgExplode
)

type idleState struct{}

func (idleState) StateID() int                   { return stateIdle }
func (idleState) Encode() (encoded.Value, error) { return encoded.List(), nil }

type armedState struct{ Count int64 }

func (s *armedState) StateID() int { return stateArmed }
func (s *armedState) Encode() (encoded.Value, error) {
	return encoded.List(encoded.Int(s.Count)), nil
}

type reviewState struct{ Count int64 }

func (s *reviewState) StateID() int { return stateReview }
func (s *reviewState) Encode() (encoded.Value, error) {
	return encoded.List(encoded.Int(s.Count)), nil
}

type doneState struct{}

func (doneState) StateID() int                   { return stateDone }
func (doneState) Encode() (encoded.Value, error) { return encoded.List(), nil }

type counterMessage struct{ id int }

func (m counterMessage) MessageID() int { return m.id }

type counterProtocol struct{}

func (counterProtocol) ID() engine.ProtocolID       { return counterProtocolID }
func (counterProtocol) Name() string                { return "Counter" }
func (counterProtocol) InitialState() engine.State  { return idleState{} }
func (counterProtocol) IsTerminal(stateID int) bool { return stateID == stateDone }
func (counterProtocol) EraseReceivedMessages() bool { return true }

func (counterProtocol) DecodeState(stateID int, enc encoded.Value) (engine.State, error) {
	switch stateID {
	case stateIdle:
		return idleState{}, nil
	case stateArmed, stateReview:
		vs, err := enc.AsListOfLen(1)
		if err != nil {
			return nil, err
		}
		count, err := vs[0].AsInt()
		if err != nil {
			return nil, err
		}
		if stateID == stateArmed {
			return &armedState{Count: count}, nil
		}
		return &reviewState{Count: count}, nil
	default:
		return nil, fmt.Errorf("unknown state id %d", stateID)
	}
}

func (counterProtocol) DecodeMessage(rm *engine.ReceivedMessage) (engine.Message, error) {
	if len(rm.Inputs) != 0 {
		return nil, fmt.Errorf("%w: want 0 inputs, got %d", encoded.ErrArity, len(rm.Inputs))
	}
	if rm.MessageID < msgArm || rm.MessageID > msgExplode {
		return nil, fmt.Errorf("unknown message id %d", rm.MessageID)
	}
	return counterMessage{id: rm.MessageID}, nil
}

func (counterProtocol) Steps(stateID, messageID int) []engine.StepSpec {
	step := func(name string, ch engine.ChannelRequirement, run engine.StepFunc) []engine.StepSpec {
		return []engine.StepSpec{{Name: name, Channel: ch, Run: run}}
	}
	switch {
	case stateID == stateIdle && messageID == msgArm:
		return step("Arm", engine.RequireLocal,
			func(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
				sc.Notify("counter.armed", encoded.List())
				return engine.Continue(&armedState{})
			})
	case stateID == stateArmed && messageID == msgIncrement:
		return step("Increment", engine.RequireAnyObliviousChannel,
			func(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
				s := st.(*armedState)
				return engine.Continue(&armedState{Count: s.Count + 1})
			})
	case stateID == stateArmed && messageID == msgReview:
		return step("Review", engine.RequireLocal,
			func(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
				s := st.(*armedState)
				return engine.Continue(&reviewState{Count: s.Count})
			})
	case stateID == stateReview && messageID == msgSettle:
		return step("Settle", engine.RequireLocal,
			func(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
				return engine.Continue(&doneState{})
			})
	case stateID == stateArmed && messageID == msgExplode:
		return step("Explode", engine.RequireLocal,
			func(ctx context.Context, sc *engine.StepContext, st engine.State, msg engine.Message) engine.StepResult {
				return engine.Fatal(errors.New("instrumented failure"))
			})
	}
	return nil
}

type recordingDelegates struct {
	mu            sync.Mutex
	posts         []*engine.OutboundMessage
	notifications []*engine.Notification
}

func (d *recordingDelegates) Post(_ context.Context, msg *engine.OutboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.posts = append(d.posts, msg)
	return nil
}

func (d *recordingDelegates) ConfirmedDeviceUIDs(context.Context, types.Identity, types.Identity) ([]types.UID, error) {
	return nil, nil
}

func (d *recordingDelegates) HasConfirmedChannel(context.Context, types.Identity, types.Identity) (bool, error) {
	return false, nil
}

func (d *recordingDelegates) OwnedDeviceUIDs(context.Context, types.Identity) ([]types.UID, error) {
	return nil, nil
}

func (d *recordingDelegates) Notify(_ context.Context, n *engine.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications = append(d.notifications, n)
}

type engineFixture struct {
	engine    *engine.Engine
	store     *sqlite.Store
	delegates *recordingDelegates
	owned     types.Identity
	uid       types.UID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(counterProtocol{}))

	delegates := &recordingDelegates{}
	eng, err := engine.New(engine.Config{
		Store:         store,
		Registry:      registry,
		Channels:      delegates,
		Notifications: delegates,
	})
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	uid, err := types.NewUID(rand.Reader)
	require.NoError(t, err)

	return &engineFixture{
		engine:    eng,
		store:     store,
		delegates: delegates,
		owned:     types.NewIdentity("server.example", pub),
		uid:       uid,
	}
}

func (f *engineFixture) message(messageID int, ch types.ReceptionChannelInfo) *engine.ReceivedMessage {
	return &engine.ReceivedMessage{
		OwnedIdentity: f.owned,
		ProtocolID:    counterProtocolID,
		InstanceUID:   f.uid,
		MessageID:     messageID,
		Channel:       ch,
	}
}

func (f *engineFixture) instanceRow(t *testing.T) (*sqlite.InstanceRow, error) {
	t.Helper()
	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	return tx.GetInstance(context.Background(), f.owned.Bytes(), int(counterProtocolID), f.uid.Bytes())
}

func (f *engineFixture) parkedMessages(t *testing.T) []sqlite.ReceivedMessageRow {
	t.Helper()
	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.ListReceivedMessages(context.Background(), f.owned.Bytes(), int(counterProtocolID), f.uid.Bytes())
	require.NoError(t, err)
	return rows
}

func TestStepTransitionPersistsState(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.message(msgArm, types.LocalReception())))

	row, err := f.instanceRow(t)
	require.NoError(t, err)
	assert.Equal(t, stateArmed, row.StateID)
	require.Len(t, f.delegates.notifications, 1)
	assert.Equal(t, "counter.armed", f.delegates.notifications[0].Name)
}

func TestUnmatchedMessageForFreshInstanceIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// No instance exists and msgSettle has no step from the initial state.
	require.NoError(t, f.engine.Process(ctx, f.message(msgSettle, types.LocalReception())))

	_, err := f.instanceRow(t)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
	assert.Empty(t, f.parkedMessages(t))
}

func TestUnmatchedMessageForLiveInstanceIsParkedAndReplayed(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.message(msgArm, types.LocalReception())))

	// Settle applies only to the review state; against armed it parks.
	require.NoError(t, f.engine.Process(ctx, f.message(msgSettle, types.LocalReception())))
	require.Len(t, f.parkedMessages(t), 1)
	row, err := f.instanceRow(t)
	require.NoError(t, err)
	assert.Equal(t, stateArmed, row.StateID)

	// The transition to review replays the parked settle, which terminates
	// the instance and erases its message log.
	require.NoError(t, f.engine.Process(ctx, f.message(msgReview, types.LocalReception())))

	_, err = f.instanceRow(t)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
	assert.Empty(t, f.parkedMessages(t))
}

func TestChannelRequirementGatesSteps(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.message(msgArm, types.LocalReception())))

	deviceUID, err := types.NewUID(rand.Reader)
	require.NoError(t, err)

	// Oblivious delivery runs the increment step.
	require.NoError(t, f.engine.Process(ctx, f.message(msgIncrement, types.ObliviousReception(f.owned, deviceUID))))
	require.NoError(t, f.engine.Process(ctx, f.message(msgIncrement, types.ObliviousReception(f.owned, deviceUID))))

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	row, err := tx.GetInstance(ctx, f.owned.Bytes(), int(counterProtocolID), f.uid.Bytes())
	require.NoError(t, err)
	tx.Rollback()
	assert.Equal(t, stateArmed, row.StateID)

	enc, err := encoded.Decode(row.EncodedState)
	require.NoError(t, err)
	st, err := counterProtocol{}.DecodeState(row.StateID, enc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.(*armedState).Count)

	// Local delivery does not satisfy the oblivious-channel requirement; the
	// message parks without changing the count.
	require.NoError(t, f.engine.Process(ctx, f.message(msgIncrement, types.LocalReception())))
	assert.Len(t, f.parkedMessages(t), 1)
}

func TestUndecodableMessageIsDroppedSoftly(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rm := f.message(msgArm, types.LocalReception())
	rm.Inputs = []encoded.Value{encoded.Int(1)} // arm takes no inputs

	require.NoError(t, f.engine.Process(ctx, rm))
	_, err := f.instanceRow(t)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestFatalStepRollsBackAndReturnsError(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.message(msgArm, types.LocalReception())))

	err := f.engine.Process(ctx, f.message(msgExplode, types.LocalReception()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instrumented failure")

	// State unchanged, ready for re-delivery.
	row, err := f.instanceRow(t)
	require.NoError(t, err)
	assert.Equal(t, stateArmed, row.StateID)
}

func TestUnknownProtocolDropped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rm := f.message(msgArm, types.LocalReception())
	rm.ProtocolID = 12345

	require.NoError(t, f.engine.Process(ctx, rm))
}

func TestReceivedMessageRoundTrip(t *testing.T) {
	f := newEngineFixture(t)

	deviceUID, err := types.NewUID(rand.Reader)
	require.NoError(t, err)

	rm := f.message(msgIncrement, types.ObliviousReception(f.owned, deviceUID))
	rm.Inputs = []encoded.Value{encoded.Bytes([]byte("payload")), encoded.Int(7)}
	rm.Response = encoded.List(encoded.Bool(true))

	raw, err := rm.Encode()
	require.NoError(t, err)

	got, err := engine.DecodeReceivedMessage(raw)
	require.NoError(t, err)
	assert.True(t, got.OwnedIdentity.Equal(rm.OwnedIdentity))
	assert.Equal(t, rm.ProtocolID, got.ProtocolID)
	assert.Equal(t, rm.InstanceUID, got.InstanceUID)
	assert.Equal(t, rm.MessageID, got.MessageID)
	require.Len(t, got.Inputs, 2)
	assert.True(t, got.Response.IsValid())
	assert.Equal(t, types.ChannelObliviousChannel, got.Channel.Kind)
	assert.True(t, got.Channel.RemoteIdentity.Equal(f.owned))
	assert.Equal(t, deviceUID, got.Channel.RemoteDeviceUID)
}
