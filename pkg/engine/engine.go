// pkg/engine/engine.go
//
// Package engine drives persistent, re-entrant, message-driven cryptographic
// protocols. Each protocol instance is one row in the store; each received
// message runs at most one step against that row, inside a transaction, so a
// crash mid-step leaves the prior state intact and the message
// re-processable from scratch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/encoded"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// Config gathers the engine's collaborators.
type Config struct {
	Store         *sqlite.Store
	Registry      *Registry
	Channels      ChannelDelegate
	ServerQueries ServerQueryDelegate
	Dialogs       DialogDelegate
	Notifications NotificationDelegate
	Logger        *slog.Logger
	// Workers is the number of concurrent message processors in Run.
	// Distinct instances proceed in parallel; the per-instance lock keeps
	// steps of one instance strictly sequential.
	Workers int
	// RedeliveryMaxTries bounds re-delivery attempts for a message whose
	// step failed hard.
	RedeliveryMaxTries uint
}

// Engine executes protocol steps against persisted instances.
type Engine struct {
	store         *sqlite.Store
	registry      *Registry
	channels      ChannelDelegate
	queries       ServerQueryDelegate
	dialogs       DialogDelegate
	notifications NotificationDelegate
	logger        *slog.Logger

	workers            int
	redeliveryMaxTries uint

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an engine. Store, Registry and Channels are mandatory; the
// other delegates may be nil when the wired protocols never use them.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Channels == nil {
		return nil, fmt.Errorf("channel delegate is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	maxTries := cfg.RedeliveryMaxTries
	if maxTries == 0 {
		maxTries = 5
	}
	return &Engine{
		store:              cfg.Store,
		registry:           cfg.Registry,
		channels:           cfg.Channels,
		queries:            cfg.ServerQueries,
		dialogs:            cfg.Dialogs,
		notifications:      cfg.Notifications,
		logger:             logger,
		workers:            workers,
		redeliveryMaxTries: maxTries,
		locks:              make(map[string]*sync.Mutex),
	}, nil
}

func instanceKey(rm *ReceivedMessage) string {
	return string(rm.OwnedIdentity.Bytes()) + "|" + fmt.Sprint(int(rm.ProtocolID)) + "|" + rm.InstanceUID.String()
}

// instanceLock returns the mutex serializing one instance. Locks are never
// removed; the map is bounded by the number of live instances ever touched
// in this process.
func (e *Engine) instanceLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Process runs at most one step for the given message. Soft outcomes
// (unknown protocol, undecodable state or message, no eligible step, step
// Ignore) drop the message and leave the persisted state untouched; a nil
// error is returned. A hard step failure rolls the transaction back and
// returns the error so the caller can re-deliver.
func (e *Engine) Process(ctx context.Context, rm *ReceivedMessage) error {
	effects, parked, err := e.processLocked(ctx, rm)
	if err != nil {
		return err
	}
	if effects != nil {
		e.flush(ctx, effects)
	}
	// Parked messages are replayed against the new state as independent
	// deliveries; each may itself transition, park again, or drop.
	for _, pm := range parked {
		if perr := e.Process(ctx, pm); perr != nil {
			e.logger.Warn("parked message replay failed",
				"protocol", pm.ProtocolID, "instance", pm.InstanceUID, "error", perr)
		}
	}
	return nil
}

// processLocked holds the instance lock and the transaction for the whole
// step. It returns the step's buffered side effects and any parked messages
// to replay, both to be handled after the lock is released.
func (e *Engine) processLocked(ctx context.Context, rm *ReceivedMessage) (*StepContext, []*ReceivedMessage, error) {
	proto, ok := e.registry.Get(rm.ProtocolID)
	if !ok {
		if e.registry.IsKnown(rm.ProtocolID) {
			e.logger.Debug("message for external protocol, not ours to run", "protocol", rm.ProtocolID)
		} else {
			e.logger.Warn("message for unknown protocol dropped", "protocol", rm.ProtocolID)
		}
		return nil, nil, nil
	}

	key := instanceKey(rm)
	lock := e.instanceLock(key)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	ownedBytes := rm.OwnedIdentity.Bytes()
	row, err := tx.GetInstance(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes())
	freshInstance := false
	var state State
	switch {
	case err == nil:
		enc, decErr := encoded.Decode(row.EncodedState)
		if decErr == nil {
			state, decErr = proto.DecodeState(row.StateID, enc)
		}
		if decErr != nil {
			// A corrupt or foreign encoding must never crash the engine.
			e.logger.Warn("undecodable persisted state, message dropped",
				"protocol", proto.Name(), "instance", rm.InstanceUID, "state_id", row.StateID, "error", decErr)
			return nil, nil, nil
		}
	case errors.Is(err, sqlite.ErrNotFound):
		state = proto.InitialState()
		freshInstance = true
	default:
		return nil, nil, err
	}

	msg, err := proto.DecodeMessage(rm)
	if err != nil {
		e.logger.Warn("undecodable message dropped",
			"protocol", proto.Name(), "instance", rm.InstanceUID, "message_id", rm.MessageID, "error", err)
		return nil, nil, nil
	}

	var step *StepSpec
	for _, spec := range proto.Steps(state.StateID(), msg.MessageID()) {
		if channelSatisfies(spec.Channel, rm.Channel) {
			spec := spec
			step = &spec
			break
		}
	}
	if step == nil {
		// No eligible step. Messages for an already-running instance are
		// parked: they may match the state reached by a later transition.
		// Messages for a fresh instance are plain drops.
		if !freshInstance {
			payload, encErr := rm.Encode()
			if encErr == nil {
				if err := tx.AppendReceivedMessage(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes(), rm.MessageID, payload); err != nil {
					return nil, nil, err
				}
				if err := tx.Commit(); err != nil {
					return nil, nil, err
				}
			}
		}
		e.logger.Debug("no eligible step, message parked or dropped",
			"protocol", proto.Name(), "instance", rm.InstanceUID,
			"state_id", state.StateID(), "message_id", msg.MessageID(), "parked", !freshInstance)
		return nil, nil, nil
	}

	sc := &StepContext{
		OwnedIdentity: rm.OwnedIdentity,
		ProtocolID:    rm.ProtocolID,
		InstanceUID:   rm.InstanceUID,
		Channel:       rm.Channel,
		Logger: e.logger.With("protocol", proto.Name(),
			"instance", rm.InstanceUID.String()[:8], "step", step.Name),
		Channels:      e.channels,
		ServerQueries: e.queries,
		Dialogs:       e.dialogs,
		Notifications: e.notifications,
		Registry:      e.registry,
		tx:            tx,
	}

	result := step.Run(ctx, sc, state, msg)
	switch {
	case result.Err() != nil:
		// Hard failure: roll back (deferred) and leave the message to the
		// normal re-delivery mechanism.
		return nil, nil, fmt.Errorf("step %s: %w", step.Name, result.Err())
	case result.IsIgnore():
		// No valid transition; state untouched, side effects discarded.
		e.logger.Debug("step ignored message", "step", step.Name)
		return nil, nil, nil
	}

	next := result.Next()
	if next == nil {
		return nil, nil, fmt.Errorf("step %s returned Continue with nil state", step.Name)
	}

	var parked []*ReceivedMessage
	if proto.IsTerminal(next.StateID()) {
		if err := tx.DeleteInstance(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes()); err != nil {
			return nil, nil, err
		}
		if proto.EraseReceivedMessages() {
			if err := tx.DeleteReceivedMessages(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes()); err != nil {
				return nil, nil, err
			}
		}
		// Any dialog still open for a finished instance is stale.
		uuids, err := tx.ListDialogs(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes())
		if err != nil {
			return nil, nil, err
		}
		for _, u := range uuids {
			if err := tx.DeleteDialog(ctx, u); err != nil {
				return nil, nil, err
			}
		}
	} else {
		encState, err := next.Encode()
		if err != nil {
			return nil, nil, fmt.Errorf("encode state %d: %w", next.StateID(), err)
		}
		raw, err := encState.Encode()
		if err != nil {
			return nil, nil, fmt.Errorf("serialize state %d: %w", next.StateID(), err)
		}
		if err := tx.UpsertInstance(ctx, &sqlite.InstanceRow{
			OwnedIdentity: ownedBytes,
			ProtocolID:    int(rm.ProtocolID),
			InstanceUID:   rm.InstanceUID.Bytes(),
			StateID:       next.StateID(),
			EncodedState:  raw,
		}); err != nil {
			return nil, nil, err
		}

		// Collect parked messages for replay against the new state.
		rows, err := tx.ListReceivedMessages(ctx, ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes())
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			pm, decErr := DecodeReceivedMessage(r.Payload)
			if decErr != nil {
				e.logger.Warn("undecodable parked message discarded", "error", decErr)
			} else {
				parked = append(parked, pm)
			}
			if err := tx.DeleteReceivedMessage(ctx, r.ID); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, d := range sc.dialogs {
		if err := tx.RecordDialog(ctx, d.UUID[:], ownedBytes, int(rm.ProtocolID), rm.InstanceUID.Bytes()); err != nil {
			return nil, nil, err
		}
	}
	for _, u := range sc.deletedDialog {
		if err := tx.DeleteDialog(ctx, u[:]); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	e.logger.Info("step executed", "protocol", proto.Name(), "step", step.Name,
		"from_state", state.StateID(), "to_state", next.StateID(),
		"terminal", proto.IsTerminal(next.StateID()))

	return sc, parked, nil
}

// flush delivers the side effects buffered by a committed step. Outbound
// posts are expected to be idempotent or de-duplicated downstream (nonce and
// signature replay tables): a crash between commit and flush re-runs nothing,
// a crash mid-step re-runs everything.
func (e *Engine) flush(ctx context.Context, sc *StepContext) {
	for _, q := range sc.queries {
		if e.queries == nil {
			e.logger.Error("server query dropped, no delegate wired", "kind", q.Kind)
			continue
		}
		if err := e.queries.Post(ctx, q); err != nil {
			e.logger.Warn("server query post failed", "kind", q.Kind, "error", err)
		}
	}
	for _, d := range sc.dialogs {
		if e.dialogs == nil {
			e.logger.Error("dialog dropped, no delegate wired", "category", d.Category)
			continue
		}
		if err := e.dialogs.Present(ctx, d); err != nil {
			e.logger.Warn("dialog present failed", "category", d.Category, "error", err)
		}
	}
	for _, u := range sc.deletedDialog {
		if e.dialogs == nil {
			continue
		}
		if err := e.dialogs.Delete(ctx, sc.OwnedIdentity, u); err != nil {
			e.logger.Warn("dialog delete failed", "uuid", u, "error", err)
		}
	}
	for _, n := range sc.notifications {
		if e.notifications != nil {
			e.notifications.Notify(ctx, n)
		}
	}
	for _, msg := range sc.posts {
		if msg.SendChannel.Kind == types.SendLocal {
			// Local posts re-enter the engine directly; the instance lock
			// has been released by now.
			if err := e.Process(ctx, msg.AsReceived()); err != nil {
				e.logger.Warn("local post processing failed",
					"protocol", msg.ProtocolID, "message_id", msg.MessageID, "error", err)
			}
			continue
		}
		if err := e.channels.Post(ctx, msg); err != nil {
			e.logger.Warn("outbound post failed",
				"protocol", msg.ProtocolID, "message_id", msg.MessageID, "error", err)
		}
	}
}

// Run consumes messages from inbox with a pool of workers until ctx is done
// or inbox closes. A message whose step fails hard is re-delivered with
// exponential backoff, bounded by RedeliveryMaxTries; past the bound it is
// abandoned with an error log, matching the store-and-forward contract of
// the channel layer.
func (e *Engine) Run(ctx context.Context, inbox <-chan *ReceivedMessage) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case rm, ok := <-inbox:
					if !ok {
						return nil
					}
					e.deliver(ctx, rm)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) deliver(ctx context.Context, rm *ReceivedMessage) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.Process(ctx, rm)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(e.redeliveryMaxTries))
	if err != nil {
		e.logger.Error("message abandoned after repeated step failures",
			"protocol", rm.ProtocolID, "instance", rm.InstanceUID, "message_id", rm.MessageID, "error", err)
	}
}
