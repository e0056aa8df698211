// internal/groupstore/store.go
//
// Package groupstore persists group snapshots on the engine database and
// exposes them through the protocol's identity-delegate interface. It also
// holds the owned-identity signing keys, since signing and group storage are
// the two halves of that interface.
package groupstore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/groupsv2"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// ErrUnknownOwnedIdentity is returned when a signing request names an
// identity the keyring does not hold.
var ErrUnknownOwnedIdentity = errors.New("groupstore: unknown owned identity")

// ErrGroupExists is returned by CreateGroup when a snapshot is already
// stored for the identifier.
var ErrGroupExists = errors.New("groupstore: group already exists")

var _ groupsv2.IdentityDelegate = (*Store)(nil)

// Store implements groupsv2.IdentityDelegate on the sqlite store.
type Store struct {
	db     *sqlite.Store
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey // keyed by identity serialization
}

// New wraps the engine database. Owned identities are registered afterwards
// with AddOwnedIdentity.
func New(db *sqlite.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		keys:   make(map[string]ed25519.PrivateKey),
	}
}

// AddOwnedIdentity registers the long-term signing key of an owned identity.
func (s *Store) AddOwnedIdentity(owned types.Identity, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[string(owned.Bytes())] = key
}

// OwnedIdentities lists all registered owned identities.
func (s *Store) OwnedIdentities() []types.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Identity, 0, len(s.keys))
	for raw := range s.keys {
		id, err := types.ParseIdentity([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SignWithOwnedIdentity signs payload with the owned identity's long-term
// key.
func (s *Store) SignWithOwnedIdentity(_ context.Context, owned types.Identity, payload []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[string(owned.Bytes())]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwnedIdentity, owned)
	}
	return ed25519.Sign(key, payload), nil
}

// CreateGroup stores a freshly created or freshly joined group. A snapshot
// already stored for the identifier is an error.
func (s *Store) CreateGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, snap *groupsv2.GroupSnapshot) error {
	_, err := s.db.GetGroupSnapshot(ctx, owned.Bytes(), groupID.Bytes())
	if err == nil {
		return fmt.Errorf("%w: %s", ErrGroupExists, groupID)
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return err
	}
	return s.put(ctx, owned, groupID, snap)
}

// UpdateGroup replaces the stored snapshot. The new blob's version must be
// strictly greater than the stored one.
func (s *Store) UpdateGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, snap *groupsv2.GroupSnapshot) error {
	stored, err := s.db.GetGroupSnapshot(ctx, owned.Bytes(), groupID.Bytes())
	if errors.Is(err, sqlite.ErrNotFound) {
		return groupsv2.ErrGroupNotFound
	}
	if err != nil {
		return err
	}
	if snap.Blob.Version <= stored.Version {
		return fmt.Errorf("groupstore: stale update for %s: version %d, stored %d",
			groupID, snap.Blob.Version, stored.Version)
	}
	return s.put(ctx, owned, groupID, snap)
}

// UpdateGroupKeys backfills key material without touching the blob or the
// version.
func (s *Store) UpdateGroupKeys(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, keys groupsv2.BlobKeys) error {
	snap, err := s.GetGroup(ctx, owned, groupID)
	if err != nil {
		return err
	}
	snap.Keys = keys
	return s.put(ctx, owned, groupID, snap)
}

// DeleteGroup removes the stored group. Deleting a group that is not stored
// is not an error.
func (s *Store) DeleteGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier) error {
	return s.db.DeleteGroupSnapshot(ctx, owned.Bytes(), groupID.Bytes())
}

// GetGroup loads the stored snapshot or groupsv2.ErrGroupNotFound. The
// frozen column is authoritative over the flag inside the snapshot blob.
func (s *Store) GetGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier) (*groupsv2.GroupSnapshot, error) {
	row, err := s.db.GetGroupSnapshot(ctx, owned.Bytes(), groupID.Bytes())
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, groupsv2.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	snap, err := groupsv2.DecodeSnapshot(row.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("groupstore: corrupt snapshot for %s: %w", groupID, err)
	}
	snap.Frozen = row.Frozen
	return snap, nil
}

// FreezeGroup marks the group as having an update in flight.
func (s *Store) FreezeGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier) error {
	return s.setFrozen(ctx, owned, groupID, true)
}

// UnfreezeGroup clears the frozen flag.
func (s *Store) UnfreezeGroup(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier) error {
	return s.setFrozen(ctx, owned, groupID, false)
}

func (s *Store) setFrozen(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, frozen bool) error {
	err := s.db.SetGroupFrozen(ctx, owned.Bytes(), groupID.Bytes(), frozen)
	if errors.Is(err, sqlite.ErrNotFound) {
		return groupsv2.ErrGroupNotFound
	}
	return err
}

// MarkMemberJoined promotes a pending member to full member.
func (s *Store) MarkMemberJoined(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, member types.Identity) error {
	snap, err := s.GetGroup(ctx, owned, groupID)
	if err != nil {
		return err
	}
	kept := snap.PendingMembers[:0]
	changed := false
	for _, id := range snap.PendingMembers {
		if id.Equal(member) {
			changed = true
			continue
		}
		kept = append(kept, id)
	}
	if !changed {
		return nil
	}
	snap.PendingMembers = kept
	return s.put(ctx, owned, groupID, snap)
}

// GroupsSharedWith lists the identifiers of stored groups with the contact
// in their member list.
func (s *Store) GroupsSharedWith(ctx context.Context, owned, contact types.Identity) ([]groupsv2.Identifier, error) {
	raws, err := s.db.GroupsWithMember(ctx, owned.Bytes(), contact.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]groupsv2.Identifier, 0, len(raws))
	for _, raw := range raws {
		id, err := groupsv2.ParseIdentifier(raw)
		if err != nil {
			s.logger.Warn("skipping corrupt group identifier in member index",
				"owned_identity", owned.String(), "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// put encodes the snapshot and rewrites the row plus its member index.
func (s *Store) put(ctx context.Context, owned types.Identity, groupID groupsv2.Identifier, snap *groupsv2.GroupSnapshot) error {
	raw, err := groupsv2.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("groupstore: encode snapshot: %w", err)
	}
	pending := make(map[string]bool, len(snap.PendingMembers))
	for _, id := range snap.PendingMembers {
		pending[string(id.Bytes())] = true
	}
	members := make([]sqlite.GroupMemberRow, 0, len(snap.Blob.Members))
	for _, m := range snap.Blob.Members {
		members = append(members, sqlite.GroupMemberRow{
			Identity: m.Identity.Bytes(),
			Pending:  pending[string(m.Identity.Bytes())],
		})
	}
	row := &sqlite.GroupRow{
		OwnedIdentity:   owned.Bytes(),
		GroupIdentifier: groupID.Bytes(),
		Snapshot:        raw,
		Version:         snap.Blob.Version,
		Frozen:          snap.Frozen,
	}
	return s.db.PutGroupSnapshot(ctx, row, members)
}
