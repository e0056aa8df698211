// internal/storage/sqlite/store.go
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound = errors.New("not found")
)

// Store persists protocol-instance state, the per-instance received-message
// log, the replay-signature table, and the open-dialog table. One database
// file serves the whole engine; rows are keyed by
// (owned_identity, protocol_id, instance_uid).
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the engine database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "engine.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly; keep the pool small.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// Tx wraps a database transaction. A protocol step executes entirely inside
// one Tx; the updated state only becomes visible on Commit, so a crash
// mid-step leaves the prior state intact and the message re-processable.
type Tx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// InstanceRow is one persisted protocol instance.
type InstanceRow struct {
	OwnedIdentity []byte
	ProtocolID    int
	InstanceUID   []byte
	StateID       int
	EncodedState  []byte
}

// GetInstance loads the persisted state of one instance, or ErrNotFound.
func (t *Tx) GetInstance(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte) (*InstanceRow, error) {
	row := InstanceRow{
		OwnedIdentity: ownedIdentity,
		ProtocolID:    protocolID,
		InstanceUID:   instanceUID,
	}
	err := t.tx.QueryRowContext(ctx,
		`SELECT state_id, encoded_state FROM protocol_instances
		 WHERE owned_identity = ? AND protocol_id = ? AND instance_uid = ?`,
		ownedIdentity, protocolID, instanceUID).Scan(&row.StateID, &row.EncodedState)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertInstance stores the new state of an instance, creating the row if it
// does not exist yet.
func (t *Tx) UpsertInstance(ctx context.Context, row *InstanceRow) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO protocol_instances (owned_identity, protocol_id, instance_uid, state_id, encoded_state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owned_identity, protocol_id, instance_uid) DO UPDATE SET
		   state_id = excluded.state_id,
		   encoded_state = excluded.encoded_state,
		   updated_at = excluded.updated_at`,
		row.OwnedIdentity, row.ProtocolID, row.InstanceUID, row.StateID, row.EncodedState, now)
	return err
}

// DeleteInstance removes an instance row. Missing rows are not an error.
func (t *Tx) DeleteInstance(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM protocol_instances
		 WHERE owned_identity = ? AND protocol_id = ? AND instance_uid = ?`,
		ownedIdentity, protocolID, instanceUID)
	return err
}

// ReceivedMessageRow is one parked message awaiting a matching state.
type ReceivedMessageRow struct {
	ID         int64
	MessageID  int
	Payload    []byte
	ReceivedAt time.Time
}

// AppendReceivedMessage parks a message that did not match any step in the
// instance's current state.
func (t *Tx) AppendReceivedMessage(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte, messageID int, payload []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO received_messages (owned_identity, protocol_id, instance_uid, message_id, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ownedIdentity, protocolID, instanceUID, messageID, payload, now)
	return err
}

// ListReceivedMessages returns the parked messages of an instance in arrival
// order.
func (t *Tx) ListReceivedMessages(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte) ([]ReceivedMessageRow, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, message_id, payload, received_at FROM received_messages
		 WHERE owned_identity = ? AND protocol_id = ? AND instance_uid = ?
		 ORDER BY id`,
		ownedIdentity, protocolID, instanceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceivedMessageRow
	for rows.Next() {
		var r ReceivedMessageRow
		var receivedAt string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Payload, &receivedAt); err != nil {
			return nil, err
		}
		r.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReceivedMessage removes a single parked message by row id.
func (t *Tx) DeleteReceivedMessage(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM received_messages WHERE id = ?`, id)
	return err
}

// DeleteReceivedMessages erases the whole received-message log of an
// instance.
func (t *Tx) DeleteReceivedMessages(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM received_messages
		 WHERE owned_identity = ? AND protocol_id = ? AND instance_uid = ?`,
		ownedIdentity, protocolID, instanceUID)
	return err
}

// RecordSignature inserts a signature hash into the replay table. Returns
// false if the signature was already recorded.
func (t *Tx) RecordSignature(ctx context.Context, ownedIdentity, signatureHash []byte) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO replay_signatures (owned_identity, signature_hash, recorded_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(owned_identity, signature_hash) DO NOTHING`,
		ownedIdentity, signatureHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordDialog remembers a presented dialog so it can be retracted later.
func (t *Tx) RecordDialog(ctx context.Context, dialogUUID, ownedIdentity []byte, protocolID int, instanceUID []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO dialogs (dialog_uuid, owned_identity, protocol_id, instance_uid, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(dialog_uuid) DO NOTHING`,
		dialogUUID, ownedIdentity, protocolID, instanceUID, now)
	return err
}

// DeleteDialog forgets a dialog.
func (t *Tx) DeleteDialog(ctx context.Context, dialogUUID []byte) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM dialogs WHERE dialog_uuid = ?`, dialogUUID)
	return err
}

// ListDialogs returns the dialog UUIDs still open for an instance.
func (t *Tx) ListDialogs(ctx context.Context, ownedIdentity []byte, protocolID int, instanceUID []byte) ([][]byte, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT dialog_uuid FROM dialogs
		 WHERE owned_identity = ? AND protocol_id = ? AND instance_uid = ?`,
		ownedIdentity, protocolID, instanceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var u []byte
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GroupRow is one stored group snapshot. Snapshot is opaque to this layer;
// version and frozen are duplicated out of it so guards need no decoding.
type GroupRow struct {
	OwnedIdentity   []byte
	GroupIdentifier []byte
	Snapshot        []byte
	Version         int64
	Frozen          bool
}

// GroupMemberRow is one entry of the group membership index.
type GroupMemberRow struct {
	Identity []byte
	Pending  bool
}

// GetGroupSnapshot loads a stored group, or ErrNotFound.
func (s *Store) GetGroupSnapshot(ctx context.Context, ownedIdentity, groupIdentifier []byte) (*GroupRow, error) {
	row := GroupRow{OwnedIdentity: ownedIdentity, GroupIdentifier: groupIdentifier}
	var frozen int
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, version, frozen FROM group_snapshots
		 WHERE owned_identity = ? AND group_identifier = ?`,
		ownedIdentity, groupIdentifier).Scan(&row.Snapshot, &row.Version, &frozen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.Frozen = frozen != 0
	return &row, nil
}

// PutGroupSnapshot stores a group snapshot and rewrites its membership index
// in one transaction.
func (s *Store) PutGroupSnapshot(ctx context.Context, row *GroupRow, members []GroupMemberRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	frozen := 0
	if row.Frozen {
		frozen = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_snapshots (owned_identity, group_identifier, snapshot, version, frozen, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owned_identity, group_identifier) DO UPDATE SET
		   snapshot = excluded.snapshot,
		   version = excluded.version,
		   frozen = excluded.frozen,
		   updated_at = excluded.updated_at`,
		row.OwnedIdentity, row.GroupIdentifier, row.Snapshot, row.Version, frozen, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_members WHERE owned_identity = ? AND group_identifier = ?`,
		row.OwnedIdentity, row.GroupIdentifier); err != nil {
		return err
	}
	for _, m := range members {
		pending := 0
		if m.Pending {
			pending = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (owned_identity, group_identifier, member_identity, pending)
			 VALUES (?, ?, ?, ?)`,
			row.OwnedIdentity, row.GroupIdentifier, m.Identity, pending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteGroupSnapshot removes a group and its membership index. Missing rows
// are not an error.
func (s *Store) DeleteGroupSnapshot(ctx context.Context, ownedIdentity, groupIdentifier []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_snapshots WHERE owned_identity = ? AND group_identifier = ?`,
		ownedIdentity, groupIdentifier); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_members WHERE owned_identity = ? AND group_identifier = ?`,
		ownedIdentity, groupIdentifier); err != nil {
		return err
	}
	return tx.Commit()
}

// SetGroupFrozen flips the frozen flag of a stored group.
func (s *Store) SetGroupFrozen(ctx context.Context, ownedIdentity, groupIdentifier []byte, frozen bool) error {
	v := 0
	if frozen {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_snapshots SET frozen = ? WHERE owned_identity = ? AND group_identifier = ?`,
		v, ownedIdentity, groupIdentifier)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGroupMemberPending updates one membership-index entry.
func (s *Store) SetGroupMemberPending(ctx context.Context, ownedIdentity, groupIdentifier, memberIdentity []byte, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_members SET pending = ?
		 WHERE owned_identity = ? AND group_identifier = ? AND member_identity = ?`,
		v, ownedIdentity, groupIdentifier, memberIdentity)
	return err
}

// GroupsWithMember lists the identifiers of groups whose membership index
// contains the given identity.
func (s *Store) GroupsWithMember(ctx context.Context, ownedIdentity, memberIdentity []byte) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_identifier FROM group_members
		 WHERE owned_identity = ? AND member_identity = ?`,
		ownedIdentity, memberIdentity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
