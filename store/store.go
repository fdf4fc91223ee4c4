// Package store persists messages, outgoing delivery bookkeeping, groups, profiles and the envelope holding queue.
// Every operation runs inside the caller's open transaction.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
)

type Store struct {
	*db.Database
	clock clock.Clock
}

// New migrates the store tables. It expects the database lock to be held by the caller.
func New(d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						sender BLOB,
						sender_device INTEGER NOT NULL DEFAULT 0,
						timestamp INTEGER NOT NULL,
						server_timestamp INTEGER NOT NULL DEFAULT 0,
						received_ms INTEGER NOT NULL,
						group_id BLOB,
						body TEXT NOT NULL DEFAULT '',
						content BLOB,
						unidentified BOOLEAN NOT NULL DEFAULT FALSE,
						expires_in_sec INTEGER NOT NULL DEFAULT 0,
						failure_kind TEXT NOT NULL DEFAULT '',
						read_ms INTEGER NOT NULL DEFAULT 0,
						remote_deleted BOOLEAN NOT NULL DEFAULT FALSE
					);
					CREATE UNIQUE INDEX messages_incoming ON _messages (sender, sender_device, timestamp) WHERE failure_kind = '';
					CREATE INDEX messages_sender_timestamp ON _messages (sender, timestamp);

					CREATE TABLE _reactions (
						target_author BLOB NOT NULL,
						target_timestamp INTEGER NOT NULL,
						sender BLOB NOT NULL,
						emoji TEXT NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (target_author, target_timestamp, sender)
					);

					CREATE TABLE _expiration_timers (
						conversation_id BLOB PRIMARY KEY,
						seconds INTEGER NOT NULL,
						utime_ms INTEGER NOT NULL
					);

					CREATE TABLE _outgoing (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						recipient BLOB,
						group_id BLOB,
						timestamp INTEGER NOT NULL,
						content BLOB NOT NULL,
						state INTEGER NOT NULL,
						expires_in_sec INTEGER NOT NULL DEFAULT 0,
						expire_started_ms INTEGER NOT NULL DEFAULT 0,
						pending_attachments INTEGER NOT NULL DEFAULT 0,
						delivery_receipts INTEGER NOT NULL DEFAULT 0,
						read_receipts INTEGER NOT NULL DEFAULT 0,
						viewed_receipts INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX outgoing_timestamp ON _outgoing (timestamp);

					CREATE TABLE _outgoing_network_failures (
						message_id INTEGER NOT NULL REFERENCES _outgoing (id) ON DELETE CASCADE,
						identity_id BLOB NOT NULL,
						device INTEGER NOT NULL,
						PRIMARY KEY (message_id, identity_id, device)
					);

					CREATE TABLE _outgoing_identity_mismatches (
						message_id INTEGER NOT NULL REFERENCES _outgoing (id) ON DELETE CASCADE,
						identity_id BLOB NOT NULL,
						device INTEGER NOT NULL,
						identity_key BLOB NOT NULL,
						PRIMARY KEY (message_id, identity_id, device)
					);

					CREATE TABLE _outgoing_recipients (
						message_id INTEGER NOT NULL REFERENCES _outgoing (id) ON DELETE CASCADE,
						identity_id BLOB NOT NULL,
						device INTEGER NOT NULL,
						unidentified BOOLEAN NOT NULL DEFAULT FALSE,
						sent_ms INTEGER NOT NULL DEFAULT 0,
						delivered_ms INTEGER NOT NULL DEFAULT 0,
						read_ms INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (message_id, identity_id, device)
					);
					CREATE INDEX outgoing_recipients_identity ON _outgoing_recipients (identity_id);

					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						master_key BLOB NOT NULL,
						revision INTEGER NOT NULL,
						utime_ms INTEGER NOT NULL
					);

					CREATE TABLE _group_members (
						group_id BLOB NOT NULL REFERENCES _groups (id) ON DELETE CASCADE,
						identity_id BLOB NOT NULL,
						PRIMARY KEY (group_id, identity_id)
					);

					CREATE TABLE _profiles (
						identity_id BLOB PRIMARY KEY,
						profile_key BLOB,
						name TEXT NOT NULL DEFAULT '',
						about TEXT NOT NULL DEFAULT '',
						fetched_ms INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _pending_envelopes (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						envelope BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{Database: d, clock: cl}, nil
}

// InsertIncoming stores a received message. A message already stored from the same sender device with the same
// timestamp is not inserted again; its id is returned with inserted false.
func (s *Store) InsertIncoming(r *IncomingRecord) (int64, bool, error) {
	if r.ReceivedMs == 0 {
		r.ReceivedMs = s.clock.CurrentTimeMs()
	}
	r.FailureKind = ""
	res, err := s.Tx.NamedExec(`
		INSERT INTO _messages (sender, sender_device, timestamp, server_timestamp, received_ms, group_id, body, content, unidentified, expires_in_sec)
		VALUES (:sender, :sender_device, :timestamp, :server_timestamp, :received_ms, :group_id, :body, :content, :unidentified, :expires_in_sec)
		ON CONFLICT DO NOTHING`, r)
	if err != nil {
		return 0, false, fmt.Errorf("store: error inserting incoming message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		var id int64
		if err := s.Tx.Get(&id, "SELECT id FROM _messages WHERE sender = $1 AND sender_device = $2 AND timestamp = $3 AND failure_kind = ''", r.Sender, r.SenderDevice, r.Timestamp); err != nil {
			return 0, false, fmt.Errorf("store: error finding existing message: %w", err)
		}
		r.ID = id
		return id, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	r.ID = id
	return id, true, nil
}

// InsertPlaceholder records a message that could not be read, so its conversation slot is kept. A redelivered
// failure with the same sender, timestamp and kind returns the existing placeholder and false.
func (s *Store) InsertPlaceholder(r *IncomingRecord) (int64, bool, error) {
	if r.FailureKind == "" {
		return 0, false, errors.New("store: placeholder without failure kind")
	}
	var existing []int64
	if err := s.Tx.Select(&existing, "SELECT id FROM _messages WHERE sender IS $1 AND sender_device = $2 AND timestamp = $3 AND failure_kind = $4 LIMIT 1", r.Sender, r.SenderDevice, r.Timestamp, r.FailureKind); err != nil {
		return 0, false, fmt.Errorf("store: error finding existing placeholder: %w", err)
	}
	if len(existing) != 0 {
		r.ID = existing[0]
		return r.ID, false, nil
	}
	if r.ReceivedMs == 0 {
		r.ReceivedMs = s.clock.CurrentTimeMs()
	}
	res, err := s.Tx.NamedExec(`
		INSERT INTO _messages (sender, sender_device, timestamp, server_timestamp, received_ms, group_id, unidentified, failure_kind)
		VALUES (:sender, :sender_device, :timestamp, :server_timestamp, :received_ms, :group_id, :unidentified, :failure_kind)`, r)
	if err != nil {
		return 0, false, fmt.Errorf("store: error inserting placeholder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	r.ID = id
	return id, true, nil
}

func (s *Store) Message(id int64) (*IncomingRecord, error) {
	r := &IncomingRecord{}
	if err := s.Tx.Get(r, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting message %d: %w", id, err)
	}
	return r, nil
}

func (s *Store) Messages() ([]*IncomingRecord, error) {
	var rs []*IncomingRecord
	if err := s.Tx.Select(&rs, "SELECT * FROM _messages ORDER BY id"); err != nil {
		return nil, fmt.Errorf("store: error listing messages: %w", err)
	}
	return rs, nil
}

// MarkRead sets the read time of the message sender sent at timestamp.
func (s *Store) MarkRead(sender ids.ID, timestamp, readMs uint64) (bool, error) {
	res, err := s.Tx.Exec("UPDATE _messages SET read_ms = $1 WHERE sender = $2 AND timestamp = $3 AND read_ms = 0", readMs, sender[:], timestamp)
	if err != nil {
		return false, fmt.Errorf("store: error marking read: %w", err)
	}
	n, err := res.RowsAffected()
	return n != 0, err
}

// MarkRemoteDeleted blanks the message sender sent at timestamp.
func (s *Store) MarkRemoteDeleted(sender ids.ID, timestamp uint64) (bool, error) {
	res, err := s.Tx.Exec("UPDATE _messages SET remote_deleted = TRUE, body = '', content = NULL WHERE sender = $1 AND timestamp = $2 AND failure_kind = ''", sender[:], timestamp)
	if err != nil {
		return false, fmt.Errorf("store: error marking remote deleted: %w", err)
	}
	n, err := res.RowsAffected()
	return n != 0, err
}

func (s *Store) UpsertReaction(r *Reaction) error {
	if r.CtimeMs == 0 {
		r.CtimeMs = s.clock.CurrentTimeMs()
	}
	if _, err := s.Tx.NamedExec(`
		INSERT INTO _reactions (target_author, target_timestamp, sender, emoji, ctime_ms)
		VALUES (:target_author, :target_timestamp, :sender, :emoji, :ctime_ms)
		ON CONFLICT (target_author, target_timestamp, sender) DO UPDATE SET emoji = :emoji, ctime_ms = :ctime_ms`, r); err != nil {
		return fmt.Errorf("store: error upserting reaction: %w", err)
	}
	return nil
}

func (s *Store) RemoveReaction(r *Reaction) error {
	if _, err := s.Tx.Exec("DELETE FROM _reactions WHERE target_author = $1 AND target_timestamp = $2 AND sender = $3", r.TargetAuthor, r.TargetTimestamp, r.Sender); err != nil {
		return fmt.Errorf("store: error removing reaction: %w", err)
	}
	return nil
}

func (s *Store) Reactions(targetAuthor []byte, targetTimestamp uint64) ([]*Reaction, error) {
	var rs []*Reaction
	if err := s.Tx.Select(&rs, "SELECT * FROM _reactions WHERE target_author = $1 AND target_timestamp = $2 ORDER BY ctime_ms", targetAuthor, targetTimestamp); err != nil {
		return nil, fmt.Errorf("store: error listing reactions: %w", err)
	}
	return rs, nil
}

// SetExpirationTimer records the disappearing message timer of a conversation, keyed by peer or group id.
func (s *Store) SetExpirationTimer(conversationID []byte, seconds uint32) error {
	if _, err := s.Tx.Exec(`
		INSERT INTO _expiration_timers (conversation_id, seconds, utime_ms) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET seconds = $2, utime_ms = $3`, conversationID, seconds, s.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error setting expiration timer: %w", err)
	}
	return nil
}

func (s *Store) ExpirationTimer(conversationID []byte) (uint32, error) {
	var seconds uint32
	if err := s.Tx.Get(&seconds, "SELECT seconds FROM _expiration_timers WHERE conversation_id = $1", conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: error getting expiration timer: %w", err)
	}
	return seconds, nil
}

func (s *Store) EnqueuePending(env []byte) (int64, error) {
	res, err := s.Tx.Exec("INSERT INTO _pending_envelopes (envelope, ctime_ms) VALUES ($1, $2)", env, s.clock.CurrentTimeMs())
	if err != nil {
		return 0, fmt.Errorf("store: error enqueueing pending envelope: %w", err)
	}
	return res.LastInsertId()
}

// PendingEnvelopes returns up to limit held envelopes in arrival order.
func (s *Store) PendingEnvelopes(limit int) ([]*PendingEnvelope, error) {
	var ps []*PendingEnvelope
	if err := s.Tx.Select(&ps, "SELECT * FROM _pending_envelopes ORDER BY id LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("store: error listing pending envelopes: %w", err)
	}
	return ps, nil
}

func (s *Store) DeletePending(id int64) error {
	if _, err := s.Tx.Exec("DELETE FROM _pending_envelopes WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting pending envelope %d: %w", id, err)
	}
	return nil
}

func (s *Store) PendingCount() (int, error) {
	var n int
	if err := s.Tx.Get(&n, "SELECT COUNT(*) FROM _pending_envelopes"); err != nil {
		return 0, fmt.Errorf("store: error counting pending envelopes: %w", err)
	}
	return n, nil
}

func (s *Store) UpsertGroup(g *Group) error {
	if g.UtimeMs == 0 {
		g.UtimeMs = s.clock.CurrentTimeMs()
	}
	if _, err := s.Tx.NamedExec(`
		INSERT INTO _groups (id, master_key, revision, utime_ms) VALUES (:id, :master_key, :revision, :utime_ms)
		ON CONFLICT (id) DO UPDATE SET revision = MAX(revision, :revision), utime_ms = :utime_ms`, g); err != nil {
		return fmt.Errorf("store: error upserting group: %w", err)
	}
	return nil
}

func (s *Store) Group(id []byte) (*Group, error) {
	g := &Group{}
	if err := s.Tx.Get(g, "SELECT * FROM _groups WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting group: %w", err)
	}
	return g, nil
}

func (s *Store) GroupMembers(groupID []byte) ([]ids.ID, error) {
	var rows [][]byte
	if err := s.Tx.Select(&rows, "SELECT identity_id FROM _group_members WHERE group_id = $1 ORDER BY identity_id", groupID); err != nil {
		return nil, fmt.Errorf("store: error listing group members: %w", err)
	}
	members := make([]ids.ID, 0, len(rows))
	for _, r := range rows {
		id, err := ids.ParseID(r)
		if err != nil {
			return nil, fmt.Errorf("store: bad member id: %w", err)
		}
		members = append(members, id)
	}
	return members, nil
}

// SetGroupMembers replaces the membership of a group. The group row must exist.
func (s *Store) SetGroupMembers(groupID []byte, members []ids.ID) error {
	if _, err := s.Tx.Exec("DELETE FROM _group_members WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error clearing group members: %w", err)
	}
	for _, m := range members {
		if _, err := s.Tx.Exec("INSERT INTO _group_members (group_id, identity_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", groupID, m[:]); err != nil {
			return fmt.Errorf("store: error inserting group member: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertProfile(p *Profile) error {
	if _, err := s.Tx.NamedExec(`
		INSERT INTO _profiles (identity_id, profile_key, name, about, fetched_ms) VALUES (:identity_id, :profile_key, :name, :about, :fetched_ms)
		ON CONFLICT (identity_id) DO UPDATE SET
			profile_key = COALESCE(:profile_key, profile_key),
			name = CASE WHEN :fetched_ms > 0 THEN :name ELSE name END,
			about = CASE WHEN :fetched_ms > 0 THEN :about ELSE about END,
			fetched_ms = MAX(fetched_ms, :fetched_ms)`, p); err != nil {
		return fmt.Errorf("store: error upserting profile: %w", err)
	}
	return nil
}

func (s *Store) Profile(id ids.ID) (*Profile, error) {
	p := &Profile{}
	if err := s.Tx.Get(p, "SELECT * FROM _profiles WHERE identity_id = $1", id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting profile: %w", err)
	}
	return p, nil
}
