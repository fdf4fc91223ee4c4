package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

type addressRow struct {
	IdentityID []byte `db:"identity_id"`
	Device     uint32 `db:"device"`
}

func (r addressRow) address() (ids.Address, error) {
	id, err := ids.ParseID(r.IdentityID)
	if err != nil {
		return ids.Address{}, err
	}
	return ids.Address{ID: id, Device: r.Device}, nil
}

type mismatchRow struct {
	addressRow
	IdentityKey []byte `db:"identity_key"`
}

type recipientRow struct {
	addressRow
	Unidentified bool   `db:"unidentified"`
	SentMs       uint64 `db:"sent_ms"`
	DeliveredMs  uint64 `db:"delivered_ms"`
	ReadMs       uint64 `db:"read_ms"`
}

func (s *Store) InsertOutgoing(r *OutgoingMessageRecord) (int64, error) {
	if r.CtimeMs == 0 {
		r.CtimeMs = s.clock.CurrentTimeMs()
	}
	res, err := s.Tx.NamedExec(`
		INSERT INTO _outgoing (recipient, group_id, timestamp, content, state, expires_in_sec, expire_started_ms, pending_attachments, ctime_ms)
		VALUES (:recipient, :group_id, :timestamp, :content, :state, :expires_in_sec, :expire_started_ms, :pending_attachments, :ctime_ms)`, r)
	if err != nil {
		return 0, fmt.Errorf("store: error inserting outgoing message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	for _, rs := range r.Recipients {
		if err := s.SetRecipientStatus(id, rs.Address, rs.Unidentified); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetOutgoing loads a record with its failure lists and recipient statuses, or nil when it does not exist.
func (s *Store) GetOutgoing(id int64) (*OutgoingMessageRecord, error) {
	r := &OutgoingMessageRecord{}
	if err := s.Tx.Get(r, "SELECT * FROM _outgoing WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting outgoing message %d: %w", id, err)
	}

	var failures []addressRow
	if err := s.Tx.Select(&failures, "SELECT identity_id, device FROM _outgoing_network_failures WHERE message_id = $1 ORDER BY identity_id, device", id); err != nil {
		return nil, fmt.Errorf("store: error listing network failures: %w", err)
	}
	for _, f := range failures {
		addr, err := f.address()
		if err != nil {
			return nil, err
		}
		r.NetworkFailures = append(r.NetworkFailures, addr)
	}

	var mismatches []mismatchRow
	if err := s.Tx.Select(&mismatches, "SELECT identity_id, device, identity_key FROM _outgoing_identity_mismatches WHERE message_id = $1 ORDER BY identity_id, device", id); err != nil {
		return nil, fmt.Errorf("store: error listing identity mismatches: %w", err)
	}
	for _, m := range mismatches {
		addr, err := m.address()
		if err != nil {
			return nil, err
		}
		r.IdentityMismatches = append(r.IdentityMismatches, IdentityMismatch{Address: addr, Key: m.IdentityKey})
	}

	var recipients []recipientRow
	if err := s.Tx.Select(&recipients, "SELECT identity_id, device, unidentified, sent_ms, delivered_ms, read_ms FROM _outgoing_recipients WHERE message_id = $1 ORDER BY identity_id, device", id); err != nil {
		return nil, fmt.Errorf("store: error listing recipients: %w", err)
	}
	for _, rr := range recipients {
		addr, err := rr.address()
		if err != nil {
			return nil, err
		}
		r.Recipients = append(r.Recipients, RecipientStatus{
			Address:      addr,
			Unidentified: rr.Unidentified,
			SentMs:       rr.SentMs,
			DeliveredMs:  rr.DeliveredMs,
			ReadMs:       rr.ReadMs,
		})
	}
	return r, nil
}

// OutgoingByTimestamp finds the message this device sent at timestamp, or nil.
func (s *Store) OutgoingByTimestamp(timestamp uint64) (*OutgoingMessageRecord, error) {
	var id int64
	if err := s.Tx.Get(&id, "SELECT id FROM _outgoing WHERE timestamp = $1 ORDER BY id LIMIT 1", timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error finding outgoing message at %d: %w", timestamp, err)
	}
	return s.GetOutgoing(id)
}

func (s *Store) setState(id int64, state OutgoingState) error {
	res, err := s.Tx.Exec("UPDATE _outgoing SET state = $1 WHERE id = $2", state, id)
	if err != nil {
		return fmt.Errorf("store: error setting outgoing %d to %s: %w", id, state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: no outgoing message %d", id)
	}
	return nil
}

func (s *Store) MarkSending(id int64) error {
	return s.setState(id, OutgoingSending)
}

// MarkSent also clears any failures left on the record.
func (s *Store) MarkSent(id int64) error {
	if _, err := s.Tx.Exec("DELETE FROM _outgoing_network_failures WHERE message_id = $1", id); err != nil {
		return fmt.Errorf("store: error clearing network failures: %w", err)
	}
	return s.setState(id, OutgoingSent)
}

func (s *Store) MarkPartiallyFailed(id int64) error {
	return s.setState(id, OutgoingPartiallyFailed)
}

func (s *Store) MarkFailed(id int64) error {
	return s.setState(id, OutgoingFailed)
}

func (s *Store) MarkCancelled(id int64) error {
	return s.setState(id, OutgoingCancelled)
}

// UpdateOutgoingContent replaces the encoded content once attachments have been uploaded.
func (s *Store) UpdateOutgoingContent(id int64, content []byte, pendingAttachments uint32) error {
	if _, err := s.Tx.Exec("UPDATE _outgoing SET content = $1, pending_attachments = $2 WHERE id = $3", content, pendingAttachments, id); err != nil {
		return fmt.Errorf("store: error updating outgoing content: %w", err)
	}
	return nil
}

func (s *Store) AddNetworkFailure(id int64, addr ids.Address) error {
	if _, err := s.Tx.Exec("INSERT INTO _outgoing_network_failures (message_id, identity_id, device) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", id, addr.ID[:], addr.Device); err != nil {
		return fmt.Errorf("store: error adding network failure: %w", err)
	}
	return nil
}

func (s *Store) RemoveNetworkFailure(id int64, addr ids.Address) error {
	if _, err := s.Tx.Exec("DELETE FROM _outgoing_network_failures WHERE message_id = $1 AND identity_id = $2 AND device = $3", id, addr.ID[:], addr.Device); err != nil {
		return fmt.Errorf("store: error removing network failure: %w", err)
	}
	return nil
}

func (s *Store) AddIdentityMismatch(id int64, addr ids.Address, key []byte) error {
	if _, err := s.Tx.Exec(`
		INSERT INTO _outgoing_identity_mismatches (message_id, identity_id, device, identity_key) VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, identity_id, device) DO UPDATE SET identity_key = $4`, id, addr.ID[:], addr.Device, key); err != nil {
		return fmt.Errorf("store: error adding identity mismatch: %w", err)
	}
	return nil
}

func (s *Store) RemoveIdentityMismatch(id int64, addr ids.Address) error {
	if _, err := s.Tx.Exec("DELETE FROM _outgoing_identity_mismatches WHERE message_id = $1 AND identity_id = $2 AND device = $3", id, addr.ID[:], addr.Device); err != nil {
		return fmt.Errorf("store: error removing identity mismatch: %w", err)
	}
	return nil
}

// ClearIdentityMismatches drops every mismatch recorded against id on any message, once the user has accepted its
// new key.
func (s *Store) ClearIdentityMismatches(id ids.ID) error {
	if _, err := s.Tx.Exec("DELETE FROM _outgoing_identity_mismatches WHERE identity_id = $1", id[:]); err != nil {
		return fmt.Errorf("store: error clearing identity mismatches: %w", err)
	}
	return nil
}

// SetRecipientStatus records a successful delivery to addr.
func (s *Store) SetRecipientStatus(id int64, addr ids.Address, unidentified bool) error {
	if _, err := s.Tx.Exec(`
		INSERT INTO _outgoing_recipients (message_id, identity_id, device, unidentified, sent_ms) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, identity_id, device) DO UPDATE SET unidentified = $4, sent_ms = $5`, id, addr.ID[:], addr.Device, unidentified, s.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error setting recipient status: %w", err)
	}
	return nil
}

// IncrementDeliveryReceipts counts a delivery receipt from sender for the message sent at timestamp. It returns the
// number of messages updated.
func (s *Store) IncrementDeliveryReceipts(sender ids.ID, timestamp uint64) (int64, error) {
	return s.incrementReceipts("delivery_receipts", "delivered_ms", sender, timestamp)
}

func (s *Store) IncrementReadReceipts(sender ids.ID, timestamp uint64) (int64, error) {
	return s.incrementReceipts("read_receipts", "read_ms", sender, timestamp)
}

func (s *Store) IncrementViewedReceipts(sender ids.ID, timestamp uint64) (int64, error) {
	return s.incrementReceipts("viewed_receipts", "read_ms", sender, timestamp)
}

func (s *Store) incrementReceipts(counter, recipientColumn string, sender ids.ID, timestamp uint64) (int64, error) {
	res, err := s.Tx.Exec(fmt.Sprintf(`
		UPDATE _outgoing SET %s = %s + 1
		WHERE timestamp = $1 AND (recipient = $2 OR id IN (SELECT message_id FROM _outgoing_recipients WHERE identity_id = $2))`, counter, counter), timestamp, sender[:])
	if err != nil {
		return 0, fmt.Errorf("store: error incrementing %s: %w", counter, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.Tx.Exec(fmt.Sprintf(`
		UPDATE _outgoing_recipients SET %s = $1
		WHERE identity_id = $2 AND %s = 0 AND message_id IN (SELECT id FROM _outgoing WHERE timestamp = $3)`, recipientColumn, recipientColumn), s.clock.CurrentTimeMs(), sender[:], timestamp); err != nil {
		return 0, fmt.Errorf("store: error updating recipient %s: %w", recipientColumn, err)
	}
	return n, nil
}

// StartExpiration begins the disappearing timer of a sent message.
func (s *Store) StartExpiration(id int64, startedMs uint64) error {
	if _, err := s.Tx.Exec("UPDATE _outgoing SET expire_started_ms = $1 WHERE id = $2 AND expires_in_sec > 0 AND expire_started_ms = 0", startedMs, id); err != nil {
		return fmt.Errorf("store: error starting expiration: %w", err)
	}
	return nil
}
