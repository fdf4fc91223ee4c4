package receive

import (
	"bytes"
	"fmt"

	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/store"
)

// dispatch hands decoded content to exactly one handler.
func (p *Pipeline) dispatch(d *content.Decoded) ([]interface{}, error) {
	meta := d.Metadata
	sender := meta.SenderAddress()
	switch c := d.Content.(type) {
	case *content.DataMessage:
		if meta.Sender == nil {
			if d.SystemCommand != nil {
				return []interface{}{&SystemCommandReceived{Timestamp: meta.Timestamp, Command: d.SystemCommand}}, nil
			}
			p.log.Warnf("dropping data message without sender at %d", meta.Timestamp)
			return nil, nil
		}
		return p.handleData(sender, meta, c)
	case *content.SyncMessage:
		return p.handleSync(sender, c)
	case *content.CallMessage:
		return []interface{}{&CallUpdate{Sender: sender, Message: c}}, nil
	case *content.ReceiptMessage:
		return p.handleReceipt(sender, c)
	case *content.TypingMessage:
		return []interface{}{&TypingUpdate{Sender: sender, Message: c}}, nil
	case *content.SenderKeyDistributionMessage:
		return []interface{}{&SenderKeyReceived{Sender: sender, Message: c}}, nil
	case *content.DecryptionErrorMessage:
		return p.handleDecryptionError(sender, c)
	case *content.StoryMessage:
		if err := p.updateProfileKey(sender.ID, c.ProfileKey); err != nil {
			return nil, err
		}
		return []interface{}{&StoryReceived{Sender: sender, Timestamp: meta.Timestamp, Story: c}}, nil
	default:
		return nil, fmt.Errorf("receive: no handler for %T", d.Content)
	}
}

func (p *Pipeline) updateProfileKey(id ids.ID, key []byte) error {
	if len(key) == 0 {
		return nil
	}
	existing, err := p.store.Profile(id)
	if err != nil {
		return err
	}
	if existing != nil && bytes.Equal(existing.ProfileKey, key) {
		return nil
	}
	if err := p.store.UpsertProfile(&store.Profile{IdentityID: id[:], ProfileKey: key}); err != nil {
		return err
	}
	return p.effects.ScheduleProfileRefresh(id)
}

func (p *Pipeline) handleData(sender ids.Address, meta content.Metadata, m *content.DataMessage) ([]interface{}, error) {
	if err := p.updateProfileKey(sender.ID, m.ProfileKey); err != nil {
		return nil, err
	}

	switch {
	case m.IsEndSession():
		if err := p.cipher.DeleteSession(sender); err != nil {
			return nil, err
		}
		p.log.Infof("session with %s ended by peer", sender)
		return []interface{}{&SessionEnded{Sender: sender}}, nil
	case m.IsGroupV2Update():
		groupID := m.Group.ID()
		if err := p.store.UpsertGroup(&store.Group{ID: groupID[:], MasterKey: m.Group.MasterKey[:], Revision: m.Group.Revision}); err != nil {
			return nil, err
		}
		return []interface{}{&GroupUpdated{GroupID: groupID, Revision: m.Group.Revision}}, nil
	case m.Reaction != nil:
		r := &store.Reaction{
			TargetAuthor:    m.Reaction.TargetAuthor[:],
			TargetTimestamp: m.Reaction.TargetTimestamp,
			Sender:          sender.ID[:],
			Emoji:           m.Reaction.Emoji,
		}
		var err error
		if m.Reaction.Remove {
			err = p.store.RemoveReaction(r)
		} else {
			err = p.store.UpsertReaction(r)
		}
		if err != nil {
			return nil, err
		}
		return []interface{}{&ReactionUpdated{Sender: sender, Reaction: m.Reaction}}, nil
	case m.RemoteDelete != nil:
		if _, err := p.store.MarkRemoteDeleted(sender.ID, m.RemoteDelete.TargetTimestamp); err != nil {
			return nil, err
		}
		return []interface{}{&RemoteDeleted{Sender: sender.ID, TargetTimestamp: m.RemoteDelete.TargetTimestamp}}, nil
	case m.IsExpirationUpdate():
		conversation := sender.ID
		if m.Group != nil {
			conversation = m.Group.ID()
		}
		if err := p.store.SetExpirationTimer(conversation[:], m.ExpiresInSeconds); err != nil {
			return nil, err
		}
		return []interface{}{&ExpirationTimerUpdated{ConversationID: conversation, Seconds: m.ExpiresInSeconds}}, nil
	case m.IsProfileKeyUpdate() && !m.HasRenderableContent():
		return nil, nil
	}
	return p.insertMessage(sender, meta, m)
}

func (p *Pipeline) insertMessage(sender ids.Address, meta content.Metadata, m *content.DataMessage) ([]interface{}, error) {
	encoded, err := content.Encode(m)
	if err != nil {
		return nil, err
	}
	r := &store.IncomingRecord{
		Sender:          sender.ID[:],
		SenderDevice:    sender.Device,
		Timestamp:       m.Timestamp,
		ServerTimestamp: meta.ServerReceivedTimestamp,
		Content:         encoded,
		Unidentified:    meta.Unidentified,
		ExpiresInSec:    m.ExpiresInSeconds,
	}
	if m.Body != nil {
		r.Body = *m.Body
	}
	var groupID *ids.ID
	if m.Group != nil {
		id := m.Group.ID()
		groupID = &id
		r.GroupID = id[:]
		if err := p.store.UpsertGroup(&store.Group{ID: id[:], MasterKey: m.Group.MasterKey[:], Revision: m.Group.Revision}); err != nil {
			return nil, err
		}
	}
	id, inserted, err := p.store.InsertIncoming(r)
	if err != nil {
		return nil, err
	}
	if !inserted {
		p.log.Debugf("message from %s at %d already stored as %d", sender, m.Timestamp, id)
		return nil, errAlreadyStored
	}
	return []interface{}{&MessageReceived{ID: id, Sender: sender, Timestamp: m.Timestamp, GroupID: groupID, Message: m}}, nil
}

// handleSync applies messages from this identity's other devices. Sync messages from anyone else are dropped.
func (p *Pipeline) handleSync(sender ids.Address, m *content.SyncMessage) ([]interface{}, error) {
	if sender.ID != p.config.LocalID {
		p.log.Warnf("dropping sync message from foreign identity %s", sender)
		return nil, nil
	}
	var updates []interface{}
	if m.Sent != nil {
		u, err := p.applySentTranscript(m.Sent)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if len(m.Read) != 0 {
		now := p.clock.CurrentTimeMs()
		for _, mark := range m.Read {
			if _, err := p.store.MarkRead(mark.Sender, mark.Timestamp, now); err != nil {
				return nil, err
			}
		}
		updates = append(updates, &ReadMarksApplied{Marks: m.Read})
	}
	return updates, nil
}

func (p *Pipeline) applySentTranscript(t *content.SentTranscript) (*SentTranscriptApplied, error) {
	existing, err := p.store.OutgoingByTimestamp(t.Timestamp)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State != store.OutgoingSent {
			if err := p.store.MarkSent(existing.ID); err != nil {
				return nil, err
			}
		}
		return &SentTranscriptApplied{OutgoingID: existing.ID, Timestamp: t.Timestamp}, nil
	}
	if t.Message == nil {
		p.log.Debugf("sent transcript at %d without message", t.Timestamp)
		return &SentTranscriptApplied{Timestamp: t.Timestamp}, nil
	}

	encoded, err := content.Encode(t.Message)
	if err != nil {
		return nil, err
	}
	r := &store.OutgoingMessageRecord{
		Timestamp:       t.Timestamp,
		Content:         encoded,
		State:           store.OutgoingSent,
		ExpiresInSec:    t.Message.ExpiresInSeconds,
		ExpireStartedMs: t.ExpirationStartTimestamp,
	}
	if t.Destination != nil {
		r.Recipient = t.Destination[:]
	}
	if t.Message.Group != nil {
		groupID := t.Message.Group.ID()
		r.GroupID = groupID[:]
	}
	for _, us := range t.UnidentifiedStatus {
		r.Recipients = append(r.Recipients, store.RecipientStatus{Address: ids.Address{ID: us.Destination}, Unidentified: us.Unidentified})
	}
	id, err := p.store.InsertOutgoing(r)
	if err != nil {
		return nil, err
	}
	return &SentTranscriptApplied{OutgoingID: id, Timestamp: t.Timestamp}, nil
}

func (p *Pipeline) handleReceipt(sender ids.Address, m *content.ReceiptMessage) ([]interface{}, error) {
	var total int64
	for _, ts := range m.Timestamps {
		var n int64
		var err error
		switch m.Type {
		case content.ReceiptDelivery:
			n, err = p.store.IncrementDeliveryReceipts(sender.ID, ts)
		case content.ReceiptRead:
			n, err = p.store.IncrementReadReceipts(sender.ID, ts)
		case content.ReceiptViewed:
			n, err = p.store.IncrementViewedReceipts(sender.ID, ts)
		default:
			p.log.Warnf("ignoring receipt of unknown type %d from %s", m.Type, sender)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		total += n
	}
	return []interface{}{&ReceiptsUpdated{Type: m.Type, Sender: sender.ID, Timestamps: m.Timestamps, Updated: total}}, nil
}

// handleDecryptionError resets the session with the reporting device and resends the message it could not read,
// when that message is ours.
func (p *Pipeline) handleDecryptionError(sender ids.Address, m *content.DecryptionErrorMessage) ([]interface{}, error) {
	updates := []interface{}{&DecryptionErrorReceived{Sender: sender, Message: m}}
	rec, err := p.store.OutgoingByTimestamp(m.Timestamp)
	if err != nil {
		return nil, err
	}
	if rec == nil || !sentTo(rec, sender.ID) {
		return updates, nil
	}
	if err := p.cipher.DeleteSession(sender); err != nil {
		return nil, err
	}
	if err := p.effects.ScheduleResend(rec.ID, sender); err != nil {
		return nil, err
	}
	return updates, nil
}

func sentTo(rec *store.OutgoingMessageRecord, id ids.ID) bool {
	if bytes.Equal(rec.Recipient, id[:]) {
		return true
	}
	for _, r := range rec.Recipients {
		if r.Address.ID == id {
			return true
		}
	}
	return false
}
