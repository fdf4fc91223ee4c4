package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
)

type deliveryPayload struct {
	MessageID int64  `bencode:"m"`
	Filter    []byte `bencode:"f,omitempty"`
}

func (p *deliveryPayload) filter() (*ids.ID, error) {
	if len(p.Filter) == 0 {
		return nil, nil
	}
	id, err := ids.ParseID(p.Filter)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// deliveryRunner runs one delivery round for an outgoing message.
type deliveryRunner struct {
	m *Manager
}

func (r *deliveryRunner) Run(ctx context.Context, job *jobs.Job) error {
	m := r.m
	p := &deliveryPayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	filter, err := p.filter()
	if err != nil {
		return err
	}

	var rec *store.OutgoingMessageRecord
	var group *store.Group
	var destinations []ids.ID
	if err := m.db.Run("delivery load", func() error {
		var err error
		if rec, err = m.store.GetOutgoing(p.MessageID); err != nil || rec == nil {
			return err
		}
		if rec.State == store.OutgoingCancelled || (rec.State == store.OutgoingSent && filter == nil) {
			return nil
		}
		if rec.IsGroup() {
			if group, err = m.store.Group(rec.GroupID); err != nil {
				return err
			}
			if group == nil {
				return ErrUnknownGroup
			}
		}
		if destinations, err = m.destinations(rec, filter); err != nil {
			return err
		}
		if rec.State == store.OutgoingSent {
			return nil
		}
		return m.store.MarkSending(rec.ID)
	}); err != nil {
		return err
	}

	switch {
	case rec == nil:
		m.log.Debugf("message %d no longer exists", p.MessageID)
		return nil
	case rec.State == store.OutgoingCancelled:
		return jobs.ErrCancelled
	case rec.State == store.OutgoingSent && filter == nil:
		return nil
	}

	if rec.PendingAttachments != 0 {
		if err := m.uploadAttachments(ctx, rec); err != nil {
			return err
		}
	}

	m.log.Debugf("delivering message %d to %d destinations", rec.ID, len(destinations))
	outcomes := m.fanout.Send(ctx, &Fanout{
		Timestamp:    rec.Timestamp,
		Content:      rec.Content,
		Destinations: destinations,
		Group:        group,
		Urgent:       true,
	})
	return m.reconcile(ctx, rec.ID, filter != nil, outcomes)
}

// OnFailure fails the message once its delivery job gives up, unless it already reached a terminal state.
func (r *deliveryRunner) OnFailure(job *jobs.Job, cause error) error {
	m := r.m
	p := &deliveryPayload{}
	if err := job.Decode(p); err != nil {
		m.log.Warnf("dropping undecodable delivery job %s: %s", job.ID, err)
		return nil
	}
	m.takeUploads(p.MessageID)
	rec, err := m.store.GetOutgoing(p.MessageID)
	if err != nil || rec == nil || rec.State.Terminal() {
		return err
	}
	state := store.OutgoingFailed
	if errors.Is(cause, jobs.ErrCancelled) {
		state = store.OutgoingCancelled
		err = m.store.MarkCancelled(rec.ID)
	} else {
		err = m.store.MarkFailed(rec.ID)
	}
	if err != nil {
		return err
	}
	m.metrics.SendOutcome(state.String())
	m.db.AfterCommit(func() { m.publish(&MessageStateChanged{ID: rec.ID, State: state}) })
	return nil
}

// destinations resolves who a round delivers to: the filter when set, else the destinations that failed on the
// network last round, else everyone in the conversation that has neither received the message nor an outstanding
// identity mismatch.
func (m *Manager) destinations(rec *store.OutgoingMessageRecord, filter *ids.ID) ([]ids.ID, error) {
	if filter != nil {
		return []ids.ID{*filter}, nil
	}
	if len(rec.NetworkFailures) != 0 {
		seen := make(map[ids.ID]struct{})
		var out []ids.ID
		for _, a := range rec.NetworkFailures {
			if _, ok := seen[a.ID]; !ok {
				seen[a.ID] = struct{}{}
				out = append(out, a.ID)
			}
		}
		return out, nil
	}

	var members []ids.ID
	if rec.IsGroup() {
		var err error
		if members, err = m.store.GroupMembers(rec.GroupID); err != nil {
			return nil, err
		}
	} else {
		id, err := ids.ParseID(rec.Recipient)
		if err != nil {
			return nil, fmt.Errorf("send: message %d recipient: %w", rec.ID, err)
		}
		members = []ids.ID{id}
	}
	delivered := make(map[ids.ID]struct{})
	for _, rs := range rec.Recipients {
		if rs.SentMs != 0 {
			delivered[rs.Address.ID] = struct{}{}
		}
	}
	out := make([]ids.ID, 0, len(members))
	for _, id := range members {
		if _, ok := delivered[id]; ok {
			continue
		}
		if id == m.config.LocalID || rec.HasMismatchFor(id) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// reconcile records a round's outcomes in one transaction and moves the message to its next state.
func (m *Manager) reconcile(ctx context.Context, id int64, filtered bool, outcomes map[ids.ID]Outcome) error {
	var state store.OutgoingState
	var retryAfter time.Duration
	var failures []error
	cancelled := false
	if err := m.db.Run("delivery reconcile", func() error {
		rec, err := m.store.GetOutgoing(id)
		if err != nil {
			return err
		}
		if rec == nil || rec.State == store.OutgoingCancelled {
			cancelled = true
			return nil
		}
		for dest, o := range outcomes {
			addr := ids.Address{ID: dest}
			switch o := o.(type) {
			case *Success:
				if err := m.clearFailures(id, addr); err != nil {
					return err
				}
				if err := m.store.SetRecipientStatus(id, addr, o.Unidentified); err != nil {
					return err
				}
			case *Unregistered:
				m.log.Infof("%s is no longer registered, skipping for message %d", dest, id)
				if err := m.clearFailures(id, addr); err != nil {
					return err
				}
			case *NetworkFailure:
				failures = append(failures, fmt.Errorf("%s: %w", dest, o.Err))
				if o.RetryAfter > retryAfter {
					retryAfter = o.RetryAfter
				}
				if err := m.store.AddNetworkFailure(id, addr); err != nil {
					return err
				}
			case *IdentityMismatch:
				if err := m.store.RemoveNetworkFailure(id, addr); err != nil {
					return err
				}
				if err := m.store.AddIdentityMismatch(id, addr, o.Key); err != nil {
					return err
				}
				if err := m.ScheduleProfileRefresh(dest); err != nil {
					return err
				}
			}
		}

		if rec, err = m.store.GetOutgoing(id); err != nil {
			return err
		}
		state = rec.State
		switch {
		case len(rec.NetworkFailures) != 0:
			if !rec.State.Terminal() {
				state = store.OutgoingPartiallyFailed
				return m.store.MarkPartiallyFailed(id)
			}
		case len(rec.IdentityMismatches) != 0:
			if rec.State != store.OutgoingSent {
				state = store.OutgoingFailed
				return m.store.MarkFailed(id)
			}
		case rec.State != store.OutgoingSent:
			state = store.OutgoingSent
			if err := m.store.MarkSent(id); err != nil {
				return err
			}
			if err := m.store.StartExpiration(id, m.clock.CurrentTimeMs()); err != nil {
				return err
			}
			if m.config.MultiDevice && !filtered {
				if _, err := m.queue.Enqueue(KindSentTranscript, &transcriptPayload{MessageID: id}, jobs.Options{
					QueueKey:        "sync",
					MaxAttempts:     m.config.SendMaxAttempts,
					RequiresNetwork: true,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if cancelled {
		return jobs.ErrCancelled
	}

	m.metrics.SendOutcome(state.String())
	m.publish(&MessageStateChanged{ID: id, State: state})
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case len(failures) != 0:
		return jobs.RetryLater(errors.Join(failures...), retryAfter)
	case state == store.OutgoingFailed:
		return ErrIdentityMismatch
	}
	return nil
}

func (m *Manager) clearFailures(id int64, addr ids.Address) error {
	if err := m.store.RemoveNetworkFailure(id, addr); err != nil {
		return err
	}
	return m.store.RemoveIdentityMismatch(id, addr)
}

// decodeStored reads back the data message an outgoing record was created with.
func (m *Manager) decodeStored(rec *store.OutgoingMessageRecord) (*content.DataMessage, error) {
	d, err := m.decoder.Decode(rec.Content, content.Metadata{Timestamp: rec.Timestamp}, nil)
	if err != nil {
		return nil, err
	}
	dm, ok := d.Content.(*content.DataMessage)
	if !ok {
		return nil, fmt.Errorf("send: message %d holds %s", rec.ID, content.Name(d.Content))
	}
	return dm, nil
}

func recipientID(rec *store.OutgoingMessageRecord) *ids.ID {
	if len(rec.Recipient) == 0 {
		return nil
	}
	id, err := ids.ParseID(rec.Recipient)
	if err != nil {
		return nil
	}
	return &id
}
