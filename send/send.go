// Package send turns outgoing messages into durable delivery jobs. Each message is persisted before it is sent, and
// delivery bookkeeping (network failures, identity mismatches, per recipient status) survives restarts so a retry only
// reaches the destinations that still need the message.
package send

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport/poll"
	"go.uber.org/zap"
)

const (
	KindDelivery        = "push_send"
	KindSentTranscript  = "sent_transcript"
	KindDeliveryReceipt = "delivery_receipt"
	KindProfileRefresh  = "profile_refresh"
	KindPrekeyRefill    = "prekey_refill"
	KindDecryptionError = "decryption_error"
)

var (
	ErrNoDestination    = errors.New("send: exactly one of To or GroupID is required")
	ErrUnknownGroup     = errors.New("send: unknown group")
	ErrUnknownMessage   = errors.New("send: unknown message")
	ErrIdentityMismatch = errors.New("send: identity key changed for a recipient")
)

// Cipher is the session cipher as seen by the send pipeline. Everything but Encrypt runs inside the caller's
// transaction.
type Cipher interface {
	cipher.SessionCipher
	Devices(id ids.ID) ([]uint32, error)
	ProcessBundles(id ids.ID, bundles []*cipher.PrekeyBundle) error
	PrekeyCount() (int, error)
	GeneratePrekeys(n int) (*cipher.PrekeyUpload, error)
}

type Transport interface {
	Send(ctx context.Context, batch *poll.OutgoingBatch) (*poll.SendResult, error)
	FetchPrekeys(ctx context.Context, id ids.ID, device uint32) ([]*cipher.PrekeyBundle, error)
	UploadPrekeys(ctx context.Context, upload *cipher.PrekeyUpload) error
	FetchProfile(ctx context.Context, id ids.ID) (*poll.Profile, error)
	UploadAttachment(ctx context.Context, body []byte) (*poll.AttachmentUpload, error)
}

// OutgoingRequest is a message to send to one identity or one group.
type OutgoingRequest struct {
	To          *ids.ID
	GroupID     *ids.ID
	Message     *content.DataMessage
	Attachments []*content.AttachmentStream
}

// MessageStateChanged is published after a delivery attempt changes the state of an outgoing message.
type MessageStateChanged struct {
	ID    int64
	State store.OutgoingState
}

type Manager struct {
	log       *zap.SugaredLogger
	config    *config.Config
	db        *db.Database
	clock     clock.Clock
	store     *store.Store
	queue     *jobs.Queue
	cipher    Cipher
	transport Transport
	metrics   *metrics.Metrics
	decoder   *content.Decoder
	fanout    FanoutStrategy
	updates   chan interface{}

	uploadsLock sync.Mutex
	uploads     map[int64]*pendingUploads

	prekeyLock sync.Mutex
	unuploaded *cipher.PrekeyUpload
}

// NewManager registers the send job runners on q.
func NewManager(c *config.Config, d *db.Database, cl clock.Clock, s *store.Store, q *jobs.Queue, ci Cipher, t Transport, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		log:       c.Logger("send"),
		config:    c,
		db:        d,
		clock:     cl,
		store:     s,
		queue:     q,
		cipher:    ci,
		transport: t,
		metrics:   m,
		decoder:   content.NewDecoder(c),
		fanout:    NewPerRecipientFanout(c, d, s, ci, t),
		updates:   make(chan interface{}, 100),
		uploads:   make(map[int64]*pendingUploads),
	}
	q.Register(KindDelivery, &deliveryRunner{mgr})
	q.Register(KindSentTranscript, &sentTranscriptRunner{mgr})
	q.Register(KindDeliveryReceipt, &receiptRunner{mgr})
	q.Register(KindProfileRefresh, &profileRunner{mgr})
	q.Register(KindPrekeyRefill, &prekeyRunner{mgr})
	q.Register(KindDecryptionError, &decryptionErrorRunner{mgr})
	return mgr
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

func (m *Manager) publish(update interface{}) {
	select {
	case m.updates <- update:
	default:
		m.log.Warnf("dropping update %T", update)
	}
}

func conversationKey(id []byte) string {
	return fmt.Sprintf("conversation:%x", id)
}

// Send persists req as a pending outgoing message and schedules its delivery. It returns the message id.
func (m *Manager) Send(ctx context.Context, req *OutgoingRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if (req.To == nil) == (req.GroupID == nil) {
		return 0, ErrNoDestination
	}
	if req.Message == nil {
		req.Message = &content.DataMessage{}
	}
	msg := req.Message
	if msg.Timestamp == 0 {
		msg.Timestamp = m.clock.CurrentTimeMs()
	}

	var id int64
	if err := m.db.Run("send message", func() error {
		rec := &store.OutgoingMessageRecord{
			Timestamp:          msg.Timestamp,
			State:              store.OutgoingPending,
			PendingAttachments: uint32(len(req.Attachments)),
		}
		var conversation []byte
		if req.To != nil {
			rec.Recipient = req.To[:]
			conversation = rec.Recipient
		} else {
			g, err := m.store.Group(req.GroupID[:])
			if err != nil {
				return err
			}
			if g == nil {
				return ErrUnknownGroup
			}
			gc := &content.GroupContext{Revision: g.Revision}
			copy(gc.MasterKey[:], g.MasterKey)
			msg.Group = gc
			rec.GroupID = req.GroupID[:]
			conversation = rec.GroupID
		}
		if msg.ExpiresInSeconds == 0 {
			secs, err := m.store.ExpirationTimer(conversation)
			if err != nil {
				return err
			}
			msg.ExpiresInSeconds = secs
		}
		rec.ExpiresInSec = msg.ExpiresInSeconds

		encoded, err := content.Encode(msg)
		if err != nil {
			return err
		}
		rec.Content = encoded
		if id, err = m.store.InsertOutgoing(rec); err != nil {
			return err
		}
		if len(req.Attachments) != 0 {
			m.setUploads(id, req.Attachments)
		}
		_, err = m.queue.Enqueue(KindDelivery, &deliveryPayload{MessageID: id}, jobs.Options{
			QueueKey:        conversationKey(conversation),
			MaxAttempts:     m.config.SendMaxAttempts,
			RequiresNetwork: true,
		})
		return err
	}); err != nil {
		if id != 0 {
			m.takeUploads(id)
		}
		return 0, fmt.Errorf("send: error sending: %w", err)
	}
	m.log.Debugf("queued message %d at %d", id, msg.Timestamp)
	return id, nil
}

// Resend schedules another delivery of a message. With a filter only that identity is sent to, otherwise every
// destination which has not received it yet.
func (m *Manager) Resend(messageID int64, filter *ids.ID) error {
	return m.db.Run("resend message", func() error {
		return m.resend(messageID, filter)
	})
}

func (m *Manager) resend(messageID int64, filter *ids.ID) error {
	rec, err := m.store.GetOutgoing(messageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrUnknownMessage
	}
	if rec.State == store.OutgoingCancelled {
		m.log.Debugf("not resending cancelled message %d", messageID)
		return nil
	}
	p := &deliveryPayload{MessageID: messageID}
	if filter != nil {
		p.Filter = filter[:]
	}
	conversation := rec.Recipient
	if rec.IsGroup() {
		conversation = rec.GroupID
	}
	_, err = m.queue.Enqueue(KindDelivery, p, jobs.Options{
		QueueKey:        conversationKey(conversation),
		MaxAttempts:     m.config.SendMaxAttempts,
		RequiresNetwork: true,
	})
	return err
}

// Cancel stops delivery of a message which has not reached a terminal state. A delivery already in flight finishes
// its current round but records nothing further.
func (m *Manager) Cancel(messageID int64) error {
	cancelled := false
	if err := m.db.Run("cancel message", func() error {
		rec, err := m.store.GetOutgoing(messageID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrUnknownMessage
		}
		if rec.State.Terminal() {
			return nil
		}
		cancelled = true
		return m.store.MarkCancelled(messageID)
	}); err != nil {
		return err
	}
	if cancelled {
		m.takeUploads(messageID)
		m.publish(&MessageStateChanged{ID: messageID, State: store.OutgoingCancelled})
	}
	return nil
}

type addressPayload struct {
	ID     []byte `bencode:"i"`
	Device uint32 `bencode:"d"`
}

func (p *addressPayload) address() (ids.Address, error) {
	id, err := ids.ParseID(p.ID)
	if err != nil {
		return ids.Address{}, err
	}
	return ids.Address{ID: id, Device: p.Device}, nil
}

type receiptPayload struct {
	To         addressPayload `bencode:"to"`
	Timestamps []uint64       `bencode:"ts"`
}

type profilePayload struct {
	ID []byte `bencode:"i"`
}

type prekeyPayload struct {
	Reason string `bencode:"r"`
}

type decryptionErrorPayload struct {
	To        addressPayload `bencode:"to"`
	Timestamp uint64         `bencode:"ts"`
}

// ScheduleDeliveryReceipt enqueues a delivery receipt in the caller's transaction.
func (m *Manager) ScheduleDeliveryReceipt(to ids.Address, timestamps []uint64) error {
	_, err := m.queue.Enqueue(KindDeliveryReceipt, &receiptPayload{
		To:         addressPayload{ID: to.ID[:], Device: to.Device},
		Timestamps: timestamps,
	}, jobs.Options{
		QueueKey:        "receipts:" + to.ID.String(),
		MaxAttempts:     m.config.ReceiptMaxAttempts,
		RequiresNetwork: true,
	})
	return err
}

func (m *Manager) ScheduleProfileRefresh(id ids.ID) error {
	_, err := m.queue.Enqueue(KindProfileRefresh, &profilePayload{ID: id[:]}, jobs.Options{
		QueueKey:        "profile:" + id.String(),
		MaxAttempts:     m.config.ReceiptMaxAttempts,
		RequiresNetwork: true,
	})
	return err
}

func (m *Manager) SchedulePrekeyRefill() error {
	_, err := m.queue.Enqueue(KindPrekeyRefill, &prekeyPayload{Reason: "consumed"}, jobs.Options{
		QueueKey:        "prekeys",
		MaxAttempts:     m.config.ReceiptMaxAttempts,
		RequiresNetwork: true,
	})
	return err
}

func (m *Manager) ScheduleDecryptionError(to ids.Address, timestamp uint64) error {
	_, err := m.queue.Enqueue(KindDecryptionError, &decryptionErrorPayload{
		To:        addressPayload{ID: to.ID[:], Device: to.Device},
		Timestamp: timestamp,
	}, jobs.Options{
		QueueKey:        "receipts:" + to.ID.String(),
		MaxAttempts:     m.config.ReceiptMaxAttempts,
		RequiresNetwork: true,
	})
	return err
}

func (m *Manager) ScheduleResend(messageID int64, to ids.Address) error {
	return m.resend(messageID, &to.ID)
}
