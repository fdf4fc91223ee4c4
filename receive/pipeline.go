// Package receive turns envelopes handed over by the transport into stored messages and published updates. Every
// envelope is processed end to end under one lock and one database transaction, and the transport only acknowledges
// an envelope once Process returns nil for it.
package receive

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	db "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

const drainBatch = 50

// errAlreadyStored marks a redelivered message. Its receipt was scheduled with the first copy.
var errAlreadyStored = errors.New("receive: message already stored")

type Cipher interface {
	cipher.SessionCipher
	Ready() bool
}

// Effects schedules the follow-up work an envelope causes. Every method is called inside the transaction processing
// the envelope, so the work is only scheduled if the envelope is.
type Effects interface {
	ScheduleDeliveryReceipt(to ids.Address, timestamps []uint64) error
	ScheduleProfileRefresh(id ids.ID) error
	SchedulePrekeyRefill() error
	ScheduleDecryptionError(to ids.Address, timestamp uint64) error
	ScheduleResend(messageID int64, to ids.Address) error
}

type Pipeline struct {
	log              *zap.SugaredLogger
	config           *config.Config
	db               *db.Database
	clock            clock.Clock
	cipher           Cipher
	decoder          *content.Decoder
	store            *store.Store
	effects          Effects
	metrics          *metrics.Metrics
	lock             sync.Mutex
	migrationPending atomic.Bool
	updates          chan interface{}
}

func New(c *config.Config, d *db.Database, cl clock.Clock, ci Cipher, s *store.Store, effects Effects, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		log:     c.Logger("receive"),
		config:  c,
		db:      d,
		clock:   cl,
		cipher:  ci,
		decoder: content.NewDecoder(c),
		store:   s,
		effects: effects,
		metrics: m,
		updates: make(chan interface{}, 1000),
	}
}

func (p *Pipeline) Updates() chan interface{} {
	return p.updates
}

// SetMigrationPending holds every envelope until it is cleared again. Clearing it does not drain the holding queue.
func (p *Pipeline) SetMigrationPending(pending bool) {
	p.migrationPending.Store(pending)
}

func (p *Pipeline) MigrationPending() bool {
	return p.migrationPending.Load()
}

func (p *Pipeline) holding() bool {
	return !p.cipher.Ready() || p.migrationPending.Load()
}

// Process is the transport's envelope processor. A nil return means the envelope is durably handled, either stored,
// held for later or deliberately dropped.
func (p *Pipeline) Process(env *envelope.Envelope) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	start := time.Now()
	defer func() { p.metrics.ObserveProcessing(time.Since(start)) }()
	p.metrics.EnvelopeReceived(env.Type.String())

	if p.holding() {
		return p.hold(env)
	}

	var updates []interface{}
	if err := p.db.Run("receive envelope", func() error {
		var err error
		updates, err = p.process(env)
		return err
	}); err != nil {
		return fmt.Errorf("receive: processing %s: %w", env, err)
	}
	p.publish(updates)
	return nil
}

func (p *Pipeline) hold(env *envelope.Envelope) error {
	b, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("receive: encoding held envelope: %w", err)
	}
	return p.db.Run("hold envelope", func() error {
		if _, err := p.store.EnqueuePending(b); err != nil {
			return err
		}
		n, err := p.store.PendingCount()
		if err != nil {
			return err
		}
		p.metrics.SetHoldingQueueDepth(n)
		p.log.Debugf("holding %s, %d waiting", env, n)
		return nil
	})
}

// Drain processes held envelopes in arrival order. Each is removed in the transaction that processes it. It stops at
// the first failure, leaving that envelope and everything after it held.
func (p *Pipeline) Drain() (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.holding() {
		return 0, nil
	}

	drained := 0
	for {
		var pending []*store.PendingEnvelope
		if err := p.db.RunReadOnly("pending envelopes", func() error {
			var err error
			pending, err = p.store.PendingEnvelopes(drainBatch)
			return err
		}); err != nil {
			return drained, err
		}
		if len(pending) == 0 {
			p.metrics.SetHoldingQueueDepth(0)
			return drained, nil
		}
		for _, pe := range pending {
			var updates []interface{}
			if err := p.db.Run("drain envelope", func() error {
				env, err := envelope.Decode(pe.Envelope)
				if err != nil {
					p.log.Warnf("dropping undecodable held envelope %d: %s", pe.ID, err)
				} else if updates, err = p.process(env); err != nil {
					return err
				}
				return p.store.DeletePending(pe.ID)
			}); err != nil {
				return drained, fmt.Errorf("receive: draining held envelope %d: %w", pe.ID, err)
			}
			p.publish(updates)
			drained++
		}
	}
}

func (p *Pipeline) publish(updates []interface{}) {
	for _, u := range updates {
		select {
		case p.updates <- u:
		default:
			p.log.Warnf("dropping update %T", u)
		}
	}
}

// process must be called with the transaction open.
func (p *Pipeline) process(env *envelope.Envelope) ([]interface{}, error) {
	if env.IsReceipt() {
		if !env.HasSource() {
			p.log.Warnf("dropping receipt without source")
			return nil, nil
		}
		n, err := p.store.IncrementDeliveryReceipts(*env.Source, env.Timestamp)
		if err != nil {
			return nil, err
		}
		return []interface{}{&ReceiptsUpdated{Type: content.ReceiptDelivery, Sender: *env.Source, Timestamps: []uint64{env.Timestamp}, Updated: n}}, nil
	}

	pt, err := p.cipher.Decrypt(env)
	if err != nil {
		return p.cipherFailed(env, err)
	}
	if pt.PrekeyMessage {
		if err := p.effects.SchedulePrekeyRefill(); err != nil {
			return nil, err
		}
	}

	meta := content.Metadata{
		Sender:                   pt.Sender,
		SenderDevice:             pt.SenderDevice,
		Timestamp:                env.Timestamp,
		ServerReceivedTimestamp:  env.ServerReceivedTimestamp,
		ServerDeliveredTimestamp: env.ServerDeliveredTimestamp,
		ServerGUID:               env.ServerGUID,
		Unidentified:             pt.Unidentified,
	}
	decoded, err := p.decoder.Decode(pt.Body, meta, env.SystemCommand)
	if err != nil {
		return p.decodeFailed(env, meta, err)
	}
	p.metrics.ContentDecoded(content.Name(decoded.Content))

	updates, err := p.dispatch(decoded)
	if errors.Is(err, errAlreadyStored) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if decoded.Metadata.NeedsReceipt {
		if err := p.effects.ScheduleDeliveryReceipt(decoded.Metadata.SenderAddress(), []uint64{decoded.Metadata.Timestamp}); err != nil {
			return nil, err
		}
	}
	return updates, nil
}

func (p *Pipeline) cipherFailed(env *envelope.Envelope, err error) ([]interface{}, error) {
	var ce *cipher.Error
	if !errors.As(err, &ce) {
		return nil, err
	}
	p.metrics.DecryptFailed(ce.Kind.String())
	switch ce.Kind {
	case cipher.DuplicateMessage, cipher.SelfSend:
		p.log.Debugf("dropping %s: %s", env, ce.Kind)
		return nil, nil
	}
	p.log.Warnf("error decrypting %s: %s", env, err)

	id, inserted, err := p.insertPlaceholder(ce.Sender, env, ce.Kind.String(), nil)
	if err != nil || !inserted {
		return nil, err
	}
	if (ce.Kind == cipher.NoSession || ce.Kind == cipher.InvalidMessageStructure) && !ce.Sender.ID.IsZero() {
		if err := p.effects.ScheduleDecryptionError(ce.Sender, env.Timestamp); err != nil {
			return nil, err
		}
	}
	return []interface{}{&PlaceholderInserted{ID: id, Sender: ce.Sender, Timestamp: env.Timestamp, Kind: ce.Kind.String(), NewKey: ce.NewKey}}, nil
}

func (p *Pipeline) decodeFailed(env *envelope.Envelope, meta content.Metadata, err error) ([]interface{}, error) {
	var kind string
	var groupID *ids.ID
	var uv *content.UnsupportedVersionError
	switch {
	case errors.As(err, &uv):
		kind = "unsupported_version"
		if uv.Group != nil {
			id := uv.Group.ID()
			groupID = &id
		}
	case errors.Is(err, content.ErrInvalidMessageStructure):
		kind = "invalid_content"
	default:
		return nil, err
	}
	p.log.Warnf("error decoding %s: %s", env, err)
	sender := meta.SenderAddress()
	id, inserted, err := p.insertPlaceholder(sender, env, kind, groupID)
	if err != nil || !inserted {
		return nil, err
	}
	return []interface{}{&PlaceholderInserted{ID: id, Sender: sender, Timestamp: env.Timestamp, Kind: kind}}, nil
}

// insertPlaceholder reports false when a redelivered envelope already left its placeholder.
func (p *Pipeline) insertPlaceholder(sender ids.Address, env *envelope.Envelope, kind string, groupID *ids.ID) (int64, bool, error) {
	r := &store.IncomingRecord{
		SenderDevice:    sender.Device,
		Timestamp:       env.Timestamp,
		ServerTimestamp: env.ServerReceivedTimestamp,
		Unidentified:    env.IsUnidentifiedSender(),
		FailureKind:     kind,
	}
	if !sender.ID.IsZero() {
		r.Sender = sender.ID[:]
	}
	if groupID != nil {
		r.GroupID = groupID[:]
	}
	id, inserted, err := p.store.InsertPlaceholder(r)
	if err != nil || !inserted {
		return id, inserted, err
	}
	p.metrics.PlaceholderInserted(kind)
	return id, true, nil
}
