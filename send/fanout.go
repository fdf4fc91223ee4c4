package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport/poll"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sessions are adjusted this many times for one destination before its mismatch counts as a network failure
const maxDeviceRetries = 3

// Outcome is the result of sending to one destination.
type Outcome interface {
	outcome()
}

type Success struct {
	Unidentified bool
}

// NetworkFailure is retried. RetryAfter is set when the service asked for a pause.
type NetworkFailure struct {
	Err        error
	RetryAfter time.Duration
}

// IdentityMismatch needs the user to accept Key before the destination is sent to again.
type IdentityMismatch struct {
	Key []byte
}

type Unregistered struct{}

func (*Success) outcome()          {}
func (*NetworkFailure) outcome()   {}
func (*IdentityMismatch) outcome() {}
func (*Unregistered) outcome()     {}

// Fanout is one encoded content to deliver to a set of identities. Group is set for group messages.
type Fanout struct {
	Timestamp    uint64
	Content      []byte
	Destinations []ids.ID
	Group        *store.Group
	Urgent       bool
}

// FanoutStrategy delivers a Fanout and reports exactly one Outcome per destination. It is called outside any
// transaction.
type FanoutStrategy interface {
	Send(ctx context.Context, f *Fanout) map[ids.ID]Outcome
}

func outcomeFor(err error) Outcome {
	var ce *cipher.Error
	var se *poll.StatusError
	switch {
	case errors.As(err, &ce) && ce.Kind == cipher.UntrustedIdentity:
		return &IdentityMismatch{Key: ce.NewKey}
	case errors.Is(err, poll.ErrUnregistered):
		return &Unregistered{}
	case errors.As(err, &se):
		return &NetworkFailure{Err: err, RetryAfter: se.RetryAfter}
	default:
		return &NetworkFailure{Err: err}
	}
}

// PerRecipientFanout encrypts a copy for every device of every destination and sends one batch per destination.
type PerRecipientFanout struct {
	log         *zap.SugaredLogger
	config      *config.Config
	db          *db.Database
	store       *store.Store
	cipher      Cipher
	transport   Transport
	concurrency int
}

func NewPerRecipientFanout(c *config.Config, d *db.Database, s *store.Store, ci Cipher, t Transport) *PerRecipientFanout {
	concurrency := c.JobWorkers
	if concurrency < 1 {
		concurrency = 1
	}
	return &PerRecipientFanout{
		log:         c.Logger("send/fanout"),
		config:      c,
		db:          d,
		store:       s,
		cipher:      ci,
		transport:   t,
		concurrency: concurrency,
	}
}

func (f *PerRecipientFanout) Send(ctx context.Context, fo *Fanout) map[ids.ID]Outcome {
	var lock sync.Mutex
	outcomes := make(map[ids.ID]Outcome, len(fo.Destinations))
	g := &errgroup.Group{}
	g.SetLimit(f.concurrency)
	for _, id := range fo.Destinations {
		id := id
		g.Go(func() error {
			o := f.sendTo(ctx, id, fo)
			lock.Lock()
			outcomes[id] = o
			lock.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (f *PerRecipientFanout) sendTo(ctx context.Context, id ids.ID, fo *Fanout) Outcome {
	sealed, err := f.sealed(id)
	if err != nil {
		return outcomeFor(err)
	}
	for attempt := 0; ; attempt++ {
		devices, err := f.devices(ctx, id)
		if err != nil {
			return outcomeFor(err)
		}
		batch := &poll.OutgoingBatch{Destination: id, Timestamp: fo.Timestamp, Urgent: fo.Urgent}
		for _, device := range devices {
			env, err := f.cipher.Encrypt(ctx, ids.Address{ID: id, Device: device}, fo.Content, cipher.EncryptOptions{Timestamp: fo.Timestamp, Sealed: sealed})
			if err != nil {
				return outcomeFor(err)
			}
			batch.Messages = append(batch.Messages, &poll.OutgoingMessage{Type: env.Type, DestinationDevice: device, Content: env.Content})
		}
		if len(batch.Messages) == 0 {
			f.log.Debugf("no devices to send to for %s", id)
			return &Success{}
		}

		_, err = f.transport.Send(ctx, batch)
		if err == nil {
			return &Success{Unidentified: sealed}
		}
		if attempt >= maxDeviceRetries {
			return outcomeFor(err)
		}
		var mismatched *poll.MismatchedDevicesError
		var stale *poll.StaleDevicesError
		switch {
		case errors.As(err, &mismatched):
			f.log.Debugf("device mismatch for %s: %s", id, err)
			err = f.adjustDevices(ctx, id, mismatched.Missing, mismatched.Extra)
		case errors.As(err, &stale):
			f.log.Debugf("stale devices for %s: %s", id, err)
			err = f.adjustDevices(ctx, id, stale.Stale, stale.Stale)
		default:
			return outcomeFor(err)
		}
		if err != nil {
			return outcomeFor(err)
		}
	}
}

// sealed hides the sender whenever the recipient's profile key is known, which is what the service accepts as proof
// of contact.
func (f *PerRecipientFanout) sealed(id ids.ID) (bool, error) {
	if id == f.config.LocalID {
		return false, nil
	}
	var sealed bool
	err := f.db.RunReadOnly("send sealed lookup", func() error {
		p, err := f.store.Profile(id)
		if err != nil {
			return err
		}
		sealed = p != nil && len(p.ProfileKey) != 0
		return nil
	})
	return sealed, err
}

// devices lists the devices of id to encrypt for, starting sessions from the service's prekeys when there are none
// yet. The local device is never included.
func (f *PerRecipientFanout) devices(ctx context.Context, id ids.ID) ([]uint32, error) {
	var devices []uint32
	list := func() error {
		return f.db.Run("send devices", func() error {
			var err error
			devices, err = f.cipher.Devices(id)
			return err
		})
	}
	if err := list(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		bundles, err := f.transport.FetchPrekeys(ctx, id, 0)
		if err != nil {
			return nil, fmt.Errorf("send: fetching prekeys for %s: %w", id, err)
		}
		if err := f.processBundles(id, bundles); err != nil {
			return nil, err
		}
		if err := list(); err != nil {
			return nil, err
		}
	}
	local := f.config.LocalAddress()
	out := devices[:0]
	for _, d := range devices {
		if (ids.Address{ID: id, Device: d}) != local {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *PerRecipientFanout) processBundles(id ids.ID, bundles []*cipher.PrekeyBundle) error {
	local := f.config.LocalAddress()
	kept := make([]*cipher.PrekeyBundle, 0, len(bundles))
	for _, b := range bundles {
		if (ids.Address{ID: id, Device: b.Device}) != local {
			kept = append(kept, b)
		}
	}
	return f.db.Run("send process bundles", func() error {
		return f.cipher.ProcessBundles(id, kept)
	})
}

// adjustDevices drops the sessions with extra devices and starts sessions with missing ones.
func (f *PerRecipientFanout) adjustDevices(ctx context.Context, id ids.ID, missing, extra []uint32) error {
	if len(extra) != 0 {
		if err := f.db.Run("send drop devices", func() error {
			for _, d := range extra {
				if err := f.cipher.DeleteSession(ids.Address{ID: id, Device: d}); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	for _, d := range missing {
		bundles, err := f.transport.FetchPrekeys(ctx, id, d)
		if err != nil {
			return fmt.Errorf("send: fetching prekeys for %s.%d: %w", id, d, err)
		}
		if err := f.processBundles(id, bundles); err != nil {
			return err
		}
	}
	return nil
}
