package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport/poll"
)

type transcriptPayload struct {
	MessageID int64 `bencode:"m"`
}

// sendOne delivers c to every device of one identity and turns the outcome into a job result. Identity mismatches
// are not worth retrying for these auxiliary messages and are dropped.
func (m *Manager) sendOne(ctx context.Context, to ids.ID, timestamp uint64, c content.Content, urgent bool) error {
	encoded, err := content.Encode(c)
	if err != nil {
		return err
	}
	outcomes := m.fanout.Send(ctx, &Fanout{
		Timestamp:    timestamp,
		Content:      encoded,
		Destinations: []ids.ID{to},
		Urgent:       urgent,
	})
	switch o := outcomes[to].(type) {
	case *NetworkFailure:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return jobs.RetryLater(o.Err, o.RetryAfter)
	case *IdentityMismatch:
		m.log.Infof("dropping %s for %s, identity changed", content.Name(c), to)
	case *Unregistered:
		m.log.Infof("dropping %s for unregistered %s", content.Name(c), to)
	}
	return nil
}

func logFailure(m *Manager, job *jobs.Job, err error) error {
	m.log.Warnf("giving up on %s job %s: %s", job.Kind, job.ID, err)
	return nil
}

// sentTranscriptRunner tells this identity's other devices about a message once it is sent.
type sentTranscriptRunner struct {
	m *Manager
}

func (r *sentTranscriptRunner) Run(ctx context.Context, job *jobs.Job) error {
	m := r.m
	p := &transcriptPayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	var rec *store.OutgoingMessageRecord
	if err := m.db.RunReadOnly("transcript load", func() error {
		var err error
		rec, err = m.store.GetOutgoing(p.MessageID)
		return err
	}); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	msg, err := m.decodeStored(rec)
	if err != nil {
		return err
	}
	sent := &content.SentTranscript{
		Destination:              recipientID(rec),
		Timestamp:                rec.Timestamp,
		Message:                  msg,
		ExpirationStartTimestamp: rec.ExpireStartedMs,
	}
	for _, rs := range rec.Recipients {
		sent.UnidentifiedStatus = append(sent.UnidentifiedStatus, content.UnidentifiedStatus{Destination: rs.Address.ID, Unidentified: rs.Unidentified})
	}
	return m.sendOne(ctx, m.config.LocalID, rec.Timestamp, &content.SyncMessage{Sent: sent}, false)
}

func (r *sentTranscriptRunner) OnFailure(job *jobs.Job, err error) error {
	return logFailure(r.m, job, err)
}

type receiptRunner struct {
	m *Manager
}

func (r *receiptRunner) Run(ctx context.Context, job *jobs.Job) error {
	p := &receiptPayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	to, err := p.To.address()
	if err != nil {
		return err
	}
	receipt := &content.ReceiptMessage{Type: content.ReceiptDelivery, Timestamps: p.Timestamps}
	return r.m.sendOne(ctx, to.ID, r.m.clock.CurrentTimeMs(), receipt, false)
}

func (r *receiptRunner) OnFailure(job *jobs.Job, err error) error {
	return logFailure(r.m, job, err)
}

// profileRunner fetches a profile and stores it decrypted under the known profile key.
type profileRunner struct {
	m *Manager
}

func (r *profileRunner) Run(ctx context.Context, job *jobs.Job) error {
	m := r.m
	p := &profilePayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	id, err := ids.ParseID(p.ID)
	if err != nil {
		return err
	}
	fetched, err := m.transport.FetchProfile(ctx, id)
	if errors.Is(err, poll.ErrUnregistered) {
		m.log.Infof("no profile for unregistered %s", id)
		return nil
	}
	if err != nil {
		var se *poll.StatusError
		if errors.As(err, &se) {
			return jobs.RetryLater(err, se.RetryAfter)
		}
		return jobs.RetryLater(err, 0)
	}

	return m.db.Run("profile refresh", func() error {
		existing, err := m.store.Profile(id)
		if err != nil {
			return err
		}
		profile := &store.Profile{IdentityID: id[:], FetchedMs: m.clock.CurrentTimeMs()}
		if existing != nil {
			profile.ProfileKey = existing.ProfileKey
		}
		if len(profile.ProfileKey) == 0 {
			profile.ProfileKey = fetched.ProfileKey
		}
		if len(profile.ProfileKey) != 0 {
			if profile.Name, err = openProfileField(profile.ProfileKey, fetched.Name); err != nil {
				m.log.Warnf("undecryptable profile name for %s: %s", id, err)
			}
			if profile.About, err = openProfileField(profile.ProfileKey, fetched.About); err != nil {
				m.log.Warnf("undecryptable profile about for %s: %s", id, err)
			}
		}
		return m.store.UpsertProfile(profile)
	})
}

func (r *profileRunner) OnFailure(job *jobs.Job, err error) error {
	return logFailure(r.m, job, err)
}

func openProfileField(key, enc []byte) (string, error) {
	if len(enc) == 0 {
		return "", nil
	}
	b, err := crypto.Open(key, enc, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SealProfileField encrypts a profile field the way profileRunner expects to find it.
func SealProfileField(key []byte, value string) ([]byte, error) {
	return crypto.Seal(key, []byte(value), nil)
}

// prekeyRunner tops up the one-time prekeys the service hands out for this device. A generated batch which failed to
// upload is kept and uploaded by the next run instead of generating another.
type prekeyRunner struct {
	m *Manager
}

func (r *prekeyRunner) Run(ctx context.Context, job *jobs.Job) error {
	m := r.m
	m.prekeyLock.Lock()
	defer m.prekeyLock.Unlock()

	if m.unuploaded == nil {
		var upload *cipher.PrekeyUpload
		if err := m.db.Run("prekey refill", func() error {
			n, err := m.cipher.PrekeyCount()
			if err != nil {
				return err
			}
			if n >= m.config.PrekeyMinimum {
				m.log.Debugf("%d prekeys left, not refilling", n)
				return nil
			}
			upload, err = m.cipher.GeneratePrekeys(m.config.PrekeyBatchSize)
			return err
		}); err != nil {
			return err
		}
		if upload == nil {
			return nil
		}
		m.unuploaded = upload
	}

	if err := m.transport.UploadPrekeys(ctx, m.unuploaded); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return jobs.RetryLater(fmt.Errorf("send: uploading prekeys: %w", err), 0)
	}
	m.log.Infof("uploaded %d prekeys", len(m.unuploaded.Prekeys))
	m.unuploaded = nil
	return nil
}

func (r *prekeyRunner) OnFailure(job *jobs.Job, err error) error {
	return logFailure(r.m, job, err)
}

// decryptionErrorRunner asks the sender of an undecryptable message to send it again.
type decryptionErrorRunner struct {
	m *Manager
}

func (r *decryptionErrorRunner) Run(ctx context.Context, job *jobs.Job) error {
	p := &decryptionErrorPayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	to, err := p.To.address()
	if err != nil {
		return err
	}
	msg := &content.DecryptionErrorMessage{Timestamp: p.Timestamp, DeviceID: r.m.config.LocalDevice}
	return r.m.sendOne(ctx, to.ID, r.m.clock.CurrentTimeMs(), msg, false)
}

func (r *decryptionErrorRunner) OnFailure(job *jobs.Job, err error) error {
	return logFailure(r.m, job, err)
}
