package send

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport/poll"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// fakeService stands in for the message service: it hands out prekeys, checks batches against registered devices
// and records everything sent to it.
type fakeService struct {
	lock          sync.Mutex
	keys          map[ids.Address]*cipher.PrekeyUpload
	exclude       map[ids.Address]bool
	fetches       int
	batches       []*poll.OutgoingBatch
	failures      map[ids.ID]error
	stale         map[ids.ID][]uint32
	profiles      map[ids.ID]*poll.Profile
	blobs         [][]byte
	prekeyUploads []*cipher.PrekeyUpload
	uploadErr     error
	// uploads block until cancelled once this is set
	uploadStarted chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		keys:     map[ids.Address]*cipher.PrekeyUpload{},
		exclude:  map[ids.Address]bool{},
		failures: map[ids.ID]error{},
		stale:    map[ids.ID][]uint32{},
		profiles: map[ids.ID]*poll.Profile{},
	}
}

func (s *fakeService) publish(addr ids.Address, u *cipher.PrekeyUpload) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[addr] = u
}

func (s *fakeService) fail(id ids.ID, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err == nil {
		delete(s.failures, id)
		return
	}
	s.failures[id] = err
}

func (s *fakeService) registered(id ids.ID) []uint32 {
	var devices []uint32
	for addr := range s.keys {
		if addr.ID == id {
			devices = append(devices, addr.Device)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices
}

func (s *fakeService) FetchPrekeys(ctx context.Context, id ids.ID, device uint32) ([]*cipher.PrekeyBundle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fetches++
	var bundles []*cipher.PrekeyBundle
	for _, d := range s.registered(id) {
		if device != 0 && d != device {
			continue
		}
		u := s.keys[ids.Address{ID: id, Device: d}]
		if len(u.Prekeys) == 0 {
			continue
		}
		pk := u.Prekeys[0]
		u.Prekeys = u.Prekeys[1:]
		bundles = append(bundles, &cipher.PrekeyBundle{Device: d, IdentityKey: u.IdentityKey, PrekeyID: pk.ID, Prekey: pk.Key})
	}
	if len(bundles) == 0 {
		return nil, poll.ErrUnregistered
	}
	return bundles, nil
}

func (s *fakeService) Send(ctx context.Context, batch *poll.OutgoingBatch) (*poll.SendResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.failures[batch.Destination]; err != nil {
		return nil, err
	}
	if stale, ok := s.stale[batch.Destination]; ok {
		delete(s.stale, batch.Destination)
		return nil, &poll.StaleDevicesError{Stale: stale}
	}
	registered := s.registered(batch.Destination)
	if len(registered) == 0 {
		return nil, poll.ErrUnregistered
	}
	sent := map[uint32]bool{}
	for _, m := range batch.Messages {
		sent[m.DestinationDevice] = true
	}
	mismatch := &poll.MismatchedDevicesError{}
	for _, d := range registered {
		if !sent[d] && !s.exclude[ids.Address{ID: batch.Destination, Device: d}] {
			mismatch.Missing = append(mismatch.Missing, d)
		}
		delete(sent, d)
	}
	for d := range sent {
		mismatch.Extra = append(mismatch.Extra, d)
	}
	if len(mismatch.Missing) != 0 || len(mismatch.Extra) != 0 {
		return nil, mismatch
	}
	s.batches = append(s.batches, batch)
	return &poll.SendResult{}, nil
}

func (s *fakeService) UploadPrekeys(ctx context.Context, upload *cipher.PrekeyUpload) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.prekeyUploads = append(s.prekeyUploads, upload)
	return nil
}

func (s *fakeService) FetchProfile(ctx context.Context, id ids.ID) (*poll.Profile, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, poll.ErrUnregistered
	}
	return p, nil
}

func (s *fakeService) UploadAttachment(ctx context.Context, body []byte) (*poll.AttachmentUpload, error) {
	if s.uploadStarted != nil {
		s.uploadStarted <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.blobs = append(s.blobs, body)
	return &poll.AttachmentUpload{ID: []byte(fmt.Sprintf("blob-%d", len(s.blobs)))}, nil
}

func (s *fakeService) sentTo(id ids.ID) []*poll.OutgoingBatch {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*poll.OutgoingBatch
	for _, b := range s.batches {
		if b.Destination == id {
			out = append(out, b)
		}
	}
	return out
}

type party struct {
	addr        ids.Address
	config      *config.Config
	db          *db.Database
	clock       *test.Clock
	store       *store.Store
	queue       *jobs.Queue
	cipher      *cipher.Manager
	send        *Manager
	identityKey []byte
	ran         map[string]bool
}

func newParty(t *testing.T, svc *fakeService, addr ids.Address, opts ...config.Option) *party {
	require := require.New(t)
	c := config.NewConfig(append([]config.Option{
		config.WithLocalAddress(addr.ID, addr.Device),
		config.WithPrekeyLimits(2, 5),
		config.WithJobWorkers(2),
	}, opts...)...)
	p := &party{addr: addr, config: c, db: test.NewTestDatabase(c), clock: test.NewClock(time.UnixMilli(1700000000000)), ran: map[string]bool{}}
	require.Nil(p.db.Lock("test setup", func() error {
		var err error
		if p.store, err = store.New(p.db, p.clock); err != nil {
			return err
		}
		if p.queue, err = jobs.NewQueue(c, p.db, p.clock, nil, nil); err != nil {
			return err
		}
		p.cipher, err = cipher.NewManager(c, p.db, p.clock, svc)
		return err
	}))
	upload, err := p.cipher.Initialize()
	require.Nil(err)
	p.identityKey = upload.IdentityKey
	svc.publish(addr, upload)
	p.send = NewManager(c, p.db, p.clock, p.store, p.queue, p.cipher, svc, nil)
	return p
}

func (p *party) runner(kind string) jobs.Runner {
	switch kind {
	case KindDelivery:
		return &deliveryRunner{p.send}
	case KindSentTranscript:
		return &sentTranscriptRunner{p.send}
	case KindDeliveryReceipt:
		return &receiptRunner{p.send}
	case KindProfileRefresh:
		return &profileRunner{p.send}
	case KindPrekeyRefill:
		return &prekeyRunner{p.send}
	default:
		return &decryptionErrorRunner{p.send}
	}
}

func (p *party) jobs(t *testing.T, kind string) []*jobs.Job {
	var out []*jobs.Job
	require.Nil(t, p.db.RunReadOnly("test jobs", func() error {
		all, err := p.queue.Jobs()
		for _, j := range all {
			if j.Kind == kind {
				out = append(out, j)
			}
		}
		return err
	}))
	return out
}

func (p *party) runJob(job *jobs.Job) error {
	return p.runner(job.Kind).Run(context.Background(), job)
}

// runNew runs every job of kind that has not been run yet and returns the last error.
func (p *party) runNew(t *testing.T, kind string) error {
	var last error
	n := 0
	for _, j := range p.jobs(t, kind) {
		if p.ran[j.ID] {
			continue
		}
		p.ran[j.ID] = true
		n++
		last = p.runJob(j)
	}
	require.NotZero(t, n, "no %s job to run", kind)
	return last
}

func (p *party) outgoing(t *testing.T, id int64) *store.OutgoingMessageRecord {
	var rec *store.OutgoingMessageRecord
	require.Nil(t, p.db.RunReadOnly("test outgoing", func() error {
		var err error
		rec, err = p.store.GetOutgoing(id)
		return err
	}))
	require.NotNil(t, rec)
	return rec
}

func (p *party) sendText(t *testing.T, to ids.ID, body string) int64 {
	id, err := p.send.Send(context.Background(), &OutgoingRequest{To: &to, Message: &content.DataMessage{Body: &body}})
	require.Nil(t, err)
	return id
}

// open decrypts and decodes this party's copies in batch.
func (p *party) open(t *testing.T, from ids.Address, batch *poll.OutgoingBatch) []*content.Decoded {
	var out []*content.Decoded
	decoder := content.NewDecoder(p.config)
	for _, m := range batch.Messages {
		if m.DestinationDevice != p.addr.Device {
			continue
		}
		env := &envelope.Envelope{Type: m.Type, Timestamp: batch.Timestamp, Content: m.Content}
		if m.Type != envelope.TypeUnidentifiedSender {
			env.Source = &from.ID
			env.SourceDevice = from.Device
		}
		var pt *cipher.Plaintext
		require.Nil(t, p.db.Run("test decrypt", func() error {
			var err error
			pt, err = p.cipher.Decrypt(env)
			return err
		}))
		d, err := decoder.Decode(pt.Body, content.Metadata{Sender: pt.Sender, SenderDevice: pt.SenderDevice, Timestamp: batch.Timestamp}, nil)
		require.Nil(t, err)
		out = append(out, d)
	}
	return out
}

func (p *party) createGroup(t *testing.T, masterKey byte, members ...ids.ID) *content.GroupContext {
	gc := &content.GroupContext{MasterKey: [32]byte{masterKey}, Revision: 1}
	id := gc.ID()
	require.Nil(t, p.db.Run("test group", func() error {
		if err := p.store.UpsertGroup(&store.Group{ID: id[:], MasterKey: gc.MasterKey[:], Revision: 1}); err != nil {
			return err
		}
		return p.store.SetGroupMembers(id[:], members)
	}))
	return gc
}

func newAddr(device uint32) ids.Address {
	return ids.Address{ID: ids.NewID(), Device: device}
}

func nextState(t *testing.T, m *Manager) *MessageStateChanged {
	select {
	case u := <-m.Updates():
		return u.(*MessageStateChanged)
	case <-time.After(time.Second):
		t.Fatal("no update")
		return nil
	}
}

func TestSendTextDelivers(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	id := alice.sendText(t, bob.addr.ID, "hello")
	require.Equal(store.OutgoingPending, alice.outgoing(t, id).State)
	queued := alice.jobs(t, KindDelivery)
	require.Len(queued, 1)
	require.Equal(conversationKey(bob.addr.ID[:]), queued[0].QueueKey)

	require.Nil(alice.runNew(t, KindDelivery))
	require.Equal(1, svc.fetches)
	batches := svc.sentTo(bob.addr.ID)
	require.Len(batches, 1)
	require.Len(batches[0].Messages, 1)
	require.Equal(envelope.TypePrekeyBundle, batches[0].Messages[0].Type)

	rec := alice.outgoing(t, id)
	require.Equal(store.OutgoingSent, rec.State)
	require.Len(rec.Recipients, 1)
	require.Equal(bob.addr.ID, rec.Recipients[0].Address.ID)
	require.NotZero(rec.Recipients[0].SentMs)
	require.False(rec.Recipients[0].Unidentified)
	require.Empty(alice.jobs(t, KindSentTranscript))
	require.Equal(&MessageStateChanged{ID: id, State: store.OutgoingSent}, nextState(t, alice.send))

	decoded := bob.open(t, alice.addr, batches[0])
	require.Len(decoded, 1)
	dm := decoded[0].Content.(*content.DataMessage)
	require.Equal("hello", *dm.Body)
	require.Equal(rec.Timestamp, dm.Timestamp)

	// a second delivery of a sent message is a no-op
	require.Nil(alice.send.Resend(id, nil))
	require.Nil(alice.runNew(t, KindDelivery))
	require.Len(svc.sentTo(bob.addr.ID), 1)
}

func TestSentTranscriptGoesToOtherDevices(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1), config.WithMultiDevice(true))
	alice2 := newParty(t, svc, ids.Address{ID: alice.addr.ID, Device: 2})
	svc.exclude[alice.addr] = true
	bob := newParty(t, svc, newAddr(1))

	id := alice.sendText(t, bob.addr.ID, "copy me")
	require.Nil(alice.runNew(t, KindDelivery))
	require.Len(alice.jobs(t, KindSentTranscript), 1)
	require.Nil(alice.runNew(t, KindSentTranscript))

	batches := svc.sentTo(alice.addr.ID)
	require.Len(batches, 1)
	require.Len(batches[0].Messages, 1)
	require.Equal(uint32(2), batches[0].Messages[0].DestinationDevice)

	decoded := alice2.open(t, alice.addr, batches[0])
	require.Len(decoded, 1)
	sync := decoded[0].Content.(*content.SyncMessage)
	require.NotNil(sync.Sent)
	require.Equal(bob.addr.ID, *sync.Sent.Destination)
	require.Equal(alice.outgoing(t, id).Timestamp, sync.Sent.Timestamp)
	require.Equal("copy me", *sync.Sent.Message.Body)
	require.Len(sync.Sent.UnidentifiedStatus, 1)
	require.Equal(bob.addr.ID, sync.Sent.UnidentifiedStatus[0].Destination)
}

func TestPartialGroupFailureRetriesOnlyFailed(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))
	carol := newParty(t, svc, newAddr(1))
	dave := newParty(t, svc, newAddr(1))
	gc := alice.createGroup(t, 9, alice.addr.ID, bob.addr.ID, carol.addr.ID, dave.addr.ID)
	groupID := gc.ID()

	svc.fail(carol.addr.ID, &poll.StatusError{Status: 503, RetryAfter: 2 * time.Second})
	body := "hi all"
	id, err := alice.send.Send(context.Background(), &OutgoingRequest{GroupID: &groupID, Message: &content.DataMessage{Body: &body}})
	require.Nil(err)
	job := alice.jobs(t, KindDelivery)[0]
	require.Equal(conversationKey(groupID[:]), job.QueueKey)

	err = alice.runJob(job)
	var re *jobs.RetryError
	require.True(errors.As(err, &re))
	require.Equal(2*time.Second, re.After)

	rec := alice.outgoing(t, id)
	require.Equal(store.OutgoingPartiallyFailed, rec.State)
	require.Equal([]ids.Address{{ID: carol.addr.ID}}, rec.NetworkFailures)
	require.Len(rec.Recipients, 2)
	require.Len(svc.sentTo(bob.addr.ID), 1)
	require.Len(svc.sentTo(dave.addr.ID), 1)
	require.Empty(svc.sentTo(alice.addr.ID))

	svc.fail(carol.addr.ID, nil)
	require.Nil(alice.runJob(job))
	require.Len(svc.sentTo(bob.addr.ID), 1)
	require.Len(svc.sentTo(dave.addr.ID), 1)
	require.Len(svc.sentTo(carol.addr.ID), 1)

	rec = alice.outgoing(t, id)
	require.Equal(store.OutgoingSent, rec.State)
	require.Empty(rec.NetworkFailures)
	require.Len(rec.Recipients, 3)

	decoded := carol.open(t, alice.addr, svc.sentTo(carol.addr.ID)[0])
	dm := decoded[0].Content.(*content.DataMessage)
	require.Equal(groupID, dm.Group.ID())
}

func TestIdentityChangeFailsUntilTrusted(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))
	stale := bytes.Repeat([]byte{7}, 32)
	require.Nil(alice.db.Run("test trust", func() error {
		return alice.cipher.TrustIdentity(bob.addr.ID, stale)
	}))

	id := alice.sendText(t, bob.addr.ID, "are you still you?")
	err := alice.runNew(t, KindDelivery)
	require.True(errors.Is(err, ErrIdentityMismatch))
	require.Empty(svc.sentTo(bob.addr.ID))

	rec := alice.outgoing(t, id)
	require.Equal(store.OutgoingFailed, rec.State)
	require.Len(rec.IdentityMismatches, 1)
	require.Equal(bob.addr.ID, rec.IdentityMismatches[0].Address.ID)
	require.Equal(bob.identityKey, rec.IdentityMismatches[0].Key)
	require.Len(alice.jobs(t, KindProfileRefresh), 1)

	require.Nil(alice.db.Run("test accept", func() error {
		if err := alice.cipher.TrustIdentity(bob.addr.ID, bob.identityKey); err != nil {
			return err
		}
		return alice.store.ClearIdentityMismatches(bob.addr.ID)
	}))
	require.Nil(alice.send.Resend(id, nil))
	require.Nil(alice.runNew(t, KindDelivery))
	require.Equal(store.OutgoingSent, alice.outgoing(t, id).State)
	require.Len(svc.sentTo(bob.addr.ID), 1)
}

func TestUnregisteredRecipientIsSkipped(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))

	id := alice.sendText(t, ids.NewID(), "anyone there?")
	require.Nil(alice.runNew(t, KindDelivery))
	rec := alice.outgoing(t, id)
	require.Equal(store.OutgoingSent, rec.State)
	require.Empty(rec.Recipients)
	require.Empty(rec.NetworkFailures)
}

func TestStaleDevicesGetNewSessions(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	alice.sendText(t, bob.addr.ID, "first")
	require.Nil(alice.runNew(t, KindDelivery))
	require.Equal(1, svc.fetches)

	// bob reinstalled on the same device
	svc.stale[bob.addr.ID] = []uint32{1}
	id := alice.sendText(t, bob.addr.ID, "second")
	require.Nil(alice.runNew(t, KindDelivery))
	require.Equal(2, svc.fetches)
	require.Equal(store.OutgoingSent, alice.outgoing(t, id).State)

	batches := svc.sentTo(bob.addr.ID)
	require.Len(batches, 2)
	require.Len(batches[1].Messages, 1)
	require.Equal(envelope.TypePrekeyBundle, batches[1].Messages[0].Type)
}

func TestCancelStopsDelivery(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	id := alice.sendText(t, bob.addr.ID, "never mind")
	require.Nil(alice.send.Cancel(id))
	require.Equal(&MessageStateChanged{ID: id, State: store.OutgoingCancelled}, nextState(t, alice.send))

	err := alice.runNew(t, KindDelivery)
	require.True(errors.Is(err, jobs.ErrCancelled))
	require.Empty(svc.sentTo(bob.addr.ID))
	require.Equal(store.OutgoingCancelled, alice.outgoing(t, id).State)

	// cancelling a terminal message changes nothing
	require.Nil(alice.send.Cancel(id))
	require.True(errors.Is(alice.send.Cancel(12345), ErrUnknownMessage))
}

func TestAttachmentsUploadedBeforeSend(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	data := bytes.Repeat([]byte("attachment"), 10000)
	var progress [][2]uint64
	stream := &content.AttachmentStream{
		ContentType: "image/png",
		Size:        uint64(len(data)),
		Reader:      bytes.NewReader(data),
		Caption:     "a picture",
		Progress: func(transferred, total uint64) {
			progress = append(progress, [2]uint64{transferred, total})
		},
	}
	body := "look"
	to := bob.addr.ID
	id, err := alice.send.Send(context.Background(), &OutgoingRequest{To: &to, Message: &content.DataMessage{Body: &body}, Attachments: []*content.AttachmentStream{stream}})
	require.Nil(err)
	require.Equal(uint32(1), alice.outgoing(t, id).PendingAttachments)

	require.Nil(alice.runNew(t, KindDelivery))
	require.Len(svc.blobs, 1)
	require.Len(progress, 2)
	require.Equal([2]uint64{uint64(len(data)), uint64(len(data))}, progress[1])
	require.Equal(uint32(0), alice.outgoing(t, id).PendingAttachments)

	decoded := bob.open(t, alice.addr, svc.sentTo(bob.addr.ID)[0])
	dm := decoded[0].Content.(*content.DataMessage)
	require.Len(dm.Attachments, 1)
	p := dm.Attachments[0]
	require.Equal([]byte("blob-1"), p.ID)
	require.Equal("image/png", p.ContentType)
	require.Equal("a picture", p.Caption)
	require.Equal(uint64(len(data)), p.Size)
	digest := blake2b.Sum256(svc.blobs[0])
	require.Equal(digest[:], p.Digest)
	plaintext, err := crypto.Open(p.Key, svc.blobs[0], nil)
	require.Nil(err)
	require.Equal(data, plaintext)
}

func TestCancelledAttachmentCancelsMessage(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	cancel := make(chan struct{})
	close(cancel)
	to := bob.addr.ID
	id, err := alice.send.Send(context.Background(), &OutgoingRequest{To: &to, Attachments: []*content.AttachmentStream{{
		ContentType: "text/plain",
		Size:        3,
		Reader:      bytes.NewReader([]byte("abc")),
		Cancel:      cancel,
	}}})
	require.Nil(err)

	job := alice.jobs(t, KindDelivery)[0]
	err = alice.runJob(job)
	require.True(errors.Is(err, jobs.ErrCancelled))
	require.Nil(alice.db.Run("test failure", func() error {
		return alice.runner(KindDelivery).OnFailure(job, err)
	}))
	require.Equal(store.OutgoingCancelled, alice.outgoing(t, id).State)
	require.Empty(svc.blobs)
	require.Empty(svc.sentTo(bob.addr.ID))
}

func TestCancelDuringUploadAbortsIt(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	svc.uploadStarted = make(chan struct{}, 1)
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	cancel := make(chan struct{})
	to := bob.addr.ID
	id, err := alice.send.Send(context.Background(), &OutgoingRequest{To: &to, Attachments: []*content.AttachmentStream{{
		ContentType: "text/plain",
		Size:        3,
		Reader:      bytes.NewReader([]byte("abc")),
		Cancel:      cancel,
	}}})
	require.Nil(err)

	go func() {
		<-svc.uploadStarted
		close(cancel)
	}()
	job := alice.jobs(t, KindDelivery)[0]
	err = alice.runJob(job)
	require.True(errors.Is(err, jobs.ErrCancelled))
	require.Nil(alice.db.Run("test failure", func() error {
		return alice.runner(KindDelivery).OnFailure(job, err)
	}))
	require.Equal(store.OutgoingCancelled, alice.outgoing(t, id).State)
	require.Empty(svc.blobs)
	require.Empty(svc.sentTo(bob.addr.ID))
}

func TestAttachmentsLostAfterRestartFail(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	to := bob.addr.ID
	id, err := alice.send.Send(context.Background(), &OutgoingRequest{To: &to, Attachments: []*content.AttachmentStream{{
		ContentType: "text/plain",
		Size:        3,
		Reader:      bytes.NewReader([]byte("abc")),
	}}})
	require.Nil(err)
	alice.send.takeUploads(id)

	job := alice.jobs(t, KindDelivery)[0]
	err = alice.runJob(job)
	require.True(errors.Is(err, errAttachmentsLost))
	require.Nil(alice.db.Run("test failure", func() error {
		return alice.runner(KindDelivery).OnFailure(job, err)
	}))
	require.Equal(store.OutgoingFailed, alice.outgoing(t, id).State)
}

func TestReceiptRoundTrip(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	id := alice.sendText(t, bob.addr.ID, "did you get this?")
	require.Nil(alice.runNew(t, KindDelivery))
	ts := alice.outgoing(t, id).Timestamp
	bob.open(t, alice.addr, svc.sentTo(bob.addr.ID)[0])

	require.Nil(bob.db.Run("test receipt", func() error {
		return bob.send.ScheduleDeliveryReceipt(alice.addr, []uint64{ts})
	}))
	job := bob.jobs(t, KindDeliveryReceipt)[0]
	require.Equal("receipts:"+alice.addr.ID.String(), job.QueueKey)
	require.Nil(bob.runNew(t, KindDeliveryReceipt))

	batches := svc.sentTo(alice.addr.ID)
	require.Len(batches, 1)
	require.Equal(envelope.TypeCiphertext, batches[0].Messages[0].Type)
	decoded := alice.open(t, bob.addr, batches[0])
	receipt := decoded[0].Content.(*content.ReceiptMessage)
	require.Equal(content.ReceiptDelivery, receipt.Type)
	require.Equal([]uint64{ts}, receipt.Timestamps)

	require.Nil(alice.db.Run("test count", func() error {
		n, err := alice.store.IncrementDeliveryReceipts(bob.addr.ID, ts)
		require.Equal(int64(1), n)
		return err
	}))
	require.Equal(uint32(1), alice.outgoing(t, id).DeliveryReceipts)
}

func TestReceiptRetriedOnNetworkFailure(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))
	svc.fail(alice.addr.ID, poll.ErrUnavailable)

	require.Nil(bob.db.Run("test receipt", func() error {
		return bob.send.ScheduleDeliveryReceipt(alice.addr, []uint64{1})
	}))
	err := bob.runNew(t, KindDeliveryReceipt)
	var re *jobs.RetryError
	require.True(errors.As(err, &re))
	require.True(errors.Is(err, poll.ErrUnavailable))
}

func TestKnownProfileKeySealsSender(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(1))

	key, err := crypto.RandomKey()
	require.Nil(err)
	name, err := SealProfileField(key, "Bob")
	require.Nil(err)
	about, err := SealProfileField(key, "likes tests")
	require.Nil(err)
	svc.profiles[bob.addr.ID] = &poll.Profile{ID: bob.addr.ID, Name: name, About: about}

	require.Nil(alice.db.Run("test profile", func() error {
		if err := alice.store.UpsertProfile(&store.Profile{IdentityID: bob.addr.ID[:], ProfileKey: key}); err != nil {
			return err
		}
		return alice.send.ScheduleProfileRefresh(bob.addr.ID)
	}))
	require.Nil(alice.runNew(t, KindProfileRefresh))
	require.Nil(alice.db.RunReadOnly("test profile", func() error {
		p, err := alice.store.Profile(bob.addr.ID)
		require.Nil(err)
		require.Equal("Bob", p.Name)
		require.Equal("likes tests", p.About)
		require.NotZero(p.FetchedMs)
		return nil
	}))

	id := alice.sendText(t, bob.addr.ID, "sealed")
	require.Nil(alice.runNew(t, KindDelivery))
	batch := svc.sentTo(bob.addr.ID)[0]
	require.Equal(envelope.TypeUnidentifiedSender, batch.Messages[0].Type)
	require.True(alice.outgoing(t, id).Recipients[0].Unidentified)

	decoded := bob.open(t, alice.addr, batch)
	require.Equal(alice.addr.ID, *decoded[0].Metadata.Sender)
	require.Equal("sealed", *decoded[0].Content.(*content.DataMessage).Body)
}

func TestProfileOfUnregisteredIsDropped(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	require.Nil(alice.db.Run("test profile", func() error {
		return alice.send.ScheduleProfileRefresh(ids.NewID())
	}))
	require.Nil(alice.runNew(t, KindProfileRefresh))
}

func TestPrekeyRefillUploadsOnce(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1), config.WithPrekeyLimits(8, 5))

	svc.uploadErr = poll.ErrUnavailable
	require.Nil(alice.db.Run("test refill", alice.send.SchedulePrekeyRefill))
	err := alice.runNew(t, KindPrekeyRefill)
	var re *jobs.RetryError
	require.True(errors.As(err, &re))

	svc.uploadErr = nil
	require.Nil(alice.db.Run("test refill", alice.send.SchedulePrekeyRefill))
	require.Nil(alice.runNew(t, KindPrekeyRefill))
	require.Len(svc.prekeyUploads, 1)
	require.Len(svc.prekeyUploads[0].Prekeys, 5)
	require.Equal(alice.identityKey, svc.prekeyUploads[0].IdentityKey)

	require.Nil(alice.db.Run("test refill", alice.send.SchedulePrekeyRefill))
	require.Nil(alice.runNew(t, KindPrekeyRefill))
	require.Len(svc.prekeyUploads, 1)

	require.Nil(alice.db.RunReadOnly("test count", func() error {
		n, err := alice.cipher.PrekeyCount()
		require.Equal(10, n)
		return err
	}))
}

func TestDecryptionErrorNamesTheMessage(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))
	bob := newParty(t, svc, newAddr(3))

	require.Nil(bob.db.Run("test decryption error", func() error {
		return bob.send.ScheduleDecryptionError(alice.addr, 77)
	}))
	require.Nil(bob.runNew(t, KindDecryptionError))
	decoded := alice.open(t, bob.addr, svc.sentTo(alice.addr.ID)[0])
	de := decoded[0].Content.(*content.DecryptionErrorMessage)
	require.Equal(uint64(77), de.Timestamp)
	require.Equal(uint32(3), de.DeviceID)
}

func TestSendValidatesDestination(t *testing.T) {
	require := require.New(t)
	svc := newFakeService()
	alice := newParty(t, svc, newAddr(1))

	_, err := alice.send.Send(context.Background(), &OutgoingRequest{})
	require.True(errors.Is(err, ErrNoDestination))
	missing := ids.NewID()
	_, err = alice.send.Send(context.Background(), &OutgoingRequest{GroupID: &missing})
	require.True(errors.Is(err, ErrUnknownGroup))
	require.Empty(alice.jobs(t, KindDelivery))
}
