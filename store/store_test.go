package store

import (
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) *Store {
	d := test.NewTestDatabase(config.NewConfig())
	var s *Store
	require.Nil(t, d.Lock("test store", func() error {
		var err error
		s, err = New(d, test.NewClock(time.UnixMilli(1700000000000)))
		return err
	}))
	return s
}

func TestInsertIncomingIsIdempotent(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	sender := ids.NewID()

	require.Nil(s.Run("insert", func() error {
		id, inserted, err := s.InsertIncoming(&IncomingRecord{Sender: sender[:], SenderDevice: 1, Timestamp: 10, Body: "hi"})
		require.Nil(err)
		require.True(inserted)

		again, inserted, err := s.InsertIncoming(&IncomingRecord{Sender: sender[:], SenderDevice: 1, Timestamp: 10, Body: "hi"})
		require.Nil(err)
		require.False(inserted)
		require.Equal(id, again)

		_, inserted, err = s.InsertIncoming(&IncomingRecord{Sender: sender[:], SenderDevice: 2, Timestamp: 10, Body: "hi"})
		require.Nil(err)
		require.True(inserted)

		pid, inserted, err := s.InsertPlaceholder(&IncomingRecord{Sender: sender[:], SenderDevice: 1, Timestamp: 10, FailureKind: "no_session"})
		require.Nil(err)
		require.True(inserted)
		again, inserted, err = s.InsertPlaceholder(&IncomingRecord{Sender: sender[:], SenderDevice: 1, Timestamp: 10, FailureKind: "no_session"})
		require.Nil(err)
		require.False(inserted)
		require.Equal(pid, again)
		_, _, err = s.InsertPlaceholder(&IncomingRecord{Timestamp: 10})
		require.NotNil(err)

		msgs, err := s.Messages()
		require.Nil(err)
		require.Len(msgs, 3)
		require.True(msgs[2].IsPlaceholder())
		require.Equal(uint64(1700000000000), msgs[0].ReceivedMs)
		return nil
	}))
}

func TestReadAndRemoteDelete(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	sender := ids.NewID()

	require.Nil(s.Run("read", func() error {
		id, _, err := s.InsertIncoming(&IncomingRecord{Sender: sender[:], SenderDevice: 1, Timestamp: 10, Body: "hi", Content: []byte{1}})
		require.Nil(err)

		ok, err := s.MarkRead(sender, 10, 55)
		require.Nil(err)
		require.True(ok)
		ok, err = s.MarkRead(sender, 11, 55)
		require.Nil(err)
		require.False(ok)

		ok, err = s.MarkRemoteDeleted(sender, 10)
		require.Nil(err)
		require.True(ok)
		m, err := s.Message(id)
		require.Nil(err)
		require.True(m.RemoteDeleted)
		require.Equal("", m.Body)
		require.Nil(m.Content)
		require.Equal(uint64(55), m.ReadMs)
		return nil
	}))
}

func TestOutgoingBookkeeping(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	a := ids.Address{ID: ids.NewID(), Device: 1}
	b := ids.Address{ID: ids.NewID(), Device: 1}
	groupID := ids.NewID()

	require.Nil(s.Run("outgoing", func() error {
		id, err := s.InsertOutgoing(&OutgoingMessageRecord{GroupID: groupID[:], Timestamp: 99, Content: []byte("c"), State: OutgoingPending})
		require.Nil(err)

		require.Nil(s.MarkSending(id))
		require.Nil(s.AddNetworkFailure(id, b))
		require.Nil(s.AddNetworkFailure(id, b))
		require.Nil(s.AddIdentityMismatch(id, a, []byte("old")))
		require.Nil(s.AddIdentityMismatch(id, a, []byte("new")))
		require.Nil(s.SetRecipientStatus(id, a, true))
		require.Nil(s.MarkPartiallyFailed(id))

		r, err := s.GetOutgoing(id)
		require.Nil(err)
		require.Equal(OutgoingPartiallyFailed, r.State)
		require.Equal([]ids.Address{b}, r.NetworkFailures)
		require.Len(r.IdentityMismatches, 1)
		require.Equal([]byte("new"), r.IdentityMismatches[0].Key)
		require.True(r.HasMismatch(a))
		require.True(r.HasMismatchFor(a.ID))
		require.False(r.HasMismatch(b))
		require.Len(r.Recipients, 1)
		require.True(r.Recipients[0].Unidentified)

		require.Nil(s.RemoveNetworkFailure(id, b))
		require.Nil(s.RemoveIdentityMismatch(id, a))
		require.Nil(s.MarkSent(id))
		r, err = s.GetOutgoing(id)
		require.Nil(err)
		require.Equal(OutgoingSent, r.State)
		require.True(r.State.Terminal())
		require.Empty(r.NetworkFailures)
		require.Empty(r.IdentityMismatches)

		missing, err := s.GetOutgoing(id + 100)
		require.Nil(err)
		require.Nil(missing)
		require.NotNil(s.MarkFailed(id + 100))
		return nil
	}))
}

func TestReceiptCounters(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	peer := ids.Address{ID: ids.NewID(), Device: 3}
	stranger := ids.NewID()

	require.Nil(s.Run("receipts", func() error {
		id, err := s.InsertOutgoing(&OutgoingMessageRecord{
			Recipient:  peer.ID[:],
			Timestamp:  500,
			Content:    []byte("c"),
			State:      OutgoingSent,
			Recipients: []RecipientStatus{{Address: peer}},
		})
		require.Nil(err)

		n, err := s.IncrementDeliveryReceipts(peer.ID, 500)
		require.Nil(err)
		require.Equal(int64(1), n)
		n, err = s.IncrementReadReceipts(peer.ID, 500)
		require.Nil(err)
		require.Equal(int64(1), n)
		n, err = s.IncrementDeliveryReceipts(stranger, 500)
		require.Nil(err)
		require.Equal(int64(0), n)
		n, err = s.IncrementDeliveryReceipts(peer.ID, 501)
		require.Nil(err)
		require.Equal(int64(0), n)

		r, err := s.GetOutgoing(id)
		require.Nil(err)
		require.Equal(uint32(1), r.DeliveryReceipts)
		require.Equal(uint32(1), r.ReadReceipts)
		require.NotZero(r.Recipients[0].DeliveredMs)

		byTs, err := s.OutgoingByTimestamp(500)
		require.Nil(err)
		require.Equal(id, byTs.ID)
		return nil
	}))
}

func TestExpiration(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	peer := ids.NewID()

	require.Nil(s.Run("expiration", func() error {
		id, err := s.InsertOutgoing(&OutgoingMessageRecord{Recipient: peer[:], Timestamp: 1, Content: []byte("c"), ExpiresInSec: 30})
		require.Nil(err)
		require.Nil(s.StartExpiration(id, 1000))
		require.Nil(s.StartExpiration(id, 2000))
		r, err := s.GetOutgoing(id)
		require.Nil(err)
		require.Equal(uint64(1000), r.ExpireStartedMs)

		require.Nil(s.SetExpirationTimer(peer[:], 60))
		require.Nil(s.SetExpirationTimer(peer[:], 120))
		seconds, err := s.ExpirationTimer(peer[:])
		require.Nil(err)
		require.Equal(uint32(120), seconds)
		return nil
	}))
}

func TestPendingEnvelopesKeepOrder(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("pending", func() error {
		for i := byte(0); i < 5; i++ {
			_, err := s.EnqueuePending([]byte{i})
			require.Nil(err)
		}
		ps, err := s.PendingEnvelopes(3)
		require.Nil(err)
		require.Len(ps, 3)
		for i, p := range ps {
			require.Equal([]byte{byte(i)}, p.Envelope)
		}
		require.Nil(s.DeletePending(ps[0].ID))
		n, err := s.PendingCount()
		require.Nil(err)
		require.Equal(4, n)
		return nil
	}))
}

func TestGroupsProfilesReactions(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	groupID := ids.NewID()
	a, b := ids.NewID(), ids.NewID()

	require.Nil(s.Run("groups", func() error {
		require.Nil(s.UpsertGroup(&Group{ID: groupID[:], MasterKey: make([]byte, 32), Revision: 4}))
		require.Nil(s.UpsertGroup(&Group{ID: groupID[:], MasterKey: make([]byte, 32), Revision: 2}))
		g, err := s.Group(groupID[:])
		require.Nil(err)
		require.Equal(uint32(4), g.Revision)

		require.Nil(s.SetGroupMembers(groupID[:], []ids.ID{a, b}))
		require.Nil(s.SetGroupMembers(groupID[:], []ids.ID{b}))
		members, err := s.GroupMembers(groupID[:])
		require.Nil(err)
		require.Equal([]ids.ID{b}, members)

		require.Nil(s.UpsertProfile(&Profile{IdentityID: a[:], ProfileKey: []byte("k1")}))
		require.Nil(s.UpsertProfile(&Profile{IdentityID: a[:], Name: "alice", FetchedMs: 10}))
		p, err := s.Profile(a)
		require.Nil(err)
		require.Equal([]byte("k1"), p.ProfileKey)
		require.Equal("alice", p.Name)

		r := &Reaction{TargetAuthor: b[:], TargetTimestamp: 7, Sender: a[:], Emoji: "x"}
		require.Nil(s.UpsertReaction(r))
		r.Emoji = "y"
		require.Nil(s.UpsertReaction(r))
		rs, err := s.Reactions(b[:], 7)
		require.Nil(err)
		require.Len(rs, 1)
		require.Equal("y", rs[0].Emoji)
		require.Nil(s.RemoveReaction(r))
		rs, err = s.Reactions(b[:], 7)
		require.Nil(err)
		require.Empty(rs)
		return nil
	}))
}
