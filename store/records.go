package store

import (
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

// IncomingRecord is one received message. Placeholders share the table and carry a FailureKind.
type IncomingRecord struct {
	ID              int64  `db:"id"`
	Sender          []byte `db:"sender"`
	SenderDevice    uint32 `db:"sender_device"`
	Timestamp       uint64 `db:"timestamp"`
	ServerTimestamp uint64 `db:"server_timestamp"`
	ReceivedMs      uint64 `db:"received_ms"`
	GroupID         []byte `db:"group_id"`
	Body            string `db:"body"`
	Content         []byte `db:"content"`
	Unidentified    bool   `db:"unidentified"`
	ExpiresInSec    uint32 `db:"expires_in_sec"`
	FailureKind     string `db:"failure_kind"`
	ReadMs          uint64 `db:"read_ms"`
	RemoteDeleted   bool   `db:"remote_deleted"`
}

func (r *IncomingRecord) IsPlaceholder() bool {
	return r.FailureKind != ""
}

type OutgoingState uint8

const (
	OutgoingPending OutgoingState = iota
	OutgoingSending
	OutgoingSent
	OutgoingPartiallyFailed
	OutgoingFailed
	OutgoingCancelled
)

func (s OutgoingState) String() string {
	switch s {
	case OutgoingPending:
		return "pending"
	case OutgoingSending:
		return "sending"
	case OutgoingSent:
		return "sent"
	case OutgoingPartiallyFailed:
		return "partially_failed"
	case OutgoingFailed:
		return "failed"
	case OutgoingCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal states are never left again.
func (s OutgoingState) Terminal() bool {
	return s == OutgoingSent || s == OutgoingFailed || s == OutgoingCancelled
}

type IdentityMismatch struct {
	Address ids.Address
	Key     []byte
}

type RecipientStatus struct {
	Address      ids.Address
	Unidentified bool
	SentMs       uint64
	DeliveredMs  uint64
	ReadMs       uint64
}

// OutgoingMessageRecord is a message this device is sending, along with per destination bookkeeping.
type OutgoingMessageRecord struct {
	ID                 int64              `db:"id"`
	Recipient          []byte             `db:"recipient"`
	GroupID            []byte             `db:"group_id"`
	Timestamp          uint64             `db:"timestamp"`
	Content            []byte             `db:"content"`
	State              OutgoingState      `db:"state"`
	ExpiresInSec       uint32             `db:"expires_in_sec"`
	ExpireStartedMs    uint64             `db:"expire_started_ms"`
	PendingAttachments uint32             `db:"pending_attachments"`
	DeliveryReceipts   uint32             `db:"delivery_receipts"`
	ReadReceipts       uint32             `db:"read_receipts"`
	ViewedReceipts     uint32             `db:"viewed_receipts"`
	CtimeMs            uint64             `db:"ctime_ms"`
	NetworkFailures    []ids.Address      `db:"-"`
	IdentityMismatches []IdentityMismatch `db:"-"`
	Recipients         []RecipientStatus  `db:"-"`
}

func (r *OutgoingMessageRecord) IsGroup() bool {
	return len(r.GroupID) != 0
}

func (r *OutgoingMessageRecord) HasMismatch(addr ids.Address) bool {
	for _, m := range r.IdentityMismatches {
		if m.Address == addr {
			return true
		}
	}
	return false
}

func (r *OutgoingMessageRecord) HasMismatchFor(id ids.ID) bool {
	for _, m := range r.IdentityMismatches {
		if m.Address.ID == id {
			return true
		}
	}
	return false
}

type Group struct {
	ID        []byte `db:"id"`
	MasterKey []byte `db:"master_key"`
	Revision  uint32 `db:"revision"`
	UtimeMs   uint64 `db:"utime_ms"`
}

type Profile struct {
	IdentityID []byte `db:"identity_id"`
	ProfileKey []byte `db:"profile_key"`
	Name       string `db:"name"`
	About      string `db:"about"`
	FetchedMs  uint64 `db:"fetched_ms"`
}

type Reaction struct {
	TargetAuthor    []byte `db:"target_author"`
	TargetTimestamp uint64 `db:"target_timestamp"`
	Sender          []byte `db:"sender"`
	Emoji           string `db:"emoji"`
	CtimeMs         uint64 `db:"ctime_ms"`
}

// PendingEnvelope is an encoded envelope waiting for the receive pipeline to become ready.
type PendingEnvelope struct {
	ID       int64  `db:"id"`
	Envelope []byte `db:"envelope"`
	CtimeMs  uint64 `db:"ctime_ms"`
}
