// Package content defines the decrypted application payloads carried inside envelopes and the decoder which turns
// plaintext into them. Content is a closed sum type: every consumer switches over the concrete variants.
package content

import (
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
)

// protocol versions a DataMessage may require
const (
	ProtocolVersionInitial                = 0
	ProtocolVersionMessageTimers          = 1
	ProtocolVersionViewOnce               = 2
	ProtocolVersionViewOnceVideo          = 3
	ProtocolVersionReactions              = 4
	ProtocolVersionCDNSelectorAttachments = 5
	ProtocolVersionMentions               = 6
	ProtocolVersionPayments               = 7

	CurrentProtocolVersion = ProtocolVersionPayments
)

type Content interface {
	isContent()
}

type Metadata struct {
	Sender                   *ids.ID
	SenderDevice             uint32
	Timestamp                uint64
	ServerReceivedTimestamp  uint64
	ServerDeliveredTimestamp uint64
	ServerGUID               string
	Unidentified             bool
	NeedsReceipt             bool
}

func (m Metadata) SenderAddress() ids.Address {
	if m.Sender == nil {
		return ids.Address{}
	}
	return ids.Address{ID: *m.Sender, Device: m.SenderDevice}
}

type Decoded struct {
	Content       Content
	Metadata      Metadata
	SystemCommand *envelope.SystemCommand
}

type Flags uint32

const (
	FlagEndSession Flags = 1 << iota
	FlagExpirationTimerUpdate
	FlagProfileKeyUpdate
)

type DataMessage struct {
	Timestamp               uint64
	Body                    *string
	Group                   *GroupContext
	Attachments             []*AttachmentPointer
	Quote                   *Quote
	Contacts                []*SharedContact
	Previews                []*Preview
	Mentions                []Mention
	Sticker                 *Sticker
	Reaction                *Reaction
	RemoteDelete            *RemoteDelete
	ExpiresInSeconds        uint32
	ViewOnce                bool
	Payment                 *Payment
	StoryContext            *StoryContext
	ProfileKey              []byte
	RequiredProtocolVersion uint32
	Flags                   Flags
}

// HasRenderableContent is true when the message carries anything a conversation view would display.
func (m *DataMessage) HasRenderableContent() bool {
	return (m.Body != nil && *m.Body != "") ||
		len(m.Attachments) != 0 ||
		m.Quote != nil ||
		len(m.Contacts) != 0 ||
		len(m.Previews) != 0 ||
		len(m.Mentions) != 0 ||
		m.Sticker != nil ||
		m.Reaction != nil ||
		m.RemoteDelete != nil
}

// IsGroupV2Update is true for a metadata-only group change: a signed change with nothing renderable attached.
func (m *DataMessage) IsGroupV2Update() bool {
	return m.Group != nil && len(m.Group.SignedChange) != 0 && !m.HasRenderableContent()
}

func (m *DataMessage) IsEndSession() bool {
	return m.Flags&FlagEndSession != 0
}

func (m *DataMessage) IsExpirationUpdate() bool {
	return m.Flags&FlagExpirationTimerUpdate != 0
}

func (m *DataMessage) IsProfileKeyUpdate() bool {
	return m.Flags&FlagProfileKeyUpdate != 0
}

type GroupContext struct {
	MasterKey    [32]byte
	Revision     uint32
	SignedChange []byte
}

// ID derives the public group identifier from the master key.
func (g *GroupContext) ID() ids.ID {
	k, err := crypto.DeriveKey(g.MasterKey[:], nil, []byte("courier group id"))
	if err != nil {
		panic(err)
	}
	return ids.IDFromBytes(k[:16])
}

type AttachmentPointer struct {
	ID          []byte `bencode:"i"`
	ContentType string `bencode:"ct"`
	Key         []byte `bencode:"k"`
	Digest      []byte `bencode:"d"`
	Size        uint64 `bencode:"s"`
	Thumbnail   []byte `bencode:"th,omitempty"`
	Caption     string `bencode:"c,omitempty"`
	Blurhash    string `bencode:"bh,omitempty"`
}

type QuotedAttachment struct {
	ContentType string `bencode:"ct"`
	FileName    string `bencode:"f,omitempty"`
}

type Quote struct {
	ID          uint64
	Author      ids.ID
	Text        string
	Attachments []*QuotedAttachment
}

type SharedContact struct {
	Name   string   `bencode:"n"`
	Phones []string `bencode:"p,omitempty"`
	Emails []string `bencode:"e,omitempty"`
}

type Preview struct {
	URL         string             `bencode:"u"`
	Title       string             `bencode:"t,omitempty"`
	Description string             `bencode:"d,omitempty"`
	Date        uint64             `bencode:"dt,omitempty"`
	Image       *AttachmentPointer `bencode:"i,omitempty"`
}

type Mention struct {
	Start  uint32
	Length uint32
	Target ids.ID
}

type Sticker struct {
	PackID    []byte             `bencode:"p"`
	PackKey   []byte             `bencode:"k"`
	StickerID uint32             `bencode:"s"`
	Emoji     string             `bencode:"e,omitempty"`
	Data      *AttachmentPointer `bencode:"d"`
}

type Reaction struct {
	Emoji           string
	Remove          bool
	TargetAuthor    ids.ID
	TargetTimestamp uint64
}

type RemoteDelete struct {
	TargetTimestamp uint64 `bencode:"ts"`
}

type Payment struct {
	Note    string
	Receipt []byte
}

type StoryContext struct {
	Author        ids.ID
	SentTimestamp uint64
}

type UnidentifiedStatus struct {
	Destination  ids.ID
	Unidentified bool
}

// SentTranscript is the copy of an outgoing message delivered to the sender's other devices.
type SentTranscript struct {
	Destination              *ids.ID
	Timestamp                uint64
	Message                  *DataMessage
	ExpirationStartTimestamp uint64
	UnidentifiedStatus       []UnidentifiedStatus
}

type ReadMark struct {
	Sender    ids.ID
	Timestamp uint64
}

type SyncMessage struct {
	Sent *SentTranscript
	Read []ReadMark
}

type CallType uint8

const (
	CallOffer CallType = iota
	CallAnswer
	CallIceUpdate
	CallHangup
	CallBusy
)

type CallMessage struct {
	ID                uint64   `bencode:"i"`
	Type              CallType `bencode:"t"`
	Opaque            []byte   `bencode:"o,omitempty"`
	DestinationDevice uint32   `bencode:"dd,omitempty"`
}

type ReceiptType uint8

const (
	ReceiptDelivery ReceiptType = iota
	ReceiptRead
	ReceiptViewed
)

type ReceiptMessage struct {
	Type       ReceiptType `bencode:"t"`
	Timestamps []uint64    `bencode:"ts"`
}

type TypingAction uint8

const (
	TypingStarted TypingAction = iota
	TypingStopped
)

type TypingMessage struct {
	Timestamp uint64
	Action    TypingAction
	GroupID   *ids.ID
}

// SenderKeyDistributionMessage hands out the chain key a sender uses for group-addressed ciphertexts.
type SenderKeyDistributionMessage struct {
	DistributionID ids.ID `bencode:"di"`
	ChainID        uint32 `bencode:"c"`
	Iteration      uint32 `bencode:"i"`
	ChainKey       []byte `bencode:"k"`
	SigningKey     []byte `bencode:"s"`
}

// DecryptionErrorMessage tells a sender that one of its messages could not be decrypted.
type DecryptionErrorMessage struct {
	Timestamp  uint64 `bencode:"ts"`
	RatchetKey []byte `bencode:"rk,omitempty"`
	DeviceID   uint32 `bencode:"d"`
}

type StoryMessage struct {
	Group          *GroupContext
	FileAttachment *AttachmentPointer
	TextAttachment *string
	AllowsReplies  bool
	ProfileKey     []byte
}

func (*DataMessage) isContent()                  {}
func (*SyncMessage) isContent()                  {}
func (*CallMessage) isContent()                  {}
func (*ReceiptMessage) isContent()               {}
func (*TypingMessage) isContent()                {}
func (*SenderKeyDistributionMessage) isContent() {}
func (*DecryptionErrorMessage) isContent()       {}
func (*StoryMessage) isContent()                 {}

// Name is the variant name used in logs and metrics.
func Name(c Content) string {
	switch c.(type) {
	case *DataMessage:
		return "data"
	case *SyncMessage:
		return "sync"
	case *CallMessage:
		return "call"
	case *ReceiptMessage:
		return "receipt"
	case *TypingMessage:
		return "typing"
	case *SenderKeyDistributionMessage:
		return "sender_key"
	case *DecryptionErrorMessage:
		return "decryption_error"
	case *StoryMessage:
		return "story"
	default:
		return "unknown"
	}
}
