package content

import (
	"math"

	"github.com/meow-io/go-courier/ids"
)

// Identity references travel as raw bytes so that a bad id can be handled per field instead of failing the
// whole bencode decode.

type wireContent struct {
	Data            *wireDataMessage              `bencode:"d,omitempty"`
	Sync            *wireSyncMessage              `bencode:"s,omitempty"`
	Call            *CallMessage                  `bencode:"c,omitempty"`
	Receipt         *ReceiptMessage               `bencode:"r,omitempty"`
	Typing          *wireTypingMessage            `bencode:"t,omitempty"`
	SenderKey       *SenderKeyDistributionMessage `bencode:"k,omitempty"`
	DecryptionError *DecryptionErrorMessage       `bencode:"e,omitempty"`
	Story           *wireStoryMessage             `bencode:"st,omitempty"`
}

func (w *wireContent) populated() int {
	n := 0
	for _, set := range []bool{
		w.Data != nil, w.Sync != nil, w.Call != nil, w.Receipt != nil,
		w.Typing != nil, w.SenderKey != nil, w.DecryptionError != nil, w.Story != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

type wireGroupContext struct {
	MasterKey    []byte `bencode:"mk"`
	Revision     int64  `bencode:"r"`
	SignedChange []byte `bencode:"sc,omitempty"`
}

type wireQuote struct {
	ID          uint64              `bencode:"i"`
	Author      []byte              `bencode:"a"`
	Text        string              `bencode:"t,omitempty"`
	Attachments []*QuotedAttachment `bencode:"at,omitempty"`
}

type wireMention struct {
	Start  uint32 `bencode:"s"`
	Length uint32 `bencode:"l"`
	Target []byte `bencode:"t"`
}

type wireReaction struct {
	Emoji           string `bencode:"e"`
	Remove          bool   `bencode:"r,omitempty"`
	TargetAuthor    []byte `bencode:"a"`
	TargetTimestamp uint64 `bencode:"ts"`
}

type wirePayment struct {
	Note    string `bencode:"n,omitempty"`
	Receipt []byte `bencode:"r,omitempty"`
}

type wireStoryContext struct {
	Author        []byte `bencode:"a"`
	SentTimestamp uint64 `bencode:"ts"`
}

type wireDataMessage struct {
	Timestamp               uint64               `bencode:"ts"`
	Body                    *string              `bencode:"b,omitempty"`
	Group                   *wireGroupContext    `bencode:"g,omitempty"`
	Attachments             []*AttachmentPointer `bencode:"a,omitempty"`
	Quote                   *wireQuote           `bencode:"q,omitempty"`
	Contacts                []*SharedContact     `bencode:"c,omitempty"`
	Previews                []*Preview           `bencode:"p,omitempty"`
	Mentions                []wireMention        `bencode:"m,omitempty"`
	Sticker                 *Sticker             `bencode:"sk,omitempty"`
	Reaction                *wireReaction        `bencode:"r,omitempty"`
	RemoteDelete            *RemoteDelete        `bencode:"rd,omitempty"`
	ExpiresInSeconds        uint32               `bencode:"e,omitempty"`
	ViewOnce                bool                 `bencode:"vo,omitempty"`
	Payment                 *wirePayment         `bencode:"pm,omitempty"`
	StoryContext            *wireStoryContext    `bencode:"sx,omitempty"`
	ProfileKey              []byte               `bencode:"pk,omitempty"`
	RequiredProtocolVersion uint32               `bencode:"rv,omitempty"`
	Flags                   uint32               `bencode:"f,omitempty"`
}

type wireUnidentifiedStatus struct {
	Destination  []byte `bencode:"d"`
	Unidentified bool   `bencode:"u,omitempty"`
}

type wireSentTranscript struct {
	Destination              []byte                   `bencode:"d,omitempty"`
	Timestamp                uint64                   `bencode:"ts"`
	Message                  *wireDataMessage         `bencode:"m,omitempty"`
	ExpirationStartTimestamp uint64                   `bencode:"e,omitempty"`
	UnidentifiedStatus       []wireUnidentifiedStatus `bencode:"u,omitempty"`
}

type wireReadMark struct {
	Sender    []byte `bencode:"s"`
	Timestamp uint64 `bencode:"ts"`
}

type wireSyncMessage struct {
	Sent *wireSentTranscript `bencode:"s,omitempty"`
	Read []wireReadMark      `bencode:"r,omitempty"`
}

type wireTypingMessage struct {
	Timestamp uint64       `bencode:"ts"`
	Action    TypingAction `bencode:"a"`
	GroupID   []byte       `bencode:"g,omitempty"`
}

type wireStoryMessage struct {
	Group          *wireGroupContext  `bencode:"g,omitempty"`
	FileAttachment *AttachmentPointer `bencode:"f,omitempty"`
	TextAttachment *string            `bencode:"t,omitempty"`
	AllowsReplies  bool               `bencode:"ar,omitempty"`
	ProfileKey     []byte             `bencode:"pk,omitempty"`
}

func groupFromWire(w *wireGroupContext) (*GroupContext, error) {
	if w == nil {
		return nil, nil
	}
	if len(w.MasterKey) != 32 {
		return nil, invalid("group master key is %d bytes", len(w.MasterKey))
	}
	if w.Revision < 0 || w.Revision > math.MaxUint32 {
		return nil, invalid("group revision %d out of range", w.Revision)
	}
	g := &GroupContext{
		MasterKey: [32]byte(w.MasterKey),
		Revision:  uint32(w.Revision),
	}
	if len(w.SignedChange) != 0 {
		g.SignedChange = w.SignedChange
	}
	return g, nil
}

func groupToWire(g *GroupContext) *wireGroupContext {
	if g == nil {
		return nil
	}
	return &wireGroupContext{
		MasterKey:    g.MasterKey[:],
		Revision:     int64(g.Revision),
		SignedChange: g.SignedChange,
	}
}

func idToWire(id *ids.ID) []byte {
	if id == nil {
		return nil
	}
	return id[:]
}

func dataToWire(m *DataMessage) *wireDataMessage {
	w := &wireDataMessage{
		Timestamp:               m.Timestamp,
		Body:                    m.Body,
		Group:                   groupToWire(m.Group),
		Attachments:             m.Attachments,
		Contacts:                m.Contacts,
		Previews:                m.Previews,
		Sticker:                 m.Sticker,
		RemoteDelete:            m.RemoteDelete,
		ExpiresInSeconds:        m.ExpiresInSeconds,
		ViewOnce:                m.ViewOnce,
		ProfileKey:              m.ProfileKey,
		RequiredProtocolVersion: m.RequiredProtocolVersion,
		Flags:                   uint32(m.Flags),
	}
	if m.Quote != nil {
		w.Quote = &wireQuote{ID: m.Quote.ID, Author: m.Quote.Author[:], Text: m.Quote.Text, Attachments: m.Quote.Attachments}
	}
	for _, mention := range m.Mentions {
		target := mention.Target
		w.Mentions = append(w.Mentions, wireMention{Start: mention.Start, Length: mention.Length, Target: target[:]})
	}
	if m.Reaction != nil {
		w.Reaction = &wireReaction{
			Emoji:           m.Reaction.Emoji,
			Remove:          m.Reaction.Remove,
			TargetAuthor:    m.Reaction.TargetAuthor[:],
			TargetTimestamp: m.Reaction.TargetTimestamp,
		}
	}
	if m.Payment != nil {
		w.Payment = &wirePayment{Note: m.Payment.Note, Receipt: m.Payment.Receipt}
	}
	if m.StoryContext != nil {
		w.StoryContext = &wireStoryContext{Author: m.StoryContext.Author[:], SentTimestamp: m.StoryContext.SentTimestamp}
	}
	return w
}

func syncToWire(m *SyncMessage) *wireSyncMessage {
	w := &wireSyncMessage{}
	if m.Sent != nil {
		st := &wireSentTranscript{
			Destination:              idToWire(m.Sent.Destination),
			Timestamp:                m.Sent.Timestamp,
			ExpirationStartTimestamp: m.Sent.ExpirationStartTimestamp,
		}
		if m.Sent.Message != nil {
			st.Message = dataToWire(m.Sent.Message)
		}
		for _, us := range m.Sent.UnidentifiedStatus {
			dest := us.Destination
			st.UnidentifiedStatus = append(st.UnidentifiedStatus, wireUnidentifiedStatus{Destination: dest[:], Unidentified: us.Unidentified})
		}
		w.Sent = st
	}
	for _, r := range m.Read {
		sender := r.Sender
		w.Read = append(w.Read, wireReadMark{Sender: sender[:], Timestamp: r.Timestamp})
	}
	return w
}
