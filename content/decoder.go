package content

import (
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
)

type Decoder struct {
	log *zap.SugaredLogger
}

func NewDecoder(c *config.Config) *Decoder {
	return &Decoder{log: c.Logger("content")}
}

// Decode turns decrypted plaintext into exactly one Content variant. It fails with ErrInvalidMessageStructure or an
// *UnsupportedVersionError, never with a partially populated result.
func (d *Decoder) Decode(plaintext []byte, meta Metadata, systemCommand *envelope.SystemCommand) (*Decoded, error) {
	if len(plaintext) == 0 && systemCommand != nil {
		return &Decoded{
			Content:       &DataMessage{Timestamp: meta.Timestamp},
			Metadata:      meta,
			SystemCommand: systemCommand,
		}, nil
	}

	w := &wireContent{}
	if err := bencode.Deserialize(plaintext, w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessageStructure, err)
	}
	if n := w.populated(); n != 1 {
		return nil, invalid("expected exactly one content variant, got %d", n)
	}

	var c Content
	var err error
	switch {
	case w.Data != nil:
		var dm *DataMessage
		dm, err = d.decodeData(w.Data, meta, true)
		if err == nil {
			meta.NeedsReceipt = meta.Sender != nil && !dm.IsGroupV2Update()
			c = dm
		}
	case w.Sync != nil:
		c, err = d.decodeSync(w.Sync, meta)
	case w.Call != nil:
		c = w.Call
	case w.Receipt != nil:
		if len(w.Receipt.Timestamps) == 0 {
			err = invalid("receipt without timestamps")
		}
		c = w.Receipt
	case w.Typing != nil:
		c, err = decodeTyping(w.Typing, meta)
	case w.SenderKey != nil:
		if len(w.SenderKey.ChainKey) != 32 {
			err = invalid("sender key chain key is %d bytes", len(w.SenderKey.ChainKey))
		}
		c = w.SenderKey
	case w.DecryptionError != nil:
		c = w.DecryptionError
	case w.Story != nil:
		var sm *StoryMessage
		sm, err = decodeStory(w.Story)
		if err == nil {
			meta.NeedsReceipt = meta.Sender != nil
			c = sm
		}
	}
	if err != nil {
		return nil, err
	}
	return &Decoded{Content: c, Metadata: meta, SystemCommand: systemCommand}, nil
}

func checkTimestamp(outer, inner uint64) error {
	if outer != 0 && inner != 0 && outer != inner {
		return invalid("inner timestamp %d does not match envelope timestamp %d", inner, outer)
	}
	return nil
}

func (d *Decoder) decodeData(w *wireDataMessage, meta Metadata, outerTimestamp bool) (*DataMessage, error) {
	group, groupErr := groupFromWire(w.Group)
	if w.RequiredProtocolVersion > CurrentProtocolVersion {
		e := &UnsupportedVersionError{
			Required: w.RequiredProtocolVersion,
			Sender:   meta.Sender,
			Device:   meta.SenderDevice,
		}
		if groupErr == nil {
			e.Group = group
		}
		return nil, e
	}
	if groupErr != nil {
		return nil, groupErr
	}
	if outerTimestamp {
		if err := checkTimestamp(meta.Timestamp, w.Timestamp); err != nil {
			return nil, err
		}
	}

	m := &DataMessage{
		Timestamp:               w.Timestamp,
		Body:                    w.Body,
		Group:                   group,
		Attachments:             w.Attachments,
		Contacts:                w.Contacts,
		Previews:                w.Previews,
		Sticker:                 w.Sticker,
		RemoteDelete:            w.RemoteDelete,
		ExpiresInSeconds:        w.ExpiresInSeconds,
		ViewOnce:                w.ViewOnce,
		ProfileKey:              w.ProfileKey,
		RequiredProtocolVersion: w.RequiredProtocolVersion,
		Flags:                   Flags(w.Flags),
	}
	if m.Timestamp == 0 {
		m.Timestamp = meta.Timestamp
	}

	for _, wm := range w.Mentions {
		target, err := ids.ParseID(wm.Target)
		if err != nil {
			return nil, invalid("mention target: %s", err)
		}
		m.Mentions = append(m.Mentions, Mention{Start: wm.Start, Length: wm.Length, Target: target})
	}

	if w.Payment != nil {
		if len(w.Payment.Receipt) == 0 {
			return nil, invalid("payment without receipt")
		}
		m.Payment = &Payment{Note: w.Payment.Note, Receipt: w.Payment.Receipt}
	}

	if w.Reaction != nil {
		if author, err := ids.ParseID(w.Reaction.TargetAuthor); err != nil {
			d.log.Warnf("dropping reaction with bad author from %s: %s", meta.SenderAddress(), err)
		} else {
			m.Reaction = &Reaction{
				Emoji:           w.Reaction.Emoji,
				Remove:          w.Reaction.Remove,
				TargetAuthor:    author,
				TargetTimestamp: w.Reaction.TargetTimestamp,
			}
		}
	}

	if w.StoryContext != nil {
		if author, err := ids.ParseID(w.StoryContext.Author); err != nil {
			d.log.Warnf("dropping story context with bad author from %s: %s", meta.SenderAddress(), err)
		} else {
			m.StoryContext = &StoryContext{Author: author, SentTimestamp: w.StoryContext.SentTimestamp}
		}
	}

	if w.Quote != nil {
		if author, err := ids.ParseID(w.Quote.Author); err != nil {
			d.log.Warnf("dropping quote with bad author from %s: %s", meta.SenderAddress(), err)
		} else {
			m.Quote = &Quote{ID: w.Quote.ID, Author: author, Text: w.Quote.Text, Attachments: w.Quote.Attachments}
		}
	}

	return m, nil
}

func (d *Decoder) decodeSync(w *wireSyncMessage, meta Metadata) (*SyncMessage, error) {
	if w.Sent == nil && len(w.Read) == 0 {
		return nil, invalid("empty sync message")
	}
	m := &SyncMessage{}
	if w.Sent != nil {
		st := &SentTranscript{
			Timestamp:                w.Sent.Timestamp,
			ExpirationStartTimestamp: w.Sent.ExpirationStartTimestamp,
		}
		if len(w.Sent.Destination) != 0 {
			dest, err := ids.ParseID(w.Sent.Destination)
			if err != nil {
				return nil, invalid("sent transcript destination: %s", err)
			}
			st.Destination = &dest
		}
		if w.Sent.Message != nil {
			dm, err := d.decodeData(w.Sent.Message, meta, false)
			if err != nil {
				return nil, err
			}
			st.Message = dm
		}
		for _, us := range w.Sent.UnidentifiedStatus {
			dest, err := ids.ParseID(us.Destination)
			if err != nil {
				return nil, invalid("unidentified status destination: %s", err)
			}
			st.UnidentifiedStatus = append(st.UnidentifiedStatus, UnidentifiedStatus{Destination: dest, Unidentified: us.Unidentified})
		}
		m.Sent = st
	}
	for _, r := range w.Read {
		sender, err := ids.ParseID(r.Sender)
		if err != nil {
			return nil, invalid("read mark sender: %s", err)
		}
		m.Read = append(m.Read, ReadMark{Sender: sender, Timestamp: r.Timestamp})
	}
	return m, nil
}

func decodeTyping(w *wireTypingMessage, meta Metadata) (*TypingMessage, error) {
	if err := checkTimestamp(meta.Timestamp, w.Timestamp); err != nil {
		return nil, err
	}
	if w.Action > TypingStopped {
		return nil, invalid("unknown typing action %d", w.Action)
	}
	m := &TypingMessage{Timestamp: w.Timestamp, Action: w.Action}
	if len(w.GroupID) != 0 {
		g, err := ids.ParseID(w.GroupID)
		if err != nil {
			return nil, invalid("typing group id: %s", err)
		}
		m.GroupID = &g
	}
	return m, nil
}

func decodeStory(w *wireStoryMessage) (*StoryMessage, error) {
	if (w.FileAttachment == nil) == (w.TextAttachment == nil) {
		return nil, invalid("story must carry exactly one of file or text")
	}
	group, err := groupFromWire(w.Group)
	if err != nil {
		return nil, err
	}
	return &StoryMessage{
		Group:          group,
		FileAttachment: w.FileAttachment,
		TextAttachment: w.TextAttachment,
		AllowsReplies:  w.AllowsReplies,
		ProfileKey:     w.ProfileKey,
	}, nil
}

// Encode serializes c for encryption. It is the inverse of Decode.
func Encode(c Content) ([]byte, error) {
	w := &wireContent{}
	switch m := c.(type) {
	case *DataMessage:
		w.Data = dataToWire(m)
	case *SyncMessage:
		w.Sync = syncToWire(m)
	case *CallMessage:
		w.Call = m
	case *ReceiptMessage:
		w.Receipt = m
	case *TypingMessage:
		w.Typing = &wireTypingMessage{Timestamp: m.Timestamp, Action: m.Action, GroupID: idToWire(m.GroupID)}
	case *SenderKeyDistributionMessage:
		w.SenderKey = m
	case *DecryptionErrorMessage:
		w.DecryptionError = m
	case *StoryMessage:
		w.Story = &wireStoryMessage{
			Group:          groupToWire(m.Group),
			FileAttachment: m.FileAttachment,
			TextAttachment: m.TextAttachment,
			AllowsReplies:  m.AllowsReplies,
			ProfileKey:     m.ProfileKey,
		}
	default:
		return nil, fmt.Errorf("content: cannot encode %T", c)
	}
	b, err := bencode.Serialize(w)
	if err != nil {
		return nil, fmt.Errorf("content: encode %s: %w", Name(c), err)
	}
	return b, nil
}
