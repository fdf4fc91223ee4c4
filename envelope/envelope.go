// Package envelope defines the wire container a transport hands to the receive pipeline. Envelopes are plain values,
// decoded once at the transport boundary and never mutated afterwards.
package envelope

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/ids"
)

type Type uint8

const (
	TypeUnknown Type = iota
	TypeCiphertext
	TypePrekeyBundle
	TypeReceipt
	TypeUnidentifiedSender
	TypePlaintextContent
	TypeSystemCommand
)

func (t Type) String() string {
	switch t {
	case TypeCiphertext:
		return "ciphertext"
	case TypePrekeyBundle:
		return "prekey_bundle"
	case TypeReceipt:
		return "receipt"
	case TypeUnidentifiedSender:
		return "unidentified_sender"
	case TypePlaintextContent:
		return "plaintext_content"
	case TypeSystemCommand:
		return "system_command"
	default:
		return "unknown"
	}
}

var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// SystemCommand is an out-of-band instruction from the service, carried outside the end-to-end payload.
type SystemCommand struct {
	Name string `bencode:"n"`
	Body []byte `bencode:"b,omitempty"`
}

type Envelope struct {
	Type                     Type           `bencode:"t"`
	Source                   *ids.ID        `bencode:"s,omitempty"`
	SourceDevice             uint32         `bencode:"sd,omitempty"`
	Timestamp                uint64         `bencode:"ts"`
	ServerReceivedTimestamp  uint64         `bencode:"srt,omitempty"`
	ServerDeliveredTimestamp uint64         `bencode:"sdt,omitempty"`
	ServerGUID               string         `bencode:"g,omitempty"`
	LegacyMessage            []byte         `bencode:"l,omitempty"`
	Content                  []byte         `bencode:"c,omitempty"`
	SystemCommand            *SystemCommand `bencode:"sc,omitempty"`
}

func (e *Envelope) validate() error {
	if e.Type == TypeUnknown || e.Type > TypeSystemCommand {
		return fmt.Errorf("%w: unknown type %d", ErrMalformedEnvelope, e.Type)
	}
	if len(e.LegacyMessage) != 0 && len(e.Content) != 0 {
		return fmt.Errorf("%w: both legacy message and content present", ErrMalformedEnvelope)
	}
	return nil
}

func Decode(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := bencode.Deserialize(b, e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func Encode(e *Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	b, err := bencode.Serialize(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// Payload is whichever of the two ciphertext fields is populated.
func (e *Envelope) Payload() []byte {
	if len(e.Content) != 0 {
		return e.Content
	}
	return e.LegacyMessage
}

func (e *Envelope) HasSource() bool {
	return e.Source != nil
}

func (e *Envelope) IsReceipt() bool {
	return e.Type == TypeReceipt
}

func (e *Envelope) IsPrekeyBundle() bool {
	return e.Type == TypePrekeyBundle
}

func (e *Envelope) IsUnidentifiedSender() bool {
	return e.Type == TypeUnidentifiedSender
}

// IsServerOriginated is true for envelopes the service itself produced rather than relayed from a peer.
func (e *Envelope) IsServerOriginated() bool {
	return e.Source == nil && (e.Type == TypePlaintextContent || e.Type == TypeSystemCommand)
}

// Sender returns the source address, or the zero address when the envelope has none.
func (e *Envelope) Sender() ids.Address {
	if e.Source == nil {
		return ids.Address{}
	}
	return ids.Address{ID: *e.Source, Device: e.SourceDevice}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{type=%s sender=%s ts=%d guid=%s}", e.Type, e.Sender(), e.Timestamp, e.ServerGUID)
}
