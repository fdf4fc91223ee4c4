// Package cipher is the session encryption boundary. It owns identity keys, one-time prekeys and per-device double
// ratchet sessions, all persisted in the shared database.
package cipher

import (
	"context"

	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
)

// SessionCipher is the capability the receive and send pipelines are given.
//
// Decrypt, HasSession and DeleteSession run inside the caller's open transaction so that ratchet state commits
// together with whatever the caller does with the result. Encrypt manages its own transactions and may block on a
// prekey fetch, so it must not be called with a transaction open.
type SessionCipher interface {
	Decrypt(env *envelope.Envelope) (*Plaintext, error)
	Encrypt(ctx context.Context, to ids.Address, plaintext []byte, opts EncryptOptions) (*envelope.Envelope, error)
	HasSession(addr ids.Address) (bool, error)
	DeleteSession(addr ids.Address) error
}

type Plaintext struct {
	Body []byte
	// Sender is nil only for server originated envelopes.
	Sender       *ids.ID
	SenderDevice uint32
	Unidentified bool

	// PrekeyMessage is set for messages which carried a session setup against a local one-time prekey.
	PrekeyMessage bool
}

func (p *Plaintext) SenderAddress() ids.Address {
	if p.Sender == nil {
		return ids.Address{}
	}
	return ids.Address{ID: *p.Sender, Device: p.SenderDevice}
}

type EncryptOptions struct {
	Timestamp uint64
	// Sealed hides the sender from the service by wrapping the ciphertext for the recipient's identity key.
	Sealed bool
}

// PrekeyBundle is what the service hands out for starting a session with one device.
type PrekeyBundle struct {
	Device      uint32
	IdentityKey []byte
	PrekeyID    uint32
	Prekey      []byte
}

type PrekeyFetcher interface {
	FetchPrekeys(ctx context.Context, id ids.ID, device uint32) ([]*PrekeyBundle, error)
}

type PublicPrekey struct {
	ID  uint32
	Key []byte
}

// PrekeyUpload is the public half of the local identity and a batch of one-time prekeys.
type PrekeyUpload struct {
	IdentityKey []byte
	Prekeys     []PublicPrekey
}
