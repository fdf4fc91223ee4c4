package cipher

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

type Kind int

const (
	InvalidVersion Kind = iota + 1
	InvalidMessageStructure
	NoSession
	DuplicateMessage
	UntrustedIdentity
	LegacyMessage
	SelfSend
)

func (k Kind) String() string {
	switch k {
	case InvalidVersion:
		return "invalid_version"
	case InvalidMessageStructure:
		return "invalid_message_structure"
	case NoSession:
		return "no_session"
	case DuplicateMessage:
		return "duplicate_message"
	case UntrustedIdentity:
		return "untrusted_identity"
	case LegacyMessage:
		return "legacy_message"
	case SelfSend:
		return "self_send"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is every failure the cipher reports about a message itself. Storage and transport failures are returned
// unwrapped so callers can tell them apart.
type Error struct {
	Kind   Kind
	Sender ids.Address
	// NewKey is the unrecognized identity key for UntrustedIdentity.
	NewKey []byte
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cipher: %s from %s: %s", e.Kind, e.Sender, e.Err)
	}
	return fmt.Sprintf("cipher: %s from %s", e.Kind, e.Sender)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, sender ids.Address, err error) *Error {
	return &Error{Kind: kind, Sender: sender, Err: err}
}

// KindOf reports the kind of a cipher error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
