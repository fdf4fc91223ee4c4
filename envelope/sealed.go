package envelope

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/crypto"
)

// SealedVersion is the leading byte of an envelope encrypted with the signaling key.
const SealedVersion = 1

var ErrUnsupportedSealedVersion = errors.New("envelope: unsupported sealed envelope version")

// Open decrypts a transport envelope sealed with the 32 byte signaling key shared with the service.
func Open(sealed, signalingKey []byte) (*Envelope, error) {
	if len(sealed) < 1 {
		return nil, fmt.Errorf("%w: empty sealed envelope", ErrMalformedEnvelope)
	}
	if sealed[0] != SealedVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSealedVersion, sealed[0])
	}
	body, err := crypto.Open(signalingKey, sealed[1:], sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return Decode(body)
}

func Seal(e *Envelope, signalingKey []byte) ([]byte, error) {
	body, err := Encode(e)
	if err != nil {
		return nil, err
	}
	version := []byte{SealedVersion}
	enc, err := crypto.Seal(signalingKey, body, version)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal: %w", err)
	}
	return append(version, enc...), nil
}

// Unwrap decodes an envelope as delivered by the service: sealed when a signaling key is configured, plain otherwise.
func Unwrap(b, signalingKey []byte) (*Envelope, error) {
	if len(signalingKey) != 0 {
		return Open(b, signalingKey)
	}
	return Decode(b)
}
