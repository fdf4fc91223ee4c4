// This package defines the identifier types used throughout courier. Identities, messages and groups are all
// addressed by random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

// IDFromBytes converts b to an ID. It panics if b is shorter than 16 bytes, use ParseID for untrusted input.
func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func ParseID(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return ID(b), nil
}

func ParseHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: %w", err)
	}
	return ParseID(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }

// Address is a single device belonging to an identity.
type Address struct {
	ID     ID
	Device uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%x.%d", a.ID[:], a.Device)
}
